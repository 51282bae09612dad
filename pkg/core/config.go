package core

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/voicesofjudah/mediagate/internal/ledger"
	"github.com/voicesofjudah/mediagate/internal/replay"
	"github.com/voicesofjudah/mediagate/pkg/auth"
	"github.com/voicesofjudah/mediagate/pkg/storage"
	"github.com/voicesofjudah/mediagate/pkg/token"
)

const (
	DefaultPublicBase     = "https://r2.thevoicesofjudah.com"
	DefaultMaxUploadSize  = 10 * 1024 * 1024
	DefaultMaxTokenTTL    = 24 * time.Hour
	DefaultPresignRate    = 5
	DefaultPresignBurst   = 20
	ImmutableCacheControl = "public, max-age=31536000, immutable"
)

type Config struct {
	// Bucket is the selected binding. A nil Bucket disables every store
	// route.
	Bucket        storage.Bucket
	Tokens        *token.Service
	Authenticator auth.AuthEngine

	PublicBase     string
	DefaultMaxSize int64
	MaxTokenTTL    time.Duration

	// ReplayGuard, when set, makes every capability token single use.
	ReplayGuard replay.Guard

	// Ledger, when set, records multipart phase transitions.
	Ledger *ledger.Ledger

	// PresignRate is the sustained number of presign requests per second
	// allowed for one client IP. Zero disables the limit.
	PresignRate  float64
	PresignBurst int

	Registry *prometheus.Registry
}

type ConfigOption func(*Config)

func WithBucket(bucket storage.Bucket) ConfigOption {
	return func(cfg *Config) {
		cfg.Bucket = bucket
	}
}

func WithTokenService(tokens *token.Service) ConfigOption {
	return func(cfg *Config) {
		cfg.Tokens = tokens
	}
}

func WithAuthEngine(authenticator auth.AuthEngine) ConfigOption {
	return func(cfg *Config) {
		cfg.Authenticator = authenticator
	}
}

func WithPublicBase(base string) ConfigOption {
	return func(cfg *Config) {
		cfg.PublicBase = base
	}
}

func WithDefaultMaxSize(size int64) ConfigOption {
	return func(cfg *Config) {
		cfg.DefaultMaxSize = size
	}
}

func WithMaxTokenTTL(ttl time.Duration) ConfigOption {
	return func(cfg *Config) {
		cfg.MaxTokenTTL = ttl
	}
}

func WithReplayGuard(guard replay.Guard) ConfigOption {
	return func(cfg *Config) {
		cfg.ReplayGuard = guard
	}
}

func WithLedger(l *ledger.Ledger) ConfigOption {
	return func(cfg *Config) {
		cfg.Ledger = l
	}
}

func WithPresignRateLimit(perSecond float64, burst int) ConfigOption {
	return func(cfg *Config) {
		cfg.PresignRate = perSecond
		cfg.PresignBurst = burst
	}
}

// WithRegistry registers the server metrics on reg instead of a private
// registry.
func WithRegistry(reg *prometheus.Registry) ConfigOption {
	return func(cfg *Config) {
		cfg.Registry = reg
	}
}

func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{
		PresignRate:  DefaultPresignRate,
		PresignBurst: DefaultPresignBurst,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
