// Package config loads the mediagate server configuration from command
// line flags, falling back to environment variables and then defaults.
package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/voicesofjudah/mediagate/pkg/storage"
)

// PlaceholderSecret is used when R2_UPLOAD_SECRET is unset. Tokens signed
// with it are forgeable by anyone who has read this source.
const PlaceholderSecret = "CHANGE-THIS-IN-PRODUCTION-GENERATE-WITH-openssl-rand-base64-32"

const (
	DefaultPublicBase    = "https://r2.thevoicesofjudah.com"
	DefaultMaxUploadSize = "10MiB"
)

type Config struct {
	Listen        string
	MetricsListen string
	LogLevel      slog.Level

	Storage storage.BindingConfig

	PublicBase     string
	UploadSecret   string
	DefaultMaxSize int64
	MaxTokenTTL    time.Duration

	AdminJWTSecret string
	AdminUser      string
	AdminPassword  string

	SingleUseTokens bool
	RedisAddr       string
	RedisPassword   string

	LedgerPath     string
	StaleUploadAge time.Duration
	ReaperSchedule string

	PresignRate  float64
	PresignBurst int

	OTelEndpoint string
	OTelInsecure bool
}

// UsingPlaceholderSecret reports whether the upload secret was left at its
// built-in default.
func (c *Config) UsingPlaceholderSecret() bool {
	return c.UploadSecret == PlaceholderSecret
}

type loader struct {
	fs     *flag.FlagSet
	getenv func(string) string
}

func (l *loader) string(name string, env string, fallback string, usage string) *string {
	if v := l.getenv(env); v != "" {
		fallback = v
	}
	return l.fs.String(name, fallback, fmt.Sprintf("%s (env %s)", usage, env))
}

func (l *loader) bool(name string, env string, fallback bool, usage string) *bool {
	if v, err := strconv.ParseBool(l.getenv(env)); err == nil {
		fallback = v
	}
	return l.fs.Bool(name, fallback, fmt.Sprintf("%s (env %s)", usage, env))
}

func (l *loader) duration(name string, env string, fallback time.Duration, usage string) *time.Duration {
	if v, err := time.ParseDuration(l.getenv(env)); err == nil {
		fallback = v
	}
	return l.fs.Duration(name, fallback, fmt.Sprintf("%s (env %s)", usage, env))
}

func (l *loader) float(name string, env string, fallback float64, usage string) *float64 {
	if v, err := strconv.ParseFloat(l.getenv(env), 64); err == nil {
		fallback = v
	}
	return l.fs.Float64(name, fallback, fmt.Sprintf("%s (env %s)", usage, env))
}

func (l *loader) int(name string, env string, fallback int, usage string) *int {
	if v, err := strconv.Atoi(l.getenv(env)); err == nil {
		fallback = v
	}
	return l.fs.Int(name, fallback, fmt.Sprintf("%s (env %s)", usage, env))
}

// Load parses args (without the program name). getenv is usually
// os.Getenv.
func Load(name string, args []string, getenv func(string) string) (*Config, error) {
	l := &loader{fs: flag.NewFlagSet(name, flag.ContinueOnError), getenv: getenv}

	listen := l.string("listen", "LISTEN", ":8080", "HTTP listen address")
	metricsListen := l.string("metrics-listen", "METRICS_LISTEN", "", "separate listen address for /metrics; empty serves it on the main listener")
	logLevel := l.string("log-level", "LOG_LEVEL", "info", "log level: debug, info, warn, error")

	dataDir := l.string("data-dir", "DATA_DIR", "./data", "directory for the local storage driver")
	minPartSize := l.string("local-min-part-size", "LOCAL_MIN_PART_SIZE", "5MiB", "smallest non-final multipart part the local driver accepts")
	driver := l.string("storage-driver", "STORAGE_DRIVER", storage.DriverLocal, "storage driver: local, minio, s3, none")
	mediaBucket := l.string("media-bucket", "MEDIA_BUCKET", "", "primary bucket binding")
	userAssets := l.string("user-assets", "USER_ASSETS", "", "fallback bucket binding")
	endpoint := l.string("r2-endpoint", "R2_ENDPOINT", "", "S3 API endpoint of the R2 account")
	accessKey := l.string("r2-access-key-id", "R2_ACCESS_KEY_ID", "", "R2 access key id")
	secretKey := l.string("r2-secret-access-key", "R2_SECRET_ACCESS_KEY", "", "R2 secret access key")
	region := l.string("r2-region", "R2_REGION", "auto", "signing region")
	useSSL := l.bool("r2-use-ssl", "R2_USE_SSL", true, "use TLS for the minio driver")

	publicBase := l.string("public-base", "R2_PUBLIC_BASE", DefaultPublicBase, "public URL prefix of uploaded objects")
	uploadSecret := l.string("upload-secret", "R2_UPLOAD_SECRET", PlaceholderSecret, "HMAC secret for upload tokens")
	maxSize := l.string("default-max-upload-size", "DEFAULT_MAX_UPLOAD_SIZE", DefaultMaxUploadSize, "advisory size limit reported with presigned uploads")
	maxTTL := l.duration("max-token-ttl", "MAX_TOKEN_TTL", 24*time.Hour, "longest lifetime a presigned upload may request")

	adminJWT := l.string("admin-jwt-secret", "ADMIN_JWT_SECRET", "", "verify the admin session cookie as an HS256 JWT")
	adminUser := l.string("admin-user", "ADMIN_USER", "", "operator basic-auth user")
	adminPassword := l.string("admin-password", "ADMIN_PASSWORD", "", "operator basic-auth password")

	singleUse := l.bool("single-use-tokens", "SINGLE_USE_TOKENS", false, "reject reuse of upload tokens")
	redisAddr := l.string("redis-addr", "REDIS_ADDR", "", "share spent tokens through Redis")
	redisPassword := l.string("redis-password", "REDIS_PASSWORD", "", "Redis password")

	ledgerPath := l.string("ledger-path", "LEDGER_PATH", "", "sqlite file recording multipart uploads")
	staleAge := l.duration("stale-upload-age", "STALE_UPLOAD_AGE", 24*time.Hour, "abort multipart uploads idle for longer than this")
	reaperSchedule := l.string("reaper-schedule", "REAPER_SCHEDULE", "@hourly", "cron schedule of the stale upload reaper")

	presignRate := l.float("presign-rate", "PRESIGN_RATE", 5, "presign requests per second per client; 0 disables")
	presignBurst := l.int("presign-burst", "PRESIGN_BURST", 20, "presign burst per client")

	otelEndpoint := l.string("otel-endpoint", "OTEL_ENDPOINT", "", "OTLP/HTTP trace collector host:port")
	otelInsecure := l.bool("otel-insecure", "OTEL_INSECURE", true, "send traces without TLS")

	if err := l.fs.Parse(args); err != nil {
		return nil, err
	}

	level, err := parseLevel(*logLevel)
	if err != nil {
		return nil, err
	}

	defaultMaxSize, err := units.RAMInBytes(*maxSize)
	if err != nil {
		return nil, fmt.Errorf("invalid default max upload size %q: %w", *maxSize, err)
	}

	localMinPartSize, err := units.RAMInBytes(*minPartSize)
	if err != nil {
		return nil, fmt.Errorf("invalid local min part size %q: %w", *minPartSize, err)
	}

	cfg := &Config{
		Listen:        *listen,
		MetricsListen: *metricsListen,
		LogLevel:      level,
		Storage: storage.BindingConfig{
			Driver:      strings.ToLower(*driver),
			Primary:     *mediaBucket,
			Fallback:    *userAssets,
			DataDir:     *dataDir,
			MinPartSize: localMinPartSize,
			Remote: storage.RemoteConfig{
				Endpoint:        *endpoint,
				Region:          *region,
				AccessKeyID:     *accessKey,
				SecretAccessKey: *secretKey,
				UseSSL:          *useSSL,
			},
		},
		PublicBase:      strings.TrimRight(*publicBase, "/"),
		UploadSecret:    *uploadSecret,
		DefaultMaxSize:  defaultMaxSize,
		MaxTokenTTL:     *maxTTL,
		AdminJWTSecret:  *adminJWT,
		AdminUser:       *adminUser,
		AdminPassword:   *adminPassword,
		SingleUseTokens: *singleUse,
		RedisAddr:       *redisAddr,
		RedisPassword:   *redisPassword,
		LedgerPath:      *ledgerPath,
		StaleUploadAge:  *staleAge,
		ReaperSchedule:  *reaperSchedule,
		PresignRate:     *presignRate,
		PresignBurst:    *presignBurst,
		OTelEndpoint:    *otelEndpoint,
		OTelInsecure:    *otelInsecure,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case storage.DriverLocal, storage.DriverMinio, storage.DriverS3, storage.DriverNone:
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}

	if c.UploadSecret == "" {
		errs = append(errs, errors.New("upload secret must not be empty"))
	}
	if c.MaxTokenTTL <= 0 {
		errs = append(errs, errors.New("max token ttl must be positive"))
	}
	if c.DefaultMaxSize <= 0 {
		errs = append(errs, errors.New("default max upload size must be positive"))
	}
	if c.PresignRate < 0 || c.PresignBurst < 0 {
		errs = append(errs, errors.New("presign rate and burst must not be negative"))
	}
	if (c.AdminUser == "") != (c.AdminPassword == "") {
		errs = append(errs, errors.New("admin user and password must be set together"))
	}
	if c.LedgerPath != "" && c.StaleUploadAge <= 0 {
		errs = append(errs, errors.New("stale upload age must be positive"))
	}

	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}
