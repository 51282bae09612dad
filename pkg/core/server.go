package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/voicesofjudah/mediagate/pkg/auth"
)

// maxJSONBody bounds the size of JSON request bodies.
const maxJSONBody = 1 << 20

// Server exposes the upload API over HTTP.
type Server struct {
	Config  Config
	metrics *metrics
	limiter *IPRateLimiter
}

// NewServer validates cfg, fills in defaults and returns a new Server.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {

	if cfg.Tokens == nil {
		return nil, errors.New("Tokens must not be nil")
	}

	if cfg.Authenticator == nil {
		cfg.Authenticator = auth.NewCookieSessionEngine(nil)
	}

	if cfg.PublicBase == "" {
		cfg.PublicBase = DefaultPublicBase
	}
	cfg.PublicBase = strings.TrimSuffix(cfg.PublicBase, "/")

	if cfg.DefaultMaxSize <= 0 {
		cfg.DefaultMaxSize = DefaultMaxUploadSize
	}

	if cfg.MaxTokenTTL <= 0 {
		cfg.MaxTokenTTL = DefaultMaxTokenTTL
	}

	m, err := newMetrics(cfg.Registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	s := &Server{Config: cfg, metrics: m}
	if cfg.PresignRate > 0 {
		s.limiter = NewIPRateLimiter(cfg.PresignRate, cfg.PresignBurst)
	}

	if cfg.Bucket == nil {
		slog.Warn("No bucket binding configured; upload routes are disabled")
	}

	return s, nil
}

// MetricsHandler serves the server's Prometheus metrics.
func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.handler()
}

// publicURL returns the public address of the object at key.
func (s *Server) publicURL(key string) string {
	return s.Config.PublicBase + "/" + key
}

// requireAdmin authenticates r and writes a 401 response when it carries
// no admin session.
func (s *Server) requireAdmin(ctx context.Context, w http.ResponseWriter, r *http.Request) (*auth.User, bool) {
	user, err := s.Config.Authenticator.AuthenticateRequest(ctx, r)
	if err != nil || user == nil {
		if err != nil {
			slog.Debug("Admin authentication failed", "path", r.URL.Path, "err", err)
		}
		writeJSONError(w, http.StatusUnauthorized, CodeUnauthorized)
		return nil, false
	}
	return user, true
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxJSONBody)
	defer body.Close()

	if err := json.NewDecoder(body).Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

// hasBody reports whether the request carries a payload.
func hasBody(r *http.Request) bool {
	return r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Encode JSON response", "err", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, ErrorResponse{Error: code})
}

func writeJSONErrorMessage(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}
