// Package token mints and verifies capability tokens that authorize an
// upload to a single object key until a fixed expiry.
//
// A token is self-contained: base64(JSON(claims)) "." base64(HMAC-SHA256),
// where the HMAC is computed over the JSON bytes under a server secret.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/voicesofjudah/mediagate/pkg/storage"
)

// DefaultTTL is used by callers that do not supply an explicit lifetime.
const DefaultTTL = time.Hour

var (
	ErrInvalidFormat    = errors.New("invalid token format")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrExpired          = errors.New("token expired")
	ErrValidationFailed = errors.New("token validation failed")
	ErrEmptySecret      = errors.New("token secret must not be empty")
)

// Claims is the signed payload of a capability token.
type Claims struct {
	Key string `json:"key"`
	Exp int64  `json:"exp"`
}

// ExpiresAt returns the expiry as a time.Time.
func (c Claims) ExpiresAt() time.Time {
	return time.UnixMilli(c.Exp)
}

type Service struct {
	secret []byte
	now    func() time.Time
}

type Option func(*Service)

// WithClock overrides the time source used for minting and verification.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a token service signing with secret.
func NewService(secret []byte, opts ...Option) (*Service, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}

	s := &Service{
		secret: append([]byte(nil), secret...),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) sign(payload []byte) []byte {
	h := hmac.New(sha256.New, s.secret)
	h.Write(payload)
	return h.Sum(nil)
}

// Mint issues a token for key that expires ttl from now. A non-positive ttl
// yields a token that is already expired.
func (s *Service) Mint(key string, ttl time.Duration) (string, error) {
	tok, _, err := s.Issue(key, ttl)
	return tok, err
}

// Issue is like Mint but also returns the signed claims.
func (s *Service) Issue(key string, ttl time.Duration) (string, Claims, error) {
	if err := storage.ValidateKey(key); err != nil {
		return "", Claims{}, err
	}

	claims := Claims{
		Key: key,
		Exp: s.now().Add(ttl).UnixMilli(),
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", Claims{}, err
	}

	return encode(payload) + "." + encode(s.sign(payload)), claims, nil
}

// Verify checks the token's integrity and freshness. The signature is
// checked before any claim in the payload is trusted.
func (s *Service) Verify(tok string) (Claims, error) {
	parts := strings.Split(tok, ".")
	if len(parts) != 2 {
		return Claims{}, ErrInvalidFormat
	}

	payload, err := decode(parts[0])
	if err != nil {
		return Claims{}, ErrValidationFailed
	}

	signature, err := decode(parts[1])
	if err != nil {
		return Claims{}, ErrValidationFailed
	}

	if !hmac.Equal(s.sign(payload), signature) {
		return Claims{}, ErrInvalidSignature
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Key == "" {
		return Claims{}, ErrValidationFailed
	}

	if claims.Exp <= s.now().UnixMilli() {
		return Claims{}, ErrExpired
	}

	return claims, nil
}

func encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// Message returns the client-facing description of a Verify error.
func Message(err error) string {
	switch {
	case errors.Is(err, ErrInvalidFormat):
		return "Invalid token format"
	case errors.Is(err, ErrInvalidSignature):
		return "Invalid signature"
	case errors.Is(err, ErrExpired):
		return "Token expired"
	}
	return "Token validation failed"
}
