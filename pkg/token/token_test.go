package token_test

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/voicesofjudah/mediagate/pkg/storage"
	"github.com/voicesofjudah/mediagate/pkg/token"

	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret-do-not-use")

func newService(t *testing.T, now time.Time) *token.Service {
	t.Helper()
	svc, err := token.NewService(testSecret, token.WithClock(func() time.Time { return now }))
	require.NoError(t, err, "NewService error")
	return svc
}

func TestNewServiceRejectsEmptySecret(t *testing.T) {
	t.Parallel()

	_, err := token.NewService(nil)
	require.ErrorIs(t, err, token.ErrEmptySecret)
}

func TestMintVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	svc := newService(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	for _, key := range []string{"gallery/a.jpg", "media/video.mp4", "x", "deep/nested/path/file with spaces.png"} {
		for _, ttl := range []time.Duration{time.Millisecond, time.Second, token.DefaultTTL, 7 * 24 * time.Hour} {
			tok, err := svc.Mint(key, ttl)
			require.NoErrorf(t, err, "Mint(%q, %s) error", key, ttl)

			claims, err := svc.Verify(tok)
			require.NoErrorf(t, err, "Verify for key %q", key)
			require.Equal(t, key, claims.Key, "key mismatch")
		}
	}
}

func TestMintSetsExpiryInMilliseconds(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := newService(t, now)

	tok, err := svc.Mint("gallery/a.jpg", time.Hour)
	require.NoError(t, err)

	claims, err := svc.Verify(tok)
	require.NoError(t, err)
	require.Equal(t, now.Add(time.Hour).UnixMilli(), claims.Exp, "exp should be now + ttl in ms")
	require.True(t, claims.ExpiresAt().Equal(now.Add(time.Hour)), "ExpiresAt mismatch")
}

func TestVerifyExpiredToken(t *testing.T) {
	t.Parallel()

	svc := newService(t, time.Now())

	tok, err := svc.Mint("gallery/a.jpg", -1*time.Second)
	require.NoError(t, err)

	_, err = svc.Verify(tok)
	require.ErrorIs(t, err, token.ErrExpired)
}

func TestVerifyExpiryBoundary(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	current := now
	svc, err := token.NewService(testSecret, token.WithClock(func() time.Time { return current }))
	require.NoError(t, err)

	tok, err := svc.Mint("gallery/a.jpg", time.Minute)
	require.NoError(t, err)

	current = now.Add(time.Minute - time.Millisecond)
	_, err = svc.Verify(tok)
	require.NoError(t, err, "token should be valid just before expiry")

	// Validity requires exp to be strictly in the future.
	current = now.Add(time.Minute)
	_, err = svc.Verify(tok)
	require.ErrorIs(t, err, token.ErrExpired)
}

func TestVerifyDetectsSignatureBitFlips(t *testing.T) {
	t.Parallel()

	svc := newService(t, time.Now())
	tok, err := svc.Mint("gallery/a.jpg", time.Hour)
	require.NoError(t, err)

	parts := strings.Split(tok, ".")
	require.Len(t, parts, 2)

	sig, err := base64.StdEncoding.DecodeString(parts[1])
	require.NoError(t, err)

	for i := range len(sig) * 8 {
		flipped := append([]byte(nil), sig...)
		flipped[i/8] ^= 1 << (i % 8)

		tampered := parts[0] + "." + base64.StdEncoding.EncodeToString(flipped)
		_, err := svc.Verify(tampered)
		require.ErrorIsf(t, err, token.ErrInvalidSignature, "bit %d flip not detected", i)
	}
}

func TestVerifyDetectsPayloadBitFlips(t *testing.T) {
	t.Parallel()

	svc := newService(t, time.Now())
	tok, err := svc.Mint("gallery/a.jpg", time.Hour)
	require.NoError(t, err)

	parts := strings.Split(tok, ".")
	payload, err := base64.StdEncoding.DecodeString(parts[0])
	require.NoError(t, err)

	for i := range len(payload) * 8 {
		flipped := append([]byte(nil), payload...)
		flipped[i/8] ^= 1 << (i % 8)

		tampered := base64.StdEncoding.EncodeToString(flipped) + "." + parts[1]
		_, err := svc.Verify(tampered)
		require.ErrorIsf(t, err, token.ErrInvalidSignature, "payload bit %d flip not detected", i)
	}
}

func TestVerifyRejectsForgedExpiry(t *testing.T) {
	t.Parallel()

	svc := newService(t, time.Now())
	tok, err := svc.Mint("gallery/a.jpg", -time.Hour)
	require.NoError(t, err)

	// Re-encode a payload with a far-future expiry but keep the old signature.
	forged := base64.StdEncoding.EncodeToString([]byte(`{"key":"gallery/a.jpg","exp":99999999999999}`))
	_, err = svc.Verify(forged + "." + strings.Split(tok, ".")[1])
	require.ErrorIs(t, err, token.ErrInvalidSignature)
}

func TestVerifyRejectsOtherSecret(t *testing.T) {
	t.Parallel()

	other, err := token.NewService([]byte("another-secret"))
	require.NoError(t, err)

	tok, err := other.Mint("gallery/a.jpg", time.Hour)
	require.NoError(t, err)

	_, err = newService(t, time.Now()).Verify(tok)
	require.ErrorIs(t, err, token.ErrInvalidSignature)
}

func TestVerifyMalformedInput(t *testing.T) {
	t.Parallel()

	svc := newService(t, time.Now())

	tests := []struct {
		name  string
		input string
		want  error
	}{
		{name: "empty", input: "", want: token.ErrInvalidFormat},
		{name: "one part", input: "onlyonepart", want: token.ErrInvalidFormat},
		{name: "many parts", input: "not.a.token.at.all", want: token.ErrInvalidFormat},
		{name: "bad base64 payload", input: "!!!.AAAA", want: token.ErrValidationFailed},
		{name: "bad base64 signature", input: "AAAA.!!!", want: token.ErrValidationFailed},
		{name: "empty segments", input: ".", want: token.ErrInvalidSignature},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			require.NotPanics(t, func() {
				_, err := svc.Verify(tc.input)
				require.ErrorIs(t, err, tc.want)
			})
		})
	}
}

func TestMintRejectsInvalidKeys(t *testing.T) {
	t.Parallel()

	svc := newService(t, time.Now())

	for _, key := range []string{"", "/leading/slash.jpg", "a/../b.jpg", "..", "bad\x00key", strings.Repeat("k", 1025)} {
		_, err := svc.Mint(key, time.Hour)
		require.ErrorIsf(t, err, storage.ErrInvalidKey, "expected invalid key error for %q", key)
	}
}

func TestIssueReturnsSignedClaims(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := newService(t, now)

	tok, claims, err := svc.Issue("gallery/a.jpg", 90*time.Second)
	require.NoError(t, err)
	require.Equal(t, now.Add(90*time.Second).UnixMilli(), claims.Exp)

	verified, err := svc.Verify(tok)
	require.NoError(t, err)
	require.Equal(t, claims, verified)
}

func TestMessage(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Invalid token format", token.Message(token.ErrInvalidFormat))
	require.Equal(t, "Invalid signature", token.Message(token.ErrInvalidSignature))
	require.Equal(t, "Token expired", token.Message(token.ErrExpired))
	require.Equal(t, "Token validation failed", token.Message(token.ErrValidationFailed))
}
