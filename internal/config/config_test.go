package config_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/voicesofjudah/mediagate/internal/config"
	"github.com/voicesofjudah/mediagate/pkg/storage"
)

func envMap(m map[string]string) func(string) string {
	return func(key string) string {
		return m[key]
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("mediagate", nil, envMap(nil))
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Listen)
	require.Equal(t, slog.LevelInfo, cfg.LogLevel)
	require.Equal(t, storage.DriverLocal, cfg.Storage.Driver)
	require.Equal(t, "auto", cfg.Storage.Remote.Region)
	require.Equal(t, config.DefaultPublicBase, cfg.PublicBase)
	require.Equal(t, int64(10*1024*1024), cfg.DefaultMaxSize)
	require.Equal(t, int64(storage.MinPartSize), cfg.Storage.MinPartSize)
	require.Equal(t, 24*time.Hour, cfg.MaxTokenTTL)
	require.True(t, cfg.UsingPlaceholderSecret())
	require.False(t, cfg.SingleUseTokens)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("mediagate", nil, envMap(map[string]string{
		"MEDIA_BUCKET":            "media",
		"USER_ASSETS":             "assets",
		"R2_PUBLIC_BASE":          "https://cdn.example.com/",
		"R2_UPLOAD_SECRET":        "s3cret",
		"DEFAULT_MAX_UPLOAD_SIZE": "25MiB",
		"MAX_TOKEN_TTL":           "2h",
		"SINGLE_USE_TOKENS":       "true",
		"STORAGE_DRIVER":          "MINIO",
		"LOG_LEVEL":               "debug",
		"PRESIGN_RATE":            "0.5",
		"LOCAL_MIN_PART_SIZE":     "0",
	}))
	require.NoError(t, err)

	require.Equal(t, "media", cfg.Storage.Primary)
	require.Equal(t, "assets", cfg.Storage.Fallback)
	require.Equal(t, "https://cdn.example.com", cfg.PublicBase, "trailing slash is stripped")
	require.False(t, cfg.UsingPlaceholderSecret())
	require.Equal(t, int64(25*1024*1024), cfg.DefaultMaxSize)
	require.Equal(t, 2*time.Hour, cfg.MaxTokenTTL)
	require.True(t, cfg.SingleUseTokens)
	require.Equal(t, storage.DriverMinio, cfg.Storage.Driver)
	require.Equal(t, slog.LevelDebug, cfg.LogLevel)
	require.InDelta(t, 0.5, cfg.PresignRate, 1e-9)
	require.Zero(t, cfg.Storage.MinPartSize)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("mediagate", []string{"-listen", ":9999", "-media-bucket", "flag-bucket"}, envMap(map[string]string{
		"LISTEN":       ":1111",
		"MEDIA_BUCKET": "env-bucket",
	}))
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.Listen)
	require.Equal(t, "flag-bucket", cfg.Storage.Primary)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	tests := map[string][]string{
		"driver":       {"-storage-driver", "ftp"},
		"size":         {"-default-max-upload-size", "lots"},
		"ttl":          {"-max-token-ttl", "0s"},
		"level":        {"-log-level", "loud"},
		"admin pair":   {"-admin-user", "op"},
		"empty secret": {"-upload-secret", ""},
		"unknown flag": {"-nope"},
	}

	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, err := config.Load("mediagate", args, envMap(nil))
			require.Error(t, err)
		})
	}
}
