package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Storage drivers understood by Open.
const (
	DriverLocal = "local"
	DriverMinio = "minio"
	DriverS3    = "s3"
	DriverNone  = "none"
)

// BindingConfig selects and configures the bucket the server writes to.
type BindingConfig struct {
	Driver string

	// Primary is the preferred bucket name; Fallback is used when Primary
	// is empty.
	Primary  string
	Fallback string

	// DataDir is the root of the local driver. Each binding gets its own
	// subdirectory.
	DataDir string

	// MinPartSize is enforced by the local driver on all but the last
	// part of a multipart upload.
	MinPartSize int64

	// Remote configures the minio and s3 drivers. Its Bucket field is
	// filled from the selected binding.
	Remote RemoteConfig
}

// SelectBinding returns the first non-empty bucket name.
func SelectBinding(primary string, fallback string) (string, bool) {
	if name := strings.TrimSpace(primary); name != "" {
		return name, true
	}
	if name := strings.TrimSpace(fallback); name != "" {
		return name, true
	}
	return "", false
}

// Open returns the bucket described by cfg along with the selected binding
// name. A nil Bucket with a nil error means no bucket is configured.
func Open(ctx context.Context, cfg BindingConfig) (Bucket, string, error) {
	if cfg.Driver == DriverNone {
		return nil, "", nil
	}

	name, ok := SelectBinding(cfg.Primary, cfg.Fallback)
	if !ok {
		return nil, "", nil
	}

	switch cfg.Driver {
	case DriverLocal, "":
		if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
			return nil, "", fmt.Errorf("invalid bucket name %q", name)
		}
		bucket, err := NewLocalFileStorage(filepath.Join(cfg.DataDir, name))
		if err != nil {
			return nil, "", fmt.Errorf("open local bucket: %w", err)
		}
		return bucket.WithMinPartSize(cfg.MinPartSize), name, nil

	case DriverMinio:
		remote := cfg.Remote
		remote.Bucket = name
		bucket, err := NewMinioBucket(ctx, remote)
		if err != nil {
			return nil, "", fmt.Errorf("open minio bucket: %w", err)
		}
		return bucket, name, nil

	case DriverS3:
		remote := cfg.Remote
		remote.Bucket = name
		bucket, err := NewS3Bucket(ctx, remote)
		if err != nil {
			return nil, "", fmt.Errorf("open s3 bucket: %w", err)
		}
		return bucket, name, nil
	}

	return nil, "", fmt.Errorf("unknown storage driver %q", cfg.Driver)
}
