package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("mediagate-storage")

// RemoteConfig describes an S3-compatible endpoint such as Cloudflare R2.
type RemoteConfig struct {
	// Endpoint is the S3 API endpoint. The MinIO driver expects host[:port];
	// the S3 driver expects a full URL.
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
}

// MinioBucket is a Bucket backed by an S3-compatible service through the
// low-level MinIO Core client.
type MinioBucket struct {
	core    *minio.Core
	bucket  string
	tempDir string
}

// NewMinioBucket connects to the endpoint and checks that the bucket exists.
func NewMinioBucket(ctx context.Context, cfg RemoteConfig) (*MinioBucket, error) {
	core, err := minio.NewCore(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:       cfg.UseSSL,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := core.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %q does not exist", cfg.Bucket)
	}

	return &MinioBucket{core: core, bucket: cfg.Bucket, tempDir: os.TempDir()}, nil
}

// minioError maps MinIO error responses onto the storage sentinel errors.
func minioError(err error) error {
	if err == nil {
		return nil
	}

	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey":
		return fmt.Errorf("%w: %w", ErrNoSuchKey, err)
	case "NoSuchUpload":
		return fmt.Errorf("%w: %w", ErrNoSuchUpload, err)
	case "InvalidPart", "InvalidPartOrder":
		return fmt.Errorf("%w: %w", ErrInvalidPart, err)
	case "EntityTooSmall":
		return fmt.Errorf("%w: %w", ErrEntityTooSmall, err)
	}
	return err
}

func objectFromInfo(info minio.ObjectInfo) Object {
	etag := NormalizeETag(info.ETag)
	return Object{
		Key:          info.Key,
		ContentType:  info.ContentType,
		CacheControl: info.Metadata.Get("Cache-Control"),
		Size:         info.Size,
		ETag:         etag,
		HTTPETag:     quoteETag(etag),
		Version:      info.VersionID,
		Uploaded:     info.LastModified,
	}
}

func (b *MinioBucket) Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (Object, error) {
	ctx, span := tracer.Start(ctx, "minio.put_object",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	info, err := b.core.Client.PutObject(ctx, b.bucket, key, body, size, minio.PutObjectOptions{
		ContentType:  contentTypeOrDefault(opts.ContentType),
		CacheControl: opts.CacheControl,
	})
	if err != nil {
		span.RecordError(err)
		return Object{}, fmt.Errorf("failed to put object: %w", minioError(err))
	}

	span.SetAttributes(attribute.Int64("size_bytes", info.Size))

	etag := NormalizeETag(info.ETag)
	return Object{
		Key:          key,
		ContentType:  contentTypeOrDefault(opts.ContentType),
		CacheControl: opts.CacheControl,
		Size:         info.Size,
		ETag:         etag,
		HTTPETag:     quoteETag(etag),
		Version:      info.VersionID,
		Uploaded:     info.LastModified,
	}, nil
}

func (b *MinioBucket) Head(ctx context.Context, key string) (Object, error) {
	ctx, span := tracer.Start(ctx, "minio.stat_object",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	info, err := b.core.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return Object{}, minioError(err)
	}
	return objectFromInfo(info), nil
}

func (b *MinioBucket) Get(ctx context.Context, key string) (io.ReadCloser, Object, error) {
	ctx, span := tracer.Start(ctx, "minio.get_object",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	obj, err := b.core.Client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return nil, Object{}, minioError(err)
	}

	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		span.RecordError(err)
		return nil, Object{}, minioError(err)
	}

	return obj, objectFromInfo(info), nil
}

func (b *MinioBucket) Delete(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "minio.remove_object",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	if err := b.core.RemoveObject(ctx, b.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete object: %w", minioError(err))
	}
	return nil
}

func (b *MinioBucket) CreateMultipartUpload(ctx context.Context, key string, opts PutOptions) (MultipartUpload, error) {
	ctx, span := tracer.Start(ctx, "minio.new_multipart_upload",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	uploadID, err := b.core.NewMultipartUpload(ctx, b.bucket, key, minio.PutObjectOptions{
		ContentType:  contentTypeOrDefault(opts.ContentType),
		CacheControl: opts.CacheControl,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to initiate multipart upload: %w", minioError(err))
	}

	return b.ResumeMultipartUpload(key, uploadID), nil
}

func (b *MinioBucket) ResumeMultipartUpload(key string, uploadID string) MultipartUpload {
	return &minioMultipartUpload{bucket: b, key: key, uploadID: uploadID}
}

type minioMultipartUpload struct {
	bucket   *MinioBucket
	key      string
	uploadID string
}

func (u *minioMultipartUpload) Key() string      { return u.key }
func (u *minioMultipartUpload) UploadID() string { return u.uploadID }

func (u *minioMultipartUpload) UploadPart(ctx context.Context, partNumber int, body io.Reader, size int64) (UploadedPart, error) {
	if err := ValidatePartNumber(partNumber); err != nil {
		return UploadedPart{}, err
	}

	ctx, span := tracer.Start(ctx, "minio.put_object_part",
		trace.WithAttributes(
			attribute.String("object_key", u.key),
			attribute.String("upload_id", u.uploadID),
			attribute.Int("part_number", partNumber),
		),
	)
	defer span.End()

	// Parts need a known length on the wire.
	data, n, cleanup, err := spool(body, size, u.bucket.tempDir)
	defer cleanup()
	if err != nil {
		span.RecordError(err)
		return UploadedPart{}, fmt.Errorf("failed to buffer part: %w", err)
	}

	part, err := u.bucket.core.PutObjectPart(ctx, u.bucket.bucket, u.key, u.uploadID, partNumber, data, n, minio.PutObjectPartOptions{})
	if err != nil {
		span.RecordError(err)
		return UploadedPart{}, fmt.Errorf("failed to upload part %d: %w", partNumber, minioError(err))
	}

	return UploadedPart{PartNumber: partNumber, ETag: NormalizeETag(part.ETag)}, nil
}

func (u *minioMultipartUpload) Complete(ctx context.Context, parts []UploadedPart) (Object, error) {
	ctx, span := tracer.Start(ctx, "minio.complete_multipart_upload",
		trace.WithAttributes(
			attribute.String("object_key", u.key),
			attribute.String("upload_id", u.uploadID),
			attribute.Int("part_count", len(parts)),
		),
	)
	defer span.End()

	ordered := slices.Clone(parts)
	slices.SortFunc(ordered, func(a, b UploadedPart) int {
		return a.PartNumber - b.PartNumber
	})

	completeParts := make([]minio.CompletePart, 0, len(ordered))
	for _, part := range ordered {
		completeParts = append(completeParts, minio.CompletePart{
			PartNumber: part.PartNumber,
			ETag:       NormalizeETag(part.ETag),
		})
	}

	if _, err := u.bucket.core.CompleteMultipartUpload(ctx, u.bucket.bucket, u.key, u.uploadID, completeParts, minio.PutObjectOptions{}); err != nil {
		span.RecordError(err)
		return Object{}, fmt.Errorf("failed to complete multipart upload: %w", minioError(err))
	}

	// The completion response carries no size or content type.
	info, err := u.bucket.core.StatObject(ctx, u.bucket.bucket, u.key, minio.StatObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return Object{}, fmt.Errorf("failed to stat completed object: %w", minioError(err))
	}

	return objectFromInfo(info), nil
}

func (u *minioMultipartUpload) Abort(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "minio.abort_multipart_upload",
		trace.WithAttributes(
			attribute.String("object_key", u.key),
			attribute.String("upload_id", u.uploadID),
		),
	)
	defer span.End()

	if err := u.bucket.core.AbortMultipartUpload(ctx, u.bucket.bucket, u.key, u.uploadID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to abort multipart upload: %w", minioError(err))
	}
	return nil
}
