package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// uploaderPartSize is the part size the transfer manager uses when a
// single Put is too large for one request.
const uploaderPartSize = 10 * 1024 * 1024

// S3Bucket is a Bucket backed by the AWS SDK. R2 is reached by pointing
// Endpoint at the account's S3 API URL.
type S3Bucket struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	tempDir  string
}

func loadAWSConfig(ctx context.Context, cfg RemoteConfig) (aws.Config, error) {
	if cfg.Region == "" {
		return aws.Config{}, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	return awsCfg, nil
}

// NewS3Bucket builds an S3 client for cfg. Unlike NewMinioBucket it does
// not contact the endpoint.
func NewS3Bucket(ctx context.Context, cfg RemoteConfig) (*S3Bucket, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = uploaderPartSize
	})

	return &S3Bucket{
		client:   client,
		uploader: uploader,
		bucket:   cfg.Bucket,
		tempDir:  os.TempDir(),
	}, nil
}

// s3Error maps S3 API error codes onto the storage sentinel errors.
func s3Error(err error) error {
	if err == nil {
		return nil
	}

	var apiError smithy.APIError
	if !errors.As(err, &apiError) {
		return err
	}

	switch apiError.(type) {
	case *types.NotFound, *types.NoSuchKey:
		return fmt.Errorf("%w: %w", ErrNoSuchKey, err)
	case *types.NoSuchUpload:
		return fmt.Errorf("%w: %w", ErrNoSuchUpload, err)
	}

	switch apiError.ErrorCode() {
	case "NotFound", "NoSuchKey":
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

type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

func (b *S3Bucket) Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (Object, error) {
	ctx, span := tracer.Start(ctx, "s3.put_object",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	counter := &countingReader{r: body}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        counter,
		ContentType: aws.String(contentTypeOrDefault(opts.ContentType)),
	}
	if opts.CacheControl != "" {
		input.CacheControl = aws.String(opts.CacheControl)
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}

	out, err := b.uploader.Upload(ctx, input)
	if err != nil {
		span.RecordError(err)
		return Object{}, fmt.Errorf("failed to put object: %w", s3Error(err))
	}

	etag := NormalizeETag(aws.ToString(out.ETag))
	span.SetAttributes(attribute.Int64("size_bytes", counter.n.Load()))

	return Object{
		Key:          key,
		ContentType:  contentTypeOrDefault(opts.ContentType),
		CacheControl: opts.CacheControl,
		Size:         counter.n.Load(),
		ETag:         etag,
		HTTPETag:     quoteETag(etag),
		Version:      aws.ToString(out.VersionID),
		Uploaded:     time.Now().UTC(),
	}, nil
}

func (b *S3Bucket) Head(ctx context.Context, key string) (Object, error) {
	ctx, span := tracer.Start(ctx, "s3.head_object",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		span.RecordError(err)
		return Object{}, s3Error(err)
	}

	etag := NormalizeETag(aws.ToString(out.ETag))
	return Object{
		Key:          key,
		ContentType:  aws.ToString(out.ContentType),
		CacheControl: aws.ToString(out.CacheControl),
		Size:         aws.ToInt64(out.ContentLength),
		ETag:         etag,
		HTTPETag:     quoteETag(etag),
		Version:      aws.ToString(out.VersionId),
		Uploaded:     aws.ToTime(out.LastModified),
	}, nil
}

func (b *S3Bucket) Get(ctx context.Context, key string) (io.ReadCloser, Object, error) {
	ctx, span := tracer.Start(ctx, "s3.get_object",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		span.RecordError(err)
		return nil, Object{}, s3Error(err)
	}

	etag := NormalizeETag(aws.ToString(out.ETag))
	return out.Body, Object{
		Key:          key,
		ContentType:  aws.ToString(out.ContentType),
		CacheControl: aws.ToString(out.CacheControl),
		Size:         aws.ToInt64(out.ContentLength),
		ETag:         etag,
		HTTPETag:     quoteETag(etag),
		Version:      aws.ToString(out.VersionId),
		Uploaded:     aws.ToTime(out.LastModified),
	}, nil
}

func (b *S3Bucket) Delete(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "s3.delete_object",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete object: %w", s3Error(err))
	}
	return nil
}

func (b *S3Bucket) CreateMultipartUpload(ctx context.Context, key string, opts PutOptions) (MultipartUpload, error) {
	ctx, span := tracer.Start(ctx, "s3.create_multipart_upload",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	input := &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentTypeOrDefault(opts.ContentType)),
	}
	if opts.CacheControl != "" {
		input.CacheControl = aws.String(opts.CacheControl)
	}

	out, err := b.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to initiate multipart upload: %w", s3Error(err))
	}

	return b.ResumeMultipartUpload(key, aws.ToString(out.UploadId)), nil
}

func (b *S3Bucket) ResumeMultipartUpload(key string, uploadID string) MultipartUpload {
	return &s3MultipartUpload{bucket: b, key: key, uploadID: uploadID}
}

type s3MultipartUpload struct {
	bucket   *S3Bucket
	key      string
	uploadID string
}

func (u *s3MultipartUpload) Key() string      { return u.key }
func (u *s3MultipartUpload) UploadID() string { return u.uploadID }

func (u *s3MultipartUpload) UploadPart(ctx context.Context, partNumber int, body io.Reader, size int64) (UploadedPart, error) {
	if err := ValidatePartNumber(partNumber); err != nil {
		return UploadedPart{}, err
	}

	ctx, span := tracer.Start(ctx, "s3.upload_part",
		trace.WithAttributes(
			attribute.String("object_key", u.key),
			attribute.String("upload_id", u.uploadID),
			attribute.Int("part_number", partNumber),
		),
	)
	defer span.End()

	data, n, cleanup, err := spool(body, size, u.bucket.tempDir)
	defer cleanup()
	if err != nil {
		span.RecordError(err)
		return UploadedPart{}, fmt.Errorf("failed to buffer part: %w", err)
	}

	out, err := u.bucket.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(u.bucket.bucket),
		Key:           aws.String(u.key),
		UploadId:      aws.String(u.uploadID),
		PartNumber:    aws.Int32(int32(partNumber)),
		Body:          data,
		ContentLength: aws.Int64(n),
	})
	if err != nil {
		span.RecordError(err)
		return UploadedPart{}, fmt.Errorf("failed to upload part %d: %w", partNumber, s3Error(err))
	}

	return UploadedPart{PartNumber: partNumber, ETag: NormalizeETag(aws.ToString(out.ETag))}, nil
}

func (u *s3MultipartUpload) Complete(ctx context.Context, parts []UploadedPart) (Object, error) {
	ctx, span := tracer.Start(ctx, "s3.complete_multipart_upload",
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

	completed := make([]types.CompletedPart, 0, len(ordered))
	for _, part := range ordered {
		completed = append(completed, types.CompletedPart{
			PartNumber: aws.Int32(int32(part.PartNumber)),
			ETag:       aws.String(quoteETag(NormalizeETag(part.ETag))),
		})
	}

	_, err := u.bucket.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(u.bucket.bucket),
		Key:             aws.String(u.key),
		UploadId:        aws.String(u.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		span.RecordError(err)
		return Object{}, fmt.Errorf("failed to complete multipart upload: %w", s3Error(err))
	}

	obj, err := u.bucket.Head(ctx, u.key)
	if err != nil {
		return Object{}, fmt.Errorf("failed to stat completed object: %w", err)
	}
	return obj, nil
}

func (u *s3MultipartUpload) Abort(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "s3.abort_multipart_upload",
		trace.WithAttributes(
			attribute.String("object_key", u.key),
			attribute.String("upload_id", u.uploadID),
		),
	)
	defer span.End()

	_, err := u.bucket.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(u.bucket.bucket),
		Key:      aws.String(u.key),
		UploadId: aws.String(u.uploadID),
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to abort multipart upload: %w", s3Error(err))
	}
	return nil
}
