package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/voicesofjudah/mediagate/pkg/core"
	"github.com/voicesofjudah/mediagate/pkg/storage"
	"golang.org/x/sync/errgroup"
)

var ErrEmptyUpload = errors.New("nothing to upload")

// Result describes an object written by Upload.
type Result struct {
	Key       string
	URL       string
	ETag      string
	Size      int64
	Multipart bool
}

// Upload writes size bytes of r under key. Bodies that fit in one part go
// through a capability token and a direct upload; larger bodies use a
// multipart upload.
func (c *Client) Upload(ctx context.Context, key string, contentType string, r io.ReaderAt, size int64) (Result, error) {
	if size <= 0 {
		return Result{}, ErrEmptyUpload
	}

	if size <= c.partSize {
		grant, err := c.Presign(ctx, core.PresignRequest{Key: key, ContentType: contentType})
		if err != nil {
			return Result{}, err
		}

		out, err := c.DirectUpload(ctx, grant.UploadToken, grant.Instructions.Headers["Content-Type"], io.NewSectionReader(r, 0, size), size)
		if err != nil {
			return Result{}, err
		}
		return Result{Key: out.Key, URL: out.URL, ETag: out.ETag, Size: out.Size}, nil
	}

	out, err := c.UploadMultipart(ctx, key, contentType, r, size)
	if err != nil {
		return Result{}, err
	}
	return Result{Key: out.Key, URL: out.URL, ETag: out.ETag, Size: out.Size, Multipart: true}, nil
}

// UploadMultipart splits r into parts of the configured size, uploads them
// concurrently and completes the upload. On failure the upload is aborted.
func (c *Client) UploadMultipart(ctx context.Context, key string, contentType string, r io.ReaderAt, size int64) (core.CompleteMultipartResponse, error) {
	if size <= 0 {
		return core.CompleteMultipartResponse{}, ErrEmptyUpload
	}

	count := int((size + c.partSize - 1) / c.partSize)
	if count > storage.MaxPartNumber {
		return core.CompleteMultipartResponse{}, fmt.Errorf("%d bytes need %d parts, more than %d", size, count, storage.MaxPartNumber)
	}

	session, err := c.InitMultipart(ctx, key, contentType)
	if err != nil {
		return core.CompleteMultipartResponse{}, err
	}

	slog.Debug("Started multipart upload", "key", session.Key, "upload_id", session.UploadID, "parts", count)

	parts := make([]storage.UploadedPart, count)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i := range count {
		offset := int64(i) * c.partSize
		length := min(c.partSize, size-offset)

		g.Go(func() error {
			data := make([]byte, length)
			if n, err := r.ReadAt(data, offset); n < len(data) {
				return fmt.Errorf("read part %d: %w", i+1, err)
			}

			part, err := c.UploadPart(gctx, session.Key, session.UploadID, i+1, data)
			if err != nil {
				return err
			}
			parts[i] = storage.UploadedPart{PartNumber: part.PartNumber, ETag: part.ETag}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return core.CompleteMultipartResponse{}, c.abort(ctx, session, err)
	}

	out, err := c.CompleteMultipart(ctx, core.CompleteMultipartRequest{
		Key:      session.Key,
		UploadID: session.UploadID,
		Parts:    parts,
	})
	if err != nil {
		return core.CompleteMultipartResponse{}, c.abort(ctx, session, err)
	}
	return out, nil
}

// abort discards the upload after cause and returns cause joined with any
// abort failure.
func (c *Client) abort(ctx context.Context, session core.MultipartInitResponse, cause error) error {
	if err := c.AbortMultipart(context.WithoutCancel(ctx), session.Key, session.UploadID); err != nil {
		slog.Warn("Abort multipart upload", "key", session.Key, "upload_id", session.UploadID, "err", err)
		return errors.Join(cause, err)
	}
	return cause
}
