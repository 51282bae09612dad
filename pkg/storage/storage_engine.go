package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	// MinPartNumber and MaxPartNumber bound the part numbers accepted by
	// multipart uploads.
	MinPartNumber = 1
	MaxPartNumber = 10000

	// MinPartSize is the smallest size R2 accepts for every part of a
	// multipart upload except the last.
	MinPartSize = 5 * 1024 * 1024

	// MaxKeyLength is the maximum length of an object key in bytes.
	MaxKeyLength = 1024

	DefaultContentType = "application/octet-stream"
)

var (
	ErrInvalidKey        = errors.New("invalid object key")
	ErrNoSuchKey         = errors.New("no such key")
	ErrNoSuchUpload      = errors.New("no such multipart upload")
	ErrInvalidPart       = errors.New("invalid part")
	ErrInvalidPartNumber = errors.New("invalid part number")
	ErrEntityTooSmall    = errors.New("part smaller than the minimum part size")
)

// Object describes a stored object.
type Object struct {
	Key          string
	ContentType  string
	CacheControl string
	Size         int64
	// ETag is the unquoted entity tag; HTTPETag is its quoted HTTP form.
	ETag     string
	HTTPETag string
	Version  string
	Uploaded time.Time
}

// PutOptions carries the HTTP metadata recorded with an object.
type PutOptions struct {
	ContentType  string
	CacheControl string
}

// UploadedPart identifies one completed part of a multipart upload.
type UploadedPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

// Bucket is a key-addressed object store with native multipart support.
type Bucket interface {
	// Put streams body into the object at key. size may be -1 when the
	// length is not known in advance.
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (Object, error)

	// Head returns the metadata of the object at key, or ErrNoSuchKey.
	Head(ctx context.Context, key string) (Object, error)

	// Get opens the object at key for reading. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, Object, error)

	// Delete removes the object at key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// CreateMultipartUpload starts a multipart upload for key.
	CreateMultipartUpload(ctx context.Context, key string, opts PutOptions) (MultipartUpload, error)

	// ResumeMultipartUpload returns a handle for an upload previously
	// created with CreateMultipartUpload. It performs no I/O; operations on
	// the handle fail with ErrNoSuchUpload if the upload does not exist.
	ResumeMultipartUpload(key string, uploadID string) MultipartUpload
}

// MultipartUpload is a handle on one in-progress multipart upload.
type MultipartUpload interface {
	Key() string
	UploadID() string

	// UploadPart stores one part. Uploading the same part number again
	// replaces the earlier bytes.
	UploadPart(ctx context.Context, partNumber int, body io.Reader, size int64) (UploadedPart, error)

	// Complete assembles the given parts by ascending part number.
	Complete(ctx context.Context, parts []UploadedPart) (Object, error)

	// Abort discards the upload and all of its parts.
	Abort(ctx context.Context) error
}

// ValidateKey enforces the object key rules shared by every upload path:
// non-empty, at most MaxKeyLength bytes, no control characters, no ".."
// segment and no leading slash.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: key is empty", ErrInvalidKey)
	case len(key) > MaxKeyLength:
		return fmt.Errorf("%w: key exceeds %d bytes", ErrInvalidKey, MaxKeyLength)
	case strings.Contains(key, ".."):
		return fmt.Errorf("%w: key must not contain \"..\"", ErrInvalidKey)
	case strings.HasPrefix(key, "/"):
		return fmt.Errorf("%w: key must not start with \"/\"", ErrInvalidKey)
	}

	if strings.ContainsFunc(key, func(c rune) bool {
		return c < 0x20 || c == 0x7f
	}) {
		return fmt.Errorf("%w: key contains control characters", ErrInvalidKey)
	}

	return nil
}

// ValidatePartNumber reports whether n is an acceptable part number.
func ValidatePartNumber(n int) error {
	if n < MinPartNumber || n > MaxPartNumber {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidPartNumber, n, MinPartNumber, MaxPartNumber)
	}
	return nil
}
