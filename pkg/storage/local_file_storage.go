package storage

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalFileStorage is a Bucket that keeps objects on the local filesystem
// rooted at dataDir.
//
// Payloads are content addressed under objects/<sha[:2]>/<sha>, so keys
// with identical contents share one payload file. Each key has a
// JSON metadata record under keys/ pointing at its payload. Multipart
// uploads live under uploads/<uploadId>/ until completed or aborted.
type LocalFileStorage struct {
	dataDir string

	// minPartSize is enforced on all but the last part at completion.
	minPartSize int64

	// mu serializes the rename and cleanup steps of multipart uploads so
	// that concurrent uploads of the same part number leave exactly one
	// winner and an upload is either completed or aborted, never both.
	mu sync.Mutex
}

// objectRecord is the on-disk metadata for one key.
type objectRecord struct {
	Key          string    `json:"key"`
	Hash         string    `json:"hash"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"contentType"`
	CacheControl string    `json:"cacheControl"`
	ETag         string    `json:"etag"`
	Version      string    `json:"version"`
	Uploaded     time.Time `json:"uploaded"`
}

func (r objectRecord) object() Object {
	return Object{
		Key:          r.Key,
		ContentType:  r.ContentType,
		CacheControl: r.CacheControl,
		Size:         r.Size,
		ETag:         r.ETag,
		HTTPETag:     quoteETag(r.ETag),
		Version:      r.Version,
		Uploaded:     r.Uploaded,
	}
}

// NewLocalFileStorage creates a new LocalFileStorage rooted at dataDir.
func NewLocalFileStorage(dataDir string) (*LocalFileStorage, error) {
	for _, dir := range []string{"objects", "keys", "uploads", "tmp"} {
		if err := os.MkdirAll(filepath.Join(dataDir, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", dir, err)
		}
	}
	return &LocalFileStorage{dataDir: dataDir}, nil
}

// WithMinPartSize makes Complete reject uploads whose parts, other than the
// last, are smaller than n bytes. The default of zero accepts any size.
func (s *LocalFileStorage) WithMinPartSize(n int64) *LocalFileStorage {
	s.minPartSize = n
	return s
}

// ObjectPath computes the full filesystem path for the payload identified
// by hashHex.
func ObjectPath(directory string, hashHex string) (string, error) {
	if len(hashHex) < 2 {
		return "", fmt.Errorf("invalid hash length: %d", len(hashHex))
	}
	return filepath.Join(directory, "objects", hashHex[:2], hashHex), nil
}

func (s *LocalFileStorage) recordPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	hashHex := hex.EncodeToString(sum[:])
	return filepath.Join(s.dataDir, "keys", hashHex[:2], hashHex+".json")
}

func (s *LocalFileStorage) tempDir() string {
	return filepath.Join(s.dataDir, "tmp")
}

func newVersion() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// storePayload moves the file at tempPath into the content-addressed
// layout. If an identical payload is already stored it is kept and the
// temp file is discarded.
func (s *LocalFileStorage) storePayload(hashHex string, tempPath string, size int64) error {
	objPath, err := ObjectPath(s.dataDir, hashHex)
	if err != nil {
		return err
	}

	if info, err := os.Stat(objPath); err == nil && info.Mode().IsRegular() && info.Size() == size {
		return os.Remove(tempPath)
	}

	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return err
	}

	return MoveFile(tempPath, objPath)
}

func (s *LocalFileStorage) writeRecord(rec objectRecord) error {
	path := s.recordPath(rec.Key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return writeFileAtomic(path, data, s.tempDir())
}

func (s *LocalFileStorage) readRecord(key string) (objectRecord, error) {
	data, err := os.ReadFile(s.recordPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return objectRecord{}, ErrNoSuchKey
		}
		return objectRecord{}, err
	}

	var rec objectRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return objectRecord{}, fmt.Errorf("decode object record: %w", err)
	}
	return rec, nil
}

// writeFileAtomic writes data to a temp file in tmpDir and renames it into
// place so readers never observe a partial file.
func writeFileAtomic(path string, data []byte, tmpDir string) error {
	f, err := os.CreateTemp(tmpDir, "write-*")
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return err
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return err
	}

	return MoveFile(f.Name(), path)
}

// copyToTemp streams r into a new temp file, returning its path, length,
// SHA-256 hex and MD5 digest.
func (s *LocalFileStorage) copyToTemp(r io.Reader) (string, int64, string, []byte, error) {
	f, err := os.CreateTemp(s.tempDir(), "upload-*")
	if err != nil {
		return "", 0, "", nil, err
	}
	defer f.Close()

	sha := sha256.New()
	sum := md5.New()

	n, err := io.Copy(io.MultiWriter(f, sha, sum), r)
	if err != nil {
		_ = os.Remove(f.Name())
		return "", 0, "", nil, err
	}

	return f.Name(), n, hex.EncodeToString(sha.Sum(nil)), sum.Sum(nil), nil
}

func (s *LocalFileStorage) Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (Object, error) {
	if err := ValidateKey(key); err != nil {
		return Object{}, err
	}

	tempPath, written, hashHex, digest, err := s.copyToTemp(body)
	if err != nil {
		return Object{}, fmt.Errorf("write payload: %w", err)
	}

	if size >= 0 && written != size {
		_ = os.Remove(tempPath)
		return Object{}, fmt.Errorf("short body: expected %d bytes, got %d", size, written)
	}

	if err := s.storePayload(hashHex, tempPath, written); err != nil {
		_ = os.Remove(tempPath)
		return Object{}, fmt.Errorf("store payload: %w", err)
	}

	rec := objectRecord{
		Key:          key,
		Hash:         hashHex,
		Size:         written,
		ContentType:  contentTypeOrDefault(opts.ContentType),
		CacheControl: opts.CacheControl,
		ETag:         hex.EncodeToString(digest),
		Version:      newVersion(),
		Uploaded:     time.Now().UTC(),
	}

	if err := s.writeRecord(rec); err != nil {
		return Object{}, fmt.Errorf("write object record: %w", err)
	}

	return rec.object(), nil
}

func (s *LocalFileStorage) Head(ctx context.Context, key string) (Object, error) {
	rec, err := s.readRecord(key)
	if err != nil {
		return Object{}, err
	}
	return rec.object(), nil
}

func (s *LocalFileStorage) Get(ctx context.Context, key string) (io.ReadCloser, Object, error) {
	rec, err := s.readRecord(key)
	if err != nil {
		return nil, Object{}, err
	}

	objPath, err := ObjectPath(s.dataDir, rec.Hash)
	if err != nil {
		return nil, Object{}, err
	}

	f, err := os.Open(objPath)
	if err != nil {
		return nil, Object{}, fmt.Errorf("open payload: %w", err)
	}

	return f, rec.object(), nil
}

// Delete removes the key's metadata record. Payloads are shared between
// keys and are left for a separate garbage collection pass.
func (s *LocalFileStorage) Delete(ctx context.Context, key string) error {
	if err := os.Remove(s.recordPath(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func contentTypeOrDefault(contentType string) string {
	if contentType == "" {
		return DefaultContentType
	}
	return contentType
}
