package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
)

// uploadMetadata is stored alongside each in-progress multipart upload
// under uploads/<uploadId>/metadata.json.
type uploadMetadata struct {
	Key          string    `json:"key"`
	ContentType  string    `json:"contentType"`
	CacheControl string    `json:"cacheControl"`
	Created      time.Time `json:"created"`
}

type localMultipartUpload struct {
	storage  *LocalFileStorage
	key      string
	uploadID string
}

func (s *LocalFileStorage) uploadDir(uploadID string) string {
	return filepath.Join(s.dataDir, "uploads", uploadID)
}

func partFilename(partNumber int, etag string) string {
	return fmt.Sprintf("part-%05d.%s", partNumber, etag)
}

func (s *LocalFileStorage) CreateMultipartUpload(ctx context.Context, key string, opts PutOptions) (MultipartUpload, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	uploadID := uuid.NewString()
	dir := s.uploadDir(uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}

	meta := uploadMetadata{
		Key:          key,
		ContentType:  contentTypeOrDefault(opts.ContentType),
		CacheControl: opts.CacheControl,
		Created:      time.Now().UTC(),
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}

	if err := writeFileAtomic(filepath.Join(dir, "metadata.json"), data, s.tempDir()); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("write upload metadata: %w", err)
	}

	return &localMultipartUpload{storage: s, key: key, uploadID: uploadID}, nil
}

func (s *LocalFileStorage) ResumeMultipartUpload(key string, uploadID string) MultipartUpload {
	return &localMultipartUpload{storage: s, key: key, uploadID: uploadID}
}

func (u *localMultipartUpload) Key() string      { return u.key }
func (u *localMultipartUpload) UploadID() string { return u.uploadID }

// metadata loads the upload's metadata, failing with ErrNoSuchUpload when
// the upload is unknown or was created for a different key.
func (u *localMultipartUpload) metadata() (uploadMetadata, error) {
	// Upload IDs come from callers and are joined into paths.
	if _, err := uuid.Parse(u.uploadID); err != nil {
		return uploadMetadata{}, ErrNoSuchUpload
	}

	data, err := os.ReadFile(filepath.Join(u.storage.uploadDir(u.uploadID), "metadata.json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return uploadMetadata{}, ErrNoSuchUpload
		}
		return uploadMetadata{}, err
	}

	var meta uploadMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return uploadMetadata{}, fmt.Errorf("decode upload metadata: %w", err)
	}

	if meta.Key != u.key {
		return uploadMetadata{}, ErrNoSuchUpload
	}
	return meta, nil
}

func (u *localMultipartUpload) UploadPart(ctx context.Context, partNumber int, body io.Reader, size int64) (UploadedPart, error) {
	if err := ValidatePartNumber(partNumber); err != nil {
		return UploadedPart{}, err
	}

	if _, err := u.metadata(); err != nil {
		return UploadedPart{}, err
	}

	tempPath, written, _, digest, err := u.storage.copyToTemp(body)
	if err != nil {
		return UploadedPart{}, fmt.Errorf("write part payload: %w", err)
	}

	if size >= 0 && written != size {
		_ = os.Remove(tempPath)
		return UploadedPart{}, fmt.Errorf("short part body: expected %d bytes, got %d", size, written)
	}

	etag := hex.EncodeToString(digest)
	dir := u.storage.uploadDir(u.uploadID)
	partPath := filepath.Join(dir, partFilename(partNumber, etag))

	u.storage.mu.Lock()
	defer u.storage.mu.Unlock()

	// The upload may have been completed or aborted while the body was
	// being received.
	if _, err := os.Stat(dir); err != nil {
		_ = os.Remove(tempPath)
		return UploadedPart{}, ErrNoSuchUpload
	}

	if err := MoveFile(tempPath, partPath); err != nil {
		_ = os.Remove(tempPath)
		return UploadedPart{}, fmt.Errorf("store part: %w", err)
	}

	// Drop any earlier upload of this part number.
	stale, _ := filepath.Glob(filepath.Join(dir, fmt.Sprintf("part-%05d.*", partNumber)))
	for _, path := range stale {
		if path != partPath {
			_ = os.Remove(path)
		}
	}

	return UploadedPart{PartNumber: partNumber, ETag: etag}, nil
}

// completion is an upload that Complete has taken out of uploads/. No other
// operation on the upload can observe it from then on.
type completion struct {
	meta    uploadMetadata
	dir     string
	names   []string
	digests [][]byte
}

// claim validates parts against the upload and moves its directory to a
// private name under tmp/. Abort and Complete both decide the upload's fate
// under mu, so at most one of them succeeds.
func (u *localMultipartUpload) claim(parts []UploadedPart) (completion, error) {
	u.storage.mu.Lock()
	defer u.storage.mu.Unlock()

	meta, err := u.metadata()
	if err != nil {
		return completion{}, err
	}

	if len(parts) == 0 {
		return completion{}, fmt.Errorf("%w: at least one part is required", ErrInvalidPart)
	}

	ordered := slices.Clone(parts)
	slices.SortFunc(ordered, func(a, b UploadedPart) int {
		return a.PartNumber - b.PartNumber
	})

	dir := u.storage.uploadDir(u.uploadID)
	c := completion{
		meta:    meta,
		names:   make([]string, 0, len(ordered)),
		digests: make([][]byte, 0, len(ordered)),
	}

	for i, part := range ordered {
		if err := ValidatePartNumber(part.PartNumber); err != nil {
			return completion{}, err
		}
		if i > 0 && ordered[i-1].PartNumber == part.PartNumber {
			return completion{}, fmt.Errorf("%w: part %d listed more than once", ErrInvalidPart, part.PartNumber)
		}

		etag := NormalizeETag(part.ETag)
		digest, err := hex.DecodeString(etag)
		if err != nil {
			return completion{}, fmt.Errorf("%w: part %d has malformed etag", ErrInvalidPart, part.PartNumber)
		}

		name := partFilename(part.PartNumber, etag)
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			return completion{}, fmt.Errorf("%w: part %d with etag %s not found", ErrInvalidPart, part.PartNumber, etag)
		}

		// Every part but the last must meet the minimum size.
		if i < len(ordered)-1 && info.Size() < u.storage.minPartSize {
			return completion{}, fmt.Errorf("%w: part %d is %d bytes, below the %d byte minimum",
				ErrEntityTooSmall, part.PartNumber, info.Size(), u.storage.minPartSize)
		}

		c.names = append(c.names, name)
		c.digests = append(c.digests, digest)
	}

	c.dir = filepath.Join(u.storage.tempDir(), "upload-"+u.uploadID+"-"+uuid.NewString())
	if err := os.Rename(dir, c.dir); err != nil {
		return completion{}, fmt.Errorf("claim upload: %w", err)
	}
	return c, nil
}

// restore puts a claimed upload back after a failed assembly so the caller
// can retry the completion.
func (u *localMultipartUpload) restore(c completion) {
	u.storage.mu.Lock()
	defer u.storage.mu.Unlock()

	if err := os.Rename(c.dir, u.storage.uploadDir(u.uploadID)); err != nil {
		_ = os.RemoveAll(c.dir)
	}
}

func (u *localMultipartUpload) Complete(ctx context.Context, parts []UploadedPart) (Object, error) {
	c, err := u.claim(parts)
	if err != nil {
		return Object{}, err
	}

	obj, err := u.assemble(c)
	if err != nil {
		u.restore(c)
		return Object{}, err
	}

	if err := os.RemoveAll(c.dir); err != nil {
		slog.Warn("Remove completed upload parts", "upload_id", u.uploadID, "err", err)
	}
	return obj, nil
}

// assemble concatenates the claimed parts into a payload and commits the
// object record for the upload's key.
func (u *localMultipartUpload) assemble(c completion) (Object, error) {
	final, err := os.CreateTemp(u.storage.tempDir(), "multipart-final-*")
	if err != nil {
		return Object{}, err
	}
	defer func() {
		_ = final.Close()
		// Best-effort; the payload store normally moves the file away.
		_ = os.Remove(final.Name())
	}()

	h := sha256.New()
	var totalSize int64
	buf := make([]byte, 32*1024)

	for _, name := range c.names {
		n, err := appendFile(final, h, filepath.Join(c.dir, name), buf)
		if err != nil {
			return Object{}, fmt.Errorf("assemble parts: %w", err)
		}
		totalSize += n
	}

	if err := final.Close(); err != nil {
		return Object{}, err
	}

	hashHex := hex.EncodeToString(h.Sum(nil))
	if err := u.storage.storePayload(hashHex, final.Name(), totalSize); err != nil {
		return Object{}, fmt.Errorf("store assembled payload: %w", err)
	}

	rec := objectRecord{
		Key:          u.key,
		Hash:         hashHex,
		Size:         totalSize,
		ContentType:  c.meta.ContentType,
		CacheControl: c.meta.CacheControl,
		ETag:         multipartETag(c.digests),
		Version:      newVersion(),
		Uploaded:     time.Now().UTC(),
	}

	if err := u.storage.writeRecord(rec); err != nil {
		return Object{}, fmt.Errorf("write object record: %w", err)
	}

	return rec.object(), nil
}

func (u *localMultipartUpload) Abort(ctx context.Context) error {
	u.storage.mu.Lock()
	defer u.storage.mu.Unlock()

	if _, err := u.metadata(); err != nil {
		return err
	}
	return os.RemoveAll(u.storage.uploadDir(u.uploadID))
}

// appendFile streams the file at path into w while hashing it into h.
func appendFile(w io.Writer, h io.Writer, path string, buf []byte) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	return io.CopyBuffer(w, io.TeeReader(f, h), buf)
}
