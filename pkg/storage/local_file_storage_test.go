package storage_test

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/voicesofjudah/mediagate/pkg/storage"
)

func newLocalStorage(t *testing.T) (*storage.LocalFileStorage, string) {
	t.Helper()

	dataDir := t.TempDir()
	engine, err := storage.NewLocalFileStorage(dataDir)
	require.NoError(t, err, "NewLocalFileStorage error")
	return engine, dataDir
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func readAll(t *testing.T, engine storage.Bucket, key string) ([]byte, storage.Object) {
	t.Helper()

	rc, obj, err := engine.Get(t.Context(), key)
	require.NoError(t, err, "Get error")
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err, "read object body")
	return data, obj
}

func TestLocalFileStoragePutAndGet(t *testing.T) {
	t.Parallel()

	engine, dataDir := newLocalStorage(t)

	payload := []byte("hello local storage")
	obj, err := engine.Put(t.Context(), "products/hello.txt", bytes.NewReader(payload), int64(len(payload)), storage.PutOptions{
		ContentType:  "text/plain",
		CacheControl: "public, max-age=60",
	})
	require.NoError(t, err, "Put error")
	require.Equal(t, "products/hello.txt", obj.Key)
	require.Equal(t, int64(len(payload)), obj.Size)
	require.Equal(t, md5Hex(payload), obj.ETag)
	require.Equal(t, `"`+md5Hex(payload)+`"`, obj.HTTPETag)
	require.NotEmpty(t, obj.Version)

	// The payload should be content addressed on disk.
	sum := sha256.Sum256(payload)
	hashHex := hex.EncodeToString(sum[:])
	info, err := os.Stat(filepath.Join(dataDir, "objects", hashHex[:2], hashHex))
	require.NoError(t, err, "expected payload file to exist")
	require.False(t, info.IsDir(), "payload path should be a file")

	got, gotObj := readAll(t, engine, "products/hello.txt")
	require.Equal(t, payload, got, "payload mismatch")
	require.Equal(t, "text/plain", gotObj.ContentType)
	require.Equal(t, "public, max-age=60", gotObj.CacheControl)

	head, err := engine.Head(t.Context(), "products/hello.txt")
	require.NoError(t, err, "Head error")
	require.Equal(t, obj.ETag, head.ETag)
}

func TestLocalFileStorageDefaultContentType(t *testing.T) {
	t.Parallel()

	engine, _ := newLocalStorage(t)

	obj, err := engine.Put(t.Context(), "blob", strings.NewReader("x"), -1, storage.PutOptions{})
	require.NoError(t, err, "Put error")
	require.Equal(t, storage.DefaultContentType, obj.ContentType)
	require.Equal(t, int64(1), obj.Size)
}

func TestLocalFileStoragePutShortBody(t *testing.T) {
	t.Parallel()

	engine, _ := newLocalStorage(t)

	_, err := engine.Put(t.Context(), "short", strings.NewReader("abc"), 10, storage.PutOptions{})
	require.Error(t, err, "expected error for short body")

	_, err = engine.Head(t.Context(), "short")
	require.ErrorIs(t, err, storage.ErrNoSuchKey)
}

func TestLocalFileStorageOverwriteReplacesVersion(t *testing.T) {
	t.Parallel()

	engine, _ := newLocalStorage(t)

	first, err := engine.Put(t.Context(), "key", strings.NewReader("one"), 3, storage.PutOptions{})
	require.NoError(t, err)
	second, err := engine.Put(t.Context(), "key", strings.NewReader("two"), 3, storage.PutOptions{})
	require.NoError(t, err)

	require.NotEqual(t, first.Version, second.Version)

	got, _ := readAll(t, engine, "key")
	require.Equal(t, "two", string(got))
}

func TestLocalFileStorageSharesIdenticalPayloads(t *testing.T) {
	t.Parallel()

	engine, dataDir := newLocalStorage(t)

	payload := []byte("shared payload")
	_, err := engine.Put(t.Context(), "a", bytes.NewReader(payload), int64(len(payload)), storage.PutOptions{})
	require.NoError(t, err)
	_, err = engine.Put(t.Context(), "b", bytes.NewReader(payload), int64(len(payload)), storage.PutOptions{})
	require.NoError(t, err)

	var files []string
	err = filepath.WalkDir(filepath.Join(dataDir, "objects"), func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			files = append(files, path)
		}
		return err
	})
	require.NoError(t, err)
	require.Len(t, files, 1, "identical payloads should be stored once")
}

func TestLocalFileStorageDeleteMissingIsNoop(t *testing.T) {
	t.Parallel()

	engine, _ := newLocalStorage(t)

	require.NoError(t, engine.Delete(t.Context(), "missing"), "Delete should not fail for unknown keys")

	_, err := engine.Put(t.Context(), "gone", strings.NewReader("x"), 1, storage.PutOptions{})
	require.NoError(t, err)
	require.NoError(t, engine.Delete(t.Context(), "gone"))

	_, err = engine.Head(t.Context(), "gone")
	require.ErrorIs(t, err, storage.ErrNoSuchKey)
}

func TestLocalFileStorageRejectsInvalidKeys(t *testing.T) {
	t.Parallel()

	engine, _ := newLocalStorage(t)

	for _, key := range []string{"", "/abs", "a/../b"} {
		_, err := engine.Put(t.Context(), key, strings.NewReader("x"), 1, storage.PutOptions{})
		require.ErrorIs(t, err, storage.ErrInvalidKey, "key %q", key)

		_, err = engine.CreateMultipartUpload(t.Context(), key, storage.PutOptions{})
		require.ErrorIs(t, err, storage.ErrInvalidKey, "key %q", key)
	}
}

func TestMultipartCompleteOutOfOrder(t *testing.T) {
	t.Parallel()

	engine, _ := newLocalStorage(t)
	ctx := t.Context()

	upload, err := engine.CreateMultipartUpload(ctx, "videos/big.mp4", storage.PutOptions{ContentType: "video/mp4"})
	require.NoError(t, err, "CreateMultipartUpload error")
	require.NotEmpty(t, upload.UploadID())

	chunks := map[int][]byte{
		1: bytes.Repeat([]byte("a"), 1024),
		2: bytes.Repeat([]byte("b"), 2048),
		3: []byte("tail"),
	}

	var parts []storage.UploadedPart
	for _, n := range []int{3, 1, 2} {
		part, err := upload.UploadPart(ctx, n, bytes.NewReader(chunks[n]), int64(len(chunks[n])))
		require.NoError(t, err, "UploadPart %d error", n)
		require.Equal(t, n, part.PartNumber)
		require.Equal(t, md5Hex(chunks[n]), part.ETag)
		parts = append(parts, part)
	}

	obj, err := upload.Complete(ctx, parts)
	require.NoError(t, err, "Complete error")

	expected := append(append(append([]byte{}, chunks[1]...), chunks[2]...), chunks[3]...)
	require.Equal(t, int64(len(expected)), obj.Size)
	require.Equal(t, "video/mp4", obj.ContentType)
	require.True(t, strings.HasSuffix(obj.ETag, "-3"), "multipart etag should carry the part count")

	got, _ := readAll(t, engine, "videos/big.mp4")
	require.Equal(t, expected, got, "parts should be assembled in ascending order")
}

func TestMultipartETagMatchesS3(t *testing.T) {
	t.Parallel()

	engine, _ := newLocalStorage(t)
	ctx := t.Context()

	upload, err := engine.CreateMultipartUpload(ctx, "etag", storage.PutOptions{})
	require.NoError(t, err)

	p1 := []byte("first part")
	p2 := []byte("second part")

	part1, err := upload.UploadPart(ctx, 1, bytes.NewReader(p1), int64(len(p1)))
	require.NoError(t, err)
	part2, err := upload.UploadPart(ctx, 2, bytes.NewReader(p2), int64(len(p2)))
	require.NoError(t, err)

	obj, err := upload.Complete(ctx, []storage.UploadedPart{part1, part2})
	require.NoError(t, err)

	s1 := md5.Sum(p1)
	s2 := md5.Sum(p2)
	combined := md5.Sum(append(s1[:], s2[:]...))
	require.Equal(t, fmt.Sprintf("%s-2", hex.EncodeToString(combined[:])), obj.ETag)
}

func TestMultipartPartReuploadSupersedes(t *testing.T) {
	t.Parallel()

	engine, _ := newLocalStorage(t)
	ctx := t.Context()

	upload, err := engine.CreateMultipartUpload(ctx, "retry", storage.PutOptions{})
	require.NoError(t, err)

	stale, err := upload.UploadPart(ctx, 1, strings.NewReader("stale"), 5)
	require.NoError(t, err)
	fresh, err := upload.UploadPart(ctx, 1, strings.NewReader("fresh data"), 10)
	require.NoError(t, err)

	// The superseded part's etag no longer identifies a stored part.
	_, err = upload.Complete(ctx, []storage.UploadedPart{stale})
	require.ErrorIs(t, err, storage.ErrInvalidPart)

	_, err = upload.Complete(ctx, []storage.UploadedPart{fresh})
	require.NoError(t, err)

	got, _ := readAll(t, engine, "retry")
	require.Equal(t, "fresh data", string(got))
}

func TestMultipartETagMismatch(t *testing.T) {
	t.Parallel()

	engine, _ := newLocalStorage(t)
	ctx := t.Context()

	upload, err := engine.CreateMultipartUpload(ctx, "mismatch", storage.PutOptions{})
	require.NoError(t, err)

	_, err = upload.UploadPart(ctx, 1, strings.NewReader("data"), 4)
	require.NoError(t, err)

	_, err = upload.Complete(ctx, []storage.UploadedPart{{PartNumber: 1, ETag: md5Hex([]byte("other"))}})
	require.ErrorIs(t, err, storage.ErrInvalidPart)

	_, err = upload.Complete(ctx, []storage.UploadedPart{{PartNumber: 1, ETag: "not-hex"}})
	require.ErrorIs(t, err, storage.ErrInvalidPart)

	_, err = upload.Complete(ctx, []storage.UploadedPart{{PartNumber: 2, ETag: md5Hex([]byte("data"))}})
	require.ErrorIs(t, err, storage.ErrInvalidPart)
}

func TestMultipartQuotedETagsAccepted(t *testing.T) {
	t.Parallel()

	engine, _ := newLocalStorage(t)
	ctx := t.Context()

	upload, err := engine.CreateMultipartUpload(ctx, "quoted", storage.PutOptions{})
	require.NoError(t, err)

	part, err := upload.UploadPart(ctx, 1, strings.NewReader("data"), 4)
	require.NoError(t, err)

	_, err = upload.Complete(ctx, []storage.UploadedPart{{PartNumber: 1, ETag: `"` + part.ETag + `"`}})
	require.NoError(t, err)
}

func TestMultipartRejectsDuplicateAndEmptyParts(t *testing.T) {
	t.Parallel()

	engine, _ := newLocalStorage(t)
	ctx := t.Context()

	upload, err := engine.CreateMultipartUpload(ctx, "dupes", storage.PutOptions{})
	require.NoError(t, err)

	part, err := upload.UploadPart(ctx, 1, strings.NewReader("data"), 4)
	require.NoError(t, err)

	_, err = upload.Complete(ctx, nil)
	require.ErrorIs(t, err, storage.ErrInvalidPart)

	_, err = upload.Complete(ctx, []storage.UploadedPart{part, part})
	require.ErrorIs(t, err, storage.ErrInvalidPart)
}

func TestMultipartPartNumberRange(t *testing.T) {
	t.Parallel()

	engine, _ := newLocalStorage(t)
	ctx := t.Context()

	upload, err := engine.CreateMultipartUpload(ctx, "range", storage.PutOptions{})
	require.NoError(t, err)

	for _, n := range []int{0, -1, storage.MaxPartNumber + 1} {
		_, err := upload.UploadPart(ctx, n, strings.NewReader("x"), 1)
		require.ErrorIs(t, err, storage.ErrInvalidPartNumber, "part %d", n)
	}

	_, err = upload.UploadPart(ctx, storage.MaxPartNumber, strings.NewReader("x"), 1)
	require.NoError(t, err)
}

func TestMultipartAbortThenCompleteFails(t *testing.T) {
	t.Parallel()

	engine, dataDir := newLocalStorage(t)
	ctx := t.Context()

	upload, err := engine.CreateMultipartUpload(ctx, "aborted", storage.PutOptions{})
	require.NoError(t, err)

	part, err := upload.UploadPart(ctx, 1, strings.NewReader("data"), 4)
	require.NoError(t, err)

	require.NoError(t, upload.Abort(ctx), "Abort error")

	_, err = os.Stat(filepath.Join(dataDir, "uploads", upload.UploadID()))
	require.True(t, os.IsNotExist(err), "upload directory should be removed")

	_, err = upload.Complete(ctx, []storage.UploadedPart{part})
	require.ErrorIs(t, err, storage.ErrNoSuchUpload)

	_, err = upload.UploadPart(ctx, 2, strings.NewReader("more"), 4)
	require.ErrorIs(t, err, storage.ErrNoSuchUpload)

	_, err = engine.Head(ctx, "aborted")
	require.ErrorIs(t, err, storage.ErrNoSuchKey, "no object should be created")
}

func TestMultipartCompleteTwiceFails(t *testing.T) {
	t.Parallel()

	engine, _ := newLocalStorage(t)
	ctx := t.Context()

	upload, err := engine.CreateMultipartUpload(ctx, "twice", storage.PutOptions{})
	require.NoError(t, err)

	part, err := upload.UploadPart(ctx, 1, strings.NewReader("data"), 4)
	require.NoError(t, err)

	_, err = upload.Complete(ctx, []storage.UploadedPart{part})
	require.NoError(t, err)

	_, err = upload.Complete(ctx, []storage.UploadedPart{part})
	require.ErrorIs(t, err, storage.ErrNoSuchUpload)
}

func TestMultipartResumeChecksKeyAndID(t *testing.T) {
	t.Parallel()

	engine, _ := newLocalStorage(t)
	ctx := t.Context()

	upload, err := engine.CreateMultipartUpload(ctx, "owner", storage.PutOptions{})
	require.NoError(t, err)

	resumed := engine.ResumeMultipartUpload("owner", upload.UploadID())
	_, err = resumed.UploadPart(ctx, 1, strings.NewReader("data"), 4)
	require.NoError(t, err, "resumed session should accept parts")

	wrongKey := engine.ResumeMultipartUpload("intruder", upload.UploadID())
	_, err = wrongKey.UploadPart(ctx, 1, strings.NewReader("data"), 4)
	require.ErrorIs(t, err, storage.ErrNoSuchUpload)

	for _, id := range []string{"../../keys", "not-a-uuid", ""} {
		bogus := engine.ResumeMultipartUpload("owner", id)
		require.ErrorIs(t, bogus.Abort(ctx), storage.ErrNoSuchUpload, "upload id %q", id)
	}
}

func TestMultipartConcurrentPartUploads(t *testing.T) {
	t.Parallel()

	engine, _ := newLocalStorage(t)
	ctx := t.Context()

	upload, err := engine.CreateMultipartUpload(ctx, "concurrent", storage.PutOptions{})
	require.NoError(t, err)

	const count = 8
	parts := make([]storage.UploadedPart, count)
	errs := make([]error, count)

	var wg sync.WaitGroup
	for i := range count {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body := strings.Repeat(fmt.Sprint(i), 100)
			parts[i], errs[i] = upload.UploadPart(ctx, i+1, strings.NewReader(body), int64(len(body)))
		}()
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "part %d", i+1)
	}

	obj, err := upload.Complete(ctx, parts)
	require.NoError(t, err)
	require.Equal(t, int64(count*100), obj.Size)
}

func TestMultipartCompleteAndAbortRace(t *testing.T) {
	t.Parallel()

	engine, dataDir := newLocalStorage(t)
	ctx := t.Context()
	body := bytes.Repeat([]byte("r"), 256*1024)

	for i := range 50 {
		key := fmt.Sprintf("race-%d", i)
		upload, err := engine.CreateMultipartUpload(ctx, key, storage.PutOptions{})
		require.NoError(t, err)

		part, err := upload.UploadPart(ctx, 1, bytes.NewReader(body), int64(len(body)))
		require.NoError(t, err)

		var completeErr, abortErr error
		var wg sync.WaitGroup
		start := make(chan struct{})

		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, completeErr = upload.Complete(ctx, []storage.UploadedPart{part})
		}()
		go func() {
			defer wg.Done()
			<-start
			abortErr = engine.ResumeMultipartUpload(key, upload.UploadID()).Abort(ctx)
		}()
		close(start)
		wg.Wait()

		_, headErr := engine.Head(ctx, key)
		if completeErr == nil {
			require.ErrorIs(t, abortErr, storage.ErrNoSuchUpload, "run %d: abort after complete", i)
			require.NoError(t, headErr, "run %d: completed object should exist", i)
		} else {
			require.NoError(t, abortErr, "run %d", i)
			require.ErrorIs(t, completeErr, storage.ErrNoSuchUpload, "run %d: complete after abort", i)
			require.ErrorIs(t, headErr, storage.ErrNoSuchKey, "run %d: aborted upload must not create an object", i)
		}
	}

	claimed, err := filepath.Glob(filepath.Join(dataDir, "tmp", "upload-*"))
	require.NoError(t, err)
	require.Empty(t, claimed, "claimed upload directories should be cleaned up")
}

func TestMultipartMinPartSize(t *testing.T) {
	t.Parallel()

	engine, _ := newLocalStorage(t)
	engine.WithMinPartSize(8)
	ctx := t.Context()

	upload, err := engine.CreateMultipartUpload(ctx, "sized", storage.PutOptions{})
	require.NoError(t, err)

	small, err := upload.UploadPart(ctx, 1, strings.NewReader("1234"), 4)
	require.NoError(t, err)
	last, err := upload.UploadPart(ctx, 2, strings.NewReader("tail"), 4)
	require.NoError(t, err)

	_, err = upload.Complete(ctx, []storage.UploadedPart{small, last})
	require.ErrorIs(t, err, storage.ErrEntityTooSmall)

	// The rejected completion leaves the upload open for a retry.
	full, err := upload.UploadPart(ctx, 1, strings.NewReader("12345678"), 8)
	require.NoError(t, err)

	obj, err := upload.Complete(ctx, []storage.UploadedPart{last, full})
	require.NoError(t, err, "only the last part may be short")
	require.Equal(t, int64(12), obj.Size)

	single, err := engine.CreateMultipartUpload(ctx, "single", storage.PutOptions{})
	require.NoError(t, err)
	part, err := single.UploadPart(ctx, 1, strings.NewReader("tiny"), 4)
	require.NoError(t, err)
	_, err = single.Complete(ctx, []storage.UploadedPart{part})
	require.NoError(t, err, "a lone part is the last part")
}
