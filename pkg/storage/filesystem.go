package storage

import (
	"errors"
	"io"
	"os"
	"syscall"
)

func CopyFile(srcPath string, destPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	destFile, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer destFile.Close()

	_, err = destFile.ReadFrom(srcFile)
	return err
}

// CopyOrLinkFile attempts to create a hard link from srcPath to destPath.
// If that fails, it falls back to copying the file contents.
func CopyOrLinkFile(srcPath string, destPath string) error {
	if srcPath == destPath {
		return nil
	}

	// The destination has to go first: linking over an existing file that
	// shares the inode would truncate both.
	if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	if err := os.Link(srcPath, destPath); err == nil {
		return nil
	}

	return CopyFile(srcPath, destPath)
}

// MoveFile renames srcPath to destPath, copying across filesystems when a
// rename is not possible.
func MoveFile(srcPath string, destPath string) error {
	err := os.Rename(srcPath, destPath)
	if err == nil {
		return nil
	}

	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}

	if copyErr := CopyOrLinkFile(srcPath, destPath); copyErr != nil {
		return copyErr
	}

	if rmErr := os.Remove(srcPath); rmErr != nil && !os.IsNotExist(rmErr) {
		return rmErr
	}
	return nil
}

// spool returns body as a seekable reader of known length, buffering it to
// a temporary file when the size is unknown or the reader cannot seek.
// The returned cleanup function must always be called.
func spool(body io.Reader, size int64, dir string) (io.ReadSeeker, int64, func(), error) {
	if rs, ok := body.(io.ReadSeeker); ok && size >= 0 {
		return rs, size, func() {}, nil
	}

	f, err := os.CreateTemp(dir, "spool-*")
	if err != nil {
		return nil, 0, func() {}, err
	}

	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}

	n, err := io.Copy(f, body)
	if err != nil {
		cleanup()
		return nil, 0, func() {}, err
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, 0, func() {}, err
	}

	return f, n, cleanup, nil
}
