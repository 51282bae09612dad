package storage

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
)

// quoteETag formats an unquoted entity tag for use in HTTP headers.
func quoteETag(etag string) string {
	return fmt.Sprintf("\"%s\"", etag)
}

// NormalizeETag strips surrounding quotes and any weak validator prefix.
func NormalizeETag(etag string) string {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, "\"")
}

// multipartETag computes the S3-style entity tag of a completed multipart
// object: the MD5 of the concatenated binary part MD5s, suffixed with the
// part count.
func multipartETag(partMD5s [][]byte) string {
	h := md5.New()
	for _, sum := range partMD5s {
		h.Write(sum)
	}
	return fmt.Sprintf("%s-%d", hex.EncodeToString(h.Sum(nil)), len(partMD5s))
}
