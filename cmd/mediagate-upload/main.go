package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/docker/go-units"
	"github.com/voicesofjudah/mediagate/pkg/client"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

// contentTypeFor guesses the content type from the file extension.
func contentTypeFor(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// UploadFile uploads the file at path under key.
func UploadFile(ctx context.Context, c *client.Client, filePath string, key string, contentType string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", filePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %q: %w", filePath, err)
	}

	start := time.Now()
	result, err := c.Upload(ctx, key, contentType, f, info.Size())
	if err != nil {
		return fmt.Errorf("failed to upload %q: %w", filePath, err)
	}

	slog.Info("Uploaded file",
		"path", filePath,
		"key", result.Key,
		"url", result.URL,
		"etag", result.ETag,
		"size", units.HumanSize(float64(result.Size)),
		"multipart", result.Multipart,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

// ListUploads logs the open multipart uploads under prefix.
func ListUploads(ctx context.Context, c *client.Client, prefix string) error {
	uploads, err := c.ListUploads(ctx, prefix)
	if err != nil {
		return fmt.Errorf("failed to list uploads: %w", err)
	}

	for _, u := range uploads {
		slog.Info("Open upload",
			"key", u.Key,
			"upload_id", u.UploadID,
			"initiated", u.Initiated.Format(time.RFC3339),
			"parts", u.Parts,
			"size", units.HumanSize(float64(u.Size)),
		)
	}
	slog.Info("Open uploads", "count", len(uploads))
	return nil
}

func Run(ctx context.Context) error {
	server := flag.String("server", getenv("MEDIAGATE_URL", "http://localhost:8080"), "mediagate base URL")
	session := flag.String("session", getenv("MEDIAGATE_SESSION", ""), "admin session cookie value")
	user := flag.String("user", getenv("MEDIAGATE_USER", ""), "operator basic-auth user")
	password := flag.String("password", getenv("MEDIAGATE_PASSWORD", ""), "operator basic-auth password")
	prefix := flag.String("prefix", "uploads/", "key prefix; the file name is appended")
	key := flag.String("key", "", "explicit object key (single file only)")
	contentType := flag.String("content-type", "", "content type; guessed from the extension when empty")
	partSize := flag.String("part-size", "10MiB", "multipart part size")
	concurrency := flag.Int("concurrency", client.DefaultConcurrency, "parts uploaded at once")
	list := flag.Bool("list", false, "list open multipart uploads under -prefix and exit")
	verbose := flag.Bool("v", false, "debug logging")

	flag.Parse()

	level := log.InfoLevel
	if *verbose {
		level = log.DebugLevel
	}

	handler := log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
	})

	slog.SetDefault(slog.New(handler))

	size, err := units.RAMInBytes(*partSize)
	if err != nil {
		return fmt.Errorf("invalid part size %q: %w", *partSize, err)
	}

	c := client.New(*server,
		client.WithAdminSession(*session),
		client.WithBasicAuth(*user, *password),
		client.WithPartSize(size),
		client.WithConcurrency(*concurrency),
	)

	if *list {
		return ListUploads(ctx, c, *prefix)
	}

	files := flag.Args()
	if len(files) == 0 {
		return errors.New("no files given")
	}
	if *key != "" && len(files) > 1 {
		return errors.New("-key requires exactly one file")
	}

	for _, file := range files {
		objectKey := *key
		if objectKey == "" {
			objectKey = path.Join(*prefix, filepath.Base(file))
		}

		ct := *contentType
		if ct == "" {
			ct = contentTypeFor(file)
		}

		if err := UploadFile(ctx, c, file, objectKey, ct); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := Run(ctx)
	stop()

	if err != nil {
		slog.Error("Upload failed", "err", err)
		os.Exit(1)
	}
}
