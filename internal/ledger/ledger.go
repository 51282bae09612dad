// Package ledger keeps a durable record of multipart uploads and their
// phase transitions.
//
// An upload is open from init until it is completed or aborted; both are
// terminal. The object store remains the source of truth for part data;
// the ledger only tracks bookkeeping so that late calls on a finished
// upload can be rejected and abandoned uploads can be reaped.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrationsFS embed.FS

// Upload states.
const (
	StateOpen      = "open"
	StateCompleted = "completed"
	StateAborted   = "aborted"
)

var (
	// ErrUploadNotOpen is returned for operations on a completed or
	// aborted upload, or on an upload recorded for a different key.
	ErrUploadNotOpen = errors.New("multipart upload is not open")
	ErrUnknownUpload = errors.New("multipart upload not recorded")
)

// Upload is one ledger row.
type Upload struct {
	UploadID    string
	Key         string
	ContentType string
	State       string
	ETag        string
	Size        int64
	Parts       int
	Initiated   time.Time
	Updated     time.Time
}

type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// initSchema applies all SQL files in the embedded migrations in
// lexicographical order.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Debug("Running migration", "path", path)
		_, execError := db.ExecContext(ctx, string(content))
		return execError
	})
}

// Open opens (creating if needed) the sqlite ledger at path.
func Open(ctx context.Context, path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// sqlite serializes writers; a single connection avoids lock errors.
	db.SetMaxOpenConns(1)

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}

	return &Ledger{db: db, now: time.Now}, nil
}

// WithClock overrides the time source. Intended for tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) nowMillis() int64 {
	return l.now().UTC().UnixMilli()
}

// withTransaction runs a function within a database transaction.
func withTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	return nil
}

// RecordInit records a newly created upload as open.
func (l *Ledger) RecordInit(ctx context.Context, key string, uploadID string, contentType string) error {
	now := l.nowMillis()
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO uploads(upload_id, key, content_type, state, initiated_at, updated_at) VALUES(?, ?, ?, ?, ?, ?)`,
		uploadID, key, contentType, StateOpen, now, now,
	)
	if err != nil {
		return fmt.Errorf("record upload init: %w", err)
	}
	return nil
}

// CheckOpen returns nil when the upload is open for key, ErrUploadNotOpen
// when it is terminal or belongs to another key, and ErrUnknownUpload when
// the ledger has no record of it.
func (l *Ledger) CheckOpen(ctx context.Context, key string, uploadID string) error {
	var state, recordedKey string
	err := l.db.QueryRowContext(ctx,
		`SELECT state, key FROM uploads WHERE upload_id = ?`, uploadID,
	).Scan(&state, &recordedKey)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUnknownUpload
	}
	if err != nil {
		return fmt.Errorf("query upload state: %w", err)
	}

	if state != StateOpen || recordedKey != key {
		return ErrUploadNotOpen
	}
	return nil
}

// RecordPart records an uploaded part, replacing an earlier upload of the
// same part number.
func (l *Ledger) RecordPart(ctx context.Context, uploadID string, partNumber int, etag string, size int64) error {
	now := l.nowMillis()
	return withTransaction(ctx, l.db, func(tx *sql.Tx) error {
		if err := requireOpen(ctx, tx, uploadID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO parts(upload_id, part_number, etag, size, uploaded_at) VALUES(?, ?, ?, ?, ?)
			 ON CONFLICT(upload_id, part_number) DO UPDATE SET etag = excluded.etag, size = excluded.size, uploaded_at = excluded.uploaded_at`,
			uploadID, partNumber, etag, size, now,
		); err != nil {
			return fmt.Errorf("record part: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE uploads SET updated_at = ? WHERE upload_id = ?`, now, uploadID); err != nil {
			return fmt.Errorf("touch upload: %w", err)
		}
		return nil
	})
}

// RecordComplete marks the upload completed.
func (l *Ledger) RecordComplete(ctx context.Context, uploadID string, etag string, size int64) error {
	return l.finish(ctx, uploadID, StateCompleted, etag, size)
}

// RecordAbort marks the upload aborted and drops its part records.
func (l *Ledger) RecordAbort(ctx context.Context, uploadID string) error {
	return l.finish(ctx, uploadID, StateAborted, "", 0)
}

func (l *Ledger) finish(ctx context.Context, uploadID string, state string, etag string, size int64) error {
	now := l.nowMillis()
	return withTransaction(ctx, l.db, func(tx *sql.Tx) error {
		if err := requireOpen(ctx, tx, uploadID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE uploads SET state = ?, etag = ?, size = ?, updated_at = ? WHERE upload_id = ?`,
			state, etag, size, now, uploadID,
		); err != nil {
			return fmt.Errorf("update upload state: %w", err)
		}

		if state == StateAborted {
			if _, err := tx.ExecContext(ctx, `DELETE FROM parts WHERE upload_id = ?`, uploadID); err != nil {
				return fmt.Errorf("delete part records: %w", err)
			}
		}
		return nil
	})
}

func requireOpen(ctx context.Context, tx *sql.Tx, uploadID string) error {
	var state string
	err := tx.QueryRowContext(ctx, `SELECT state FROM uploads WHERE upload_id = ?`, uploadID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUnknownUpload
	}
	if err != nil {
		return fmt.Errorf("query upload state: %w", err)
	}
	if state != StateOpen {
		return ErrUploadNotOpen
	}
	return nil
}

const selectUploads = `
SELECT u.upload_id, u.key, u.content_type, u.state, u.etag, u.size, u.initiated_at, u.updated_at,
       COUNT(p.part_number), COALESCE(SUM(p.size), 0)
FROM uploads u
LEFT JOIN parts p ON p.upload_id = u.upload_id
`

func scanUploads(rows *sql.Rows) ([]Upload, error) {
	defer rows.Close()

	var uploads []Upload
	for rows.Next() {
		var (
			u                  Upload
			initiated, updated int64
			partsSize          int64
		)
		if err := rows.Scan(&u.UploadID, &u.Key, &u.ContentType, &u.State, &u.ETag, &u.Size, &initiated, &updated, &u.Parts, &partsSize); err != nil {
			return nil, err
		}
		u.Initiated = time.UnixMilli(initiated).UTC()
		u.Updated = time.UnixMilli(updated).UTC()
		if u.State == StateOpen {
			u.Size = partsSize
		}
		uploads = append(uploads, u)
	}
	return uploads, rows.Err()
}

// Get returns the ledger row for uploadID.
func (l *Ledger) Get(ctx context.Context, uploadID string) (Upload, error) {
	rows, err := l.db.QueryContext(ctx, selectUploads+`WHERE u.upload_id = ? GROUP BY u.upload_id`, uploadID)
	if err != nil {
		return Upload{}, fmt.Errorf("query upload: %w", err)
	}

	uploads, err := scanUploads(rows)
	if err != nil {
		return Upload{}, fmt.Errorf("scan upload: %w", err)
	}
	if len(uploads) == 0 {
		return Upload{}, ErrUnknownUpload
	}
	return uploads[0], nil
}

// ListOpen returns open uploads whose key starts with prefix, oldest first.
func (l *Ledger) ListOpen(ctx context.Context, prefix string) ([]Upload, error) {
	rows, err := l.db.QueryContext(ctx,
		selectUploads+`WHERE u.state = ? AND substr(u.key, 1, length(?)) = ? GROUP BY u.upload_id ORDER BY u.initiated_at, u.upload_id`,
		StateOpen, prefix, prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("list open uploads: %w", err)
	}

	uploads, err := scanUploads(rows)
	if err != nil {
		return nil, fmt.Errorf("scan uploads: %w", err)
	}
	return uploads, nil
}

// ListStale returns open uploads with no activity since before.
func (l *Ledger) ListStale(ctx context.Context, before time.Time) ([]Upload, error) {
	rows, err := l.db.QueryContext(ctx,
		selectUploads+`WHERE u.state = ? AND u.updated_at < ? GROUP BY u.upload_id ORDER BY u.updated_at`,
		StateOpen, before.UTC().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("list stale uploads: %w", err)
	}

	uploads, err := scanUploads(rows)
	if err != nil {
		return nil, fmt.Errorf("scan uploads: %w", err)
	}
	return uploads, nil
}
