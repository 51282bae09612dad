package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/voicesofjudah/mediagate/pkg/storage"
)

// Parser accepts standard 5-field cron expressions and descriptors such as
// "@hourly".
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cron.Schedule, error) {
	schedule, err := Parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return schedule, nil
}

// Reaper aborts multipart uploads that have been open without activity for
// longer than MaxAge, releasing the parts they hold in the bucket.
type Reaper struct {
	Ledger *Ledger
	Bucket storage.Bucket
	MaxAge time.Duration
}

// Reap runs one pass and returns the number of uploads aborted.
func (r *Reaper) Reap(ctx context.Context) (int, error) {
	stale, err := r.Ledger.ListStale(ctx, r.Ledger.now().Add(-r.MaxAge))
	if err != nil {
		return 0, err
	}

	var errs []error
	reaped := 0

	for _, u := range stale {
		err := r.Bucket.ResumeMultipartUpload(u.Key, u.UploadID).Abort(ctx)
		if err != nil && !errors.Is(err, storage.ErrNoSuchUpload) {
			slog.Error("Failed to abort stale upload", "key", u.Key, "upload_id", u.UploadID, "err", err)
			errs = append(errs, err)
			continue
		}

		if err := r.Ledger.RecordAbort(ctx, u.UploadID); err != nil && !errors.Is(err, ErrUploadNotOpen) {
			errs = append(errs, err)
			continue
		}

		slog.Info("Reaped stale multipart upload", "key", u.Key, "upload_id", u.UploadID, "idle", r.Ledger.now().Sub(u.Updated).Round(time.Second))
		reaped++
	}

	return reaped, errors.Join(errs...)
}

// Start schedules Reap on expr and returns the running scheduler. The
// scheduler stops when ctx is cancelled.
func (r *Reaper) Start(ctx context.Context, expr string) (*cron.Cron, error) {
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}

	c := cron.New(cron.WithParser(Parser))
	c.Schedule(schedule, cron.FuncJob(func() {
		if _, err := r.Reap(ctx); err != nil {
			slog.Error("Reaper pass failed", "err", err)
		}
	}))
	c.Start()

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()

	return c, nil
}
