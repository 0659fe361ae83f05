package worker

import (
	"context"
	"log/slog"
	"time"

	lzmux "github.com/eugener/lzmux/internal"
)

const (
	rollupInterval = 5 * time.Minute
	rollupPageSize = 5000
	periodHourly   = "hourly"
)

// RollupStore is the persistence interface consumed by RollupWorker.
type RollupStore interface {
	QueryJobs(ctx context.Context, f lzmux.JobFilter) ([]lzmux.JobRecord, error)
	UpsertRollups(ctx context.Context, rollups []lzmux.JobRollup) error
}

// RollupWorker periodically aggregates job records into hourly rollups per
// action and status.
type RollupWorker struct {
	store RollupStore
	now   func() time.Time
}

// NewRollupWorker creates a rollup worker.
func NewRollupWorker(store RollupStore) *RollupWorker {
	return &RollupWorker{store: store, now: time.Now}
}

// Run recomputes the recent hourly buckets on a fixed schedule.
func (w *RollupWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(rollupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.rollup(ctx)
		}
	}
}

// rollup rebuilds the previous and current hour. Late records land in the
// current bucket and are picked up on the next pass.
func (w *RollupWorker) rollup(ctx context.Context) {
	now := w.now().UTC()
	since := now.Add(-time.Hour).Truncate(time.Hour)
	until := now.Truncate(time.Hour).Add(time.Hour)

	type key struct {
		action, status, bucket string
	}
	agg := make(map[key]*lzmux.JobRollup)
	var total int

	for offset := 0; ; offset += rollupPageSize {
		records, err := w.store.QueryJobs(ctx, lzmux.JobFilter{
			Since:  since.Format(time.RFC3339),
			Until:  until.Format(time.RFC3339),
			Offset: offset,
			Limit:  rollupPageSize,
		})
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "rollup query failed",
				slog.String("error", err.Error()),
			)
			return
		}
		for _, r := range records {
			bucket := r.CreatedAt.UTC().Truncate(time.Hour).Format(time.RFC3339)
			k := key{action: r.Action, status: r.Status, bucket: bucket}
			ru, ok := agg[k]
			if !ok {
				ru = &lzmux.JobRollup{Action: r.Action, Status: r.Status, Period: periodHourly, Bucket: bucket}
				agg[k] = ru
			}
			ru.JobCount++
			if r.Cached {
				ru.CachedCount++
			}
			ru.InputBytes += int64(r.InputBytes)
			ru.OutputBytes += int64(r.OutputBytes)
			ru.TotalDurationMs += int64(r.DurationMs)
		}
		total += len(records)
		if len(records) < rollupPageSize {
			break
		}
	}
	if len(agg) == 0 {
		return
	}

	rollups := make([]lzmux.JobRollup, 0, len(agg))
	for _, r := range agg {
		rollups = append(rollups, *r)
	}
	if err := w.store.UpsertRollups(ctx, rollups); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "rollup upsert failed",
			slog.String("error", err.Error()),
		)
		return
	}
	slog.Info("job rollup completed", "rollups", len(rollups), "records", total)
}
