// Package storage defines persistence interfaces for job history.
package storage

import (
	"context"

	lzmux "github.com/eugener/lzmux/internal"
)

// JobStore persists per-job outcomes.
type JobStore interface {
	InsertJobs(ctx context.Context, records []lzmux.JobRecord) error
	QueryJobs(ctx context.Context, f lzmux.JobFilter) ([]lzmux.JobRecord, error)
	CountJobs(ctx context.Context, f lzmux.JobFilter) (int, error)
}

// RollupStore persists aggregated job statistics.
type RollupStore interface {
	UpsertRollups(ctx context.Context, rollups []lzmux.JobRollup) error
	ListRollups(ctx context.Context, f lzmux.RollupFilter) ([]lzmux.JobRollup, error)
}

// Store combines all storage interfaces.
type Store interface {
	JobStore
	RollupStore
	Ping(ctx context.Context) error
	Close() error
}
