package testutil

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	lzmux "github.com/eugener/lzmux/internal"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
type FakeStore struct {
	mu      sync.RWMutex
	jobs    []lzmux.JobRecord
	rollups map[rollupKey]lzmux.JobRollup

	// InsertErr, if set, fails every InsertJobs call.
	InsertErr error
	// PingErr is returned by Ping.
	PingErr error
}

type rollupKey struct{ action, status, period, bucket string }

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{rollups: make(map[rollupKey]lzmux.JobRollup)}
}

// Jobs returns a copy of every stored job record.
func (s *FakeStore) Jobs() []lzmux.JobRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.jobs)
}

// InsertJobs appends records.
func (s *FakeStore) InsertJobs(_ context.Context, records []lzmux.JobRecord) error {
	if s.InsertErr != nil {
		return s.InsertErr
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, records...)
	s.mu.Unlock()
	return nil
}

// QueryJobs filters records, newest first.
func (s *FakeStore) QueryJobs(_ context.Context, f lzmux.JobFilter) ([]lzmux.JobRecord, error) {
	out := s.match(f)
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountJobs counts matching records.
func (s *FakeStore) CountJobs(_ context.Context, f lzmux.JobFilter) (int, error) {
	return len(s.match(f)), nil
}

func (s *FakeStore) match(f lzmux.JobFilter) []lzmux.JobRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []lzmux.JobRecord
	for _, r := range s.jobs {
		ts := r.CreatedAt.UTC().Format(time.RFC3339)
		switch {
		case f.Action != "" && r.Action != f.Action,
			f.Status != "" && r.Status != f.Status,
			f.Since != "" && ts < f.Since,
			f.Until != "" && ts >= f.Until:
			continue
		}
		out = append(out, r)
	}
	slices.SortStableFunc(out, func(a, b lzmux.JobRecord) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out
}

// UpsertRollups replaces rollups by key.
func (s *FakeStore) UpsertRollups(_ context.Context, rollups []lzmux.JobRollup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rollups {
		s.rollups[rollupKey{r.Action, r.Status, r.Period, r.Bucket}] = r
	}
	return nil
}

// ListRollups filters rollups, newest bucket first.
func (s *FakeStore) ListRollups(_ context.Context, f lzmux.RollupFilter) ([]lzmux.JobRollup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []lzmux.JobRollup
	for _, r := range s.rollups {
		switch {
		case f.Action != "" && r.Action != f.Action,
			f.Period != "" && r.Period != f.Period,
			f.Since != "" && r.Bucket < f.Since,
			f.Until != "" && r.Bucket >= f.Until:
			continue
		}
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b lzmux.JobRollup) int {
		return cmp.Or(
			cmp.Compare(b.Bucket, a.Bucket),
			cmp.Compare(a.Action, b.Action),
			cmp.Compare(a.Status, b.Status),
		)
	})
	return out, nil
}

// Ping returns PingErr.
func (s *FakeStore) Ping(context.Context) error { return s.PingErr }

// Close is a no-op.
func (s *FakeStore) Close() error { return nil }
