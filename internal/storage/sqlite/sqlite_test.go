package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	lzmux "github.com/eugener/lzmux/internal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// A file per test avoids cross-test sharing of the :memory: database.
	path := t.TempDir() + "/test.db"
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJobBatchInsertAndQuery(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	records := []lzmux.JobRecord{
		{
			ID: "j-1", RequestID: 9_999_999, Action: "compress", Mode: 9,
			InputBytes: 11, OutputBytes: 20, Status: lzmux.StatusOK,
			DurationMs: 3, TraceID: "abc", CreatedAt: base,
		},
		{
			ID: "j-2", RequestID: 7, Action: "decompress",
			InputBytes: 20, Status: lzmux.StatusFailed, Error: "boom (lzma.js:1)",
			CreatedAt: base.Add(time.Minute),
		},
		{
			ID: "j-3", RequestID: 8, Action: "compress", Mode: 1,
			InputBytes: 11, OutputBytes: 20, Status: lzmux.StatusOK, Cached: true,
			CreatedAt: base.Add(2 * time.Minute),
		},
	}
	if err := s.InsertJobs(ctx, records); err != nil {
		t.Fatal("insert jobs:", err)
	}

	all, err := s.QueryJobs(ctx, lzmux.JobFilter{})
	if err != nil {
		t.Fatal("query:", err)
	}
	if len(all) != 3 {
		t.Fatalf("query count = %d, want 3", len(all))
	}
	if all[0].ID != "j-3" {
		t.Errorf("first = %q, want newest j-3", all[0].ID)
	}
	if !all[0].Cached {
		t.Error("cached flag lost")
	}
	last := all[2]
	if last.RequestID != 9_999_999 || last.Mode != 9 || last.TraceID != "abc" || !last.CreatedAt.Equal(base) {
		t.Errorf("round trip = %+v", last)
	}

	tests := []struct {
		name   string
		filter lzmux.JobFilter
		want   int
	}{
		{"action", lzmux.JobFilter{Action: "compress"}, 2},
		{"status", lzmux.JobFilter{Status: lzmux.StatusFailed}, 1},
		{"since", lzmux.JobFilter{Since: base.Add(time.Minute).Format(time.RFC3339)}, 2},
		{"until", lzmux.JobFilter{Until: base.Add(time.Minute).Format(time.RFC3339)}, 1},
		{"combined", lzmux.JobFilter{Action: "compress", Status: lzmux.StatusOK, Since: base.Add(time.Second).Format(time.RFC3339)}, 1},
	}
	for _, tt := range tests {
		got, err := s.QueryJobs(ctx, tt.filter)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if len(got) != tt.want {
			t.Errorf("%s: got %d records, want %d", tt.name, len(got), tt.want)
		}
		n, err := s.CountJobs(ctx, tt.filter)
		if err != nil {
			t.Fatalf("%s count: %v", tt.name, err)
		}
		if n != tt.want {
			t.Errorf("%s: count = %d, want %d", tt.name, n, tt.want)
		}
	}
}

func TestQueryJobsPagination(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	var records []lzmux.JobRecord
	for i := range 5 {
		records = append(records, lzmux.JobRecord{
			ID: fmt.Sprintf("j-%d", i), Action: "compress", Status: lzmux.StatusOK,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	if err := s.InsertJobs(ctx, records); err != nil {
		t.Fatal(err)
	}

	page, err := s.QueryJobs(ctx, lzmux.JobFilter{Offset: 1, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != "j-3" || page[1].ID != "j-2" {
		t.Errorf("page = %+v", page)
	}
}

func TestInsertJobsEmpty(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if err := s.InsertJobs(context.Background(), nil); err != nil {
		t.Errorf("empty insert: %v", err)
	}
}

func TestRollupUpsertReplaces(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	r := lzmux.JobRollup{
		Action: "compress", Status: lzmux.StatusOK, Period: "hourly", Bucket: "2026-05-01T10:00:00Z",
		JobCount: 2, InputBytes: 100, OutputBytes: 40, TotalDurationMs: 9,
	}
	if err := s.UpsertRollups(ctx, []lzmux.JobRollup{r}); err != nil {
		t.Fatal("upsert:", err)
	}

	// Recomputing the bucket overwrites rather than accumulates.
	r.JobCount = 3
	r.CachedCount = 1
	other := r
	other.Bucket = "2026-05-01T11:00:00Z"
	if err := s.UpsertRollups(ctx, []lzmux.JobRollup{r, other}); err != nil {
		t.Fatal("upsert again:", err)
	}

	got, err := s.ListRollups(ctx, lzmux.RollupFilter{Period: "hourly"})
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(got) != 2 {
		t.Fatalf("rollups = %d, want 2", len(got))
	}
	if got[0].Bucket != other.Bucket {
		t.Errorf("first bucket = %q, want newest", got[0].Bucket)
	}
	if got[1].JobCount != 3 || got[1].CachedCount != 1 {
		t.Errorf("replaced rollup = %+v", got[1])
	}

	since, err := s.ListRollups(ctx, lzmux.RollupFilter{Since: other.Bucket})
	if err != nil {
		t.Fatal(err)
	}
	if len(since) != 1 {
		t.Errorf("since filter returned %d rollups, want 1", len(since))
	}
}

func TestPing(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}
}
