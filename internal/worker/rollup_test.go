package worker

import (
	"testing"
	"time"

	lzmux "github.com/eugener/lzmux/internal"
	"github.com/eugener/lzmux/internal/testutil"
)

func TestRollupWorker_Aggregates(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	now := time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)

	store.InsertJobs(t.Context(), []lzmux.JobRecord{
		{ID: "1", Action: "compress", Status: lzmux.StatusOK, InputBytes: 100, OutputBytes: 40, DurationMs: 5, CreatedAt: now.Add(-10 * time.Minute)},
		{ID: "2", Action: "compress", Status: lzmux.StatusOK, InputBytes: 50, OutputBytes: 20, DurationMs: 3, Cached: true, CreatedAt: now.Add(-20 * time.Minute)},
		{ID: "3", Action: "compress", Status: lzmux.StatusFailed, InputBytes: 7, CreatedAt: now.Add(-5 * time.Minute)},
		{ID: "4", Action: "decompress", Status: lzmux.StatusOK, InputBytes: 40, OutputBytes: 100, CreatedAt: now.Add(-50 * time.Minute)},
		{ID: "5", Action: "compress", Status: lzmux.StatusOK, InputBytes: 1, CreatedAt: now.Add(-5 * time.Hour)},
	})

	w := NewRollupWorker(store)
	w.now = func() time.Time { return now }
	w.rollup(t.Context())

	rollups, err := store.ListRollups(t.Context(), lzmux.RollupFilter{})
	if err != nil {
		t.Fatal(err)
	}
	type key struct{ action, status, bucket string }
	got := make(map[key]lzmux.JobRollup)
	for _, r := range rollups {
		if r.Period != "hourly" {
			t.Errorf("period = %q, want hourly", r.Period)
		}
		got[key{r.Action, r.Status, r.Bucket}] = r
	}
	if len(got) != 3 {
		t.Fatalf("got %d rollups, want 3: %+v", len(got), rollups)
	}

	cur := "2026-03-04T10:00:00Z"
	prev := "2026-03-04T09:00:00Z"
	ok := got[key{"compress", lzmux.StatusOK, cur}]
	if ok.JobCount != 2 || ok.CachedCount != 1 || ok.InputBytes != 150 || ok.OutputBytes != 60 || ok.TotalDurationMs != 8 {
		t.Errorf("compress/ok = %+v", ok)
	}
	if f := got[key{"compress", lzmux.StatusFailed, cur}]; f.JobCount != 1 {
		t.Errorf("compress/failed = %+v", f)
	}
	if d := got[key{"decompress", lzmux.StatusOK, prev}]; d.JobCount != 1 || d.OutputBytes != 100 {
		t.Errorf("decompress/ok = %+v", d)
	}
}

func TestRollupWorker_Idempotent(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	now := time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)
	store.InsertJobs(t.Context(), []lzmux.JobRecord{
		{ID: "1", Action: "compress", Status: lzmux.StatusOK, InputBytes: 10, CreatedAt: now.Add(-time.Minute)},
	})

	w := NewRollupWorker(store)
	w.now = func() time.Time { return now }
	w.rollup(t.Context())
	w.rollup(t.Context())

	rollups, _ := store.ListRollups(t.Context(), lzmux.RollupFilter{Action: "compress"})
	if len(rollups) != 1 || rollups[0].JobCount != 1 || rollups[0].InputBytes != 10 {
		t.Errorf("rollups after two passes = %+v", rollups)
	}
}

func TestRollupWorker_Empty(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	NewRollupWorker(store).rollup(t.Context())

	rollups, _ := store.ListRollups(t.Context(), lzmux.RollupFilter{})
	if len(rollups) != 0 {
		t.Errorf("got %d rollups from empty store", len(rollups))
	}
}
