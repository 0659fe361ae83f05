package worker

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeExpirer struct {
	mu      sync.Mutex
	cutoffs []time.Time
}

func (f *fakeExpirer) ExpireBefore(cutoff time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return 1
}

func (f *fakeExpirer) calls() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.cutoffs...)
}

func TestExpiryWorker_Sweep(t *testing.T) {
	t.Parallel()
	exp := &fakeExpirer{}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	w := NewExpiryWorker(exp, 30*time.Second)
	w.now = func() time.Time { return now }

	w.sweep(t.Context())

	calls := exp.calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if want := now.Add(-30 * time.Second); !calls[0].Equal(want) {
		t.Errorf("cutoff = %v, want %v", calls[0], want)
	}
}

func TestExpiryWorker_Interval(t *testing.T) {
	t.Parallel()
	tests := []struct {
		timeout, want time.Duration
	}{
		{100 * time.Millisecond, 100 * time.Millisecond},
		{4 * time.Second, time.Second},
		{10 * time.Minute, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := NewExpiryWorker(&fakeExpirer{}, tt.timeout).interval; got != tt.want {
			t.Errorf("interval(%v) = %v, want %v", tt.timeout, got, tt.want)
		}
	}
}

func TestExpiryWorker_Run(t *testing.T) {
	t.Parallel()
	exp := &fakeExpirer{}
	w := NewExpiryWorker(exp, 100*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for len(exp.calls()) < 2 {
		select {
		case <-deadline:
			t.Fatal("expiry worker did not sweep")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
}
