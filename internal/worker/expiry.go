package worker

import (
	"context"
	"log/slog"
	"time"
)

// Expirer fails jobs that have been pending since before a cutoff.
type Expirer interface {
	ExpireBefore(cutoff time.Time) int
}

// ExpiryWorker enforces a job timeout by periodically expiring stale jobs.
type ExpiryWorker struct {
	target   Expirer
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time
}

// NewExpiryWorker expires jobs pending longer than timeout. The sweep runs at
// a quarter of the timeout, bounded to [100ms, 30s].
func NewExpiryWorker(target Expirer, timeout time.Duration) *ExpiryWorker {
	interval := min(max(timeout/4, 100*time.Millisecond), 30*time.Second)
	return &ExpiryWorker{target: target, timeout: timeout, interval: interval, now: time.Now}
}

// Run sweeps until ctx is cancelled.
func (w *ExpiryWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *ExpiryWorker) sweep(ctx context.Context) {
	if n := w.target.ExpireBefore(w.now().Add(-w.timeout)); n > 0 {
		slog.LogAttrs(ctx, slog.LevelWarn, "jobs expired",
			slog.Int("count", n),
			slog.Duration("timeout", w.timeout),
		)
	}
}
