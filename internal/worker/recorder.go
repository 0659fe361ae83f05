package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	lzmux "github.com/eugener/lzmux/internal"
	"github.com/eugener/lzmux/internal/telemetry"
)

const (
	recorderChanSize   = 1000
	recorderBatchSize  = 100
	recorderFlushEvery = 5 * time.Second
	recorderDrainTime  = 30 * time.Second
)

// JobStore is the persistence interface consumed by JobRecorder.
type JobStore interface {
	InsertJobs(ctx context.Context, records []lzmux.JobRecord) error
}

// JobRecorder buffers job records and batch-flushes them to the store.
// Records are dropped when the buffer is full.
type JobRecorder struct {
	ch         chan lzmux.JobRecord
	store      JobStore
	metrics    *telemetry.Metrics
	batchSize  int
	flushEvery time.Duration
}

// NewJobRecorder creates a JobRecorder backed by store. Zero sizes select
// the defaults; m may be nil.
func NewJobRecorder(store JobStore, bufferSize, batchSize int, flushEvery time.Duration, m *telemetry.Metrics) *JobRecorder {
	if bufferSize <= 0 {
		bufferSize = recorderChanSize
	}
	if batchSize <= 0 {
		batchSize = recorderBatchSize
	}
	if flushEvery <= 0 {
		flushEvery = recorderFlushEvery
	}
	return &JobRecorder{
		ch:         make(chan lzmux.JobRecord, bufferSize),
		store:      store,
		metrics:    m,
		batchSize:  batchSize,
		flushEvery: flushEvery,
	}
}

// Record enqueues a job record. It never blocks.
func (r *JobRecorder) Record(rec lzmux.JobRecord) {
	select {
	case r.ch <- rec:
	default:
		slog.Warn("job record dropped, buffer full", "request_id", rec.RequestID)
	}
	if r.metrics != nil {
		r.metrics.RecorderQueue.Set(float64(len(r.ch)))
	}
}

// Run processes records until ctx is cancelled, then drains what is left.
func (r *JobRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.flushEvery)
	defer ticker.Stop()

	buf := make([]lzmux.JobRecord, 0, r.batchSize)

	for {
		select {
		case rec := <-r.ch:
			buf = append(buf, rec)
			if len(buf) >= r.batchSize {
				r.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				r.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			r.drain(buf)
			return nil
		}
	}
}

func (r *JobRecorder) drain(buf []lzmux.JobRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), recorderDrainTime)
	defer cancel()

	for {
		select {
		case rec := <-r.ch:
			buf = append(buf, rec)
			if len(buf) >= r.batchSize {
				r.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				r.flush(ctx, buf)
			}
			return
		}
	}
}

func (r *JobRecorder) flush(ctx context.Context, buf []lzmux.JobRecord) {
	batch := make([]lzmux.JobRecord, len(buf))
	copy(batch, buf)

	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.Must(uuid.NewV7()).String()
		}
	}

	if err := r.store.InsertJobs(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "job flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
	if r.metrics != nil {
		r.metrics.RecorderQueue.Set(float64(len(r.ch)))
	}
}
