package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	lzmux "github.com/eugener/lzmux/internal"
	"github.com/eugener/lzmux/internal/cache"
	"github.com/eugener/lzmux/internal/circuitbreaker"
	"github.com/eugener/lzmux/internal/lzma"
	"github.com/eugener/lzmux/internal/proxy"
	"github.com/eugener/lzmux/internal/telemetry"
	"github.com/eugener/lzmux/internal/testutil"
)

// fakeDispatcher settles jobs through settle, or leaves them pending when
// settle is nil.
type fakeDispatcher struct {
	mu        sync.Mutex
	submitted []*lzmux.Job
	cancelled []lzmux.RequestID
	settle    func(job *lzmux.Job)
	submitErr error
	next      lzmux.RequestID
}

func (d *fakeDispatcher) Submit(_ context.Context, job *lzmux.Job) (lzmux.RequestID, error) {
	if d.submitErr != nil {
		return 0, d.submitErr
	}
	d.mu.Lock()
	d.next++
	id := d.next
	d.submitted = append(d.submitted, job)
	d.mu.Unlock()
	if d.settle != nil {
		go d.settle(job)
	}
	return id, nil
}

func (d *fakeDispatcher) Cancel(id lzmux.RequestID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, id)
	return true
}

func (d *fakeDispatcher) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.submitted)
}

type memRecorder struct {
	mu   sync.Mutex
	recs []lzmux.JobRecord
}

func (r *memRecorder) Record(rec lzmux.JobRecord) {
	r.mu.Lock()
	r.recs = append(r.recs, rec)
	r.mu.Unlock()
}

func (r *memRecorder) all() []lzmux.JobRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]lzmux.JobRecord(nil), r.recs...)
}

func echo(job *lzmux.Job) {
	if job.Handlers.OnProgress != nil {
		job.Handlers.OnProgress(1)
	}
	if job.Action == lzmux.ActionCompress {
		job.Handlers.OnFinish(lzmux.Result{Data: []byte("lz:" + job.Text)})
		return
	}
	job.Handlers.OnFinish(lzmux.Result{Data: job.Data, Text: true})
}

func newCache(t *testing.T) cache.Cache {
	t.Helper()
	c, err := cache.NewMemory(1<<20, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestService_Compress(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{settle: echo}
	rec := &memRecorder{}
	m := telemetry.NewMetrics(prometheus.NewPedanticRegistry())
	s := NewService(Deps{Dispatcher: d, Recorder: rec, Metrics: m})

	var progress []float64
	out, err := s.Compress(t.Context(), "hello", 3, func(p float64) { progress = append(progress, p) })
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if string(out) != "lz:hello" {
		t.Errorf("out = %q", out)
	}
	if len(progress) != 1 || progress[0] != 1 {
		t.Errorf("progress = %v", progress)
	}

	recs := rec.all()
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	r := recs[0]
	if r.Action != "compress" || r.Mode != 3 || r.InputBytes != 5 || r.OutputBytes != 8 || r.Status != lzmux.StatusOK || r.RequestID != 1 {
		t.Errorf("record = %+v", r)
	}
	if got := promtest.ToFloat64(m.BytesProcessed.WithLabelValues("compress", "in")); got != 5 {
		t.Errorf("bytes in = %v, want 5", got)
	}
}

func TestService_Decompress(t *testing.T) {
	t.Parallel()
	s := NewService(Deps{Dispatcher: &fakeDispatcher{settle: echo}})

	res, err := s.Decompress(t.Context(), []byte("text"), nil)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !res.Text || res.String() != "text" {
		t.Errorf("res = %+v", res)
	}
}

func TestService_InvalidMode(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{settle: echo}
	rec := &memRecorder{}
	s := NewService(Deps{Dispatcher: d, Recorder: rec})

	_, err := s.Compress(t.Context(), "x", 10, nil)
	if !errors.Is(err, lzmux.ErrBadRequest) {
		t.Fatalf("err = %v, want ErrBadRequest", err)
	}
	if d.calls() != 0 {
		t.Error("invalid job reached the dispatcher")
	}
	if len(rec.all()) != 0 {
		t.Error("invalid job was recorded")
	}
}

func TestService_CacheHit(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{settle: echo}
	rec := &memRecorder{}
	m := telemetry.NewMetrics(prometheus.NewPedanticRegistry())
	s := NewService(Deps{Dispatcher: d, Cache: newCache(t), Recorder: rec, Metrics: m})

	for range 2 {
		out, err := s.Compress(t.Context(), "same", 1, nil)
		if err != nil || string(out) != "lz:same" {
			t.Fatalf("Compress = %q, %v", out, err)
		}
	}
	if d.calls() != 1 {
		t.Errorf("dispatcher calls = %d, want 1", d.calls())
	}
	if got := promtest.ToFloat64(m.CacheHits); got != 1 {
		t.Errorf("cache hits = %v, want 1", got)
	}
	if got := promtest.ToFloat64(m.CacheMisses); got != 1 {
		t.Errorf("cache misses = %v, want 1", got)
	}
	recs := rec.all()
	if len(recs) != 2 || recs[0].Cached || !recs[1].Cached {
		t.Errorf("records = %+v", recs)
	}

	// A different mode is a different key.
	if _, err := s.Compress(t.Context(), "same", 2, nil); err != nil {
		t.Fatal(err)
	}
	if d.calls() != 2 {
		t.Errorf("dispatcher calls = %d, want 2", d.calls())
	}

	if n := s.PurgeCache(t.Context()); n != 2 {
		t.Errorf("purged %d, want 2", n)
	}
}

func TestService_FailureNotCached(t *testing.T) {
	t.Parallel()
	fault := &lzmux.Fault{Message: "corrupt input", Filename: "lzma_worker.js", Line: 12}
	d := &fakeDispatcher{settle: func(job *lzmux.Job) { job.Handlers.OnError(fault) }}
	rec := &memRecorder{}
	s := NewService(Deps{Dispatcher: d, Cache: newCache(t), Recorder: rec})

	for range 2 {
		_, err := s.Decompress(t.Context(), []byte{1, 2, 3}, nil)
		var f *lzmux.Fault
		if !errors.As(err, &f) || f.Line != 12 {
			t.Fatalf("err = %v, want fault", err)
		}
	}
	if d.calls() != 2 {
		t.Errorf("dispatcher calls = %d, want 2", d.calls())
	}
	if r := rec.all()[0]; r.Status != lzmux.StatusFailed || r.Error != "corrupt input" {
		t.Errorf("record = %+v", r)
	}
}

func TestService_BreakerOpens(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{settle: func(job *lzmux.Job) { job.Handlers.OnError(lzmux.ErrWorkerExited) }}
	br := circuitbreaker.New(circuitbreaker.Config{ErrorThreshold: 0.5, MinSamples: 1, WindowSeconds: 30, OpenTimeout: time.Hour})
	m := telemetry.NewMetrics(prometheus.NewPedanticRegistry())
	s := NewService(Deps{Dispatcher: d, Breaker: br, Metrics: m})

	if _, err := s.Compress(t.Context(), "a", 1, nil); !errors.Is(err, lzmux.ErrWorkerExited) {
		t.Fatalf("first err = %v", err)
	}
	if s.BreakerState() != "open" {
		t.Fatalf("breaker = %s, want open", s.BreakerState())
	}
	_, err := s.Compress(t.Context(), "b", 1, nil)
	if !errors.Is(err, lzmux.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if d.calls() != 1 {
		t.Errorf("dispatcher calls = %d, want 1", d.calls())
	}
	if got := promtest.ToFloat64(m.BreakerRejects); got != 1 {
		t.Errorf("breaker rejects = %v, want 1", got)
	}
}

func TestService_ContextCancelsJob(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{} // never settles
	rec := &memRecorder{}
	s := NewService(Deps{Dispatcher: d, Recorder: rec})

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Compress(ctx, "slow", 1, nil)
	if !errors.Is(err, lzmux.ErrCancelled) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want cancelled by deadline", err)
	}
	d.mu.Lock()
	cancelled := d.cancelled
	d.mu.Unlock()
	if len(cancelled) != 1 || cancelled[0] != 1 {
		t.Errorf("cancelled = %v, want [1]", cancelled)
	}
	if r := rec.all()[0]; r.Status != lzmux.StatusTimeout {
		t.Errorf("status = %q, want timeout", r.Status)
	}
}

func TestService_SubmitError(t *testing.T) {
	t.Parallel()
	s := NewService(Deps{Dispatcher: &fakeDispatcher{submitErr: lzmux.ErrTableFull}})

	if _, err := s.Compress(t.Context(), "x", 1, nil); !errors.Is(err, lzmux.ErrTableFull) {
		t.Fatalf("err = %v, want ErrTableFull", err)
	}
}

func TestService_WithClient(t *testing.T) {
	t.Parallel()
	fw := testutil.NewFakeWorker(nil)
	fw.HandleFn = func(req *lzmux.Request) []*lzmux.Reply {
		return []*lzmux.Reply{testutil.ProgressReply(req, 0.5), testutil.EchoReply(req)}
	}
	c, err := lzma.Open(context.Background(), lzma.Config{
		Worker: proxy.Config{Launcher: proxy.LauncherFunc(fw.Launch)},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	s := NewService(Deps{Dispatcher: c, Cache: newCache(t)})

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	var progress []float64
	out, err := s.Compress(ctx, "round trip", 1, func(p float64) { progress = append(progress, p) })
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if string(out) != "round trip" {
		t.Errorf("out = %q", out)
	}
	if len(progress) != 1 || progress[0] != 0.5 {
		t.Errorf("progress = %v", progress)
	}

	res, err := s.Decompress(ctx, []byte("payload"), nil)
	if err != nil || res.String() != "payload" || !res.Text {
		t.Errorf("Decompress = %+v, %v", res, err)
	}
}
