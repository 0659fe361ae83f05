// Package app holds the dispatcher's application service: it fronts the LZMA
// client with a result cache, a circuit breaker, job recording and tracing.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	lzmux "github.com/eugener/lzmux/internal"
	"github.com/eugener/lzmux/internal/cache"
	"github.com/eugener/lzmux/internal/circuitbreaker"
	"github.com/eugener/lzmux/internal/telemetry"
)

// Dispatcher submits jobs to a worker. *lzma.Client satisfies it.
type Dispatcher interface {
	Submit(ctx context.Context, job *lzmux.Job) (lzmux.RequestID, error)
	Cancel(id lzmux.RequestID) bool
}

// Recorder accepts finished job records. *worker.JobRecorder satisfies it.
type Recorder interface {
	Record(rec lzmux.JobRecord)
}

// Deps are the collaborators of a Service. Only Dispatcher is required.
type Deps struct {
	Dispatcher Dispatcher
	Cache      cache.Cache
	Breaker    *circuitbreaker.Breaker
	Recorder   Recorder
	Metrics    *telemetry.Metrics
}

// Service runs blocking compress and decompress calls. Safe for concurrent use.
type Service struct {
	deps   Deps
	tracer trace.Tracer
	now    func() time.Time
}

// NewService returns a Service wired to deps.
func NewService(deps Deps) *Service {
	return &Service{
		deps:   deps,
		tracer: telemetry.Tracer("github.com/eugener/lzmux/internal/app"),
		now:    time.Now,
	}
}

// Compress compresses text at mode. progress, if non-nil, is called from the
// dispatcher's delivery goroutine and must not block.
func (s *Service) Compress(ctx context.Context, text string, mode lzmux.Mode, progress func(float64)) ([]byte, error) {
	res, err := s.run(ctx, &lzmux.Job{Action: lzmux.ActionCompress, Text: text, Mode: mode}, progress)
	return res.Data, err
}

// Decompress decompresses an LZMA stream. The result is text when the output
// was valid UTF-8.
func (s *Service) Decompress(ctx context.Context, data []byte, progress func(float64)) (lzmux.Result, error) {
	return s.run(ctx, &lzmux.Job{Action: lzmux.ActionDecompress, Data: data}, progress)
}

// PurgeCache drops every cached result and returns how many were dropped.
func (s *Service) PurgeCache(ctx context.Context) int {
	if s.deps.Cache == nil {
		return 0
	}
	n := s.deps.Cache.Len()
	s.deps.Cache.Purge(ctx)
	return n
}

// BreakerState reports the worker circuit state, "closed" when no breaker is set.
func (s *Service) BreakerState() string {
	if s.deps.Breaker == nil {
		return circuitbreaker.StateClosed.String()
	}
	return s.deps.Breaker.State().String()
}

type outcome struct {
	res lzmux.Result
	err error
}

func (s *Service) run(ctx context.Context, job *lzmux.Job, progress func(float64)) (lzmux.Result, error) {
	action := job.Action.String()
	ctx, span := s.tracer.Start(ctx, "lzmux."+action,
		trace.WithAttributes(
			attribute.String("lzmux.action", action),
			attribute.Int("lzmux.mode", int(job.Mode)),
			attribute.Int("lzmux.input_bytes", job.Size()),
		),
	)
	defer span.End()

	if err := job.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return lzmux.Result{}, err
	}

	start := s.now()
	rec := lzmux.JobRecord{
		Action:     action,
		Mode:       int(job.Mode),
		InputBytes: job.Size(),
		CreatedAt:  start.UTC(),
	}
	if sc := span.SpanContext(); sc.HasTraceID() {
		rec.TraceID = sc.TraceID().String()
	}

	var key cache.Key
	if s.deps.Cache != nil {
		key = cache.KeyFor(job)
		if res, ok := s.deps.Cache.Get(ctx, key); ok {
			s.countCache(true)
			span.SetAttributes(attribute.Bool("lzmux.cached", true))
			rec.Cached = true
			s.finish(&rec, res, nil, start)
			return res, nil
		}
		s.countCache(false)
	}

	if s.deps.Breaker != nil && !s.deps.Breaker.Allow() {
		if s.deps.Metrics != nil {
			s.deps.Metrics.BreakerRejects.Inc()
		}
		err := fmt.Errorf("%w: worker circuit open", lzmux.ErrUnavailable)
		span.SetStatus(codes.Error, err.Error())
		return lzmux.Result{}, err
	}

	res, err := s.dispatch(ctx, job, progress, &rec)
	if s.deps.Breaker != nil {
		s.deps.Breaker.Record(err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if s.deps.Cache != nil {
		s.deps.Cache.Set(ctx, key, res)
	}
	span.SetAttributes(attribute.Int("lzmux.output_bytes", len(res.Data)))
	s.finish(&rec, res, err, start)
	return res, err
}

// dispatch submits job and blocks until it settles or ctx ends. A job
// abandoned by ctx is cancelled on the worker side.
func (s *Service) dispatch(ctx context.Context, job *lzmux.Job, progress func(float64), rec *lzmux.JobRecord) (lzmux.Result, error) {
	done := make(chan outcome, 1)
	job.Handlers = lzmux.Handlers{
		OnFinish:   func(res lzmux.Result) { done <- outcome{res: res} },
		OnProgress: progress,
		OnError:    func(err error) { done <- outcome{err: err} },
	}

	id, err := s.deps.Dispatcher.Submit(ctx, job)
	if err != nil {
		return lzmux.Result{}, err
	}
	rec.RequestID = id

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		if s.deps.Dispatcher.Cancel(id) {
			return lzmux.Result{}, fmt.Errorf("%w: %w", lzmux.ErrCancelled, context.Cause(ctx))
		}
		// Already retired: its handler is queued for delivery.
		o := <-done
		return o.res, o.err
	}
}

func (s *Service) finish(rec *lzmux.JobRecord, res lzmux.Result, err error, start time.Time) {
	rec.OutputBytes = len(res.Data)
	rec.Status = lzmux.StatusOf(err)
	rec.DurationMs = int(s.now().Sub(start).Milliseconds())
	if err != nil {
		rec.Error = errorText(err)
	}

	if m := s.deps.Metrics; m != nil && err == nil {
		m.BytesProcessed.WithLabelValues(rec.Action, "in").Add(float64(rec.InputBytes))
		m.BytesProcessed.WithLabelValues(rec.Action, "out").Add(float64(rec.OutputBytes))
	}
	if s.deps.Recorder != nil {
		s.deps.Recorder.Record(*rec)
	}
}

func (s *Service) countCache(hit bool) {
	if s.deps.Metrics == nil {
		return
	}
	if hit {
		s.deps.Metrics.CacheHits.Inc()
	} else {
		s.deps.Metrics.CacheMisses.Inc()
	}
}

// errorText keeps the worker's own message for faults so stored records do
// not carry source locations.
func errorText(err error) string {
	var f *lzmux.Fault
	if errors.As(err, &f) {
		return f.Message
	}
	return err.Error()
}
