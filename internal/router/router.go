// Package router correlates jobs submitted to the worker with the events the
// worker sends back.
//
// A Router owns the in-flight request table. Submit draws a random id, stores
// the job's handlers under it and hands the outbound request to a Sender.
// Inbound events are matched by id: progress events leave the job pending,
// terminal events retire it. Faults without an id are attributed by policy.
//
// Handlers run on the goroutine executing Run, one at a time, in the order
// the events were accepted. A progress event accepted while its job was
// pending is delivered before that job's terminal handler, and each job
// receives at most one terminal handler call.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	lzmux "github.com/eugener/lzmux/internal"
	"github.com/eugener/lzmux/internal/telemetry"
)

// Sender delivers an outbound request to the worker. Send must not block
// waiting for the job's result.
type Sender interface {
	Send(ctx context.Context, req *lzmux.Request) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, req *lzmux.Request) error

// Send calls f(ctx, req).
func (f SenderFunc) Send(ctx context.Context, req *lzmux.Request) error { return f(ctx, req) }

// Reasons recorded when an inbound event is dropped.
const (
	dropUnmatched    = "unmatched"
	dropUnattributed = "unattributed"
)

type entry struct {
	id        lzmux.RequestID
	action    lzmux.Action
	handlers  lzmux.Handlers
	seq       uint64
	submitted time.Time
	done      bool // guarded by Router.mu
}

// Router is the request table plus its delivery loop. Safe for concurrent use.
type Router struct {
	sender      Sender
	idRange     uint32
	maxDraws    int
	maxPending  int
	attribution Attribution
	metrics     *telemetry.Metrics
	rng         *rand.Rand
	now         func() time.Time
	queue       *deliveryQueue

	mu        sync.Mutex
	pending   map[lzmux.RequestID]*entry
	seq       uint64
	lastID    lzmux.RequestID
	hasLastID bool
	closed    bool
}

// New creates a Router that sends outbound requests through sender.
func New(sender Sender, opts ...Option) *Router {
	r := &Router{
		sender:     sender,
		idRange:    DefaultIDRange,
		maxDraws:   DefaultMaxDraws,
		maxPending: DefaultMaxPending,
		rng:        rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		now:        time.Now,
		queue:      newDeliveryQueue(),
		pending:    make(map[lzmux.RequestID]*entry),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run delivers handler invocations until ctx is done. Events accepted before
// Run starts are queued. After Run returns, handlers run on the goroutine
// that triggers them. Run must be called at most once.
func (r *Router) Run(ctx context.Context) error {
	r.queue.run(ctx)
	return nil
}

// Submit registers job and sends it to the worker. It returns as soon as the
// request has been handed to the Sender; results arrive via job.Handlers.
// When the Sender fails, the job is withdrawn and no handler is called.
func (r *Router) Submit(ctx context.Context, job *lzmux.Job) (lzmux.RequestID, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, lzmux.ErrClosed
	}
	if len(r.pending) >= r.maxPending {
		n := len(r.pending)
		r.mu.Unlock()
		return 0, fmt.Errorf("%w: %d jobs pending", lzmux.ErrTableFull, n)
	}
	id, ok := r.drawLocked()
	if !ok {
		r.mu.Unlock()
		return 0, fmt.Errorf("%w: no free id after %d draws", lzmux.ErrTableFull, r.maxDraws)
	}
	r.seq++
	e := &entry{
		id:        id,
		action:    job.Action,
		handlers:  job.Handlers,
		seq:       r.seq,
		submitted: r.now(),
	}
	r.pending[id] = e
	r.lastID, r.hasLastID = id, true
	n := len(r.pending)
	r.mu.Unlock()

	if m := r.metrics; m != nil {
		m.JobsSubmitted.WithLabelValues(job.Action.String()).Inc()
		m.PendingJobs.Set(float64(n))
	}

	if err := r.sender.Send(ctx, job.Request(id)); err != nil {
		r.mu.Lock()
		if cur, ok := r.pending[id]; ok && cur == e {
			delete(r.pending, id)
			e.done = true
		}
		n = len(r.pending)
		r.mu.Unlock()
		if m := r.metrics; m != nil {
			m.PendingJobs.Set(float64(n))
		}
		return 0, fmt.Errorf("send job %d: %w", id, err)
	}
	return id, nil
}

// drawLocked picks a random id not currently pending.
func (r *Router) drawLocked() (lzmux.RequestID, bool) {
	for range r.maxDraws {
		id := lzmux.RequestID(r.rng.Uint32N(r.idRange))
		if _, taken := r.pending[id]; !taken {
			return id, true
		}
	}
	return 0, false
}

// Dispatch routes one inbound event. Progress events are forwarded to the
// job's progress handler; any other action retires the job and forwards the
// result to its finish handler. It reports whether id matched a pending job.
func (r *Router) Dispatch(action lzmux.Action, id lzmux.RequestID, res lzmux.Result) bool {
	if action == lzmux.ActionProgress {
		// Queue under mu so the delivery precedes any terminal handler for
		// the same job.
		r.mu.Lock()
		e, ok := r.pending[id]
		var inline func()
		if ok {
			if fn := e.handlers.OnProgress; fn != nil {
				p := res.Progress
				deliver := func() { fn(p) }
				if !r.queue.tryPush(deliver) {
					inline = func() {
						if r.live(e) {
							fn(p)
						}
					}
				}
			}
		}
		r.mu.Unlock()
		if !ok {
			r.drop(dropUnmatched, action, id)
			return false
		}
		if m := r.metrics; m != nil {
			m.ProgressEvents.Inc()
		}
		if inline != nil {
			invoke(inline)
		}
		return true
	}

	e, ok := r.take(id)
	if !ok {
		r.drop(dropUnmatched, action, id)
		return false
	}
	r.observe(e, nil)
	if fn := e.handlers.OnFinish; fn != nil {
		r.queue.push(func() { fn(res) })
	}
	return true
}

// DispatchFailure retires the job under id with err, as reported by a reply
// that carries both an id and an error.
func (r *Router) DispatchFailure(id lzmux.RequestID, err error) bool {
	e, ok := r.take(id)
	if !ok {
		r.drop(dropUnmatched, 0, id)
		return false
	}
	r.fail(e, err)
	return true
}

// DispatchError attributes a fault that carries no id to a pending job
// according to the attribution policy, retires that job and forwards err to
// its error handler. The fault is dropped when no job qualifies.
func (r *Router) DispatchError(err error) bool {
	if m := r.metrics; m != nil {
		m.WorkerFaults.Inc()
	}

	r.mu.Lock()
	var e *entry
	switch r.attribution {
	case AttributeLastIssued:
		if r.hasLastID {
			e = r.pending[r.lastID]
		}
	default:
		for _, cand := range r.pending {
			if e == nil || cand.seq > e.seq {
				e = cand
			}
		}
	}
	if e != nil {
		r.retireLocked(e)
	}
	r.mu.Unlock()

	if e == nil {
		if m := r.metrics; m != nil {
			m.EventsDropped.WithLabelValues(dropUnattributed).Inc()
		}
		slog.LogAttrs(context.Background(), slog.LevelDebug, "worker fault dropped",
			slog.String("error", err.Error()),
			slog.String("policy", r.attribution.String()),
		)
		return false
	}
	r.fail(e, err)
	return true
}

// Cancel retires a pending job and forwards cause (ErrCancelled if nil) to
// its error handler. It reports whether the job was still pending.
// The worker is not told; its eventual reply is dropped.
func (r *Router) Cancel(id lzmux.RequestID, cause error) bool {
	if cause == nil {
		cause = lzmux.ErrCancelled
	}
	e, ok := r.take(id)
	if !ok {
		return false
	}
	r.fail(e, cause)
	return true
}

// ExpireBefore fails every job submitted before cutoff with ErrTimeout and
// returns how many were expired.
func (r *Router) ExpireBefore(cutoff time.Time) int {
	r.mu.Lock()
	var stale []*entry
	for _, e := range r.pending {
		if e.submitted.Before(cutoff) {
			r.retireLocked(e)
			stale = append(stale, e)
		}
	}
	r.mu.Unlock()

	for _, e := range stale {
		r.fail(e, fmt.Errorf("%w: pending since %s", lzmux.ErrTimeout, e.submitted.Format(time.RFC3339)))
	}
	return len(stale)
}

// Close fails every pending job and rejects further submissions. The error
// delivered to each job matches ErrClosed and, when non-nil, cause.
// It returns the number of jobs failed. Subsequent calls do nothing.
func (r *Router) Close(cause error) int {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0
	}
	r.closed = true
	all := make([]*entry, 0, len(r.pending))
	for _, e := range r.pending {
		r.retireLocked(e)
		all = append(all, e)
	}
	r.mu.Unlock()

	err := lzmux.ErrClosed
	switch {
	case cause == nil:
	case errors.Is(cause, lzmux.ErrClosed):
		err = cause
	default:
		err = fmt.Errorf("%w: %w", lzmux.ErrClosed, cause)
	}
	for _, e := range all {
		r.fail(e, err)
	}
	return len(all)
}

// Len returns the number of pending jobs.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Pending reports whether id belongs to a pending job.
func (r *Router) Pending(id lzmux.RequestID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	return ok
}

// LastIssued returns the most recently generated id.
func (r *Router) LastIssued() (lzmux.RequestID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastID, r.hasLastID
}

func (r *Router) take(id lzmux.RequestID) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.pending[id]
	if ok {
		r.retireLocked(e)
	}
	return e, ok
}

func (r *Router) retireLocked(e *entry) {
	delete(r.pending, e.id)
	e.done = true
	if m := r.metrics; m != nil {
		m.PendingJobs.Set(float64(len(r.pending)))
	}
}

func (r *Router) live(e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !e.done
}

func (r *Router) fail(e *entry, err error) {
	r.observe(e, err)
	if fn := e.handlers.OnError; fn != nil {
		r.queue.push(func() { fn(err) })
	}
}

func (r *Router) observe(e *entry, err error) {
	m := r.metrics
	if m == nil {
		return
	}
	action := e.action.String()
	m.JobsFinished.WithLabelValues(action, lzmux.StatusOf(err)).Inc()
	m.JobDuration.WithLabelValues(action).Observe(r.now().Sub(e.submitted).Seconds())
}

func (r *Router) drop(reason string, action lzmux.Action, id lzmux.RequestID) {
	if m := r.metrics; m != nil {
		m.EventsDropped.WithLabelValues(reason).Inc()
	}
	slog.LogAttrs(context.Background(), slog.LevelDebug, "event dropped",
		slog.String("reason", reason),
		slog.String("action", action.String()),
		slog.Uint64("request_id", uint64(id)),
	)
}
