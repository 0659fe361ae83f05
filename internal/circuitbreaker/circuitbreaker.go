// Package circuitbreaker guards the worker with a sliding-window error rate
// detector. While the worker keeps failing, new jobs are rejected at once
// instead of queueing behind a sick process.
package circuitbreaker

import (
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed lets every job through.
	StateClosed State = iota
	// StateOpen rejects every job.
	StateOpen
	// StateHalfOpen lets a single probe job through.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker parameters.
type Config struct {
	ErrorThreshold float64       // weighted error rate to trip (e.g. 0.50)
	MinSamples     int           // minimum jobs in the window before tripping
	WindowSeconds  int           // sliding window duration, 1..60 seconds
	OpenTimeout    time.Duration // time in OPEN before a probe is allowed
}

// DefaultConfig returns sensible defaults for a local worker process.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold: 0.50,
		MinSamples:     5,
		WindowSeconds:  30,
		OpenTimeout:    10 * time.Second,
	}
}

const maxWindow = 60

type bucket struct {
	errors float64 // weighted error sum
	total  int
}

// window is a ring of one-second buckets.
type window struct {
	buckets [maxWindow]bucket
	size    int
	head    int
	headSec int64
}

func newWindow(seconds int) window {
	if seconds <= 0 || seconds > maxWindow {
		seconds = maxWindow
	}
	return window{size: seconds}
}

// advance rotates the ring to sec, zeroing the buckets that fell out.
func (w *window) advance(sec int64) {
	if w.headSec == 0 {
		w.headSec = sec
		return
	}
	gap := sec - w.headSec
	if gap <= 0 {
		return
	}
	for i := range min(int(gap), w.size) {
		w.buckets[(w.head+1+i)%w.size] = bucket{}
	}
	w.head = (w.head + int(gap)) % w.size
	w.headSec = sec
}

func (w *window) record(weight float64, now time.Time) {
	w.advance(now.Unix())
	w.buckets[w.head].total++
	w.buckets[w.head].errors += weight
}

// rate returns the weighted error rate and sample count over the window.
func (w *window) rate(now time.Time) (float64, int) {
	w.advance(now.Unix())
	var errs float64
	var total int
	for i := range w.size {
		errs += w.buckets[i].errors
		total += w.buckets[i].total
	}
	if total == 0 {
		return 0, 0
	}
	return errs / float64(total), total
}

func (w *window) reset() {
	*w = newWindow(w.size)
}

// Breaker is the worker's circuit breaker state machine. Safe for
// concurrent use.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	state    State
	window   window
	openedAt time.Time
	probing  bool
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	return &Breaker{
		cfg:    cfg,
		now:    time.Now,
		window: newWindow(cfg.WindowSeconds),
	}
}

// State returns the current state, moving OPEN to HALF_OPEN once the open
// timeout has passed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.setState(StateHalfOpen)
	}
	return b.state
}

// Allow reports whether a job may be submitted. In HALF_OPEN exactly one
// probe is admitted until its outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.OpenTimeout {
			return false
		}
		b.setState(StateHalfOpen)
		b.probing = true
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// Record feeds a job outcome into the breaker. Outcomes weighted zero by
// Classify count as successes.
func (b *Breaker) Record(err error) {
	if w := Classify(err); w > 0 {
		b.RecordError(w)
		return
	}
	b.RecordSuccess()
}

// RecordSuccess records a successful job.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.window.record(0, b.now())
	if b.state == StateHalfOpen {
		b.probing = false
		b.window.reset()
		b.setState(StateClosed)
	}
}

// RecordError records a failed job with the given weight.
func (b *Breaker) RecordError(weight float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.window.record(weight, now)

	switch b.state {
	case StateClosed:
		rate, samples := b.window.rate(now)
		if samples >= b.cfg.MinSamples && rate >= b.cfg.ErrorThreshold {
			b.openedAt = now
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.probing = false
		b.openedAt = now
		b.setState(StateOpen)
	}
}

func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	slog.Warn("worker circuit breaker", "from", b.state.String(), "to", s.String())
	b.state = s
}
