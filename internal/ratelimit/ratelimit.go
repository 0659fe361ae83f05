// Package ratelimit implements per-client job and byte rate limiting with
// lazy-refill token buckets.
package ratelimit

import (
	"sync"
	"time"
)

// Limits holds the per-minute budgets for one client.
// A value of 0 means unlimited.
type Limits struct {
	JobsPerMinute  int64
	BytesPerMinute int64
}

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed           bool
	Limit             int64
	Remaining         int64
	RetryAfterSeconds float64
}

// Limit kinds reported by Admit.
const (
	KindJobs  = "jobs"
	KindBytes = "bytes"
)

// Bucket is a token bucket with lazy refill (no background goroutine).
type Bucket struct {
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastFill time.Time
}

func newBucket(limit int64, now time.Time) *Bucket {
	return &Bucket{
		tokens:   float64(limit),
		max:      float64(limit),
		rate:     float64(limit) / 60.0,
		lastFill: now,
	}
}

func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.max, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

// tryConsume takes n tokens. A request larger than the bucket is clamped to
// its capacity so oversized payloads are admissible against a full bucket.
func (b *Bucket) tryConsume(n float64, now time.Time) (remaining int64, allowed bool) {
	b.refill(now)
	n = min(n, b.max)
	if b.tokens >= n {
		b.tokens -= n
		return int64(b.tokens), true
	}
	return 0, false
}

func (b *Bucket) retryAfter(n float64) float64 {
	n = min(n, b.max)
	if b.tokens >= n {
		return 0
	}
	return (n - b.tokens) / b.rate
}

func (b *Bucket) give(n float64) {
	b.tokens = min(b.max, b.tokens+n)
}

// Limiter holds the job and byte buckets for a single client.
type Limiter struct {
	mu       sync.Mutex
	jobs     *Bucket // nil if unlimited
	bytes    *Bucket // nil if unlimited
	limits   Limits
	lastUsed time.Time
	now      func() time.Time
}

func newLimiter(limits Limits, now func() time.Time) *Limiter {
	t := now()
	l := &Limiter{limits: limits, lastUsed: t, now: now}
	if limits.JobsPerMinute > 0 {
		l.jobs = newBucket(limits.JobsPerMinute, t)
	}
	if limits.BytesPerMinute > 0 {
		l.bytes = newBucket(limits.BytesPerMinute, t)
	}
	return l
}

// Admit charges one job and n input bytes. Nothing is charged unless both
// buckets admit the request; kind names the bucket that refused it.
func (l *Limiter) Admit(n int64) (res Result, kind string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.lastUsed = now

	res = Result{Allowed: true}
	if l.jobs != nil {
		remaining, ok := l.jobs.tryConsume(1, now)
		if !ok {
			return Result{
				Limit:             l.limits.JobsPerMinute,
				RetryAfterSeconds: l.jobs.retryAfter(1),
			}, KindJobs
		}
		res.Limit = l.limits.JobsPerMinute
		res.Remaining = remaining
	}
	if l.bytes != nil {
		if _, ok := l.bytes.tryConsume(float64(n), now); !ok {
			if l.jobs != nil {
				l.jobs.give(1)
			}
			return Result{
				Limit:             l.limits.BytesPerMinute,
				RetryAfterSeconds: l.bytes.retryAfter(float64(n)),
			}, KindBytes
		}
	}
	return res, ""
}

// JobsResult returns the current job budget without consuming.
func (l *Limiter) JobsResult() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jobs == nil {
		return Result{Allowed: true}
	}
	l.jobs.refill(l.now())
	return Result{
		Allowed:   true,
		Limit:     l.limits.JobsPerMinute,
		Remaining: int64(l.jobs.tokens),
	}
}

// Registry manages per-client Limiters.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	now      func() time.Time
}

// NewRegistry creates a new rate limiter registry.
func NewRegistry() *Registry {
	return &Registry{
		limiters: make(map[string]*Limiter),
		now:      time.Now,
	}
}

// GetOrCreate returns the limiter for client, creating one if needed.
// If the limits have changed, a new limiter is created.
func (r *Registry) GetOrCreate(client string, limits Limits) *Limiter {
	r.mu.RLock()
	l, ok := r.limiters[client]
	r.mu.RUnlock()
	if ok && l.limits == limits {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[client]; ok && l.limits == limits {
		return l
	}
	l = newLimiter(limits, r.now)
	r.limiters[client] = l
	return l
}

// Len returns the number of tracked clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.limiters)
}

// EvictStale removes limiters not used since cutoff.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for k, l := range r.limiters {
		l.mu.Lock()
		stale := l.lastUsed.Before(cutoff)
		l.mu.Unlock()
		if stale {
			delete(r.limiters, k)
			evicted++
		}
	}
	return evicted
}
