package router

import (
	"fmt"
	"math/rand/v2"

	"github.com/eugener/lzmux/internal/telemetry"
)

// Defaults for a Router built without options.
const (
	DefaultIDRange    = 10_000_000
	DefaultMaxDraws   = 64
	DefaultMaxPending = 1_000_000
)

// Attribution selects which pending job absorbs a fault that carries no id.
type Attribution int

const (
	// AttributeNewestPending fails the most recently submitted job that is
	// still pending.
	AttributeNewestPending Attribution = iota
	// AttributeLastIssued fails the last issued id only while it is still
	// pending, and drops the fault otherwise.
	AttributeLastIssued
)

func (a Attribution) String() string {
	switch a {
	case AttributeLastIssued:
		return "last-issued"
	default:
		return "newest-pending"
	}
}

// ParseAttribution parses a policy name. An empty name selects the default.
func ParseAttribution(s string) (Attribution, error) {
	switch s {
	case "", "newest-pending":
		return AttributeNewestPending, nil
	case "last-issued":
		return AttributeLastIssued, nil
	default:
		return 0, fmt.Errorf("unknown attribution policy %q", s)
	}
}

// Option configures a Router.
type Option func(*Router)

// WithIDRange sets the exclusive upper bound for generated request ids.
func WithIDRange(n uint32) Option {
	return func(r *Router) {
		if n > 0 {
			r.idRange = n
		}
	}
}

// WithMaxDraws bounds how many random ids Submit tries before giving up.
func WithMaxDraws(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.maxDraws = n
		}
	}
}

// WithMaxPending bounds the number of jobs in flight.
func WithMaxPending(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.maxPending = n
		}
	}
}

// WithAttribution sets the fault attribution policy.
func WithAttribution(a Attribution) Option {
	return func(r *Router) { r.attribution = a }
}

// WithMetrics reports router activity to m. A nil m disables metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithRand sets the id source. The router serializes calls to it.
func WithRand(rng *rand.Rand) Option {
	return func(r *Router) {
		if rng != nil {
			r.rng = rng
		}
	}
}
