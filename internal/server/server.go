// Package server implements the HTTP front of the lzmux dispatcher.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	lzmux "github.com/eugener/lzmux/internal"
	"github.com/eugener/lzmux/internal/ratelimit"
	"github.com/eugener/lzmux/internal/telemetry"
)

// DefaultMaxBodyBytes bounds compress and decompress request bodies.
const DefaultMaxBodyBytes = 64 << 20

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Compressor runs blocking LZMA jobs. *app.Service satisfies it.
type Compressor interface {
	Compress(ctx context.Context, text string, mode lzmux.Mode, progress func(float64)) ([]byte, error)
	Decompress(ctx context.Context, data []byte, progress func(float64)) (lzmux.Result, error)
	PurgeCache(ctx context.Context) int
	BreakerState() string
}

// JobHistory serves persisted job records and rollups.
type JobHistory interface {
	QueryJobs(ctx context.Context, f lzmux.JobFilter) ([]lzmux.JobRecord, error)
	CountJobs(ctx context.Context, f lzmux.JobFilter) (int, error)
	ListRollups(ctx context.Context, f lzmux.RollupFilter) ([]lzmux.JobRollup, error)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Service        Compressor
	History        JobHistory          // nil = history endpoints return 503
	ReadyCheck     ReadyChecker        // nil = always ready (for tests)
	RateLimiter    *ratelimit.Registry // nil = no rate limiting
	RateLimits     ratelimit.Limits
	Metrics        *telemetry.Metrics // nil = no request metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	MaxBodyBytes   int64              // 0 = DefaultMaxBodyBytes
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = DefaultMaxBodyBytes
	}
	s := &server{deps: deps}

	r := chi.NewRouter()

	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit)
			r.Post("/compress", s.handleCompress)
			r.Post("/decompress", s.handleDecompress)
		})
		r.Get("/jobs", s.handleListJobs)
		r.Get("/stats", s.handleStats)
		r.Delete("/cache", s.handleCachePurge)
	})

	return r
}

type server struct {
	deps Deps
}
