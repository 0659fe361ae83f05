package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eugener/lzmux/internal/telemetry"
)

// metricsMiddleware records request counts, payload bytes and latency.
// Progress streams are timed separately: they last as long as the job.
func metricsMiddleware(m *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.ActiveRequests.Inc()
			defer m.ActiveRequests.Dec()
			start := time.Now()

			sw := acquireStatusWriter(w)
			defer releaseStatusWriter(sw)
			next.ServeHTTP(sw, r)

			elapsed := time.Since(start).Seconds()
			path := routePattern(r)
			m.RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(sw.status)).Inc()
			if isEventStream(sw) {
				m.StreamDuration.WithLabelValues(path).Observe(elapsed)
			} else {
				m.RequestDuration.WithLabelValues(r.Method, path).Observe(elapsed)
			}
			if r.ContentLength > 0 {
				m.HTTPBytes.WithLabelValues(path, "in").Add(float64(r.ContentLength))
			}
			if sw.written > 0 {
				m.HTTPBytes.WithLabelValues(path, "out").Add(float64(sw.written))
			}
		})
	}
}

func isEventStream(w http.ResponseWriter) bool {
	return w.Header().Get("Content-Type") == "text/event-stream"
}

// routePattern returns the chi route pattern, or the raw path for requests
// no route matched.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}
