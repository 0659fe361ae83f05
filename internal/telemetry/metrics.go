// Package telemetry provides observability primitives for the lzmux dispatcher.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the dispatcher and its HTTP front.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	StreamDuration   *prometheus.HistogramVec
	HTTPBytes        *prometheus.CounterVec
	JobsSubmitted    *prometheus.CounterVec
	JobsFinished     *prometheus.CounterVec
	JobDuration      *prometheus.HistogramVec
	PendingJobs      prometheus.Gauge
	ProgressEvents   prometheus.Counter
	EventsDropped    *prometheus.CounterVec
	WorkerFaults     prometheus.Counter
	BytesProcessed   *prometheus.CounterVec
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	BreakerRejects   prometheus.Counter
	RateLimitRejects *prometheus.CounterVec
	RecorderQueue    prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lzmux",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "lzmux",
			Name:                            "http_request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lzmux",
			Name:      "http_active_requests",
			Help:      "Number of in-flight HTTP requests.",
		}),

		StreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "lzmux",
			Name:                            "http_stream_duration_seconds",
			Help:                            "Duration of progress event streams.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"path"}),

		HTTPBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lzmux",
			Name:      "http_bytes_total",
			Help:      "HTTP body bytes by route and direction.",
		}, []string{"path", "direction"}),

		JobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lzmux",
			Name:      "jobs_submitted_total",
			Help:      "Jobs handed to the worker.",
		}, []string{"action"}),

		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lzmux",
			Name:      "jobs_finished_total",
			Help:      "Jobs retired from the request table, by outcome.",
		}, []string{"action", "status"}),

		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "lzmux",
			Name:                            "job_duration_seconds",
			Help:                            "Time from submission to terminal event.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"action"}),

		PendingJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lzmux",
			Name:      "pending_jobs",
			Help:      "Jobs currently in the request table.",
		}),

		ProgressEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lzmux",
			Name:      "progress_events_total",
			Help:      "Progress events matched to a pending job.",
		}),

		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lzmux",
			Name:      "events_dropped_total",
			Help:      "Inbound events that matched no pending job.",
		}, []string{"reason"}),

		WorkerFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lzmux",
			Name:      "worker_faults_total",
			Help:      "Faults reported by the worker without a request id.",
		}),

		BytesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lzmux",
			Name:      "bytes_processed_total",
			Help:      "Payload bytes by action and direction.",
		}, []string{"action", "direction"}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lzmux",
			Name:      "cache_hits_total",
			Help:      "Total result cache hits.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lzmux",
			Name:      "cache_misses_total",
			Help:      "Total result cache misses.",
		}),

		BreakerRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lzmux",
			Name:      "breaker_rejects_total",
			Help:      "Jobs rejected while the worker circuit breaker was open.",
		}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lzmux",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"type"}),

		RecorderQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lzmux",
			Name:      "recorder_queue_length",
			Help:      "Job records waiting to be flushed.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.StreamDuration,
		m.HTTPBytes,
		m.JobsSubmitted,
		m.JobsFinished,
		m.JobDuration,
		m.PendingJobs,
		m.ProgressEvents,
		m.EventsDropped,
		m.WorkerFaults,
		m.BytesProcessed,
		m.CacheHits,
		m.CacheMisses,
		m.BreakerRejects,
		m.RateLimitRejects,
		m.RecorderQueue,
	)

	return m
}
