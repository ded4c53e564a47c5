package observability

import (
	"errors"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var enabled atomic.Bool

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream provider calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{"upstream"},
	)

	cacheOpTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_op_total",
			Help: "Metadata store operations by op and result.",
		},
		[]string{"op", "result"},
	)

	redisOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Duration of redis operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"op"},
	)

	artifactOpTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "artifact_op_total",
			Help: "Artifact store operations by op and result.",
		},
		[]string{"op", "result"},
	)

	resolveTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resource_status_total",
			Help: "Resolved resource statuses.",
		},
		[]string{"status"},
	)

	buildTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "build_total",
			Help: "Finished builds by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	buildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "build_duration_seconds",
			Help:    "Build execution time in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		},
		[]string{"kind"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "build_queue_depth",
			Help: "Tasks waiting in the build queue.",
		},
	)

	lockOpTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_lock_total",
			Help: "Task lock operations by op and result.",
		},
		[]string{"op", "result"},
	)

)

// Init registers the collectors on reg. With on=false every Observe* call is a no-op.
func Init(reg prometheus.Registerer, on bool) {
	enabled.Store(on)
	if !on || reg == nil {
		return
	}
	for _, c := range []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds, upstreamLatencySeconds,
		cacheOpTotal, redisOpDuration, artifactOpTotal, resolveTotal,
		buildTotal, buildDuration, queueDepth, lockOpTotal,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	if !enabled.Load() {
		return
	}
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream string, durationSeconds float64) {
	if !enabled.Load() {
		return
	}
	upstreamLatencySeconds.WithLabelValues(upstream).Observe(durationSeconds)
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	if !enabled.Load() {
		return
	}
	cacheOpTotal.WithLabelValues(op, result(err)).Inc()
	redisOpDuration.WithLabelValues(op).Observe(durationSeconds)
}

func ObserveArtifactOp(op string, err error) {
	if !enabled.Load() {
		return
	}
	artifactOpTotal.WithLabelValues(op, result(err)).Inc()
}

func ObserveResolve(status string) {
	if !enabled.Load() {
		return
	}
	resolveTotal.WithLabelValues(status).Inc()
}

func ObserveBuild(kind string, err error, durationSeconds float64) {
	if !enabled.Load() {
		return
	}
	buildTotal.WithLabelValues(kind, result(err)).Inc()
	buildDuration.WithLabelValues(kind).Observe(durationSeconds)
}

func SetQueueDepth(n int) {
	if !enabled.Load() {
		return
	}
	queueDepth.Set(float64(n))
}

func ObserveLockOp(op string, err error) {
	if !enabled.Load() {
		return
	}
	lockOpTotal.WithLabelValues(op, result(err)).Inc()
}
