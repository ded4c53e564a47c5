package kafka

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultOK        = "ok"
	resultError     = "error"
	resultMalformed = "malformed"

	actionDrop      = "drop"
	actionDropForce = "drop_force"
	actionDuplicate = "duplicate"
)

type metricSet struct {
	messages *prometheus.CounterVec
	actions  *prometheus.CounterVec
	duration *prometheus.HistogramVec
	lag      *prometheus.GaugeVec
}

// newMetricSet builds the invalidation collectors and registers them on r
// when r is non-nil.
func newMetricSet(r prometheus.Registerer) *metricSet {
	m := &metricSet{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invalidation_messages_total",
			Help: "Change events consumed, by result.",
		}, []string{"result"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invalidation_actions_total",
			Help: "Per-resource outcomes of change events.",
		}, []string{"action"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "invalidation_processing_seconds",
			Help:    "Time to apply one change event.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"op"}),
		lag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "invalidation_lag_seconds",
			Help: "Age of the last consumed message per partition.",
		}, []string{"partition"}),
	}
	if r != nil {
		r.MustRegister(m.messages, m.actions, m.duration, m.lag)
	}
	return m
}
