package invalidation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metricSet struct {
	msgs  *prometheus.CounterVec
	apply *prometheus.CounterVec
	proc  *prometheus.HistogramVec
	lag   prometheus.Gauge
}

// newMetricSet registers on reg; a nil reg leaves the collectors
// unregistered.
func newMetricSet(reg prometheus.Registerer) *metricSet {
	f := promauto.With(reg)
	return &metricSet{
		msgs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "survey_invalidation_messages_total",
			Help: "Survey update messages by outcome (ok, error, invalid).",
		}, []string{"result"}),
		apply: f.NewCounterVec(prometheus.CounterOpts{
			Name: "survey_invalidation_entries_total",
			Help: "Cached entries dropped by survey updates, and replays skipped.",
		}, []string{"action"}),
		proc: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "survey_invalidation_seconds",
			Help:    "Time to apply one survey update.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
		lag: f.NewGauge(prometheus.GaugeOpts{
			Name: "survey_invalidation_lag_seconds",
			Help: "Delay between a survey update being produced and consumed.",
		}),
	}
}
