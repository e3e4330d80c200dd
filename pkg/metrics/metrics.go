// Package metrics provides Prometheus-based metrics recording for webhook
// deliveries and merge pipeline outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the bot's metric vectors. A nil Recorder is a no-op so
// tests can run without a registry.
type Recorder struct {
	deliveriesTotal    *prometheus.CounterVec
	mergeAttemptsTotal *prometheus.CounterVec
	cascadeUpdates     prometheus.Counter
	deliveryDuration   *prometheus.HistogramVec
}

// NewRecorder registers the bot's metrics on the default registry.
func NewRecorder() *Recorder {
	return &Recorder{
		deliveriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mergebot_deliveries_total",
				Help: "Webhook deliveries by event type and outcome",
			},
			[]string{"event", "outcome"},
		),
		mergeAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mergebot_merge_attempts_total",
				Help: "Merge API attempts by outcome",
			},
			[]string{"outcome"},
		),
		cascadeUpdates: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mergebot_cascade_updates_total",
				Help: "Dependent branches rewritten by the cascade",
			},
		),
		deliveryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mergebot_delivery_duration_seconds",
				Help:    "Wall time spent handling one webhook delivery",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"event"},
		),
	}
}

// ObserveDelivery records one handled delivery.
func (r *Recorder) ObserveDelivery(event, outcome string, seconds float64) {
	if r == nil {
		return
	}
	r.deliveriesTotal.WithLabelValues(event, outcome).Inc()
	r.deliveryDuration.WithLabelValues(event).Observe(seconds)
}

// ObserveMergeAttempt records one merge API attempt.
func (r *Recorder) ObserveMergeAttempt(outcome string) {
	if r == nil {
		return
	}
	r.mergeAttemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveCascadeUpdate records one dependent branch rewrite.
func (r *Recorder) ObserveCascadeUpdate() {
	if r == nil {
		return
	}
	r.cascadeUpdates.Inc()
}
