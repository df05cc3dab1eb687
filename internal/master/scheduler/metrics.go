package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "modelsched"
	metricsSubsystem = "scheduler"
)

type schedulerMetrics struct {
	attempts        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	resubscriptions prometheus.Counter
	pending         prometheus.Gauge
}

// newSchedulerMetrics reg 为 nil 时指标不注册到任何 registry (测试里常用)
func newSchedulerMetrics(reg prometheus.Registerer) *schedulerMetrics {
	factory := promauto.With(reg)
	return &schedulerMetrics{
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "attempts_total",
			Help:      "Scheduling attempts by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "attempt_duration_seconds",
			Help:      "How long in seconds one scheduling attempt took.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"trigger"}),
		resubscriptions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "event_resubscriptions_total",
			Help:      "Times the instance event stream was re-established.",
		}),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "reconcile_pending_instances",
			Help:      "PENDING instances seen by the last reconcile sweep.",
		}),
	}
}

func (m *schedulerMetrics) observe(trigger string, outcome Outcome, elapsed time.Duration) {
	m.attempts.WithLabelValues(trigger, outcome.String()).Inc()
	m.duration.WithLabelValues(trigger).Observe(elapsed.Seconds())
}
