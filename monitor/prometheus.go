package monitor

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/glimte/mmate-bus/messaging"
)

// PrometheusListener exports lifecycle events as Prometheus metrics
type PrometheusListener struct {
	events   *prometheus.CounterVec
	messages *prometheus.CounterVec
	errors   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewPrometheusListener registers the bus metrics with reg. A nil reg uses
// the default registerer.
func NewPrometheusListener(reg prometheus.Registerer) *PrometheusListener {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusListener{
		events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mmate_lifecycle_events_total",
				Help: "Total number of lifecycle events by endpoint and type",
			},
			[]string{"endpoint", "event"},
		),
		messages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mmate_messages_total",
				Help: "Total number of messages committed or produced",
			},
			[]string{"endpoint", "outcome"},
		),
		errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mmate_errors_total",
				Help: "Total number of failed attempts and produces by error type",
			},
			[]string{"endpoint", "error_type"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mmate_batch_duration_seconds",
				Help:    "Duration from first attempt to commit, or of a produce",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint", "outcome"},
		),
	}
}

// OnEvent implements messaging.EventListener
func (l *PrometheusListener) OnEvent(_ context.Context, event messaging.LifecycleEvent) {
	l.events.WithLabelValues(event.Endpoint, string(event.Type)).Inc()

	switch event.Type {
	case messaging.EventCommitted, messaging.EventProduced:
		outcome := string(event.Type)
		l.messages.WithLabelValues(event.Endpoint, outcome).Add(float64(max(event.Count, 1)))
		l.duration.WithLabelValues(event.Endpoint, outcome).Observe(event.Duration.Seconds())
	case messaging.EventAttemptFailed, messaging.EventProduceFailed:
		if event.Err != nil {
			l.errors.WithLabelValues(event.Endpoint, ErrorType(event.Err)).Inc()
		}
	}
}

var _ messaging.EventListener = (*PrometheusListener)(nil)
