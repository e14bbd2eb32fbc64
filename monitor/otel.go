package monitor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/glimte/mmate-bus/messaging"
)

const instrumentationName = "github.com/glimte/mmate-bus/monitor"

// OTelListener records lifecycle events as OpenTelemetry metrics
type OTelListener struct {
	events   metric.Int64Counter
	messages metric.Int64Counter
	errors   metric.Int64Counter
	duration metric.Float64Histogram
}

// NewOTelListener creates the instruments on mp, or on the global meter
// provider when mp is nil
func NewOTelListener(mp metric.MeterProvider) (*OTelListener, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	l := &OTelListener{}
	var err error

	l.events, err = meter.Int64Counter(
		"mmate.lifecycle.events",
		metric.WithDescription("Number of lifecycle events"),
	)
	if err != nil {
		return nil, err
	}

	l.messages, err = meter.Int64Counter(
		"mmate.messages",
		metric.WithDescription("Number of messages committed or produced"),
	)
	if err != nil {
		return nil, err
	}

	l.errors, err = meter.Int64Counter(
		"mmate.errors",
		metric.WithDescription("Number of failed attempts and produces"),
	)
	if err != nil {
		return nil, err
	}

	l.duration, err = meter.Float64Histogram(
		"mmate.batch.duration",
		metric.WithDescription("Duration from first attempt to commit, or of a produce"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return l, nil
}

// OnEvent implements messaging.EventListener
func (l *OTelListener) OnEvent(ctx context.Context, event messaging.LifecycleEvent) {
	endpoint := attribute.String("endpoint", event.Endpoint)
	l.events.Add(ctx, 1, metric.WithAttributes(endpoint, attribute.String("event", string(event.Type))))

	switch event.Type {
	case messaging.EventCommitted, messaging.EventProduced:
		attrs := metric.WithAttributes(endpoint, attribute.String("outcome", string(event.Type)))
		l.messages.Add(ctx, int64(max(event.Count, 1)), attrs)
		l.duration.Record(ctx, event.Duration.Seconds(), attrs)
	case messaging.EventAttemptFailed, messaging.EventProduceFailed:
		if event.Err != nil {
			l.errors.Add(ctx, 1, metric.WithAttributes(endpoint, attribute.String("error_type", ErrorType(event.Err))))
		}
	}
}

var _ messaging.EventListener = (*OTelListener)(nil)
