package interceptors

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/mmate-bus/contracts"
)

const instrumentationName = "github.com/glimte/mmate-bus"

// HeadersCarrier adapts Headers to the otel TextMapCarrier
type HeadersCarrier struct {
	Headers *contracts.Headers
}

// Get implements propagation.TextMapCarrier
func (c HeadersCarrier) Get(key string) string {
	return c.Headers.Value(key)
}

// Set implements propagation.TextMapCarrier
func (c HeadersCarrier) Set(key, value string) {
	c.Headers.AddOrReplace(key, value)
}

// Keys implements propagation.TextMapCarrier
func (c HeadersCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.Headers))
	for _, h := range *c.Headers {
		keys = append(keys, h.Name)
	}
	return keys
}

// TracingOption configures the tracing behaviors
type TracingOption func(*tracingConfig)

type tracingConfig struct {
	tracerProvider trace.TracerProvider
	propagator     propagation.TextMapPropagator
}

// WithTracerProvider sets the tracer provider, the global one by default
func WithTracerProvider(tp trace.TracerProvider) TracingOption {
	return func(c *tracingConfig) {
		c.tracerProvider = tp
	}
}

// WithPropagator sets the propagator, W3C trace context and baggage by default
func WithPropagator(p propagation.TextMapPropagator) TracingOption {
	return func(c *tracingConfig) {
		c.propagator = p
	}
}

func newTracingConfig(opts []TracingOption) *tracingConfig {
	cfg := &tracingConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.tracerProvider == nil {
		cfg.tracerProvider = otel.GetTracerProvider()
	}
	if cfg.propagator == nil {
		cfg.propagator = propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	}
	return cfg
}

// TracingProducerBehavior starts a producer span, injects the trace context
// into the headers and sets x-trace-id.
type TracingProducerBehavior struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewTracingProducerBehavior creates a new producer tracing behavior
func NewTracingProducerBehavior(opts ...TracingOption) *TracingProducerBehavior {
	cfg := newTracingConfig(opts)
	return &TracingProducerBehavior{
		tracer:     cfg.tracerProvider.Tracer(instrumentationName),
		propagator: cfg.propagator,
	}
}

// SortIndex implements Behavior
func (b *TracingProducerBehavior) SortIndex() int {
	return ProducerTracingIndex
}

// Handle implements Behavior
func (b *TracingProducerBehavior) Handle(ctx context.Context, c *ProducerContext, next ProducerHandler) error {
	env := c.Envelope
	ctx, span := b.tracer.Start(ctx, "produce "+env.Endpoint.Name,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", env.Endpoint.Name),
			attribute.String("messaging.message.id", env.Headers.MessageID()),
			attribute.String("messaging.message.type", env.Headers.Value(contracts.HeaderMessageType)),
		),
	)
	defer span.End()

	b.propagator.Inject(ctx, HeadersCarrier{Headers: &env.Headers})
	if sc := span.SpanContext(); sc.HasTraceID() {
		env.Headers.AddOrReplace(contracts.HeaderTraceID, sc.TraceID().String())
	}

	err := next(ctx, c)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// TracingConsumerBehavior continues the producer trace for a consumed batch
type TracingConsumerBehavior struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewTracingConsumerBehavior creates a new consumer tracing behavior
func NewTracingConsumerBehavior(opts ...TracingOption) *TracingConsumerBehavior {
	cfg := newTracingConfig(opts)
	return &TracingConsumerBehavior{
		tracer:     cfg.tracerProvider.Tracer(instrumentationName),
		propagator: cfg.propagator,
	}
}

// SortIndex implements Behavior
func (b *TracingConsumerBehavior) SortIndex() int {
	return ConsumerTracingIndex
}

// Handle implements Behavior
func (b *TracingConsumerBehavior) Handle(ctx context.Context, c *ConsumerContext, next ConsumerHandler) error {
	attrs := []attribute.KeyValue{
		attribute.String("messaging.source.name", c.Endpoint.Name),
		attribute.String("messaging.consumer.group.name", c.Endpoint.ConsumerGroupName()),
		attribute.Int("messaging.batch.message_count", len(c.Envelopes)),
	}
	if c.BatchID != "" {
		attrs = append(attrs, attribute.String("messaging.batch.id", c.BatchID))
	}

	var links []trace.Link
	if len(c.Envelopes) == 1 {
		env := c.Envelopes[0]
		ctx = b.propagator.Extract(ctx, HeadersCarrier{Headers: &env.Headers})
		attrs = append(attrs,
			attribute.String("messaging.message.id", env.Headers.MessageID()),
			attribute.String("messaging.failed_attempts", strconv.Itoa(env.Headers.FailedAttempts())),
		)
	} else {
		for _, env := range c.Envelopes {
			remote := trace.SpanContextFromContext(b.propagator.Extract(context.Background(), HeadersCarrier{Headers: &env.Headers}))
			if remote.IsValid() {
				links = append(links, trace.Link{SpanContext: remote})
			}
		}
	}

	ctx, span := b.tracer.Start(ctx, "process "+c.Endpoint.Name,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attrs...),
		trace.WithLinks(links...),
	)
	defer span.End()

	err := next(ctx, c)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
