// Package interceptors provides the pipeline engine used for producing,
// consuming and publishing messages.
//
// A Pipeline is an ordered chain of behaviors. Each behavior declares a sort
// index; the pipeline runs them in ascending order regardless of the order
// they were registered in and composes them into a single continuation. A
// behavior receives the pipeline context and the next handler and may:
//   - inspect or mutate the context
//   - short-circuit by not calling next
//   - wrap next with error handling
//
// Three contexts are used: ProducerContext (one outbound envelope),
// ConsumerContext (a batch of inbound envelopes) and PublishContext (messages
// published on the local bus).
//
// Built-in behaviors:
//   - TracingProducerBehavior / TracingConsumerBehavior: OpenTelemetry spans and trace propagation
//   - KeyInitializerBehavior: broker key header
//   - SerializerBehavior / DeserializerBehavior: payload encoding
//   - LoggingBehavior: structured logging of consumed batches
//
// Example usage:
//
//	pipeline := interceptors.NewPipeline[*interceptors.ProducerContext](
//		interceptors.NewSerializerBehavior(serializers),
//		interceptors.NewTracingProducerBehavior(),
//	)
//	err := pipeline.Execute(ctx, interceptors.NewProducerContext(env), send)
package interceptors
