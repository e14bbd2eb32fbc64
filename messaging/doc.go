// Package messaging connects the pipelines to the transports.
//
// This package implements:
//   - Publisher: runs messages through the publish pipeline, where the
//     outbound router turns them into envelopes for the configured endpoints
//   - Producer and connectors: run outbound envelopes through the producer
//     pipeline and hand them to the transport, directly or through the outbox
//   - OutboxWorker: drains the outbox in order per partition key
//   - Consumer: reads a transport, groups deliveries into batches per
//     partition, runs the consumer pipeline inside a unit of work and commits
//     or rolls back the transport offsets
//   - Exactly-once guards backed by the inbound log or the offset store
//   - Dispatcher: delivers messages to local subscribers
//
// Example usage:
//
//	dispatcher := messaging.NewDispatcher()
//	messaging.Subscribe(dispatcher, func(ctx context.Context, order *OrderPlaced) error {
//		return nil
//	})
//
//	producer := messaging.NewProducer(transport, messaging.WithProducerBehaviors(
//		interceptors.NewSerializerBehavior(serializers),
//	))
//	routing := &messaging.RoutingConfig{Routes: []messaging.Route{
//		messaging.ForMessage[*OrderPlaced](messaging.NewStaticRouter(orders), messaging.NewDirectConnector(producer)),
//	}}
//	publisher := messaging.NewPublisher(routing, dispatcher)
//	err := publisher.Publish(ctx, &OrderPlaced{...})
package messaging
