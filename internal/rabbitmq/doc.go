// Package rabbitmq holds the AMQP plumbing behind the RabbitMQ transport.
//
//   - ConnectionManager keeps one connection open and re-dials it with backoff
//   - ChannelPool hands out confirm-mode channels for publishing and declarations
//   - Publisher waits for publisher confirms and retries transient failures
//   - Consumer reads one queue and acknowledges by delivery tag
//   - Topology derives exchanges, queues and bindings from an endpoint
package rabbitmq
