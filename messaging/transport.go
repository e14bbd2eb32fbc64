package messaging

import (
	"context"

	"github.com/glimte/mmate-bus/contracts"
)

// Delivery is a raw message read from a transport
type Delivery struct {
	Body    []byte
	Headers contracts.Headers
	Offset  contracts.Offset
	// ActualEndpointName is the physical source, when it differs from the
	// endpoint name (e.g. a topic matched by pattern)
	ActualEndpointName string
}

// PartitionKey returns the key deliveries are ordered by
func (d Delivery) PartitionKey() string {
	if d.Offset == nil {
		return ""
	}
	return d.Offset.Key()
}

// Transport is implemented by the broker adapters
type Transport interface {
	// Produce sends a physical message and returns its broker position when
	// the broker reports one
	Produce(ctx context.Context, endpoint contracts.Endpoint, rawBody []byte, headers contracts.Headers) (contracts.Offset, error)
	// NewConsumer creates a consumer reading endpoint
	NewConsumer(endpoint contracts.Endpoint) (TransportConsumer, error)
	Close() error
}

// TransportConsumer reads one endpoint. Deliveries of one partition arrive in
// order on the returned channel, which is closed on disconnect.
type TransportConsumer interface {
	Connect(ctx context.Context) (<-chan Delivery, error)
	Disconnect(ctx context.Context) error
	// Commit acknowledges every delivery up to the given offsets
	Commit(ctx context.Context, offsets []contracts.Offset) error
	// Rollback makes the given deliveries available again
	Rollback(ctx context.Context, offsets []contracts.Offset) error
}
