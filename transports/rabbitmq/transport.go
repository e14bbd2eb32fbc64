package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/internal/rabbitmq"
	"github.com/glimte/mmate-bus/messaging"
)

const defaultContentType = "application/octet-stream"

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	config    TransportConfig
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	topology  *rabbitmq.TopologyManager
	declared  sync.Map
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PoolOptions       []rabbitmq.ChannelPoolOption
	PublisherOptions  []rabbitmq.PublisherOption
	ConsumerOptions   []rabbitmq.ConsumerOption
	// EnableFIFO declares consumer queues with a single active consumer so
	// a queue is never read by two processes at once
	EnableFIFO bool
	Logger     *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithFIFOMode enables single active consumer queues
func WithFIFOMode(enabled bool) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.EnableFIFO = enabled
	}
}

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPoolOptions sets channel pool options
func WithPoolOptions(opts ...rabbitmq.ChannelPoolOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PoolOptions = append(cfg.PoolOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets options for every consumer the transport creates
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport connects to the broker at url
func NewTransport(ctx context.Context, url string, options ...TransportOption) (*Transport, error) {
	cfg := TransportConfig{Logger: slog.Default()}
	for _, opt := range options {
		opt(&cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(url, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	pool, err := rabbitmq.NewChannelPool(manager, cfg.PoolOptions...)
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	return &Transport{
		config:    cfg,
		manager:   manager,
		pool:      pool,
		publisher: rabbitmq.NewPublisher(pool, cfg.PublisherOptions...),
		topology:  rabbitmq.NewTopologyManager(pool),
	}, nil
}

// Produce publishes rawBody to the endpoint's exchange and waits for the
// broker confirm. RabbitMQ assigns no position to published messages.
func (t *Transport) Produce(ctx context.Context, endpoint contracts.Endpoint, rawBody []byte, headers contracts.Headers) (contracts.Offset, error) {
	if err := t.ensureDeclared(ctx, endpoint); err != nil {
		return nil, err
	}

	contentType := headers.Value(contracts.HeaderContentType)
	if contentType == "" {
		contentType = defaultContentType
	}
	msg := amqp.Publishing{
		Headers:      toTable(headers),
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    headers.MessageID(),
		Type:         headers.Value(contracts.HeaderMessageType),
		Timestamp:    time.Now().UTC(),
		Body:         rawBody,
	}

	address := rabbitmq.AddressOf(endpoint)
	return nil, t.publisher.Publish(ctx, address.Exchange, address.RoutingKey, msg)
}

func (t *Transport) ensureDeclared(ctx context.Context, endpoint contracts.Endpoint) error {
	key := rabbitmq.AddressOf(endpoint)
	if _, ok := t.declared.Load(key); ok {
		return nil
	}
	if err := t.topology.Declare(ctx, t.queueArguments(rabbitmq.ProducerTopology(endpoint))); err != nil {
		return err
	}
	t.declared.Store(key, struct{}{})
	return nil
}

func (t *Transport) queueArguments(topology rabbitmq.Topology) rabbitmq.Topology {
	if !t.config.EnableFIFO {
		return topology
	}
	for i := range topology.Queues {
		topology.Queues[i].Arguments = amqp.Table{"x-single-active-consumer": true}
	}
	return topology
}

// NewConsumer creates a consumer reading the endpoint's queue
func (t *Transport) NewConsumer(endpoint contracts.Endpoint) (messaging.TransportConsumer, error) {
	if err := endpoint.Validate(); err != nil {
		return nil, err
	}
	opts := append([]rabbitmq.ConsumerOption{
		rabbitmq.WithConsumerLogger(t.config.Logger),
		rabbitmq.WithTopology(t.queueArguments(rabbitmq.ConsumerTopology(endpoint))),
	}, t.config.ConsumerOptions...)

	return &consumer{
		endpoint: endpoint,
		inner:    rabbitmq.NewConsumer(t.manager, rabbitmq.QueueName(endpoint), opts...),
		logger:   t.config.Logger,
	}, nil
}

// QueueDepth returns the number of ready messages waiting for endpoint's consumers
func (t *Transport) QueueDepth(ctx context.Context, endpoint contracts.Endpoint) (int, error) {
	return t.topology.QueueDepth(ctx, rabbitmq.QueueName(endpoint))
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// AddStateListener observes connection loss and recovery
func (t *Transport) AddStateListener(listener rabbitmq.ConnectionStateListener) {
	t.manager.AddStateListener(listener)
}

// Close closes all resources
func (t *Transport) Close() error {
	t.pool.Close()
	return t.manager.Close()
}

var _ messaging.Transport = (*Transport)(nil)
