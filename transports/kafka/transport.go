// Package kafka adapts Apache Kafka through IBM/sarama. Endpoints map to
// topics, consumer group names map to Kafka consumer groups and offsets are
// committed manually once a batch is committed.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/messaging"
)

var ErrClosed = errors.New("kafka: transport closed")

// GroupFactory opens a consumer group
type GroupFactory func(groupID string) (sarama.ConsumerGroup, error)

// Config holds the client settings of the transport
type Config struct {
	ClientID string
	// Version is the broker protocol version, e.g. "3.6.0"
	Version string
	// FromNewest starts new consumer groups at the end of the topic instead
	// of the beginning
	FromNewest bool
	Logger     *slog.Logger
}

// Option configures the transport
type Option func(*Config)

// WithClientID sets the client id reported to the brokers
func WithClientID(id string) Option {
	return func(c *Config) {
		c.ClientID = id
	}
}

// WithVersion sets the broker protocol version
func WithVersion(version string) Option {
	return func(c *Config) {
		c.Version = version
	}
}

// WithFromNewest starts new consumer groups at the newest offset
func WithFromNewest() Option {
	return func(c *Config) {
		c.FromNewest = true
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// SaramaConfig builds the sarama configuration used by the transport
func (c Config) SaramaConfig() (*sarama.Config, error) {
	cfg := sarama.NewConfig()
	if c.ClientID != "" {
		cfg.ClientID = c.ClientID
	}
	if c.Version != "" {
		version, err := sarama.ParseKafkaVersion(c.Version)
		if err != nil {
			return nil, fmt.Errorf("kafka version: %w", err)
		}
		cfg.Version = version
	}

	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.AutoCommit.Enable = false
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	if c.FromNewest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	return cfg, cfg.Validate()
}

// Transport implements messaging.Transport for Kafka
type Transport struct {
	client   sarama.Client
	producer sarama.SyncProducer
	groups   GroupFactory
	logger   *slog.Logger
}

// NewTransport connects to the brokers
func NewTransport(brokers []string, options ...Option) (*Transport, error) {
	cfg := newConfig(options)
	saramaCfg, err := cfg.SaramaConfig()
	if err != nil {
		return nil, err
	}

	client, err := sarama.NewClient(brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	t := NewTransportWith(producer, func(groupID string) (sarama.ConsumerGroup, error) {
		return sarama.NewConsumerGroupFromClient(groupID, client)
	}, options...)
	t.client = client
	return t, nil
}

// NewTransportWith creates a transport over an existing producer and group factory
func NewTransportWith(producer sarama.SyncProducer, groups GroupFactory, options ...Option) *Transport {
	cfg := newConfig(options)
	return &Transport{producer: producer, groups: groups, logger: cfg.Logger}
}

func newConfig(options []Option) Config {
	cfg := Config{Logger: slog.Default()}
	for _, opt := range options {
		opt(&cfg)
	}
	return cfg
}

// Produce sends the message to the endpoint's topic. Messages with the same
// x-message-key land in the same partition.
func (t *Transport) Produce(ctx context.Context, endpoint contracts.Endpoint, rawBody []byte, headers contracts.Headers) (contracts.Offset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msg := &sarama.ProducerMessage{
		Topic:   endpoint.Name,
		Value:   sarama.ByteEncoder(rawBody),
		Headers: toRecordHeaders(headers),
	}
	if key, ok := headers.Get(contracts.HeaderMessageKey); ok {
		msg.Key = sarama.StringEncoder(key)
	}

	partition, offset, err := t.producer.SendMessage(msg)
	if err != nil {
		return nil, err
	}
	return contracts.KafkaOffset{Topic: endpoint.Name, Partition: partition, Offset: offset}, nil
}

// NewConsumer creates a consumer joining the endpoint's consumer group
func (t *Transport) NewConsumer(endpoint contracts.Endpoint) (messaging.TransportConsumer, error) {
	if err := endpoint.Validate(); err != nil {
		return nil, err
	}
	return newConsumer(endpoint, t.groups, t.logger), nil
}

// Close closes the producer and the client
func (t *Transport) Close() error {
	err := t.producer.Close()
	if t.client != nil && !t.client.Closed() {
		err = errors.Join(err, t.client.Close())
	}
	return err
}

func toRecordHeaders(headers contracts.Headers) []sarama.RecordHeader {
	records := make([]sarama.RecordHeader, len(headers))
	for i, h := range headers {
		records[i] = sarama.RecordHeader{Key: []byte(h.Name), Value: []byte(h.Value)}
	}
	return records
}

func fromRecordHeaders(records []*sarama.RecordHeader) contracts.Headers {
	headers := make(contracts.Headers, 0, len(records))
	for _, r := range records {
		if r == nil {
			continue
		}
		headers.Add(string(r.Key), string(r.Value))
	}
	return headers
}

var _ messaging.Transport = (*Transport)(nil)
