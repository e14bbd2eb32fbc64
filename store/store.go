package store

import (
	"context"
	"time"

	"github.com/glimte/mmate-bus/contracts"
)

// InboundLogEntry records that a message was processed by a consumer group
type InboundLogEntry struct {
	MessageID         string    `db:"message_id" bson:"messageId"`
	EndpointName      string    `db:"endpoint_name" bson:"endpointName"`
	ConsumerGroupName string    `db:"consumer_group_name" bson:"consumerGroupName"`
	ConsumedAt        time.Time `db:"consumed_at" bson:"consumedAt"`
}

// InboundLog is the processed-message log used for exactly-once delivery
type InboundLog interface {
	// Exists checks committed entries and the pending entries of the unit of
	// work carried by ctx.
	Exists(ctx context.Context, entry InboundLogEntry) (bool, error)
	Add(ctx context.Context, entry InboundLogEntry) error
	// Length counts committed entries
	Length(ctx context.Context) (int, error)
}

// OffsetStoreEntry is the last processed offset of a partition for a group
type OffsetStoreEntry struct {
	PartitionKey      string    `db:"partition_key" bson:"partitionKey"`
	ConsumerGroupName string    `db:"consumer_group_name" bson:"consumerGroupName"`
	OffsetValue       string    `db:"offset_value" bson:"offsetValue"`
	UpdatedAt         time.Time `db:"updated_at" bson:"updatedAt"`
}

// OffsetStore keeps one offset per (partition key, consumer group). The last
// write wins.
type OffsetStore interface {
	Store(ctx context.Context, offset contracts.Offset, consumerGroupName string) error
	// GetLatestValue returns nil when nothing was stored for the key
	GetLatestValue(ctx context.Context, partitionKey, consumerGroupName string) (contracts.Offset, error)
}

// ChunkRecord is one stored fragment of a chunked message. Headers is only
// set for the chunk carrying the original header set.
type ChunkRecord struct {
	MessageID   string            `db:"message_id"`
	ChunkIndex  int               `db:"chunk_index"`
	ChunksCount int               `db:"chunks_count"`
	Content     []byte            `db:"content"`
	Headers     contracts.Headers `db:"-"`
	ReceivedAt  time.Time         `db:"received_at"`
}

// ChunkStore persists chunks until the message can be reassembled
type ChunkStore interface {
	// Store is a no-op for an already stored (messageId, chunkIndex)
	Store(ctx context.Context, chunk ChunkRecord) error
	CountChunks(ctx context.Context, messageID string) (int, error)
	// GetChunks returns the chunks ordered by index
	GetChunks(ctx context.Context, messageID string) ([]ChunkRecord, error)
	Cleanup(ctx context.Context, messageID string) error
	// CleanupOlderThan removes chunk sets whose first chunk was received
	// before threshold and returns the number of removed chunks.
	CleanupOlderThan(ctx context.Context, threshold time.Time) (int, error)
}

// QueuedMessage is an outbox row waiting to be produced
type QueuedMessage struct {
	ID         string             `db:"id"`
	Endpoint   contracts.Endpoint `db:"-"`
	RawBody    []byte             `db:"raw_body"`
	Headers    contracts.Headers  `db:"-"`
	EnqueuedAt time.Time          `db:"enqueued_at"`
	Attempts   int                `db:"attempts"`
	LastError  string             `db:"last_error"`
}

// PartitionKey groups outbox rows that must be produced in order
func (m QueuedMessage) PartitionKey() string {
	if key := m.Headers.Value(contracts.HeaderMessageKey); key != "" {
		return m.Endpoint.Name + "/" + key
	}
	return m.Endpoint.Name
}

// OutboxStats summarizes the committed outbox content
type OutboxStats struct {
	Length int
	Oldest time.Time
}

// Outbox is the transactional staging area of deferred production
type Outbox interface {
	// Enqueue appends a message inside the unit of work carried by ctx
	Enqueue(ctx context.Context, msg QueuedMessage) error
	// Dequeue returns up to limit committed messages in enqueue order without
	// removing them.
	Dequeue(ctx context.Context, limit int) ([]QueuedMessage, error)
	// Acknowledge removes produced messages
	Acknowledge(ctx context.Context, ids ...string) error
	// Retry records a failed production attempt, keeping the message queued
	Retry(ctx context.Context, id string, cause error) error
	Stats(ctx context.Context) (OutboxStats, error)
}
