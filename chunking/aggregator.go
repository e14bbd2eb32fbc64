package chunking

import (
	"bytes"
	"context"
	"log/slog"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/interceptors"
	"github.com/glimte/mmate-bus/store"
)

// AggregatorBehavior stores incoming chunks and replaces the chunk completing
// a message with the reassembled envelope. Incomplete messages are withheld
// from the rest of the pipeline; their offsets are still committed.
type AggregatorBehavior struct {
	store  store.ChunkStore
	logger *slog.Logger
}

// NewAggregatorBehavior creates the chunk aggregator
func NewAggregatorBehavior(chunks store.ChunkStore, logger *slog.Logger) *AggregatorBehavior {
	if logger == nil {
		logger = slog.Default()
	}
	return &AggregatorBehavior{store: chunks, logger: logger}
}

// SortIndex implements interceptors.Behavior
func (b *AggregatorBehavior) SortIndex() int {
	return interceptors.ConsumerChunkAggregatorIndex
}

// Handle implements interceptors.Behavior
func (b *AggregatorBehavior) Handle(ctx context.Context, c *interceptors.ConsumerContext, next interceptors.ConsumerHandler) error {
	remaining := make([]*contracts.InboundEnvelope, 0, len(c.Envelopes))
	for _, env := range c.Envelopes {
		if !env.Headers.Contains(contracts.HeaderChunkIndex) {
			remaining = append(remaining, env)
			continue
		}
		complete, err := b.aggregate(ctx, c, env)
		if err != nil {
			return err
		}
		if complete != nil {
			remaining = append(remaining, complete)
		}
	}

	if len(remaining) == 0 {
		return nil
	}
	c.Envelopes = remaining
	return next(ctx, c)
}

// aggregate returns the reassembled envelope once env completes its message.
// The store writes belong to the attempt's unit of work; when the attempt
// fails and is settled by an error policy they are replayed by the settle
// functions so the chunk store matches the committed offsets.
func (b *AggregatorBehavior) aggregate(ctx context.Context, c *interceptors.ConsumerContext, env *contracts.InboundEnvelope) (*contracts.InboundEnvelope, error) {
	messageID := env.Headers.MessageID()
	if messageID == "" {
		return nil, invalidHeaders("?", "x-message-id missing")
	}
	index, ok := env.Headers.GetInt(contracts.HeaderChunkIndex)
	if !ok || index < 0 {
		return nil, invalidHeaders(messageID, "bad x-chunk-id")
	}
	count, ok := env.Headers.GetInt(contracts.HeaderChunksCount)
	if !ok || count < 1 || index >= count {
		return nil, invalidHeaders(messageID, "bad x-chunks-count")
	}

	if count == 1 {
		return reassembled(env, env.RawBody, env.Headers), nil
	}

	record := store.ChunkRecord{
		MessageID:   messageID,
		ChunkIndex:  index,
		ChunksCount: count,
		Content:     env.RawBody,
	}
	if index == count-1 {
		record.Headers = env.Headers
	}
	if err := b.store.Store(ctx, record); err != nil {
		return nil, err
	}

	stored, err := b.store.CountChunks(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if stored < count {
		c.OnSettled(func(ctx context.Context) error {
			return b.store.Store(ctx, record)
		})
		b.logger.Debug("Chunk stored, waiting for the rest of the message",
			"messageId", messageID,
			"chunkIndex", index,
			"chunksCount", count,
			"storedChunks", stored)
		return nil, nil
	}

	chunks, err := b.store.GetChunks(ctx, messageID)
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	headers := env.Headers
	for i, chunk := range chunks {
		if chunk.ChunkIndex != i {
			return nil, invalidHeaders(messageID, "chunk sequence has gaps")
		}
		body.Write(chunk.Content)
		if chunk.Headers != nil {
			headers = chunk.Headers
		}
	}

	if err := b.store.Cleanup(ctx, messageID); err != nil {
		return nil, err
	}
	c.OnSettled(func(ctx context.Context) error {
		return b.store.Cleanup(ctx, messageID)
	})

	b.logger.Debug("Message reassembled from chunks",
		"messageId", messageID,
		"chunksCount", count,
		"size", body.Len())
	return reassembled(env, body.Bytes(), headers), nil
}

func reassembled(env *contracts.InboundEnvelope, body []byte, headers contracts.Headers) *contracts.InboundEnvelope {
	out := env.Clone()
	out.RawBody = body
	out.Headers = headers.Clone()
	out.Headers.Remove(contracts.HeaderChunkIndex)
	out.Headers.Remove(contracts.HeaderChunksCount)
	return out
}
