package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-bus/contracts"
)

// LoggingBehavior logs consumed batches and their outcome
type LoggingBehavior struct {
	logger *slog.Logger
}

// NewLoggingBehavior creates a new logging behavior
func NewLoggingBehavior(logger *slog.Logger) *LoggingBehavior {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingBehavior{logger: logger}
}

// SortIndex implements Behavior
func (b *LoggingBehavior) SortIndex() int {
	return ConsumerLoggingIndex
}

// Handle implements Behavior
func (b *LoggingBehavior) Handle(ctx context.Context, c *ConsumerContext, next ConsumerHandler) error {
	start := time.Now()

	b.logger.Debug("processing messages",
		"endpoint", c.Endpoint.Name,
		"batchId", c.BatchID,
		"messageCount", len(c.Envelopes),
	)

	err := next(ctx, c)
	duration := time.Since(start)

	if err != nil {
		attrs := []any{
			"endpoint", c.Endpoint.Name,
			"batchId", c.BatchID,
			"duration", duration,
			"error", err,
		}
		if len(c.Envelopes) > 0 {
			attrs = append(attrs, EnvelopeLogAttrs(c.Envelopes[0])...)
		}
		b.logger.Error("message processing failed", attrs...)
		return err
	}

	b.logger.Debug("messages processed successfully",
		"endpoint", c.Endpoint.Name,
		"batchId", c.BatchID,
		"duration", duration,
	)
	return nil
}

// EnvelopeLogAttrs returns the attributes identifying an envelope in log lines
func EnvelopeLogAttrs(env contracts.Envelope) []any {
	headers := env.GetHeaders()
	attrs := []any{
		"messageId", headers.MessageID(),
		"messageType", headers.Value(contracts.HeaderMessageType),
		"endpoint", env.GetEndpoint().Name,
	}
	if n := headers.FailedAttempts(); n > 0 {
		attrs = append(attrs, "failedAttempts", n)
	}
	if idx, ok := headers.Get(contracts.HeaderChunkIndex); ok {
		attrs = append(attrs, "chunkIndex", idx, "chunksCount", headers.Value(contracts.HeaderChunksCount))
	}
	if in, ok := env.(*contracts.InboundEnvelope); ok && in.Offset != nil {
		attrs = append(attrs, "offset", in.Offset.Key()+"@"+in.Offset.Value())
	}
	return attrs
}
