package messaging

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/glimte/mmate-bus/background"
	"github.com/glimte/mmate-bus/store"
)

// OutboxWorker produces the messages stored by the OutboxConnector. Messages
// sharing a partition key are produced in enqueue order; a failing message
// holds back the following ones of its key until the next round.
type OutboxWorker struct {
	outbox    store.Outbox
	producer  *Producer
	batchSize int
	interval  time.Duration
	events    eventEmitter
	logger    *slog.Logger
}

// OutboxWorkerOption configures the OutboxWorker
type OutboxWorkerOption func(*OutboxWorker)

// WithOutboxBatchSize sets how many messages a round reads
func WithOutboxBatchSize(size int) OutboxWorkerOption {
	return func(w *OutboxWorker) {
		w.batchSize = size
	}
}

// WithOutboxInterval sets the pause between rounds of Run
func WithOutboxInterval(interval time.Duration) OutboxWorkerOption {
	return func(w *OutboxWorker) {
		w.interval = interval
	}
}

// WithOutboxWorkerLogger sets the logger
func WithOutboxWorkerLogger(logger *slog.Logger) OutboxWorkerOption {
	return func(w *OutboxWorker) {
		w.logger = logger
	}
}

// WithOutboxWorkerListener registers a lifecycle event listener
func WithOutboxWorkerListener(listener EventListener) OutboxWorkerOption {
	return func(w *OutboxWorker) {
		w.events.listeners = append(w.events.listeners, listener)
	}
}

// NewOutboxWorker creates a new outbox worker
func NewOutboxWorker(outbox store.Outbox, producer *Producer, options ...OutboxWorkerOption) *OutboxWorker {
	w := &OutboxWorker{
		outbox:    outbox,
		producer:  producer,
		batchSize: 100,
		interval:  500 * time.Millisecond,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(w)
	}
	w.events.logger = w.logger
	return w
}

// ProcessOnce runs a single round and returns the number of produced
// messages. Production failures are recorded on the rows and joined into the
// returned error.
func (w *OutboxWorker) ProcessOnce(ctx context.Context) (int, error) {
	messages, err := w.outbox.Dequeue(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}

	blocked := make(map[string]struct{})
	produced := 0
	var errs []error

	for _, msg := range messages {
		if err := ctx.Err(); err != nil {
			return produced, err
		}

		key := msg.PartitionKey()
		if _, ok := blocked[key]; ok {
			continue
		}

		if _, err := w.producer.ProduceRaw(ctx, msg.Endpoint, msg.RawBody, msg.Headers); err != nil {
			blocked[key] = struct{}{}
			errs = append(errs, err)
			if rerr := w.outbox.Retry(ctx, msg.ID, err); rerr != nil {
				errs = append(errs, rerr)
			}
			w.logger.Warn("outbox message production failed",
				"messageId", msg.Headers.MessageID(),
				"endpoint", msg.Endpoint.Name,
				"partitionKey", key,
				"attempts", msg.Attempts+1,
				"error", err,
			)
			continue
		}

		if err := w.outbox.Acknowledge(ctx, msg.ID); err != nil {
			// produced but still queued: it will be produced again
			return produced, err
		}
		produced++
	}

	if produced > 0 {
		w.events.emit(ctx, LifecycleEvent{Type: EventOutboxDispatched, Count: produced})
		w.logger.Debug("outbox messages produced", "messageCount", produced)
	}
	return produced, errors.Join(errs...)
}

// Drain runs rounds back to back while they come back full and returns the
// number of produced messages. When ctx carries a background lock it is
// validated before every round, so an instance that lost the lock stops.
func (w *OutboxWorker) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		if lock := background.LockFromContext(ctx); lock != nil {
			if err := lock.Validate(ctx); err != nil {
				return total, err
			}
		}
		produced, err := w.ProcessOnce(ctx)
		total += produced
		if err != nil || produced < w.batchSize {
			return total, err
		}
	}
}

// Run processes rounds until ctx is done. Rounds follow each other without
// pause while the outbox has a backlog.
func (w *OutboxWorker) Run(ctx context.Context) error {
	for {
		produced, err := w.ProcessOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("outbox round failed", "error", err)
		}

		wait := w.interval
		if err == nil && produced >= w.batchSize {
			wait = 0
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
