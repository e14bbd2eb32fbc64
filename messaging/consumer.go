package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/interceptors"
	"github.com/glimte/mmate-bus/reliability"
	"github.com/glimte/mmate-bus/store"
)

const defaultPartitionBuffer = 64

// ConsumerConfig configures a Consumer
type ConsumerConfig struct {
	Endpoint contracts.Endpoint
	Batch    BatchSettings
	// ErrorPolicy maps failures to actions; without one every failure stops
	// the consumer
	ErrorPolicy reliability.ErrorHandler
	// ExactlyOnce enables duplicate detection inside the unit of work of each
	// attempt
	ExactlyOnce ExactlyOnceGuard
	Behaviors   []interceptors.ConsumerBehavior
	// Handler is the terminal of the consumer pipeline, see DispatchTo
	Handler   interceptors.ConsumerHandler
	Listeners []EventListener
	Logger    *slog.Logger
	// PartitionBuffer is the number of deliveries queued per partition worker
	PartitionBuffer int
}

func (c *ConsumerConfig) validate() error {
	if err := c.Endpoint.Validate(); err != nil {
		return err
	}
	if c.Handler == nil {
		return errors.New("consumer handler is required")
	}
	if c.Batch.Size < 0 {
		return errors.New("batch size must not be negative")
	}
	return nil
}

// DispatchTo returns a consumer terminal delivering the deserialized messages
// to the local subscribers of d
func DispatchTo(d *Dispatcher) interceptors.ConsumerHandler {
	return func(ctx context.Context, c *interceptors.ConsumerContext) error {
		return d.Dispatch(ctx, c.Messages())
	}
}

// Consumer reads an endpoint through a transport consumer. Deliveries are
// processed by one worker per partition key: in arrival order inside a
// partition, concurrently across partitions.
type Consumer struct {
	config    ConsumerConfig
	transport Transport
	pipeline  *interceptors.ConsumerPipeline
	events    eventEmitter
	logger    *slog.Logger

	mu       sync.Mutex
	running  bool
	tc       TransportConsumer
	stopping chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
}

// NewConsumer creates a consumer for config.Endpoint
func NewConsumer(transport Transport, config ConsumerConfig) (*Consumer, error) {
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid consumer config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.PartitionBuffer <= 0 {
		config.PartitionBuffer = defaultPartitionBuffer
	}

	c := &Consumer{
		config:    config,
		transport: transport,
		logger:    config.Logger.With("endpoint", config.Endpoint.Name),
	}
	c.events = eventEmitter{listeners: config.Listeners, logger: c.logger}

	behaviors := append([]interceptors.ConsumerBehavior(nil), config.Behaviors...)
	if config.ExactlyOnce != nil {
		guard := NewExactlyOnceBehavior(config.ExactlyOnce, c.logger)
		guard.events = &c.events
		behaviors = append(behaviors, guard)
	}
	c.pipeline = interceptors.NewPipeline(behaviors...)
	return c, nil
}

// Endpoint returns the consumed endpoint
func (c *Consumer) Endpoint() contracts.Endpoint {
	return c.config.Endpoint
}

// Running reports whether the consumer is processing deliveries
func (c *Consumer) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Done is closed once the consumer stopped, on Stop or after an
// unrecoverable failure
func (c *Consumer) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err returns the error that stopped the consumer, if any
func (c *Consumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Start connects the transport consumer and starts processing. It returns
// once connected; processing continues until Stop or a fatal failure.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrConsumerRunning
	}

	tc, err := c.transport.NewConsumer(c.config.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to create transport consumer: %w", err)
	}
	deliveries, err := tc.Connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect consumer: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.tc = tc
	c.cancel = cancel
	c.stopping = make(chan struct{})
	c.done = make(chan struct{})
	c.err = nil
	c.running = true

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return c.route(gctx, g, deliveries, c.stopping)
	})

	go c.supervise(runCtx, g, tc, c.done)

	c.logger.Info("Consumer started",
		"consumerGroup", c.config.Endpoint.ConsumerGroupName(),
		"batchSize", c.config.Batch.Size)
	return nil
}

func (c *Consumer) supervise(ctx context.Context, g *errgroup.Group, tc TransportConsumer, done chan struct{}) {
	err := g.Wait()

	if derr := tc.Disconnect(context.WithoutCancel(ctx)); derr != nil {
		c.logger.Error("failed to disconnect consumer", "error", derr)
		err = errors.Join(err, derr)
	}

	c.mu.Lock()
	c.running = false
	c.err = err
	c.cancel()
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("Consumer stopped", "error", err)
	} else {
		c.logger.Info("Consumer stopped")
	}
	close(done)
}

// Stop stops intake and flushes the pending batches. If ctx expires first,
// in-flight processing is cancelled and its batches are rolled back.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrConsumerNotRunning
	}
	select {
	case <-c.stopping:
	default:
		close(c.stopping)
	}
	done, cancel := c.done, c.cancel
	c.mu.Unlock()

	var stopErr error
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("Stop deadline reached, cancelling in-flight batches")
		cancel()
		<-done
		stopErr = ctx.Err()
	}
	return errors.Join(stopErr, c.Err())
}

// route fans deliveries out to one worker per partition key. Closing the
// worker channels lets every worker flush its pending batch.
func (c *Consumer) route(ctx context.Context, g *errgroup.Group, deliveries <-chan Delivery, stopping <-chan struct{}) error {
	workers := make(map[string]chan Delivery)
	defer func() {
		for _, w := range workers {
			close(w)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stopping:
			return nil
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Info("Delivery channel closed")
				return nil
			}
			key := d.PartitionKey()
			w, exists := workers[key]
			if !exists {
				w = make(chan Delivery, c.config.PartitionBuffer)
				workers[key] = w
				g.Go(func() error {
					return c.work(ctx, key, w)
				})
			}
			select {
			case w <- d:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (c *Consumer) work(ctx context.Context, partition string, in <-chan Delivery) error {
	settings := c.config.Batch
	var (
		batch *Batch
		timer *time.Timer
		idle  <-chan time.Time
	)

	flush := func() error {
		if timer != nil {
			timer.Stop()
		}
		idle = nil
		if batch == nil || batch.Len() == 0 {
			return nil
		}
		b := batch
		batch = nil
		return c.process(ctx, b)
	}

	for {
		select {
		case d, ok := <-in:
			if !ok {
				return flush()
			}
			if batch == nil {
				batch = NewBatch(settings.Size, settings.Enabled())
			}
			env := contracts.NewInboundEnvelope(d.Body, d.Headers, c.config.Endpoint, d.ActualEndpointName, d.Offset)
			full, err := batch.Add(env)
			if err != nil {
				return err
			}
			if full {
				if err := flush(); err != nil {
					return err
				}
				continue
			}
			if settings.IdleTimeout > 0 {
				if timer == nil {
					timer = time.NewTimer(settings.IdleTimeout)
				} else {
					timer.Reset(settings.IdleTimeout)
				}
				idle = timer.C
			}

		case <-idle:
			c.logger.Debug("Batch idle timeout reached", "partition", partition, "batchId", batch.ID())
			if err := flush(); err != nil {
				return err
			}

		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			if batch != nil && batch.Len() > 0 {
				c.abandon(ctx, batch)
			}
			return nil
		}
	}
}

// abandon rolls back a batch that was still filling when the consumer was
// cancelled
func (c *Consumer) abandon(ctx context.Context, batch *Batch) {
	offsets, err := batch.Offsets()
	if err != nil {
		c.logger.Error("failed to collect offsets of pending batch", "batchId", batch.ID(), "error", err)
	}
	c.rollback(ctx, batch, offsets, ctx.Err())
}

// process dispatches a closed batch until it is handled or the error policy
// gives up
func (c *Consumer) process(ctx context.Context, batch *Batch) error {
	if err := batch.Close(); err != nil {
		return err
	}
	if err := batch.BeginDispatch(); err != nil {
		return err
	}

	envelopes := batch.Envelopes()
	offsets, err := batch.Offsets()
	if err != nil {
		return err
	}

	for {
		start := time.Now()
		c.emit(ctx, EventAttemptStarted, batch, nil, 0)

		cc, err := c.attempt(ctx, batch, envelopes)
		if err == nil {
			return c.commit(ctx, batch, offsets, time.Since(start))
		}
		if ctx.Err() != nil {
			c.rollback(ctx, batch, offsets, err)
			return nil
		}

		for _, env := range envelopes {
			env.Headers.AddOrReplace(contracts.HeaderFailedAttempts, strconv.Itoa(env.Headers.FailedAttempts()+1))
		}
		attempts := reliability.FailedAttempts(envelopes)
		c.emit(ctx, EventAttemptFailed, batch, err, attempts)
		c.logger.Warn("Error occurred processing message(s)",
			"batchId", batch.ID(),
			"messageId", envelopes[0].Headers.MessageID(),
			"failedAttempts", attempts,
			"error", err)

		action, policyErr := c.handleError(ctx, policyEnvelopes(cc, envelopes), err)
		if ctx.Err() != nil {
			c.rollback(ctx, batch, offsets, err)
			return nil
		}

		switch action {
		case reliability.ActionRetry:
			c.emit(ctx, EventRetryScheduled, batch, err, attempts)
			continue
		case reliability.ActionSkip:
			c.emit(ctx, EventSkipped, batch, err, attempts)
			c.settle(ctx, batch, cc)
			return c.commit(ctx, batch, offsets, time.Since(start))
		default:
			cause := errors.Join(err, policyErr)
			c.rollback(ctx, batch, offsets, cause)
			c.emit(ctx, EventConsumerStopped, batch, cause, attempts)
			return &ConsumerStoppedError{Endpoint: c.config.Endpoint.Name, BatchID: batch.ID(), Err: cause}
		}
	}
}

func (c *Consumer) handleError(ctx context.Context, envelopes []*contracts.InboundEnvelope, err error) (reliability.ErrorAction, error) {
	if c.config.ErrorPolicy == nil {
		return reliability.ActionRethrow, nil
	}
	return c.config.ErrorPolicy.HandleError(ctx, envelopes, err)
}

// attempt runs one pass of the consumer pipeline on copies of the envelopes
// inside a fresh unit of work
func (c *Consumer) attempt(ctx context.Context, batch *Batch, envelopes []*contracts.InboundEnvelope) (cc *interceptors.ConsumerContext, err error) {
	clones := make([]*contracts.InboundEnvelope, len(envelopes))
	for i, env := range envelopes {
		clones[i] = env.Clone()
	}

	uow := store.NewUnitOfWork()
	uctx := store.WithUnitOfWork(ctx, uow)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanicked, r)
		}
		if err != nil {
			if rerr := uow.Rollback(context.WithoutCancel(ctx)); rerr != nil {
				c.logger.Error("failed to roll back unit of work", "batchId", batch.ID(), "error", rerr)
			}
		}
	}()

	cc = interceptors.NewConsumerContext(c.config.Endpoint, clones)
	cc.BatchID = batch.ID()
	if err := c.pipeline.Execute(uctx, cc, c.config.Handler); err != nil {
		return cc, err
	}
	return cc, uow.Commit(ctx)
}

// policyEnvelopes returns the envelopes the error policy acts on: the ones
// the failed attempt had reached, so a chunked message is handed over
// reassembled, stamped with the failed attempts of the batch
func policyEnvelopes(cc *interceptors.ConsumerContext, physical []*contracts.InboundEnvelope) []*contracts.InboundEnvelope {
	if cc == nil || len(cc.Envelopes) == 0 {
		return physical
	}
	attempts := strconv.Itoa(reliability.FailedAttempts(physical))
	logical := make([]*contracts.InboundEnvelope, len(cc.Envelopes))
	for i, env := range cc.Envelopes {
		env = env.Clone()
		env.Headers.AddOrReplace(contracts.HeaderFailedAttempts, attempts)
		logical[i] = env
	}
	return logical
}

// settle commits the store work a skipped or moved attempt still owes, such
// as purging the chunks of a reassembled message. Failures are logged; the
// chunk cleaner removes whatever is left behind.
func (c *Consumer) settle(ctx context.Context, batch *Batch, cc *interceptors.ConsumerContext) {
	if cc == nil {
		return
	}
	err := store.RunInUnitOfWork(ctx, cc.Settle)
	if err != nil {
		c.logger.Error("failed to settle skipped batch", "batchId", batch.ID(), "error", err)
	}
}

func (c *Consumer) commit(ctx context.Context, batch *Batch, offsets []contracts.Offset, elapsed time.Duration) error {
	if err := c.tc.Commit(ctx, offsets); err != nil {
		c.rollback(ctx, batch, offsets, err)
		cause := fmt.Errorf("commit offsets: %w", err)
		c.emit(ctx, EventConsumerStopped, batch, cause, 0)
		return &ConsumerStoppedError{Endpoint: c.config.Endpoint.Name, BatchID: batch.ID(), Err: cause}
	}
	if err := batch.Commit(); err != nil {
		return err
	}

	c.events.emit(ctx, LifecycleEvent{
		Type:          EventCommitted,
		Endpoint:      c.config.Endpoint.Name,
		ConsumerGroup: c.config.Endpoint.ConsumerGroupName(),
		BatchID:       batch.ID(),
		MessageIDs:    messageIDs(batch.Envelopes()),
		Count:         batch.Len(),
		Duration:      elapsed,
	})
	c.logger.Debug("Batch committed", "batchId", batch.ID(), "count", batch.Len())
	return nil
}

func (c *Consumer) rollback(ctx context.Context, batch *Batch, offsets []contracts.Offset, cause error) {
	if err := c.tc.Rollback(context.WithoutCancel(ctx), offsets); err != nil {
		c.logger.Error("failed to roll back offsets", "batchId", batch.ID(), "error", err)
	}
	if err := batch.Rollback(); err != nil {
		c.logger.Error("failed to roll back batch", "batchId", batch.ID(), "error", err)
	}
	c.emit(ctx, EventRolledBack, batch, cause, 0)
}

func (c *Consumer) emit(ctx context.Context, t EventType, batch *Batch, err error, attempts int) {
	envelopes := batch.Envelopes()
	if attempts == 0 {
		attempts = reliability.FailedAttempts(envelopes)
	}
	c.events.emit(ctx, LifecycleEvent{
		Type:           t,
		Endpoint:       c.config.Endpoint.Name,
		ConsumerGroup:  c.config.Endpoint.ConsumerGroupName(),
		BatchID:        batch.ID(),
		MessageIDs:     messageIDs(envelopes),
		Count:          len(envelopes),
		FailedAttempts: attempts,
		Err:            err,
	})
}
