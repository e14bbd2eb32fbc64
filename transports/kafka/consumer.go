package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/messaging"
	"github.com/glimte/mmate-bus/reliability"
)

var (
	ErrConnected = errors.New("kafka: consumer already connected")
	// ErrNoSession is returned when offsets are committed while the group
	// is rebalancing; the deliveries are read again by the new owner
	ErrNoSession = errors.New("kafka: no active group session")
)

const rejoinDelay = time.Second

// consumer implements messaging.TransportConsumer and sarama.ConsumerGroupHandler.
// A rollback ends the current group session so the next session resumes
// from the committed offsets.
type consumer struct {
	endpoint contracts.Endpoint
	groups   GroupFactory
	logger   *slog.Logger

	mu            sync.Mutex
	group         sarama.ConsumerGroup
	session       sarama.ConsumerGroupSession
	cancel        context.CancelFunc
	cancelSession context.CancelFunc
	out           chan messaging.Delivery
	wg            sync.WaitGroup
}

func newConsumer(endpoint contracts.Endpoint, groups GroupFactory, logger *slog.Logger) *consumer {
	return &consumer{
		endpoint: endpoint,
		groups:   groups,
		logger:   logger.With("topic", endpoint.Name, "group", endpoint.ConsumerGroupName()),
	}
}

func (c *consumer) Connect(ctx context.Context) (<-chan messaging.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.group != nil {
		return nil, ErrConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	group, err := c.groups(c.endpoint.ConsumerGroupName())
	if err != nil {
		return nil, fmt.Errorf("join consumer group %s: %w", c.endpoint.ConsumerGroupName(), err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.group = group
	c.cancel = cancel
	c.out = make(chan messaging.Delivery)

	c.wg.Add(2)
	go c.run(runCtx, group, c.out)
	go c.logErrors(runCtx, group)
	return c.out, nil
}

func (c *consumer) run(ctx context.Context, group sarama.ConsumerGroup, out chan messaging.Delivery) {
	defer c.wg.Done()
	defer close(out)

	topics := []string{c.endpoint.Name}
	for {
		sessionCtx, cancelSession := context.WithCancel(ctx)
		c.mu.Lock()
		c.cancelSession = cancelSession
		c.mu.Unlock()

		err := group.Consume(sessionCtx, topics, c)
		cancelSession()

		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, sarama.ErrClosedConsumerGroup):
			return
		case err != nil:
			c.logger.Error("consumer group session failed", "error", err)
			if reliability.Sleep(ctx, rejoinDelay) != nil {
				return
			}
		}
	}
}

func (c *consumer) logErrors(ctx context.Context, group sarama.ConsumerGroup) {
	defer c.wg.Done()
	for {
		select {
		case err, ok := <-group.Errors():
			if !ok {
				return
			}
			c.logger.Error("consumer group error", "error", err)
		case <-ctx.Done():
			return
		}
	}
}

// Setup implements sarama.ConsumerGroupHandler
func (c *consumer) Setup(session sarama.ConsumerGroupSession) error {
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	c.logger.Info("joined consumer group", "member", session.MemberID(), "claims", session.Claims())
	return nil
}

// Cleanup implements sarama.ConsumerGroupHandler
func (c *consumer) Cleanup(session sarama.ConsumerGroupSession) error {
	c.mu.Lock()
	if c.session == session {
		c.session = nil
	}
	c.mu.Unlock()
	return nil
}

// ConsumeClaim implements sarama.ConsumerGroupHandler
func (c *consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	c.mu.Lock()
	out := c.out
	c.mu.Unlock()

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			select {
			case out <- toDelivery(msg):
			case <-session.Context().Done():
				return nil
			}
		case <-session.Context().Done():
			return nil
		}
	}
}

func toDelivery(msg *sarama.ConsumerMessage) messaging.Delivery {
	return messaging.Delivery{
		Body:    msg.Value,
		Headers: fromRecordHeaders(msg.Headers),
		Offset:  contracts.KafkaOffset{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset},
	}
}

func (c *consumer) Disconnect(context.Context) error {
	c.mu.Lock()
	group, cancel := c.group, c.cancel
	c.group, c.cancel = nil, nil
	c.mu.Unlock()

	if group == nil {
		return nil
	}
	cancel()
	c.wg.Wait()
	return group.Close()
}

// Commit marks the next offset to read for every partition and commits
// synchronously
func (c *consumer) Commit(_ context.Context, offsets []contracts.Offset) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	if session == nil {
		return ErrNoSession
	}
	for _, offset := range offsets {
		ko, ok := offset.(contracts.KafkaOffset)
		if !ok {
			return fmt.Errorf("%w: %v is not a kafka offset", contracts.ErrOffsetMismatch, offset)
		}
		session.MarkOffset(ko.Topic, ko.Partition, ko.Offset+1, "")
	}
	session.Commit()
	return nil
}

// Rollback ends the group session. Uncommitted messages are delivered again
// once the group is rejoined.
func (c *consumer) Rollback(context.Context, []contracts.Offset) error {
	c.mu.Lock()
	cancelSession := c.cancelSession
	c.mu.Unlock()

	if cancelSession != nil {
		cancelSession()
	}
	return nil
}

var _ sarama.ConsumerGroupHandler = (*consumer)(nil)
