package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// subscription receives the messages of one static type
type subscription interface {
	deliver(ctx context.Context, messages []any) (int, error)
	typeName() string
}

type messageSubscription[T any] struct {
	handler func(ctx context.Context, msg T) error
}

func (s *messageSubscription[T]) deliver(ctx context.Context, messages []any) (int, error) {
	delivered := 0
	for _, m := range messages {
		msg, ok := m.(T)
		if !ok {
			continue
		}
		if err := s.handler(ctx, msg); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

func (s *messageSubscription[T]) typeName() string {
	return typeNameOf[T]()
}

type batchSubscription[T any] struct {
	handler func(ctx context.Context, msgs []T) error
}

func (s *batchSubscription[T]) deliver(ctx context.Context, messages []any) (int, error) {
	var batch []T
	for _, m := range messages {
		if msg, ok := m.(T); ok {
			batch = append(batch, msg)
		}
	}
	if len(batch) == 0 {
		return 0, nil
	}
	return len(batch), s.handler(ctx, batch)
}

func (s *batchSubscription[T]) typeName() string {
	return "[]" + typeNameOf[T]()
}

func typeNameOf[T any]() string {
	return strings.TrimPrefix(fmt.Sprintf("%T", (*T)(nil)), "*")
}

// Dispatcher delivers messages to local subscribers
type Dispatcher struct {
	subscriptions []subscription
	mu            sync.RWMutex
	logger        *slog.Logger
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{logger: slog.Default()}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// Subscribe registers handler for every message assignable to T
func Subscribe[T any](d *Dispatcher, handler func(ctx context.Context, msg T) error) {
	d.add(&messageSubscription[T]{handler: handler})
}

// SubscribeBatch registers handler for the messages assignable to T. All the
// matching messages of a batch are passed in a single call.
func SubscribeBatch[T any](d *Dispatcher, handler func(ctx context.Context, msgs []T) error) {
	d.add(&batchSubscription[T]{handler: handler})
}

func (d *Dispatcher) add(s subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscriptions = append(d.subscriptions, s)

	d.logger.Info("registered message handler", "messageType", s.typeName())
}

// Dispatch delivers messages to every matching subscriber in registration
// order and stops at the first failing handler.
func (d *Dispatcher) Dispatch(ctx context.Context, messages []any) error {
	if len(messages) == 0 {
		return nil
	}

	d.mu.RLock()
	subs := make([]subscription, len(d.subscriptions))
	copy(subs, d.subscriptions)
	d.mu.RUnlock()

	total := 0
	for _, s := range subs {
		n, err := s.deliver(ctx, messages)
		if err != nil {
			return fmt.Errorf("handler for %s failed: %w", s.typeName(), err)
		}
		total += n
	}

	if total == 0 {
		d.logger.Debug("no handlers registered for messages", "messageCount", len(messages))
	}
	return nil
}
