package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-bus/contracts"
)

// EventType identifies a lifecycle transition
type EventType string

const (
	EventAttemptStarted   EventType = "attempt_started"
	EventAttemptFailed    EventType = "attempt_failed"
	EventRetryScheduled   EventType = "retry_scheduled"
	EventSkipped          EventType = "skipped"
	EventCommitted        EventType = "committed"
	EventRolledBack       EventType = "rolled_back"
	EventConsumerStopped  EventType = "consumer_stopped"
	EventDuplicateSkipped EventType = "duplicate_skipped"
	EventProduced         EventType = "produced"
	EventProduceFailed    EventType = "produce_failed"
	EventOutboxEnqueued   EventType = "outbox_enqueued"
	EventOutboxDispatched EventType = "outbox_dispatched"
)

// LifecycleEvent describes a processing transition
type LifecycleEvent struct {
	Type           EventType
	Endpoint       string
	ConsumerGroup  string
	BatchID        string
	MessageIDs     []string
	Count          int
	FailedAttempts int
	Duration       time.Duration
	Err            error
	Timestamp      time.Time
}

// EventListener observes lifecycle events. Listeners cannot influence
// processing.
type EventListener interface {
	OnEvent(ctx context.Context, event LifecycleEvent)
}

// EventListenerFunc is a function adapter for EventListener
type EventListenerFunc func(ctx context.Context, event LifecycleEvent)

// OnEvent implements EventListener
func (f EventListenerFunc) OnEvent(ctx context.Context, event LifecycleEvent) {
	f(ctx, event)
}

type eventEmitter struct {
	listeners []EventListener
	logger    *slog.Logger
}

func (e *eventEmitter) emit(ctx context.Context, event LifecycleEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for _, l := range e.listeners {
		e.notify(ctx, l, event)
	}
}

func (e *eventEmitter) notify(ctx context.Context, l EventListener, event LifecycleEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event listener panicked", "eventType", event.Type, "panic", r)
		}
	}()
	l.OnEvent(ctx, event)
}

func messageIDs[E contracts.Envelope](envelopes []E) []string {
	ids := make([]string, 0, len(envelopes))
	for _, env := range envelopes {
		if id := env.GetHeaders().MessageID(); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
