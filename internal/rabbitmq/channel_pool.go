package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/semaphore"
)

// ChannelPool lends confirm-mode channels to publishers and topology work.
// At most maxSize channels are lent out at a time; idle ones are reused
// last in, first out.
type ChannelPool struct {
	manager     *ConnectionManager
	maxSize     int
	minSize     int
	waitTimeout time.Duration
	lent        *semaphore.Weighted

	mu     sync.Mutex
	idle   []*PooledChannel
	open   int
	closed bool
}

// PooledChannel is an AMQP channel with its confirm and return listeners
type PooledChannel struct {
	*amqp.Channel
	id       string
	confirms chan amqp.Confirmation
	returns  chan amqp.Return
}

func (ch *PooledChannel) ID() string {
	return ch.id
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize bounds the channels lent out at once
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithMinSize sets how many channels are opened by NewChannelPool
func WithMinSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.minSize = size
	}
}

// WithWaitTimeout bounds how long Get waits for a lent channel to come back
func WithWaitTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.waitTimeout = timeout
	}
}

// NewChannelPool opens the minimum number of channels up front, so it fails
// when the manager has no connection unless WithMinSize(0) is given
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, ErrInvalidConfiguration
	}

	cp := &ChannelPool{
		manager:     manager,
		maxSize:     10,
		minSize:     1,
		waitTimeout: 5 * time.Second,
	}
	for _, opt := range options {
		opt(cp)
	}
	switch {
	case cp.maxSize < 1:
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	case cp.minSize < 0 || cp.minSize > cp.maxSize:
		return nil, fmt.Errorf("%w: min size must be between 0 and max size", ErrInvalidConfiguration)
	}
	cp.lent = semaphore.NewWeighted(int64(cp.maxSize))

	for i := 0; i < cp.minSize; i++ {
		ch, err := cp.openChannel()
		if err != nil {
			cp.Close()
			return nil, err
		}
		cp.idle = append(cp.idle, ch)
	}
	return cp, nil
}

// Get lends a channel, reusing an idle one when possible. Every channel
// returned must go back through Put or Discard.
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	if cp.isClosed() {
		return nil, ErrChannelPoolClosed
	}

	waitCtx, cancel := context.WithTimeout(ctx, cp.waitTimeout)
	defer cancel()
	if err := cp.lent.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ctx.Err()}
		}
		return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ErrChannelPoolExhausted}
	}

	ch, err := cp.takeIdle()
	if err == nil && ch == nil {
		ch, err = cp.openChannel()
	}
	if err != nil {
		cp.lent.Release(1)
		return nil, err
	}
	return ch, nil
}

// takeIdle pops the most recently returned live channel, closing dead ones
// on the way
func (cp *ChannelPool) takeIdle() (*PooledChannel, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		return nil, ErrChannelPoolClosed
	}
	for len(cp.idle) > 0 {
		ch := cp.idle[len(cp.idle)-1]
		cp.idle = cp.idle[:len(cp.idle)-1]
		if !ch.IsClosed() {
			return ch, nil
		}
		cp.open--
	}
	return nil, nil
}

// Put gives a lent channel back for reuse
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}
	defer cp.lent.Release(1)

	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed || ch.IsClosed() {
		ch.Close()
		cp.open--
		return
	}
	cp.idle = append(cp.idle, ch)
}

// Discard closes a lent channel whose state can no longer be trusted, such
// as one with an outstanding confirm
func (cp *ChannelPool) Discard(ch *PooledChannel) {
	if ch == nil {
		return
	}
	defer cp.lent.Release(1)

	ch.Close()
	cp.mu.Lock()
	cp.open--
	cp.mu.Unlock()
}

// Close closes the idle channels; lent ones are closed when they come back
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	idle := cp.idle
	cp.idle = nil
	cp.open -= len(idle)
	cp.mu.Unlock()

	var errs []error
	for _, ch := range idle {
		if ch.IsClosed() {
			continue
		}
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (cp *ChannelPool) isClosed() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.closed
}

func (cp *ChannelPool) openChannel() (*PooledChannel, error) {
	id := uuid.NewString()

	conn, err := cp.manager.GetConnection()
	if err != nil {
		return nil, &ChannelError{Op: "create channel", ChannelID: id, Err: err}
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "create channel", ChannelID: id, Err: fmt.Errorf("%w: %v", ErrChannelCreationFailed, err)}
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, &ChannelError{Op: "enable confirms", ChannelID: id, Err: err}
	}

	cp.mu.Lock()
	cp.open++
	cp.mu.Unlock()

	return &PooledChannel{
		Channel:  ch,
		id:       id,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		returns:  ch.NotifyReturn(make(chan amqp.Return, 1)),
	}, nil
}

// Size returns the number of open channels, idle or lent
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.open
}

// Execute lends a channel to fn. A panicking fn leaves the channel
// discarded and is reported as an error.
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) (err error) {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cp.Discard(ch)
			err = fmt.Errorf("rabbitmq: panic on channel %s: %v", ch.id, r)
			return
		}
		cp.Put(ch)
	}()
	return fn(ch.Channel)
}
