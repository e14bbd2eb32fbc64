package inmemory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/messaging"
)

type consumer struct {
	transport *Transport
	endpoint  contracts.Endpoint

	mu     sync.Mutex
	cursor []int64
	done   chan struct{}
	wg     sync.WaitGroup
}

// committed must be called with the transport lock held
func (c *consumer) committed(tp *topic) []int64 {
	group := c.endpoint.ConsumerGroupName()
	positions, ok := tp.committed[group]
	if !ok {
		positions = make([]int64, len(tp.partitions))
		tp.committed[group] = positions
	}
	return positions
}

func (c *consumer) Connect(ctx context.Context) (<-chan messaging.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t := c.transport
	t.mu.Lock()
	defer t.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done != nil {
		return nil, ErrConnected
	}
	if t.closed {
		return nil, ErrClosed
	}
	c.cursor = append([]int64(nil), c.committed(t.topic(c.endpoint.Name))...)

	out := make(chan messaging.Delivery)
	c.done = make(chan struct{})
	c.wg.Add(1)
	go c.poll(out, c.done)
	return out, nil
}

func (c *consumer) poll(out chan<- messaging.Delivery, done <-chan struct{}) {
	defer c.wg.Done()
	defer close(out)

	for {
		delivery, ok, changed, closed := c.next()
		if closed {
			return
		}
		if !ok {
			select {
			case <-changed:
				continue
			case <-done:
				return
			}
		}
		select {
		case out <- delivery:
		case <-done:
			return
		}
	}
}

// next takes the first unread record across partitions
func (c *consumer) next() (messaging.Delivery, bool, <-chan struct{}, bool) {
	t := c.transport
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return messaging.Delivery{}, false, nil, true
	}
	tp := t.topic(c.endpoint.Name)

	c.mu.Lock()
	defer c.mu.Unlock()

	for p, records := range tp.partitions {
		seq := c.cursor[p]
		if seq >= int64(len(records)) {
			continue
		}
		c.cursor[p]++
		r := records[seq]
		return messaging.Delivery{
			Body:    r.body,
			Headers: r.headers.Clone(),
			Offset:  contracts.NewSequenceOffset(partitionName(p), seq),
		}, true, nil, false
	}
	return messaging.Delivery{}, false, t.changed, false
}

func (c *consumer) Disconnect(context.Context) error {
	c.mu.Lock()
	done := c.done
	c.done = nil
	c.mu.Unlock()

	if done != nil {
		close(done)
		c.wg.Wait()
	}
	return nil
}

func (c *consumer) Commit(_ context.Context, offsets []contracts.Offset) error {
	t := c.transport
	t.mu.Lock()
	defer t.mu.Unlock()

	committed := c.committed(t.topic(c.endpoint.Name))
	for _, offset := range offsets {
		p, seq, err := position(offset, len(committed))
		if err != nil {
			return err
		}
		if seq+1 > committed[p] {
			committed[p] = seq + 1
		}
	}
	return nil
}

// Rollback rewinds the partitions of offsets to their committed position so
// the uncommitted deliveries are read again
func (c *consumer) Rollback(_ context.Context, offsets []contracts.Offset) error {
	t := c.transport
	t.mu.Lock()
	defer t.mu.Unlock()

	committed := c.committed(t.topic(c.endpoint.Name))

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, offset := range offsets {
		p, _, err := position(offset, len(committed))
		if err != nil {
			return err
		}
		if c.cursor != nil {
			c.cursor[p] = committed[p]
		}
	}
	t.broadcast()
	return nil
}

func position(offset contracts.Offset, partitions int) (int, int64, error) {
	if offset == nil {
		return 0, 0, fmt.Errorf("%w: nil offset", contracts.ErrOffsetMismatch)
	}
	index, ok := strings.CutPrefix(offset.Key(), "p")
	p, err := strconv.Atoi(index)
	if !ok || err != nil || p < 0 || p >= partitions {
		return 0, 0, fmt.Errorf("%w: unknown partition %q", contracts.ErrOffsetMismatch, offset.Key())
	}
	seq, err := strconv.ParseInt(offset.Value(), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", contracts.ErrOffsetMismatch, err)
	}
	return p, seq, nil
}
