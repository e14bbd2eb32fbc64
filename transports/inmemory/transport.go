// Package inmemory is a process-local transport. Every endpoint is a
// partitioned log, consumer groups keep their committed position per
// partition and a rollback rewinds a consumer to that position.
package inmemory

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/messaging"
)

var (
	ErrClosed    = errors.New("inmemory: transport closed")
	ErrConnected = errors.New("inmemory: consumer already connected")
)

type record struct {
	body    []byte
	headers contracts.Headers
}

type topic struct {
	partitions [][]record
	// committed is the next sequence to read per consumer group and partition
	committed map[string][]int64
}

// Transport implements messaging.Transport in memory
type Transport struct {
	partitions int

	mu      sync.Mutex
	topics  map[string]*topic
	changed chan struct{}
	closed  bool
}

// Option configures the transport
type Option func(*Transport)

// WithPartitions sets the number of partitions per endpoint. Messages with
// the same x-message-key always land in the same partition.
func WithPartitions(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.partitions = n
		}
	}
}

// New creates an empty in-memory transport
func New(options ...Option) *Transport {
	t := &Transport{
		partitions: 1,
		topics:     make(map[string]*topic),
		changed:    make(chan struct{}),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// topic must be called with mu held
func (t *Transport) topic(name string) *topic {
	tp, ok := t.topics[name]
	if !ok {
		tp = &topic{partitions: make([][]record, t.partitions), committed: make(map[string][]int64)}
		t.topics[name] = tp
	}
	return tp
}

// broadcast must be called with mu held
func (t *Transport) broadcast() {
	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *Transport) partitionOf(headers contracts.Headers) int {
	key, ok := headers.Get(contracts.HeaderMessageKey)
	if !ok || t.partitions == 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(t.partitions))
}

func partitionName(p int) string {
	return fmt.Sprintf("p%d", p)
}

// Produce appends the message to the endpoint's log
func (t *Transport) Produce(ctx context.Context, endpoint contracts.Endpoint, rawBody []byte, headers contracts.Headers) (contracts.Offset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}
	tp := t.topic(endpoint.Name)
	p := t.partitionOf(headers)
	body := append([]byte(nil), rawBody...)
	tp.partitions[p] = append(tp.partitions[p], record{body: body, headers: headers.Clone()})
	t.broadcast()

	return contracts.NewSequenceOffset(partitionName(p), int64(len(tp.partitions[p])-1)), nil
}

// Len returns the number of messages ever produced to the endpoint
func (t *Transport) Len(endpoint string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	if tp, ok := t.topics[endpoint]; ok {
		for _, p := range tp.partitions {
			n += len(p)
		}
	}
	return n
}

// Messages returns the bodies produced to the endpoint, partition by partition
func (t *Transport) Messages(endpoint string) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	var bodies [][]byte
	if tp, ok := t.topics[endpoint]; ok {
		for _, p := range tp.partitions {
			for _, r := range p {
				bodies = append(bodies, r.body)
			}
		}
	}
	return bodies
}

// Lag returns how many messages of the endpoint the group has not committed yet
func (t *Transport) Lag(endpoint contracts.Endpoint) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	tp, ok := t.topics[endpoint.Name]
	if !ok {
		return 0
	}
	committed := tp.committed[endpoint.ConsumerGroupName()]
	lag := 0
	for p, records := range tp.partitions {
		lag += len(records)
		if committed != nil {
			lag -= int(committed[p])
		}
	}
	return lag
}

// QueueDepth reports Lag for health checks
func (t *Transport) QueueDepth(_ context.Context, endpoint contracts.Endpoint) (int, error) {
	return t.Lag(endpoint), nil
}

// NewConsumer creates a consumer reading endpoint as its consumer group
func (t *Transport) NewConsumer(endpoint contracts.Endpoint) (messaging.TransportConsumer, error) {
	if err := endpoint.Validate(); err != nil {
		return nil, err
	}
	return &consumer{transport: t, endpoint: endpoint}, nil
}

// Close stops every connected consumer
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.closed {
		t.closed = true
		t.broadcast()
	}
	return nil
}

var _ messaging.Transport = (*Transport)(nil)
