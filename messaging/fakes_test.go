package messaging

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/interceptors"
)

type orderPlaced struct {
	OrderID string `json:"orderId"`
}

type invoiceIssued struct {
	Number int `json:"number"`
}

type producedMessage struct {
	Endpoint contracts.Endpoint
	Body     []byte
	Headers  contracts.Headers
}

// fakeTransport records produced messages and hands out one fakeConsumer
type fakeTransport struct {
	mu       sync.Mutex
	produced []producedMessage
	failFor  map[string]error
	seq      int64
	consumer *fakeConsumer
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		failFor:  make(map[string]error),
		consumer: newFakeConsumer(),
	}
}

func (t *fakeTransport) Produce(ctx context.Context, endpoint contracts.Endpoint, body []byte, headers contracts.Headers) (contracts.Offset, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err, ok := t.failFor[headers.MessageID()]; ok {
		return nil, err
	}
	if err, ok := t.failFor[endpoint.Name]; ok {
		return nil, err
	}
	t.seq++
	t.produced = append(t.produced, producedMessage{Endpoint: endpoint, Body: body, Headers: headers.Clone()})
	return contracts.NewSequenceOffset(endpoint.Name, t.seq), nil
}

func (t *fakeTransport) NewConsumer(endpoint contracts.Endpoint) (TransportConsumer, error) {
	return t.consumer, nil
}

func (t *fakeTransport) Close() error { return nil }

func (t *fakeTransport) fail(key string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failFor[key] = err
}

func (t *fakeTransport) Produced() []producedMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]producedMessage(nil), t.produced...)
}

// fakeConsumer feeds deliveries pushed by the test and records commits
type fakeConsumer struct {
	mu           sync.Mutex
	deliveries   chan Delivery
	commits      [][]contracts.Offset
	rollbacks    [][]contracts.Offset
	disconnected bool
	committed    chan struct{}
}

func newFakeConsumer() *fakeConsumer {
	return &fakeConsumer{
		deliveries: make(chan Delivery, 64),
		committed:  make(chan struct{}, 64),
	}
}

func (c *fakeConsumer) Connect(ctx context.Context) (<-chan Delivery, error) {
	return c.deliveries, nil
}

func (c *fakeConsumer) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *fakeConsumer) Commit(ctx context.Context, offsets []contracts.Offset) error {
	c.mu.Lock()
	c.commits = append(c.commits, offsets)
	c.mu.Unlock()
	c.committed <- struct{}{}
	return nil
}

func (c *fakeConsumer) Rollback(ctx context.Context, offsets []contracts.Offset) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollbacks = append(c.rollbacks, offsets)
	return nil
}

func (c *fakeConsumer) push(partition string, seq int64, body string, headers ...string) {
	h := contracts.NewHeaders(headers...)
	if !h.Contains(contracts.HeaderMessageID) {
		h.Add(contracts.HeaderMessageID, partition+"-"+strconv.FormatInt(seq, 10))
	}
	c.deliveries <- Delivery{
		Body:    []byte(body),
		Headers: h,
		Offset:  contracts.NewSequenceOffset(partition, seq),
	}
}

func (c *fakeConsumer) Commits() [][]contracts.Offset {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]contracts.Offset(nil), c.commits...)
}

func (c *fakeConsumer) Rollbacks() [][]contracts.Offset {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]contracts.Offset(nil), c.rollbacks...)
}

func (c *fakeConsumer) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func (c *fakeConsumer) waitCommit(timeout time.Duration) bool {
	select {
	case <-c.committed:
		return true
	case <-time.After(timeout):
		return false
	}
}

// mockTransport is a testify mock of Transport
type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Produce(ctx context.Context, endpoint contracts.Endpoint, body []byte, headers contracts.Headers) (contracts.Offset, error) {
	args := m.Called(ctx, endpoint, body, headers)
	offset, _ := args.Get(0).(contracts.Offset)
	return offset, args.Error(1)
}

func (m *mockTransport) NewConsumer(endpoint contracts.Endpoint) (TransportConsumer, error) {
	args := m.Called(endpoint)
	tc, _ := args.Get(0).(TransportConsumer)
	return tc, args.Error(1)
}

func (m *mockTransport) Close() error {
	return m.Called().Error(0)
}

// rawBodyBehavior stands in for the serializer in producer tests
type rawBodyBehavior struct{}

func (rawBodyBehavior) SortIndex() int { return interceptors.ProducerSerializerIndex }

func (rawBodyBehavior) Handle(ctx context.Context, c *interceptors.ProducerContext, next interceptors.ProducerHandler) error {
	if c.Envelope.RawBody == nil {
		switch m := c.Envelope.Message.(type) {
		case *orderPlaced:
			c.Envelope.RawBody = []byte(m.OrderID)
		case *invoiceIssued:
			c.Envelope.RawBody = []byte(strconv.Itoa(m.Number))
		default:
			return errors.New("unsupported message")
		}
	}
	return next(ctx, c)
}

// eventRecorder collects lifecycle events
type eventRecorder struct {
	mu     sync.Mutex
	events []LifecycleEvent
}

func (r *eventRecorder) OnEvent(ctx context.Context, event LifecycleEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *eventRecorder) count(t EventType) int {
	n := 0
	for _, et := range r.types() {
		if et == t {
			n++
		}
	}
	return n
}
