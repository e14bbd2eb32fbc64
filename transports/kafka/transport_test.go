package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/messaging"
)

func newMockProducer(t *testing.T) *mocks.SyncProducer {
	cfg, err := Config{}.SaramaConfig()
	require.NoError(t, err)
	producer := mocks.NewSyncProducer(t, cfg)
	t.Cleanup(func() { producer.Close() })
	return producer
}

func TestConfig_SaramaConfig(t *testing.T) {
	cfg, err := Config{ClientID: "billing", Version: "3.6.0"}.SaramaConfig()
	require.NoError(t, err)

	assert.Equal(t, "billing", cfg.ClientID)
	assert.True(t, cfg.Producer.Return.Successes)
	assert.False(t, cfg.Consumer.Offsets.AutoCommit.Enable)
	assert.Equal(t, sarama.OffsetOldest, cfg.Consumer.Offsets.Initial)
	assert.Equal(t, sarama.V3_6_0_0, cfg.Version)

	newest, err := Config{FromNewest: true}.SaramaConfig()
	require.NoError(t, err)
	assert.Equal(t, sarama.OffsetNewest, newest.Consumer.Offsets.Initial)

	_, err = Config{Version: "not-a-version"}.SaramaConfig()
	assert.Error(t, err)
}

func TestTransport_Produce(t *testing.T) {
	producer := newMockProducer(t)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "orders" {
			return errors.New("wrong topic " + msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "customer-7" {
			return errors.New("wrong key " + string(key))
		}
		if len(msg.Headers) != 2 || string(msg.Headers[0].Key) != contracts.HeaderMessageID {
			return errors.New("headers not copied")
		}
		return nil
	})
	transport := NewTransportWith(producer, nil)

	headers := contracts.NewHeaders(contracts.HeaderMessageID, "m-1", contracts.HeaderMessageKey, "customer-7")
	offset, err := transport.Produce(context.Background(), contracts.NewEndpoint("orders"), []byte("{}"), headers)
	require.NoError(t, err)

	ko, ok := offset.(contracts.KafkaOffset)
	require.True(t, ok)
	assert.Equal(t, "orders", ko.Topic)
	assert.Equal(t, "orders[0]", ko.Key())
}

func TestTransport_ProduceFailure(t *testing.T) {
	producer := newMockProducer(t)
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	transport := NewTransportWith(producer, nil)

	_, err := transport.Produce(context.Background(), contracts.NewEndpoint("orders"), []byte("{}"), nil)
	assert.ErrorIs(t, err, sarama.ErrNotLeaderForPartition)
}

func TestHeaders_FromRecords(t *testing.T) {
	headers := fromRecordHeaders([]*sarama.RecordHeader{
		{Key: []byte(contracts.HeaderMessageID), Value: []byte("m-1")},
		nil,
		{Key: []byte("x-tag"), Value: []byte("a")},
	})
	assert.Equal(t, contracts.NewHeaders(contracts.HeaderMessageID, "m-1", "x-tag", "a"), headers)
}

// fakeGroup runs one session per Consume call over a single claim
type fakeGroup struct {
	messages chan *sarama.ConsumerMessage
	errors   chan error

	mu       sync.Mutex
	sessions []*fakeSession
	closed   bool
	joined   chan *fakeSession
}

func newFakeGroup() *fakeGroup {
	return &fakeGroup{
		messages: make(chan *sarama.ConsumerMessage, 16),
		errors:   make(chan error),
		joined:   make(chan *fakeSession, 4),
	}
}

func (g *fakeGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	session := &fakeSession{ctx: ctx, topic: topics[0]}
	g.mu.Lock()
	g.sessions = append(g.sessions, session)
	g.mu.Unlock()

	if err := handler.Setup(session); err != nil {
		return err
	}
	g.joined <- session
	err := handler.ConsumeClaim(session, &fakeClaim{topic: topics[0], messages: g.messages})
	handler.Cleanup(session)
	return err
}

func (g *fakeGroup) Errors() <-chan error { return g.errors }

func (g *fakeGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

func (g *fakeGroup) Pause(map[string][]int32)  {}
func (g *fakeGroup) Resume(map[string][]int32) {}
func (g *fakeGroup) PauseAll()                 {}
func (g *fakeGroup) ResumeAll()                {}

type fakeSession struct {
	ctx   context.Context
	topic string

	mu        sync.Mutex
	marked    map[int32]int64
	committed int
}

func (s *fakeSession) Claims() map[string][]int32 { return map[string][]int32{s.topic: {0}} }
func (s *fakeSession) MemberID() string           { return "member-1" }
func (s *fakeSession) GenerationID() int32        { return 1 }
func (s *fakeSession) Context() context.Context   { return s.ctx }

func (s *fakeSession) MarkOffset(_ string, partition int32, offset int64, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.marked == nil {
		s.marked = make(map[int32]int64)
	}
	s.marked[partition] = offset
}

func (s *fakeSession) ResetOffset(string, int32, int64, string) {}

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string) {
	s.MarkOffset(msg.Topic, msg.Partition, msg.Offset+1, metadata)
}

func (s *fakeSession) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed++
}

type fakeClaim struct {
	topic    string
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return c.topic }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func connect(t *testing.T, group *fakeGroup) (messaging.TransportConsumer, <-chan messaging.Delivery, *fakeSession) {
	t.Helper()
	var groupID string
	transport := NewTransportWith(nil, func(id string) (sarama.ConsumerGroup, error) {
		groupID = id
		return group, nil
	})
	tc, err := transport.NewConsumer(contracts.NewEndpoint("orders").WithGroup("billing"))
	require.NoError(t, err)

	deliveries, err := tc.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "orders|billing", groupID)
	return tc, deliveries, waitSession(t, group)
}

func waitSession(t *testing.T, group *fakeGroup) *fakeSession {
	t.Helper()
	select {
	case s := <-group.joined:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("group session not started")
		return nil
	}
}

func TestConsumer_DeliversAndCommits(t *testing.T) {
	group := newFakeGroup()
	tc, deliveries, session := connect(t, group)

	group.messages <- &sarama.ConsumerMessage{
		Topic: "orders", Partition: 0, Offset: 41, Value: []byte("{}"),
		Headers: []*sarama.RecordHeader{{Key: []byte(contracts.HeaderMessageID), Value: []byte("m-1")}},
	}

	d := <-deliveries
	assert.Equal(t, "m-1", d.Headers.MessageID())
	assert.Equal(t, contracts.KafkaOffset{Topic: "orders", Partition: 0, Offset: 41}, d.Offset)

	require.NoError(t, tc.Commit(context.Background(), []contracts.Offset{d.Offset}))
	session.mu.Lock()
	assert.Equal(t, int64(42), session.marked[0], "the committed position is the next offset to read")
	assert.Equal(t, 1, session.committed)
	session.mu.Unlock()

	err := tc.Commit(context.Background(), []contracts.Offset{contracts.NewSequenceOffset("p0", 1)})
	assert.ErrorIs(t, err, contracts.ErrOffsetMismatch)

	require.NoError(t, tc.Disconnect(context.Background()))
	_, open := <-deliveries
	assert.False(t, open)
	assert.True(t, group.closed)
}

func TestConsumer_RollbackRejoins(t *testing.T) {
	group := newFakeGroup()
	tc, _, first := connect(t, group)

	require.NoError(t, tc.Rollback(context.Background(), nil))
	second := waitSession(t, group)

	assert.Error(t, first.Context().Err(), "the rolled back session ends")
	assert.NotSame(t, first, second)
	assert.NoError(t, second.Context().Err())

	require.NoError(t, tc.Disconnect(context.Background()))
}

func TestConsumer_CommitWithoutSession(t *testing.T) {
	transport := NewTransportWith(nil, nil)
	tc, err := transport.NewConsumer(contracts.NewEndpoint("orders"))
	require.NoError(t, err)

	assert.ErrorIs(t, tc.Commit(context.Background(), nil), ErrNoSession)
	assert.NoError(t, tc.Disconnect(context.Background()))

	_, err = transport.NewConsumer(contracts.Endpoint{})
	assert.ErrorIs(t, err, contracts.ErrInvalidEndpoint)
}
