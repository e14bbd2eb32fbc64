package mongo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/store"
)

// connectedStore skips Connect; only buffered paths may be exercised
func connectedStore() *Store {
	s := New(nil)
	s.connected = 1
	return s
}

func TestStore_ConnectRequiresClient(t *testing.T) {
	s := New(nil)
	assert.Error(t, s.Connect(context.Background()))

	_, err := s.InboundLog().Length(context.Background())
	assert.ErrorIs(t, err, store.ErrNotConnected)
}

func TestInboundModel(t *testing.T) {
	entry := store.InboundLogEntry{MessageID: "m1", EndpointName: "orders", ConsumerGroupName: "orders-billing"}
	m := inboundModel(entry)

	assert.Equal(t, bson.D{
		{Key: "messageId", Value: "m1"},
		{Key: "endpointName", Value: "orders"},
		{Key: "consumerGroupName", Value: "orders-billing"},
	}, m.Filter)
	assert.Equal(t, bson.M{"$setOnInsert": entry}, m.Update)
	require.NotNil(t, m.Upsert)
	assert.True(t, *m.Upsert)
}

func TestOffsetModel(t *testing.T) {
	m := offsetModel(store.OffsetStoreEntry{PartitionKey: "orders[1]", ConsumerGroupName: "billing", OffsetValue: "42"})

	assert.Equal(t, offsetFilter("orders[1]", "billing"), m.Filter)
	set := m.Update.(bson.M)["$set"].(bson.M)
	assert.Equal(t, "42", set["offsetValue"])
	require.NotNil(t, m.Upsert)
	assert.True(t, *m.Upsert)
}

func TestInboundLog_BufferedInUnitOfWork(t *testing.T) {
	ctx := context.Background()
	s := connectedStore()
	log := s.InboundLog()
	entry := store.InboundLogEntry{MessageID: "m1", EndpointName: "orders", ConsumerGroupName: "orders"}

	uow := store.NewUnitOfWork()
	uowCtx := store.WithUnitOfWork(ctx, uow)
	require.NoError(t, log.Add(uowCtx, entry))

	exists, err := log.Exists(uowCtx, entry)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, uow.Rollback(ctx))
	assert.Empty(t, s.pending)

	assert.ErrorIs(t, log.Add(ctx, store.InboundLogEntry{}), store.ErrInvalidRecord)
}

func TestOffsetStore_BufferedInUnitOfWork(t *testing.T) {
	ctx := context.Background()
	s := connectedStore()
	offsets := s.OffsetStore()

	uow := store.NewUnitOfWork()
	uowCtx := store.WithUnitOfWork(ctx, uow)
	require.NoError(t, offsets.Store(uowCtx, contracts.KafkaOffset{Topic: "orders", Partition: 1, Offset: 7}, "billing"))
	require.NoError(t, offsets.Store(uowCtx, contracts.KafkaOffset{Topic: "orders", Partition: 1, Offset: 8}, "billing"))

	got, err := offsets.GetLatestValue(uowCtx, "orders[1]", "billing")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "8", got.Value())
	assert.Len(t, s.pending[uow.ID()].offsets, 1)

	require.NoError(t, uow.Rollback(ctx))
	assert.Empty(t, s.pending)

	assert.ErrorIs(t, offsets.Store(ctx, nil, "billing"), store.ErrInvalidRecord)
}
