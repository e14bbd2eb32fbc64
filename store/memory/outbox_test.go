package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/store"
)

func queued(body string) store.QueuedMessage {
	return store.QueuedMessage{Endpoint: contracts.NewEndpoint("orders"), RawBody: []byte(body)}
}

func TestOutbox_FIFO(t *testing.T) {
	ctx := context.Background()
	o := NewOutbox()

	for _, body := range []string{"1", "2", "3"} {
		require.NoError(t, o.Enqueue(ctx, queued(body)))
	}

	msgs, err := o.Dequeue(ctx, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "1", string(msgs[0].RawBody))
	assert.Equal(t, "2", string(msgs[1].RawBody))

	require.NoError(t, o.Acknowledge(ctx, msgs[0].ID))
	msgs, _ = o.Dequeue(ctx, 10)
	require.Len(t, msgs, 2)
	assert.Equal(t, "2", string(msgs[0].RawBody))
}

func TestOutbox_EnqueueInsideUnitOfWork(t *testing.T) {
	ctx := context.Background()
	o := NewOutbox()

	err := store.RunInUnitOfWork(ctx, func(ctx context.Context) error {
		require.NoError(t, o.Enqueue(ctx, queued("kept")))
		msgs, _ := o.Dequeue(context.Background(), 10)
		assert.Empty(t, msgs, "pending rows must not be dequeued")
		return nil
	})
	require.NoError(t, err)

	err = store.RunInUnitOfWork(ctx, func(ctx context.Context) error {
		require.NoError(t, o.Enqueue(ctx, queued("dropped")))
		return errors.New("handler failed")
	})
	require.Error(t, err)

	msgs, _ := o.Dequeue(ctx, 10)
	require.Len(t, msgs, 1)
	assert.Equal(t, "kept", string(msgs[0].RawBody))
}

func TestOutbox_RetryAndStats(t *testing.T) {
	ctx := context.Background()
	o := NewOutbox()
	first := queued("1")
	first.EnqueuedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, o.Enqueue(ctx, first))
	require.NoError(t, o.Enqueue(ctx, queued("2")))

	msgs, _ := o.Dequeue(ctx, 1)
	require.NoError(t, o.Retry(ctx, msgs[0].ID, errors.New("broker down")))

	msgs, _ = o.Dequeue(ctx, 1)
	assert.Equal(t, 1, msgs[0].Attempts)
	assert.Equal(t, "broker down", msgs[0].LastError)

	assert.ErrorIs(t, o.Retry(ctx, "missing", nil), store.ErrNotFound)

	stats, err := o.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Length)
	assert.Equal(t, first.EnqueuedAt, stats.Oldest)
}
