package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/store"
	"github.com/glimte/mmate-bus/store/sqlstore"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// sqliteConfig writes a configuration keeping every store in one SQLite file
func sqliteConfig(t *testing.T) (string, *sqlstore.Store) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "bus.db")

	content := fmt.Sprintf(`
logging:
  level: error
transport:
  kind: inmemory
stores:
  outbox: sql
  chunks: sql
  locks: sql
  inbound: sql
  sql:
    driver: sqlite3
    dsn: %s
endpoints:
  - name: orders
    batch:
      size: 5
`, dbPath)
	path := filepath.Join(dir, "mmate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	db, err := sqlstore.Open("sqlite3", dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := sqlstore.New(db)
	require.NoError(t, s.Connect(context.Background()))
	return path, s
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "mmate-worker dev")
}

func TestValidateCommand(t *testing.T) {
	path, _ := sqliteConfig(t)
	out, err := execute(t, "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "transport=inmemory outbox=sql")
	assert.Contains(t, out, "orders (group orders, batch 5, 0 error policies)")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("transport:\n  kind: carrier-pigeon\n"), 0o600))
	_, err = execute(t, "validate", "--config", bad)
	assert.Error(t, err)
}

func TestOutboxCommand_Once(t *testing.T) {
	ctx := context.Background()
	path, s := sqliteConfig(t)

	require.NoError(t, s.Outbox().Enqueue(ctx, store.QueuedMessage{
		Endpoint: contracts.NewEndpoint("orders"),
		RawBody:  []byte(`{"id":1}`),
		Headers:  contracts.NewHeaders(contracts.HeaderMessageID, "m-1"),
	}))

	out, err := execute(t, "outbox", "--once", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "produced 1 messages")

	stats, err := s.Outbox().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Length)
}

func TestChunkCleanerCommand_Once(t *testing.T) {
	ctx := context.Background()
	path, s := sqliteConfig(t)

	require.NoError(t, s.ChunkStore().Store(ctx, store.ChunkRecord{
		MessageID:   "m-1",
		ChunkIndex:  0,
		ChunksCount: 2,
		Content:     []byte("half"),
		ReceivedAt:  time.Now().Add(-48 * time.Hour),
	}))

	out, err := execute(t, "chunk-cleaner", "--once", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "removed 1 chunks")
}

func TestOnceCommands_SkipWhileLockIsHeld(t *testing.T) {
	ctx := context.Background()
	path, s := sqliteConfig(t)

	require.NoError(t, s.Outbox().Enqueue(ctx, store.QueuedMessage{
		Endpoint: contracts.NewEndpoint("orders"),
		RawBody:  []byte(`{"id":1}`),
		Headers:  contracts.NewHeaders(contracts.HeaderMessageID, "m-1"),
	}))
	require.NoError(t, s.ChunkStore().Store(ctx, store.ChunkRecord{
		MessageID:   "m-2",
		ChunkIndex:  0,
		ChunksCount: 2,
		Content:     []byte("half"),
		ReceivedAt:  time.Now().Add(-48 * time.Hour),
	}))

	for _, resource := range []string{"mmate:outbox", "mmate:chunk-cleaner"} {
		lock, err := s.LockManager().TryAcquire(ctx, store.LockSettings{Resource: resource, Owner: "other-worker", TTL: time.Minute})
		require.NoError(t, err)
		t.Cleanup(func() { lock.Release(context.Background()) })
	}

	out, err := execute(t, "outbox", "--once", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "lock held by another instance")
	stats, err := s.Outbox().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Length, "nothing is produced without the lock")

	out, err = execute(t, "chunk-cleaner", "--once", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "lock held by another instance")
	n, err := s.ChunkStore().CountChunks(ctx, "m-2")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "nothing is cleaned without the lock")
}

func TestInboundPurgeCommand(t *testing.T) {
	ctx := context.Background()
	path, s := sqliteConfig(t)

	log := s.InboundLog()
	require.NoError(t, log.Add(ctx, store.InboundLogEntry{MessageID: "old", EndpointName: "orders", ConsumerGroupName: "orders", ConsumedAt: time.Now().Add(-10 * 24 * time.Hour)}))
	require.NoError(t, log.Add(ctx, store.InboundLogEntry{MessageID: "new", EndpointName: "orders", ConsumerGroupName: "orders"}))

	out, err := execute(t, "inbound-purge", "--older-than", "168h", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "removed 1 entries")

	n, err := log.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInboundPurgeCommand_MemoryBackend(t *testing.T) {
	_, err := execute(t, "inbound-purge")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not support purging")
}
