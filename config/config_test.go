package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/reliability"
)

const sample = `
service: billing
logging:
  level: debug
  format: json
transport:
  kind: kafka
  kafka:
    brokers: [localhost:9092]
    version: 3.6.0
stores:
  outbox: sql
  chunks: redis
  locks: redis
  inbound: mongo
  sql:
    driver: postgres
    dsn: postgres://localhost/bus
  redis:
    addr: localhost:6379
  mongo:
    uri: mongodb://localhost:27017
endpoints:
  - name: orders
    groupId: billing
    chunk:
      size: 1024
    batch:
      size: 10
      idleTimeout: 250ms
    exactlyOnce: inbound-log
    errorPolicies:
      - type: retry
        maxFailedAttempts: 2
        initialDelay: 1s
        delayIncrement: 500ms
      - type: move
        target: orders-dead-letter
outbox:
  batchSize: 50
  interval: 2s
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mmate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "billing", cfg.Service)
	assert.Equal(t, TransportKafka, cfg.Transport.Kind)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Transport.Kafka.Brokers)
	assert.Equal(t, 50, cfg.Outbox.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Outbox.Interval)
	// defaults survive for unset sections
	assert.Equal(t, 24*time.Hour, cfg.ChunkCleaner.MaxAge)

	orders, ok := cfg.Endpoint("orders")
	require.True(t, ok)
	assert.Equal(t, "orders|billing", orders.ConsumerGroupName())
	assert.Equal(t, 1024, orders.Chunk.Size)
	assert.Equal(t, GuardInboundLog, orders.ExactlyOnce)
	assert.Equal(t, 10, orders.BatchSettings().Size)
	assert.Equal(t, 250*time.Millisecond, orders.BatchSettings().IdleTimeout)
	require.Len(t, orders.ErrorPolicies, 2)
	assert.Equal(t, time.Second, orders.ErrorPolicies[0].InitialDelay)

	_, ok = cfg.Endpoint("missing")
	assert.False(t, ok)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, TransportInMemory, cfg.Transport.Kind)
	assert.Equal(t, StoreMemory, cfg.Stores.Outbox)
}

func TestDecode_RejectsUnknownFields(t *testing.T) {
	cfg := Default()
	err := Decode([]byte("transport:\n  kind: inmemory\n  brokers: [a]\n"), &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "brokers")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"MMATE_TRANSPORT":     "kafka",
		"MMATE_KAFKA_BROKERS": "a:9092, b:9092,",
		"MMATE_REDIS_DB":      "3",
		"MMATE_LOG_LEVEL":     "warn",
		"MMATE_SQL_DSN":       "",
	}
	cfg := Default()
	cfg.Stores.SQL.DSN = "keep"
	require.NoError(t, cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))

	assert.Equal(t, TransportKafka, cfg.Transport.Kind)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Transport.Kafka.Brokers)
	assert.Equal(t, 3, cfg.Stores.Redis.DB)
	assert.Equal(t, "keep", cfg.Stores.SQL.DSN)
	assert.Equal(t, "WARN", cfg.Logging.SlogLevel().String())

	env["MMATE_REDIS_DB"] = "three"
	assert.ErrorIs(t, cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}), ErrInvalidConfig)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("MMATE_SERVICE", "shipping")
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "shipping", cfg.Service)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown transport", func(c *Config) { c.Transport.Kind = "nats" }, `unknown transport "nats"`},
		{"rabbitmq url", func(c *Config) { c.Transport.Kind = TransportRabbitMQ }, "transport.rabbitmq.url is required"},
		{"unsupported store", func(c *Config) { c.Stores.Outbox = StoreRedis }, `stores.outbox: backend "redis" not supported`},
		{"sql dsn", func(c *Config) { c.Stores.Locks = StoreSQL }, "stores.sql.driver and stores.sql.dsn are required"},
		{"mongo uri", func(c *Config) { c.Stores.Inbound = StoreMongo }, "stores.mongo.uri is required"},
		{"duplicate endpoint", func(c *Config) {
			c.Endpoints = []EndpointConfig{{Endpoint: contracts.NewEndpoint("a")}, {Endpoint: contracts.NewEndpoint("a")}}
		}, `duplicate endpoint "a"`},
		{"move without target", func(c *Config) {
			c.Endpoints = []EndpointConfig{{Endpoint: contracts.NewEndpoint("a"), ErrorPolicies: []PolicyConfig{{Type: PolicyMove}}}}
		}, "move requires a target"},
		{"unknown guard", func(c *Config) {
			c.Endpoints = []EndpointConfig{{Endpoint: contracts.NewEndpoint("a"), ExactlyOnce: "twice"}}
		}, `unknown exactlyOnce guard "twice"`},
		{"outbox interval", func(c *Config) { c.Outbox.Interval = 0 }, "outbox.interval must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	assert.NoError(t, Default().Validate())
}

type producerFunc func(ctx context.Context, env *contracts.OutboundEnvelope) error

func (f producerFunc) Produce(ctx context.Context, env *contracts.OutboundEnvelope) error {
	return f(ctx, env)
}

func TestEndpointConfig_ErrorPolicy(t *testing.T) {
	e := EndpointConfig{
		Endpoint: contracts.NewEndpoint("orders"),
		ErrorPolicies: []PolicyConfig{
			{Type: PolicyRetry, MaxFailedAttempts: 2},
			{Type: PolicyMove, Target: "orders-dead-letter"},
		},
	}

	_, err := e.ErrorPolicy(nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	handler, err := e.ErrorPolicy(producerFunc(func(context.Context, *contracts.OutboundEnvelope) error { return nil }), nil)
	require.NoError(t, err)
	chain, ok := handler.(*reliability.Chain)
	require.True(t, ok)
	require.Len(t, chain.Policies(), 2)
	assert.Equal(t, 2, chain.Policies()[0].MaxFailedAttempts())
	move, ok := chain.Policies()[1].(*reliability.MovePolicy)
	require.True(t, ok)
	assert.Equal(t, "orders-dead-letter", move.Target().Name)

	none, err := EndpointConfig{Endpoint: contracts.NewEndpoint("x")}.ErrorPolicy(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = EndpointConfig{Endpoint: contracts.NewEndpoint("x"), ErrorPolicies: []PolicyConfig{{Type: "explode"}}}.ErrorPolicy(nil, nil)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}
