// Package config loads the process configuration of mmate workers from YAML
// with MMATE_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/glimte/mmate-bus/contracts"
)

// ErrInvalidConfig is wrapped by every validation error
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Transport kinds
const (
	TransportRabbitMQ = "rabbitmq"
	TransportKafka    = "kafka"
	TransportInMemory = "inmemory"
)

// Store backends
const (
	StoreMemory = "memory"
	StoreSQL    = "sql"
	StoreRedis  = "redis"
	StoreMongo  = "mongo"
)

// Exactly-once guards
const (
	GuardInboundLog  = "inbound-log"
	GuardOffsetStore = "offset-store"
)

// Error policy types
const (
	PolicyRetry   = "retry"
	PolicySkip    = "skip"
	PolicyRethrow = "rethrow"
	PolicyMove    = "move"
)

// Config is the root of the worker configuration
type Config struct {
	Service      string             `yaml:"service"`
	Logging      LoggingConfig      `yaml:"logging"`
	Transport    TransportConfig    `yaml:"transport"`
	Stores       StoresConfig       `yaml:"stores"`
	Endpoints    []EndpointConfig   `yaml:"endpoints"`
	Outbox       OutboxConfig       `yaml:"outbox"`
	ChunkCleaner ChunkCleanerConfig `yaml:"chunkCleaner"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
}

// LoggingConfig selects the slog handler
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TransportConfig selects and configures the broker
type TransportConfig struct {
	Kind     string         `yaml:"kind"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	InMemory InMemoryConfig `yaml:"inmemory"`
}

// RabbitMQConfig configures the AMQP transport
type RabbitMQConfig struct {
	URL            string        `yaml:"url"`
	FIFO           bool          `yaml:"fifo"`
	ChannelPool    int           `yaml:"channelPool"`
	ReconnectDelay time.Duration `yaml:"reconnectDelay"`
}

// KafkaConfig configures the Kafka transport
type KafkaConfig struct {
	Brokers    []string `yaml:"brokers"`
	ClientID   string   `yaml:"clientId"`
	Version    string   `yaml:"version"`
	FromNewest bool     `yaml:"fromNewest"`
}

// InMemoryConfig configures the in-process transport
type InMemoryConfig struct {
	Partitions int `yaml:"partitions"`
}

// StoresConfig picks a backend per storage concern
type StoresConfig struct {
	Outbox  string      `yaml:"outbox"`
	Chunks  string      `yaml:"chunks"`
	Locks   string      `yaml:"locks"`
	Inbound string      `yaml:"inbound"`
	SQL     SQLConfig   `yaml:"sql"`
	Redis   RedisConfig `yaml:"redis"`
	Mongo   MongoConfig `yaml:"mongo"`
}

// SQLConfig configures store/sqlstore
type SQLConfig struct {
	Driver      string `yaml:"driver"`
	DSN         string `yaml:"dsn"`
	TablePrefix string `yaml:"tablePrefix"`
}

// RedisConfig configures store/redis
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// MongoConfig configures store/mongo
type MongoConfig struct {
	URI              string `yaml:"uri"`
	Database         string `yaml:"database"`
	CollectionPrefix string `yaml:"collectionPrefix"`
}

// EndpointConfig is an endpoint plus its consumer settings
type EndpointConfig struct {
	contracts.Endpoint `yaml:",inline"`

	Batch         BatchConfig    `yaml:"batch"`
	ErrorPolicies []PolicyConfig `yaml:"errorPolicies"`
	ExactlyOnce   string         `yaml:"exactlyOnce"`
}

// BatchConfig mirrors messaging.BatchSettings
type BatchConfig struct {
	Size        int           `yaml:"size"`
	IdleTimeout time.Duration `yaml:"idleTimeout"`
}

// PolicyConfig describes one error policy of a chain
type PolicyConfig struct {
	Type              string        `yaml:"type"`
	MaxFailedAttempts int           `yaml:"maxFailedAttempts"`
	InitialDelay      time.Duration `yaml:"initialDelay"`
	DelayIncrement    time.Duration `yaml:"delayIncrement"`
	Target            string        `yaml:"target"`
}

// OutboxConfig configures the outbox worker
type OutboxConfig struct {
	BatchSize int           `yaml:"batchSize"`
	Interval  time.Duration `yaml:"interval"`
	LockTTL   time.Duration `yaml:"lockTTL"`
}

// ChunkCleanerConfig configures the recurring chunk cleanup
type ChunkCleanerConfig struct {
	MaxAge   time.Duration `yaml:"maxAge"`
	Interval time.Duration `yaml:"interval"`
	LockTTL  time.Duration `yaml:"lockTTL"`
}

// MonitoringConfig configures the metrics and health HTTP listener
type MonitoringConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a configuration running everything in process
func Default() Config {
	return Config{
		Service:   "mmate-worker",
		Logging:   LoggingConfig{Level: "info", Format: "text"},
		Transport: TransportConfig{Kind: TransportInMemory, InMemory: InMemoryConfig{Partitions: 1}},
		Stores: StoresConfig{
			Outbox:  StoreMemory,
			Chunks:  StoreMemory,
			Locks:   StoreMemory,
			Inbound: StoreMemory,
		},
		Outbox:       OutboxConfig{BatchSize: 100, Interval: time.Second, LockTTL: 30 * time.Second},
		ChunkCleaner: ChunkCleanerConfig{MaxAge: 24 * time.Hour, Interval: 10 * time.Minute, LockTTL: 30 * time.Second},
	}
}

// Load reads path over the defaults, applies the environment and validates
// the result. An empty path loads the defaults only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := Decode(data, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode strictly decodes YAML into cfg, rejecting unknown fields
func Decode(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// LookupFunc reads an environment variable
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides settings from MMATE_* variables
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("MMATE_SERVICE", &c.Service)
	str("MMATE_LOG_LEVEL", &c.Logging.Level)
	str("MMATE_LOG_FORMAT", &c.Logging.Format)
	str("MMATE_TRANSPORT", &c.Transport.Kind)
	str("MMATE_RABBITMQ_URL", &c.Transport.RabbitMQ.URL)
	str("MMATE_KAFKA_CLIENT_ID", &c.Transport.Kafka.ClientID)
	str("MMATE_SQL_DRIVER", &c.Stores.SQL.Driver)
	str("MMATE_SQL_DSN", &c.Stores.SQL.DSN)
	str("MMATE_REDIS_ADDR", &c.Stores.Redis.Addr)
	str("MMATE_REDIS_PASSWORD", &c.Stores.Redis.Password)
	str("MMATE_MONGO_URI", &c.Stores.Mongo.URI)
	str("MMATE_MONITORING_ADDR", &c.Monitoring.Addr)

	if v, ok := lookup("MMATE_KAFKA_BROKERS"); ok && v != "" {
		c.Transport.Kafka.Brokers = splitList(v)
	}
	if v, ok := lookup("MMATE_REDIS_DB"); ok && v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: MMATE_REDIS_DB: %v", ErrInvalidConfig, err)
		}
		c.Stores.Redis.DB = db
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Endpoint returns the endpoint configuration named name
func (c Config) Endpoint(name string) (EndpointConfig, bool) {
	for _, e := range c.Endpoints {
		if e.Name == name {
			return e, true
		}
	}
	return EndpointConfig{}, false
}

// SlogLevel parses Logging.Level
func (c LoggingConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}
