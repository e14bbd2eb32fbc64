package config

import (
	"errors"
	"fmt"
)

var supportedStores = map[string][]string{
	"outbox":  {StoreMemory, StoreSQL},
	"chunks":  {StoreMemory, StoreSQL, StoreRedis},
	"locks":   {StoreMemory, StoreSQL, StoreRedis},
	"inbound": {StoreMemory, StoreSQL, StoreMongo},
}

// Validate reports every problem of the configuration at once
func (c Config) Validate() error {
	var errs []error
	fail := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidConfig}, args...)...))
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		fail("logging format %q must be text or json", c.Logging.Format)
	}

	switch c.Transport.Kind {
	case TransportRabbitMQ:
		if c.Transport.RabbitMQ.URL == "" {
			fail("transport.rabbitmq.url is required")
		}
	case TransportKafka:
		if len(c.Transport.Kafka.Brokers) == 0 {
			fail("transport.kafka.brokers is required")
		}
	case TransportInMemory:
		if c.Transport.InMemory.Partitions < 0 {
			fail("transport.inmemory.partitions must not be negative")
		}
	default:
		fail("unknown transport %q", c.Transport.Kind)
	}

	used := make(map[string]bool)
	for concern, backend := range map[string]string{
		"outbox":  c.Stores.Outbox,
		"chunks":  c.Stores.Chunks,
		"locks":   c.Stores.Locks,
		"inbound": c.Stores.Inbound,
	} {
		if !contains(supportedStores[concern], backend) {
			fail("stores.%s: backend %q not supported, use one of %v", concern, backend, supportedStores[concern])
			continue
		}
		used[backend] = true
	}
	if used[StoreSQL] && (c.Stores.SQL.Driver == "" || c.Stores.SQL.DSN == "") {
		fail("stores.sql.driver and stores.sql.dsn are required")
	}
	if used[StoreRedis] && c.Stores.Redis.Addr == "" {
		fail("stores.redis.addr is required")
	}
	if used[StoreMongo] && c.Stores.Mongo.URI == "" {
		fail("stores.mongo.uri is required")
	}

	names := make(map[string]bool)
	for i, e := range c.Endpoints {
		if err := e.Endpoint.Validate(); err != nil {
			fail("endpoints[%d]: %v", i, err)
			continue
		}
		if names[e.Name] {
			fail("endpoints[%d]: duplicate endpoint %q", i, e.Name)
		}
		names[e.Name] = true
	}
	for _, e := range c.Endpoints {
		if err := e.validate(); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Outbox.BatchSize < 0 {
		fail("outbox.batchSize must not be negative")
	}
	if c.Outbox.Interval <= 0 {
		fail("outbox.interval must be positive")
	}
	if c.ChunkCleaner.MaxAge <= 0 || c.ChunkCleaner.Interval <= 0 {
		fail("chunkCleaner.maxAge and chunkCleaner.interval must be positive")
	}

	return errors.Join(errs...)
}

func (e EndpointConfig) validate() error {
	var errs []error
	fail := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("%w: endpoint %s: "+format, append([]interface{}{ErrInvalidConfig, e.Name}, args...)...))
	}

	if e.Batch.Size < 0 {
		fail("batch size must not be negative")
	}
	switch e.ExactlyOnce {
	case "", GuardInboundLog, GuardOffsetStore:
	default:
		fail("unknown exactlyOnce guard %q", e.ExactlyOnce)
	}

	for i, p := range e.ErrorPolicies {
		if p.MaxFailedAttempts < 0 {
			fail("errorPolicies[%d]: maxFailedAttempts must not be negative", i)
		}
		switch p.Type {
		case PolicyRetry, PolicySkip, PolicyRethrow:
		case PolicyMove:
			if p.Target == "" {
				fail("errorPolicies[%d]: move requires a target", i)
			} else if p.Target == e.Name {
				fail("errorPolicies[%d]: move target must differ from the endpoint", i)
			}
		default:
			fail("errorPolicies[%d]: unknown policy %q", i, p.Type)
		}
	}
	return errors.Join(errs...)
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
