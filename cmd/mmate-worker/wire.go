package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/glimte/mmate-bus/config"
	"github.com/glimte/mmate-bus/internal/rabbitmq"
	"github.com/glimte/mmate-bus/messaging"
	"github.com/glimte/mmate-bus/store"
	"github.com/glimte/mmate-bus/store/memory"
	mongostore "github.com/glimte/mmate-bus/store/mongo"
	redisstore "github.com/glimte/mmate-bus/store/redis"
	"github.com/glimte/mmate-bus/store/sqlstore"
	"github.com/glimte/mmate-bus/transports/inmemory"
	"github.com/glimte/mmate-bus/transports/kafka"
	rabbittransport "github.com/glimte/mmate-bus/transports/rabbitmq"
)

// stores holds one implementation per storage concern
type stores struct {
	Outbox     store.Outbox
	Chunks     store.ChunkStore
	Locks      store.LockManager
	InboundLog store.InboundLog
	Offsets    store.OffsetStore

	closers []func(context.Context) error
}

// Close releases every backend, last opened first
func (s *stores) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i](ctx))
	}
	return errors.Join(errs...)
}

// openStores connects the backends named in cfg, each at most once
func openStores(ctx context.Context, cfg config.StoresConfig, logger *slog.Logger) (s *stores, err error) {
	s = &stores{}
	defer func() {
		if err != nil {
			_ = s.Close(context.WithoutCancel(ctx))
		}
	}()

	uses := func(backend string) bool {
		return cfg.Outbox == backend || cfg.Chunks == backend || cfg.Locks == backend || cfg.Inbound == backend
	}

	var sqlStore *sqlstore.Store
	if uses(config.StoreSQL) {
		db, err := sqlstore.Open(cfg.SQL.Driver, cfg.SQL.DSN)
		if err != nil {
			return s, err
		}
		s.closers = append(s.closers, func(context.Context) error { return db.Close() })

		sqlStore = sqlstore.New(db, sqlstore.WithTablePrefix(cfg.SQL.TablePrefix), sqlstore.WithLogger(logger))
		if err := sqlStore.Connect(ctx); err != nil {
			return s, fmt.Errorf("sql store: %w", err)
		}
		s.closers = append(s.closers, sqlStore.Close)
	}

	var redisClient goredis.UniversalClient
	if uses(config.StoreRedis) {
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s.closers = append(s.closers, func(context.Context) error { return redisClient.Close() })
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return s, fmt.Errorf("redis: %w", err)
		}
	}
	redisOpts := []redisstore.Option{redisstore.WithKeyPrefix(cfg.Redis.KeyPrefix), redisstore.WithLogger(logger)}

	var mongoStore *mongostore.Store
	if uses(config.StoreMongo) {
		client, err := mongo.Connect(mongoopts.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return s, fmt.Errorf("mongo: %w", err)
		}
		s.closers = append(s.closers, client.Disconnect)

		mongoStore = mongostore.New(client,
			mongostore.WithDatabase(cfg.Mongo.Database),
			mongostore.WithCollectionPrefix(cfg.Mongo.CollectionPrefix),
			mongostore.WithLogger(logger))
		if err := mongoStore.Connect(ctx); err != nil {
			return s, fmt.Errorf("mongo store: %w", err)
		}
		s.closers = append(s.closers, mongoStore.Close)
	}

	switch cfg.Outbox {
	case config.StoreSQL:
		s.Outbox = sqlStore.Outbox()
	default:
		s.Outbox = memory.NewOutbox()
	}

	switch cfg.Chunks {
	case config.StoreSQL:
		s.Chunks = sqlStore.ChunkStore()
	case config.StoreRedis:
		s.Chunks = redisstore.NewChunkStore(redisClient, redisOpts...)
	default:
		s.Chunks = memory.NewChunkStore()
	}

	switch cfg.Locks {
	case config.StoreSQL:
		s.Locks = sqlStore.LockManager()
	case config.StoreRedis:
		s.Locks = redisstore.NewLockManager(redisClient, redisOpts...)
	default:
		s.Locks = memory.NewLockManager()
	}

	switch cfg.Inbound {
	case config.StoreSQL:
		s.InboundLog, s.Offsets = sqlStore.InboundLog(), sqlStore.OffsetStore()
	case config.StoreMongo:
		s.InboundLog, s.Offsets = mongoStore.InboundLog(), mongoStore.OffsetStore()
	default:
		s.InboundLog, s.Offsets = memory.NewInboundLog(), memory.NewOffsetStore()
	}

	return s, nil
}

// openTransport connects the configured broker
func openTransport(ctx context.Context, cfg config.TransportConfig, logger *slog.Logger) (messaging.Transport, error) {
	switch cfg.Kind {
	case config.TransportRabbitMQ:
		opts := []rabbittransport.TransportOption{
			rabbittransport.WithLogger(logger),
			rabbittransport.WithFIFOMode(cfg.RabbitMQ.FIFO),
		}
		if cfg.RabbitMQ.ReconnectDelay > 0 {
			opts = append(opts, rabbittransport.WithConnectionOptions(rabbitmq.WithReconnectDelay(cfg.RabbitMQ.ReconnectDelay)))
		}
		if cfg.RabbitMQ.ChannelPool > 0 {
			opts = append(opts, rabbittransport.WithPoolOptions(rabbitmq.WithMaxSize(cfg.RabbitMQ.ChannelPool)))
		}
		return rabbittransport.NewTransport(ctx, cfg.RabbitMQ.URL, opts...)

	case config.TransportKafka:
		opts := []kafka.Option{kafka.WithLogger(logger)}
		if cfg.Kafka.ClientID != "" {
			opts = append(opts, kafka.WithClientID(cfg.Kafka.ClientID))
		}
		if cfg.Kafka.Version != "" {
			opts = append(opts, kafka.WithVersion(cfg.Kafka.Version))
		}
		if cfg.Kafka.FromNewest {
			opts = append(opts, kafka.WithFromNewest())
		}
		return kafka.NewTransport(cfg.Kafka.Brokers, opts...)

	case config.TransportInMemory:
		var opts []inmemory.Option
		if cfg.InMemory.Partitions > 0 {
			opts = append(opts, inmemory.WithPartitions(cfg.InMemory.Partitions))
		}
		return inmemory.New(opts...), nil
	}
	return nil, fmt.Errorf("%w: unknown transport %q", config.ErrInvalidConfig, cfg.Kind)
}
