// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mmate wires transports, pipelines, stores and consumers into a
// message bus.
package mmate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-bus/background"
	"github.com/glimte/mmate-bus/chunking"
	"github.com/glimte/mmate-bus/config"
	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/encryption"
	"github.com/glimte/mmate-bus/health"
	"github.com/glimte/mmate-bus/interceptors"
	"github.com/glimte/mmate-bus/messaging"
	"github.com/glimte/mmate-bus/reliability"
	"github.com/glimte/mmate-bus/serialization"
	"github.com/glimte/mmate-bus/store"
	"github.com/glimte/mmate-bus/store/memory"
)

// Guard selects the exactly-once guard of a consumer
type Guard string

const (
	GuardNone        Guard = ""
	GuardInboundLog  Guard = config.GuardInboundLog
	GuardOffsetStore Guard = config.GuardOffsetStore
)

// Stores holds the persistence used by the bus. Nil stores fall back to
// process-local memory stores, except Outbox: without one routed envelopes
// are produced directly.
type Stores struct {
	Outbox     store.Outbox
	Chunks     store.ChunkStore
	Locks      store.LockManager
	InboundLog store.InboundLog
	Offsets    store.OffsetStore
}

// ConsumerConfig describes one consumed endpoint
type ConsumerConfig struct {
	Endpoint    contracts.Endpoint
	Batch       messaging.BatchSettings
	ErrorPolicy reliability.ErrorHandler
	Guard       Guard
	// Behaviors run in addition to the built-in consumer behaviors
	Behaviors []interceptors.ConsumerBehavior
	// Handler defaults to dispatching to the bus subscribers
	Handler interceptors.ConsumerHandler
}

// OutboxSettings configures the outbox worker started with the bus
type OutboxSettings struct {
	BatchSize int
	Interval  time.Duration
	LockTTL   time.Duration
}

// Config is the explicit wiring of a Bus
type Config struct {
	ServiceName string
	Transport   messaging.Transport
	// Routes without a connector use the outbox when Stores.Outbox is set,
	// direct production otherwise
	Routes                       []messaging.Route
	PublishOutboundToInternalBus bool
	Stores                       Stores
	Consumers                    []ConsumerConfig
	Outbox                       OutboxSettings
}

// Bus is the main entry point: it publishes through the routing pipeline,
// consumes the configured endpoints and runs the outbox worker.
type Bus struct {
	cfg        Config
	opts       busOptions
	logger     *slog.Logger
	types      *serialization.TypeRegistry
	dispatcher *messaging.Dispatcher
	producer   *messaging.Producer
	publisher  *messaging.Publisher
	connector  messaging.Connector
	outbox     *background.RecurringService
	checks     *health.Registry

	mu            sync.Mutex
	consumers     []*messaging.Consumer
	started       bool
	consumerCheck sync.Once
}

type busOptions struct {
	logger    *slog.Logger
	listeners []messaging.EventListener
	tracing   []interceptors.TracingOption
	traced    bool
	keys      encryption.KeyRing
	breaker   *reliability.CircuitBreaker
	types     *serialization.TypeRegistry
}

// BusOption configures the bus
type BusOption func(*busOptions)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) BusOption {
	return func(o *busOptions) {
		o.logger = logger
	}
}

// WithListener registers a lifecycle event listener on producers, consumers
// and the outbox
func WithListener(listener messaging.EventListener) BusOption {
	return func(o *busOptions) {
		o.listeners = append(o.listeners, listener)
	}
}

// WithTracing adds producer and consumer spans
func WithTracing(opts ...interceptors.TracingOption) BusOption {
	return func(o *busOptions) {
		o.traced = true
		o.tracing = append(o.tracing, opts...)
	}
}

// WithKeyRing enables payload encryption for endpoints naming a key
func WithKeyRing(keys encryption.KeyRing) BusOption {
	return func(o *busOptions) {
		o.keys = keys
	}
}

// WithCircuitBreaker guards transport production
func WithCircuitBreaker(cb *reliability.CircuitBreaker) BusOption {
	return func(o *busOptions) {
		o.breaker = cb
	}
}

// WithTypeRegistry shares a type registry instead of creating one
func WithTypeRegistry(types *serialization.TypeRegistry) BusOption {
	return func(o *busOptions) {
		o.types = types
	}
}

// NewBus validates cfg and builds the pipelines
func NewBus(cfg Config, options ...BusOption) (*Bus, error) {
	if cfg.Transport == nil {
		return nil, errors.New("mmate: transport is required")
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "service"
	}

	opts := busOptions{logger: slog.Default()}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.types == nil {
		opts.types = serialization.NewTypeRegistry()
	}
	if !opts.types.IsRegistered(contracts.PingMessageType) {
		if err := serialization.Register[contracts.PingMessage](opts.types, contracts.PingMessageType); err != nil {
			return nil, err
		}
	}
	fillStores(&cfg.Stores)

	b := &Bus{
		cfg:        cfg,
		opts:       opts,
		logger:     opts.logger.With("service", cfg.ServiceName),
		types:      opts.types,
		dispatcher: messaging.NewDispatcher(messaging.WithDispatcherLogger(opts.logger)),
	}

	b.producer = messaging.NewProducer(cfg.Transport, b.producerOptions()...)
	if cfg.Stores.Outbox != nil {
		connectorOpts := []messaging.OutboxConnectorOption{messaging.WithOutboxConnectorLogger(b.logger)}
		for _, l := range opts.listeners {
			connectorOpts = append(connectorOpts, messaging.WithOutboxConnectorListener(l))
		}
		b.connector = messaging.NewOutboxConnector(b.producer, cfg.Stores.Outbox, connectorOpts...)
		b.outbox = b.newOutboxService()
	} else {
		b.connector = messaging.NewDirectConnector(b.producer)
	}

	routing := &messaging.RoutingConfig{PublishOutboundToInternalBus: cfg.PublishOutboundToInternalBus}
	for _, route := range cfg.Routes {
		if route.Connector == nil {
			route.Connector = b.connector
		}
		routing.Routes = append(routing.Routes, route)
	}
	b.publisher = messaging.NewPublisher(routing, b.dispatcher, messaging.WithPublisherLogger(b.logger))

	for _, cc := range cfg.Consumers {
		if err := b.AddConsumer(cc); err != nil {
			return nil, err
		}
	}

	b.checks = health.NewRegistry()
	b.checks.SetMetadata("service", cfg.ServiceName)
	if cfg.Stores.Outbox != nil {
		b.checks.Register(health.NewOutboxChecker(cfg.Stores.Outbox, 10000, 5*time.Minute))
	}
	if probe, ok := cfg.Transport.(health.ConnectionProbe); ok {
		b.checks.Register(health.NewConnectionChecker("transport", probe))
	}
	if opts.breaker != nil {
		b.checks.Register(health.NewCircuitBreakerChecker(opts.breaker))
	}
	if endpoints := routedEndpoints(routing); len(endpoints) > 0 {
		b.checks.Register(health.NewEndpointPingChecker(b.producer, endpoints...))
	}

	return b, nil
}

func fillStores(s *Stores) {
	if s.Chunks == nil {
		s.Chunks = memory.NewChunkStore()
	}
	if s.Locks == nil {
		s.Locks = memory.NewLockManager()
	}
	if s.InboundLog == nil {
		s.InboundLog = memory.NewInboundLog()
	}
	if s.Offsets == nil {
		s.Offsets = memory.NewOffsetStore()
	}
}

func (b *Bus) producerOptions() []messaging.ProducerOption {
	serializers := serialization.NewSerializers(b.types)
	behaviors := []interceptors.ProducerBehavior{
		interceptors.KeyInitializerBehavior{},
		interceptors.NewSerializerBehavior(serializers),
		chunking.NewSplitterBehavior(),
	}
	if b.opts.traced {
		behaviors = append(behaviors, interceptors.NewTracingProducerBehavior(b.opts.tracing...))
	}
	if b.opts.keys != nil {
		behaviors = append(behaviors, encryption.NewEncryptorBehavior(b.opts.keys))
	}

	opts := []messaging.ProducerOption{
		messaging.WithProducerLogger(b.logger),
		messaging.WithProducerBehaviors(behaviors...),
	}
	if b.opts.breaker != nil {
		opts = append(opts, messaging.WithCircuitBreaker(b.opts.breaker))
	}
	for _, l := range b.opts.listeners {
		opts = append(opts, messaging.WithProducerListener(l))
	}
	return opts
}

func (b *Bus) consumerBehaviors() []interceptors.ConsumerBehavior {
	behaviors := []interceptors.ConsumerBehavior{
		interceptors.NewLoggingBehavior(b.logger),
		chunking.NewAggregatorBehavior(b.cfg.Stores.Chunks, b.logger),
		interceptors.NewDeserializerBehavior(serialization.NewSerializers(b.types)),
	}
	if b.opts.traced {
		behaviors = append(behaviors, interceptors.NewTracingConsumerBehavior(b.opts.tracing...))
	}
	if b.opts.keys != nil {
		behaviors = append(behaviors, encryption.NewDecryptorBehavior(b.opts.keys))
	}
	return behaviors
}

func (b *Bus) newOutboxService() *background.RecurringService {
	settings := b.cfg.Outbox
	if settings.BatchSize <= 0 {
		settings.BatchSize = 100
	}
	if settings.Interval <= 0 {
		settings.Interval = time.Second
	}

	workerOpts := []messaging.OutboxWorkerOption{
		messaging.WithOutboxBatchSize(settings.BatchSize),
		messaging.WithOutboxWorkerLogger(b.logger),
	}
	for _, l := range b.opts.listeners {
		workerOpts = append(workerOpts, messaging.WithOutboxWorkerListener(l))
	}
	worker := messaging.NewOutboxWorker(b.cfg.Stores.Outbox, b.producer, workerOpts...)

	task := func(ctx context.Context) error {
		_, err := worker.Drain(ctx)
		return err
	}

	lock := store.LockSettings{Resource: "mmate:outbox:" + b.cfg.ServiceName, TTL: settings.LockTTL}
	return background.NewRecurringService("outbox-worker", settings.Interval, task,
		background.WithLockManager(b.cfg.Stores.Locks, lock),
		background.WithLogger(b.logger),
	)
}

// routedEndpoints collects the endpoints of static routers
func routedEndpoints(routing *messaging.RoutingConfig) []contracts.Endpoint {
	seen := make(map[string]bool)
	var endpoints []contracts.Endpoint
	for _, route := range routing.Routes {
		static, ok := route.Router.(messaging.StaticRouter)
		if !ok {
			continue
		}
		for _, e := range static {
			if !seen[e.Name] {
				seen[e.Name] = true
				endpoints = append(endpoints, e)
			}
		}
	}
	return endpoints
}

// AddConsumer registers a consumer. Consumers added after Start are started
// on the next Start.
func (b *Bus) AddConsumer(cc ConsumerConfig) error {
	guard, err := b.guard(cc.Guard)
	if err != nil {
		return err
	}
	handler := cc.Handler
	if handler == nil {
		handler = messaging.DispatchTo(b.dispatcher)
	}

	consumer, err := messaging.NewConsumer(b.cfg.Transport, messaging.ConsumerConfig{
		Endpoint:    cc.Endpoint,
		Batch:       cc.Batch,
		ErrorPolicy: cc.ErrorPolicy,
		ExactlyOnce: guard,
		Behaviors:   append(b.consumerBehaviors(), cc.Behaviors...),
		Handler:     handler,
		Listeners:   b.opts.listeners,
		Logger:      b.logger,
	})
	if err != nil {
		return fmt.Errorf("consumer %s: %w", cc.Endpoint.Name, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumers = append(b.consumers, consumer)
	return nil
}

// AddConfiguredConsumer registers a consumer described by a worker
// configuration entry; move policies produce through the bus
func (b *Bus) AddConfiguredConsumer(ec config.EndpointConfig) error {
	policy, err := ec.ErrorPolicy(b.producer, b.logger)
	if err != nil {
		return fmt.Errorf("consumer %s: %w", ec.Name, err)
	}
	return b.AddConsumer(ConsumerConfig{
		Endpoint:    ec.Endpoint,
		Batch:       ec.BatchSettings(),
		ErrorPolicy: policy,
		Guard:       Guard(ec.ExactlyOnce),
	})
}

func (b *Bus) guard(kind Guard) (messaging.ExactlyOnceGuard, error) {
	switch kind {
	case GuardNone:
		return nil, nil
	case GuardInboundLog:
		return messaging.NewInboundLogGuard(b.cfg.Stores.InboundLog), nil
	case GuardOffsetStore:
		return messaging.NewOffsetStoreGuard(b.cfg.Stores.Offsets), nil
	default:
		return nil, fmt.Errorf("mmate: unknown exactly-once guard %q", kind)
	}
}

// Start starts the outbox worker and every consumer
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return errors.New("mmate: bus already started")
	}
	if b.outbox != nil {
		if err := b.outbox.Start(ctx); err != nil {
			return fmt.Errorf("start outbox worker: %w", err)
		}
	}
	for i, c := range b.consumers {
		if err := c.Start(ctx); err != nil {
			b.stopLocked(ctx, b.consumers[:i])
			return fmt.Errorf("start consumer %s: %w", c.Endpoint().Name, err)
		}
	}

	b.consumerCheck.Do(func() {
		probes := make([]health.ConsumerProbe, len(b.consumers))
		for i, c := range b.consumers {
			probes[i] = c
		}
		b.checks.Register(health.NewConsumerChecker(probes...))
	})

	b.started = true
	b.logger.Info("bus started", "consumers", len(b.consumers), "routes", len(b.cfg.Routes))
	return nil
}

// Stop stops the consumers, then the outbox worker. The transport stays open
// until Close.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		return nil
	}
	b.started = false
	return b.stopLocked(ctx, b.consumers)
}

func (b *Bus) stopLocked(ctx context.Context, consumers []*messaging.Consumer) error {
	var errs []error
	for _, c := range consumers {
		if err := c.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop consumer %s: %w", c.Endpoint().Name, err))
		}
	}
	if b.outbox != nil && b.outbox.IsRunning() {
		if err := b.outbox.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop outbox worker: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close stops the bus and closes the transport
func (b *Bus) Close(ctx context.Context) error {
	err := b.Stop(ctx)
	return errors.Join(err, b.cfg.Transport.Close())
}

// Publish publishes msg through the routing pipeline
func (b *Bus) Publish(ctx context.Context, msg any) error {
	return b.publisher.Publish(ctx, msg)
}

// PublishMany publishes messages as one publish context
func (b *Bus) PublishMany(ctx context.Context, messages ...any) error {
	return b.publisher.PublishMany(ctx, messages...)
}

// PublishInTransaction publishes inside a unit of work so that messages
// routed to the outbox are stored atomically with fn's writes
func (b *Bus) PublishInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return store.RunInUnitOfWork(ctx, fn)
}

// Producer returns the producer running the full producer pipeline
func (b *Bus) Producer() *messaging.Producer {
	return b.producer
}

// Dispatcher returns the local subscriber dispatcher
func (b *Bus) Dispatcher() *messaging.Dispatcher {
	return b.dispatcher
}

// Types returns the type registry used by the serializers
func (b *Bus) Types() *serialization.TypeRegistry {
	return b.types
}

// Health returns the bus health registry
func (b *Bus) Health() *health.Registry {
	return b.checks
}

// Consumers returns the registered consumers
func (b *Bus) Consumers() []*messaging.Consumer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*messaging.Consumer(nil), b.consumers...)
}

// Register binds typeName to T in the bus type registry
func Register[T any](b *Bus, typeName string) error {
	return serialization.Register[T](b.types, typeName)
}

// Subscribe delivers every message of type T to handler. Consumed messages
// are decoded as *T.
func Subscribe[T any](b *Bus, handler func(ctx context.Context, msg T) error) {
	messaging.Subscribe(b.dispatcher, handler)
}

// SubscribeBatch delivers the messages of type T of each batch together
func SubscribeBatch[T any](b *Bus, handler func(ctx context.Context, msgs []T) error) {
	messaging.SubscribeBatch(b.dispatcher, handler)
}

// RouteTo routes messages of type T to endpoints through the bus default
// connector
func RouteTo[T any](endpoints ...contracts.Endpoint) messaging.Route {
	return messaging.ForMessage[T](messaging.NewStaticRouter(endpoints...), nil)
}
