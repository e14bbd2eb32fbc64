package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/glimte/mmate-bus/background"
	"github.com/glimte/mmate-bus/chunking"
	"github.com/glimte/mmate-bus/config"
	"github.com/glimte/mmate-bus/health"
	"github.com/glimte/mmate-bus/messaging"
	"github.com/glimte/mmate-bus/monitor"
	"github.com/glimte/mmate-bus/reliability"
	"github.com/glimte/mmate-bus/store"
)

const stopTimeout = 30 * time.Second

func newOutboxCommand(opts *rootOptions) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Produce queued outbox messages to the transport",
		Long: `Drains the transactional outbox. Only the instance holding the
distributed outbox lock produces, so several workers can run side by side.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			transport, err := openTransport(ctx, cfg.Transport, logger)
			if err != nil {
				return err
			}
			defer transport.Close()

			backends, err := openStores(ctx, cfg.Stores, logger)
			if err != nil {
				return err
			}
			defer backends.Close(context.WithoutCancel(ctx))

			metrics := prometheus.NewRegistry()
			listener := monitor.NewPrometheusListener(metrics)
			breaker := reliability.NewCircuitBreaker(reliability.WithName("outbox"))
			producer := messaging.NewProducer(transport,
				messaging.WithProducerLogger(logger),
				messaging.WithProducerListener(listener),
				messaging.WithCircuitBreaker(breaker),
			)
			worker := newOutboxWorker(cfg.Outbox, backends.Outbox, producer, listener, logger)

			produced := 0
			service := background.NewRecurringService("outbox-worker", cfg.Outbox.Interval,
				func(ctx context.Context) error {
					n, err := worker.Drain(ctx)
					produced += n
					return err
				},
				background.WithLockManager(backends.Locks, store.LockSettings{Resource: "mmate:outbox", TTL: cfg.Outbox.LockTTL}),
				background.WithLogger(logger),
			)

			if once {
				return runOnce(ctx, cmd, service, func() string {
					return fmt.Sprintf("produced %d messages", produced)
				})
			}

			checks := health.NewRegistry()
			checks.SetMetadata("service", cfg.Service)
			checks.Register(health.NewOutboxChecker(backends.Outbox, 10000, 5*time.Minute))
			checks.Register(health.NewMemoryChecker(1000, 5000), health.Optional())
			checks.Register(health.NewCircuitBreakerChecker(breaker))
			if probe, ok := transport.(health.ConnectionProbe); ok {
				checks.Register(health.NewConnectionChecker(cfg.Transport.Kind, probe))
			}
			serveMonitoring(ctx, cfg.Monitoring.Addr, monitoringMux(metrics, checks), logger)
			return runUntilDone(ctx, service, logger)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single round and exit")
	return cmd
}

func newOutboxWorker(cfg config.OutboxConfig, outbox store.Outbox, producer *messaging.Producer, listener messaging.EventListener, logger *slog.Logger) *messaging.OutboxWorker {
	opts := []messaging.OutboxWorkerOption{
		messaging.WithOutboxWorkerLogger(logger),
		messaging.WithOutboxWorkerListener(listener),
	}
	if cfg.BatchSize > 0 {
		opts = append(opts, messaging.WithOutboxBatchSize(cfg.BatchSize))
	}
	return messaging.NewOutboxWorker(outbox, producer, opts...)
}

func newChunkCleanerCommand(opts *rootOptions) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "chunk-cleaner",
		Short: "Remove chunk sets that never completed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			backends, err := openStores(ctx, cfg.Stores, logger)
			if err != nil {
				return err
			}
			defer backends.Close(context.WithoutCancel(ctx))

			cleaner := chunking.NewCleaner(backends.Chunks, cfg.ChunkCleaner.MaxAge, chunking.WithCleanerLogger(logger))
			lock := store.LockSettings{Resource: "mmate:chunk-cleaner", TTL: cfg.ChunkCleaner.LockTTL}

			if once {
				removed := 0
				service := background.NewRecurringService("chunk-cleaner", cfg.ChunkCleaner.Interval,
					func(ctx context.Context) error {
						n, err := cleaner.Clean(ctx)
						removed += n
						return err
					},
					background.WithLockManager(backends.Locks, lock),
					background.WithLogger(logger),
				)
				return runOnce(ctx, cmd, service, func() string {
					return fmt.Sprintf("removed %d chunks", removed)
				})
			}

			service := background.NewRecurringService("chunk-cleaner", cfg.ChunkCleaner.Interval, cleaner.Run,
				background.WithLockManager(backends.Locks, lock),
				background.WithLogger(logger),
			)
			return runUntilDone(ctx, service, logger)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single cleanup and exit")
	return cmd
}

type purger interface {
	Purge(ctx context.Context, threshold time.Time) (int, error)
}

func newInboundPurgeCommand(opts *rootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "inbound-purge",
		Short: "Delete inbound log entries older than a retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			backends, err := openStores(ctx, cfg.Stores, logger)
			if err != nil {
				return err
			}
			defer backends.Close(context.WithoutCancel(ctx))

			p, ok := backends.InboundLog.(purger)
			if !ok {
				return fmt.Errorf("inbound log backend %q does not support purging", cfg.Stores.Inbound)
			}
			removed, err := p.Purge(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			logger.Info("Purged inbound log", "count", removed, "olderThan", olderThan)
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", removed)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "retention period")
	return cmd
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration is valid: transport=%s outbox=%s chunks=%s locks=%s inbound=%s\n",
				cfg.Transport.Kind, cfg.Stores.Outbox, cfg.Stores.Chunks, cfg.Stores.Locks, cfg.Stores.Inbound)
			for _, e := range cfg.Endpoints {
				fmt.Fprintf(out, "  %s (group %s, batch %d, %d error policies)\n",
					e.Name, e.ConsumerGroupName(), e.Batch.Size, len(e.ErrorPolicies))
			}
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mmate-worker %s\ncommit: %s\nbuilt: %s\n", version, gitCommit, buildTime)
		},
	}
}

// runOnce runs a single round of service under its lock and prints the
// outcome reported by summary
func runOnce(ctx context.Context, cmd *cobra.Command, service *background.RecurringService, summary func() string) error {
	ran, err := service.RunOnce(ctx)
	if !ran {
		if err == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "lock held by another instance, nothing done")
		}
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), summary())
	return err
}

// runUntilDone starts service and stops it once ctx is done
func runUntilDone(ctx context.Context, service *background.RecurringService, logger *slog.Logger) error {
	if err := service.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	logger.Info("Shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return service.Stop(stopCtx)
}
