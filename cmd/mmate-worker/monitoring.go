package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glimte/mmate-bus/health"
)

// monitoringMux serves Prometheus metrics and the health endpoints
func monitoringMux(gatherer prometheus.Gatherer, registry *health.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/health", health.NewHandler(registry, 5*time.Second))
	mux.Handle("/ready", health.ReadinessHandler(registry))
	mux.Handle("/live", health.LivenessHandler())
	return mux
}

// serveMonitoring runs the monitoring server until ctx is done. An empty
// addr disables it.
func serveMonitoring(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) {
	if addr == "" {
		return
	}
	server := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	go func() {
		logger.Info("Monitoring server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Monitoring server failed", "error", err)
		}
	}()
}
