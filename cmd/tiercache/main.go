// Spins up the tiercache server, compatible w/ the Redis protocol.

package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nobletooth/tiercache/pkg/cache"
	"github.com/nobletooth/tiercache/pkg/config"
	"github.com/nobletooth/tiercache/pkg/maintenance"
	"github.com/nobletooth/tiercache/pkg/port"
	"github.com/nobletooth/tiercache/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	printVersion   = flag.Bool("print_version", false, "Print the version and exit.")
	metricsAddress = flag.String("metrics_address", ":9090", "The ip:port serving Prometheus metrics; empty disables it.")
)

func main() {
	config.InitFlags()
	logCloser := utils.InitLogging()

	if *printVersion {
		slog.Info("Tiercache build info.", utils.BuildAttrs()...)
		_ = logCloser.Close()
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx)
	cancel()
	if err != nil {
		slog.Error("Tiercache server stopped.", "error", err)
	}
	_ = logCloser.Close()
	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	tiered, err := newTieredCache(slog.Default())
	if err != nil {
		return err
	}
	scheduler, err := maintenance.NewScheduler(tiered, maintenanceConfigFromFlags(), slog.Default())
	if err != nil {
		return errors.Join(err, tiered.Close())
	}
	backend, err := port.NewBackend(tiered, scheduler)
	if err != nil {
		return errors.Join(err, tiered.Close())
	}
	if err := scheduler.Start(ctx); err != nil {
		return errors.Join(err, backend.Close())
	}

	prometheus.MustRegister(cache.NewStatsCollector(tiered.Stats))
	if *metricsAddress != "" {
		go serveMetrics(ctx, *metricsAddress)
	}
	if path := config.FilePath(); path != "" {
		watchConfig(ctx, path, scheduler)
	}
	slog.Info("Starting tiercache.", append(utils.BuildAttrs(), "memoryCapacity", *memoryCapacity,
		"diskDir", *diskDir, "writeStrategy", tiered.Strategy().String())...)
	if err := port.RunRedisServer(ctx, backend); err != nil {
		return errors.Join(err, backend.Close())
	}
	return nil
}

// serveMetrics exposes the default Prometheus registry until ctx is cancelled.
func serveMetrics(ctx context.Context, address string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Metrics server stopped.", "address", address, "error", err)
	}
}

// watchConfig pushes maintenance settings from the config file to the scheduler whenever the file changes.
func watchConfig(ctx context.Context, path string, scheduler *maintenance.Scheduler) {
	watcher, err := config.NewWatcher(path, func(values map[string]string) {
		if err := reloadMaintenance(values, scheduler); err != nil {
			slog.Error("Failed to apply reloaded maintenance config.", "error", err)
		}
	})
	if err != nil {
		slog.Warn("Config hot reload is disabled.", "path", path, "error", err)
		return
	}
	go func() { _ = watcher.Run(ctx) }()
}
