package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eugener/heimdall/internal/app"
	"github.com/eugener/heimdall/internal/auth"
	"github.com/eugener/heimdall/internal/cache"
	"github.com/eugener/heimdall/internal/config"
	"github.com/eugener/heimdall/internal/server"
	"github.com/eugener/heimdall/internal/storage/sqlite"
	"github.com/eugener/heimdall/internal/telemetry"
	"github.com/eugener/heimdall/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting heimdall", "version", version, "addr", cfg.Server.Addr)

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	if _, err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	// Provider runtime: pools, executors and dispatch tables per provider row.
	runtime := app.NewRuntime(store, slog.Default())
	if err := runtime.Reload(ctx); err != nil {
		return err
	}
	if len(runtime.Providers()) == 0 {
		slog.Warn("no upstream providers configured; add one via /v0/management/providers")
	}

	apiKeyAuth, err := auth.NewAPIKeyAuth(store)
	if err != nil {
		return err
	}
	keys := app.NewKeyManager(store)

	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = telemetry.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	var catalog cache.Cache
	if cfg.Cache.Enabled {
		catalog, err = cache.NewMemory(cfg.Cache.MaxSize, cfg.Cache.DefaultTTL)
		if err != nil {
			return err
		}
	}

	traffic := worker.NewTrafficRecorder(store, metrics)
	janitor := worker.NewDisallowJanitor(store, runtime)
	workers := worker.NewRunner(traffic, janitor)

	handler := server.New(server.Deps{
		Auth:           apiKeyAuth,
		Runtime:        runtime,
		Store:          store,
		Keys:           keys,
		KeyInvalidator: apiKeyAuth,
		Traffic:        traffic,
		Catalog:        catalog,
		CatalogTTL:     cfg.Cache.DefaultTTL,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		ReadyCheck:     store.Ping,
	})

	srv := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     handler,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout is the ceiling for a whole streamed response.
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	workerDone := make(chan error, 1)
	go func() { workerDone <- workers.Run(workerCtx) }()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("heimdall ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		stopWorkers()
		<-workerDone
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Workers stop after the server so in-flight traffic events still flush.
	stopWorkers()
	if err := <-workerDone; err != nil {
		return err
	}

	slog.Info("heimdall stopped")
	return nil
}
