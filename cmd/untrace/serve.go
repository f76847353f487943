package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/ongoingai/untrace/internal/analytics"
	"github.com/ongoingai/untrace/internal/api"
	"github.com/ongoingai/untrace/internal/auth"
	"github.com/ongoingai/untrace/internal/config"
	"github.com/ongoingai/untrace/internal/configstore"
	"github.com/ongoingai/untrace/internal/delivery"
	"github.com/ongoingai/untrace/internal/destination"
	"github.com/ongoingai/untrace/internal/fanout"
	"github.com/ongoingai/untrace/internal/ingest"
	"github.com/ongoingai/untrace/internal/limits"
	"github.com/ongoingai/untrace/internal/observability"
	"github.com/ongoingai/untrace/internal/realtime"
	"github.com/ongoingai/untrace/internal/storage"
	"github.com/ongoingai/untrace/internal/trace"
	"github.com/ongoingai/untrace/internal/version"
)

const (
	serverReadHeaderTimeout = 10 * time.Second
	serverReadTimeout       = 30 * time.Second
	serverIdleTimeout       = 2 * time.Minute
	otelShutdownTimeout     = 5 * time.Second
)

// application owns every long-lived component started by serve.
type application struct {
	cfg       config.Config
	logger    *slog.Logger
	telemetry *observability.Runtime
	db        *storage.DB
	hub       *realtime.Hub
	queue     *fanout.Queue
	sweeper   *fanout.Sweeper
	handler   http.Handler
}

func runServe(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	cfg, ok := loadConfigOrReport(*configPath, errOut)
	if !ok {
		return 1
	}

	logger := slog.New(observability.NewTraceLogHandler(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelInfo})))
	telemetry, err := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if err != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", err)
	}
	defer shutdownOpenTelemetry(logger, telemetry, otelShutdownTimeout)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfg, telemetry, logger)
	if err != nil {
		fmt.Fprintf(errOut, "failed to start untrace: %v\n", err)
		return 1
	}
	defer app.close()

	app.start(ctx)
	server := newServer(cfg, app.handler)

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"storage_driver", cfg.Storage.Driver,
		"config_path", *configPath,
		"realtime_enabled", cfg.Realtime.Enabled,
		"otel_enabled", telemetry.Enabled(),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
		defer cancel()
		code := 0
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown http server", "error", err)
			code = 1
		}
		app.drain()
		logger.Info("untrace stopped")
		return code
	case err := <-errCh:
		app.drain()
		if err != nil {
			logger.Error("untrace failed", "error", err)
			return 1
		}
		return 0
	}
}

// newApplication opens storage, seeds configured keys and destinations, and
// builds the fanout pipeline and HTTP handler. Nothing runs until start.
func newApplication(ctx context.Context, cfg config.Config, telemetry *observability.Runtime, logger *slog.Logger) (*application, error) {
	db, applied, err := openStorage(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("applied storage migrations", "driver", cfg.Storage.Driver, "migrations", applied)
	}

	httpClient := &http.Client{Transport: telemetry.WrapHTTPTransport(http.DefaultTransport)}
	registry := destination.DefaultRegistry(httpClient)
	configStore := configstore.NewSQLStore(db, registry)
	if err := seedConfig(ctx, configStore, cfg); err != nil {
		_ = db.Close()
		return nil, err
	}

	traceStore := trace.NewStore(db)
	attempts := delivery.NewSQLStore(db)
	hub := realtime.NewHub(realtime.HubOptions{BufferSize: cfg.Realtime.BufferSize, Logger: logger})

	var publisher ingest.Publisher
	var realtimeHandler http.Handler
	if cfg.Realtime.Enabled {
		publisher = hub
		realtimeHandler = realtime.NewHandler(hub, realtime.HandlerOptions{
			PingInterval: cfg.Realtime.PingInterval(),
			Logger:       logger,
		})
	}

	dispatcher := fanout.NewDispatcher(configStore, registry, attempts, traceStore, fanout.Options{
		Config:    fanoutConfig(cfg.Fanout),
		Publisher: publisher,
		Metrics:   telemetry,
		Logger:    logger,
	})
	queue := fanout.NewQueue(dispatcher, fanout.QueueOptions{
		Capacity: cfg.Fanout.QueueCapacity,
		Workers:  cfg.Fanout.Workers,
		Drops:    telemetry,
		Logger:   logger,
	})
	telemetry.RegisterQueueDepth(func() int64 { return int64(queue.Diagnostics().QueueDepth) })
	sweeper := fanout.NewSweeper(traceStore, queue, fanout.SweeperOptions{
		Interval:  cfg.Fanout.SweepInterval(),
		Grace:     cfg.Fanout.SweepGrace(),
		BatchSize: cfg.Fanout.SweepBatchSize,
		Logger:    logger,
	})

	ingestService := ingest.NewService(traceStore, ingest.Options{
		MaxPayloadBytes: cfg.Ingest.MaxPayloadBytes,
		Publisher:       publisher,
		Queue:           queue,
		Metrics:         telemetry,
		Logger:          logger,
	})

	routerOptions := api.RouterOptions{
		AppVersion:    version.String(),
		StorageDriver: cfg.Storage.Driver,
		Authenticator: auth.NewAuthenticator(configStore, configStore, logger),
		AuthHeader:    cfg.Auth.Header,
		Ingest:        ingestService,
		Traces:        traceStore,
		Attempts:      attempts,
		Analytics:     analytics.NewService(traceStore),
		Destinations:  configStore,
		Stats:         delivery.NewStatsService(attempts, configStore),
		Publisher:     publisher,
		Realtime:      realtimeHandler,
		Fanout:        queue,
		Health:        db,
		Telemetry:     telemetry,
		Logger:        logger,
	}
	if limiter := limits.NewIngestLimiter(traceStore, limitsConfig(cfg.Limits)); limiter.Enabled() {
		routerOptions.IngestLimiter = limiter.CheckRequest
	}

	handler := api.NewRouter(routerOptions)
	handler = telemetry.SpanEnrichmentMiddleware(handler)
	handler = telemetry.WrapHTTPHandler(handler)
	handler = api.AccessLogMiddleware(logger, handler)

	return &application{
		cfg:       cfg,
		logger:    logger,
		telemetry: telemetry,
		db:        db,
		hub:       hub,
		queue:     queue,
		sweeper:   sweeper,
		handler:   handler,
	}, nil
}

func (a *application) start(ctx context.Context) {
	a.queue.Start(context.WithoutCancel(ctx))
	a.sweeper.Start(ctx)
}

// drain stops the sweeper and lets queued fanouts finish within the drain
// timeout. It must run after the HTTP server stops accepting traces.
func (a *application) drain() {
	a.sweeper.Stop()

	start := time.Now()
	timeout := a.cfg.Fanout.DrainTimeout()
	drainCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.queue.Shutdown(drainCtx); err != nil {
		a.logger.Error(
			"fanout queue did not drain before shutdown; pending traces are left for the next sweep",
			"error", err,
			"timeout", timeout.String(),
			"queue_depth", a.queue.Diagnostics().QueueDepth,
		)
	} else {
		a.logger.Info("drained fanout queue before shutdown", "duration_ms", time.Since(start).Milliseconds())
	}
	a.hub.Close()
}

func (a *application) close() {
	if err := a.db.Close(); err != nil {
		a.logger.Error("failed to close storage", "error", err)
	}
}

func newServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           handler,
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}
}

// seedConfig upserts the keys and destinations declared in configuration.
func seedConfig(ctx context.Context, store *configstore.SQLStore, cfg config.Config) error {
	keys := make([]configstore.APIKey, 0, len(cfg.Auth.Keys))
	for _, key := range cfg.Auth.Keys {
		keys = append(keys, configstore.APIKey{
			ID:         key.ID,
			SecretHash: auth.HashSecret(key.Secret),
			OrgID:      key.OrgID,
			ProjectID:  key.ProjectID,
			UserID:     key.UserID,
			Name:       key.Name,
			Active:     true,
		})
	}
	if err := store.SeedAPIKeys(ctx, keys); err != nil {
		return fmt.Errorf("seed api keys: %w", err)
	}

	destinations := make([]configstore.Destination, 0, len(cfg.Destinations))
	for _, item := range cfg.Destinations {
		destinations = append(destinations, configstore.Destination{
			ID:        item.ID,
			OrgID:     item.OrgID,
			ProjectID: item.ProjectID,
			Name:      item.Name,
			Kind:      item.Kind,
			Config:    item.Config,
			Enabled:   item.IsEnabled(),
		})
	}
	if err := store.SeedDestinations(ctx, destinations); err != nil {
		return fmt.Errorf("seed destinations: %w", err)
	}
	return nil
}

func fanoutConfig(cfg config.FanoutConfig) fanout.Config {
	return fanout.Config{
		MaxAttempts:             cfg.MaxAttempts,
		InitialBackoff:          cfg.InitialBackoff(),
		BackoffMultiplier:       cfg.BackoffMultiplier,
		MaxBackoff:              cfg.MaxBackoff(),
		Jitter:                  cfg.Jitter,
		DeliveryTimeout:         cfg.DeliveryTimeout(),
		MaxConcurrentDeliveries: cfg.MaxConcurrentDeliveries,
	}
}

func limitsConfig(cfg config.LimitsConfig) limits.Config {
	return limits.Config{
		PerKey: limits.Policy{
			RequestsPerMinute: cfg.PerKey.RequestsPerMinute,
			MaxTracesPerDay:   cfg.PerKey.MaxTracesPerDay,
		},
		PerProject: limits.Policy{
			RequestsPerMinute: cfg.PerProject.RequestsPerMinute,
			MaxTracesPerDay:   cfg.PerProject.MaxTracesPerDay,
		},
	}
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
	}
}
