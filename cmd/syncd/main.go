// Command syncd launches the AgriSync reconciliation daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/gamerboy74/agrisync/config"
	"github.com/gamerboy74/agrisync/internal/fanout"
	"github.com/gamerboy74/agrisync/internal/feed"
	"github.com/gamerboy74/agrisync/internal/infra/persistence/migrations"
	"github.com/gamerboy74/agrisync/internal/infra/persistence/postgres"
	"github.com/gamerboy74/agrisync/internal/observability"
	"github.com/gamerboy74/agrisync/internal/oracle"
	"github.com/gamerboy74/agrisync/internal/reconciler"
	"github.com/gamerboy74/agrisync/internal/server"
	"github.com/gamerboy74/agrisync/internal/telemetry"
)

const (
	defaultConfigPath         = "config/agrisync.yaml"
	syncdLoggerPrefix         = "syncd "
	orderPoolName             = "orders"
	shutdownTimeout           = 30 * time.Second
	apiServerShutdownTimeout  = 5 * time.Second
	lifecycleShutdownTimeout  = 10 * time.Second
	reconcilerShutdownTimeout = 5 * time.Second
	fanoutShutdownTimeout     = 2 * time.Second
	telemetryShutdownTimeout  = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newSyncdLogger()
	observability.SetLogger(observability.NewStdLogger(logger))

	configPath := resolveConfigPath(cfgPathFlag)

	cfg, loadedFromFile, err := config.LoadOrDefault(configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, oracle=%s", cfg.Environment, cfg.Oracle.Endpoint)

	if cfg.Database.DSN == "" {
		logger.Fatalf("database DSN required (set AGRISYNC_DB_DSN or database.dsn)")
	}

	telemetryProvider, err := initTelemetry(ctx, logger, cfg.Environment, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	if err := migrations.Apply(ctx, cfg.Database.DSN, cfg.Database.MigrationsPath, logger); err != nil {
		logger.Fatalf("apply migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Fatalf("connect database: %v", err)
	}
	store := postgres.New(pool)
	postgres.ObservePoolMetrics(pool, orderPoolName)

	bus := fanout.NewBus(fanout.Config{
		BufferSize: cfg.Fanout.BufferSize,
		Workers:    cfg.Fanout.Workers.Resolve(),
	})

	publisher, err := feed.NewPublisher(bus, store.Outbox, store.Orders,
		feed.WithDrainInterval(cfg.Feed.DrainInterval),
		feed.WithDrainBatchSize(cfg.Feed.BatchSize),
		feed.WithRetryDelay(cfg.Feed.RetryDelay),
	)
	if err != nil {
		logger.Fatalf("initialise change feed: %v", err)
	}

	oracleClient, err := oracle.NewClient(cfg.Oracle.Endpoint, oracle.ClientOptions{
		RequestTimeout: cfg.Oracle.RequestTimeout,
		RatePerSecond:  cfg.Oracle.RatePerSecond,
		RateBurst:      cfg.Oracle.RateBurst,
	})
	if err != nil {
		logger.Fatalf("initialise oracle client: %v", err)
	}

	rec, err := reconciler.New(store.Orders, oracleClient, publisher, reconciler.Config{
		PollInterval:      cfg.Reconciler.PollInterval,
		Workers:           cfg.Reconciler.Workers.Resolve(),
		QueueSize:         cfg.Reconciler.QueueSize,
		BackoffInitial:    cfg.Reconciler.Backoff.InitialInterval,
		BackoffMultiplier: cfg.Reconciler.Backoff.Multiplier,
		BackoffMax:        cfg.Reconciler.Backoff.MaxInterval,
		MaxAttempts:       cfg.Reconciler.Backoff.MaxAttempts,
	})
	if err != nil {
		logger.Fatalf("initialise reconciler: %v", err)
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := rec.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("reconciler stopped: %v", err)
		}
	})

	watcher := startWatcher(ctx, logger, cfg.Oracle.WSEndpoint, rec, &lifecycle)

	apiServer := buildAPIServer(cfg.Server, store, rec, bus)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("API listening on %s", apiServer.Addr)

	logger.Print("syncd started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		watcher:    watcher,
		lifecycle:  &lifecycle,
		reconciler: rec,
		publisher:  publisher,
		bus:        bus,
		pool:       pool,
		telemetry:  telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newSyncdLogger() *log.Logger {
	return log.New(os.Stdout, syncdLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.Enabled = cfg.Enabled

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func startWatcher(ctx context.Context, logger *log.Logger, endpoint string, rec *reconciler.Reconciler, lifecycle *conc.WaitGroup) *oracle.Watcher {
	if endpoint == "" {
		logger.Print("no oracle websocket endpoint configured; relying on poll cadence only")
		return nil
	}

	errCh := make(chan error, 8)
	watcher := oracle.NewWatcher(ctx, endpoint, rec.Nudge, errCh)
	if err := watcher.Start(); err != nil {
		logger.Printf("oracle watcher start: %v", err)
		return nil
	}

	lifecycle.Go(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-errCh:
				if !ok {
					return
				}
				logger.Printf("oracle watcher: %v", err)
			}
		}
	})

	logger.Printf("oracle head watcher connected to %s", endpoint)
	return watcher
}

func buildAPIServer(cfg config.ServerConfig, store *postgres.Store, rec *reconciler.Reconciler, bus *fanout.Bus) *http.Server {
	handler := server.NewHandler(store.Orders, rec, bus)

	return &http.Server{
		Addr:                         cfg.Addr,
		Handler:                      handler,
		DisableGeneralOptionsHandler: false,
		TLSConfig:                    nil,
		ReadTimeout:                  0,
		WriteTimeout:                 0,
		IdleTimeout:                  0,
		MaxHeaderBytes:               0,
		TLSNextProto:                 nil,
		ConnState:                    nil,
		ErrorLog:                     nil,
		BaseContext:                  nil,
		ConnContext:                  nil,
		ReadHeaderTimeout:            cfg.ReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("api server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	watcher    *oracle.Watcher
	lifecycle  *conc.WaitGroup
	reconciler *reconciler.Reconciler
	publisher  *feed.Publisher
	bus        *fanout.Bus
	pool       *pgxpool.Pool
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping api server", apiServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.watcher != nil {
		cfg.watcher.Stop()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.reconciler != nil {
		shutdownStep("draining reconciliations", reconcilerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.reconciler.Shutdown(stepCtx)
		})
	}

	if cfg.publisher != nil {
		cfg.publisher.Close()
	}

	if cfg.bus != nil {
		shutdownStep("closing fan-out bus", fanoutShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.bus.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.pool != nil {
		cfg.pool.Close()
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}

	return filepath.Clean(defaultConfigPath)
}
