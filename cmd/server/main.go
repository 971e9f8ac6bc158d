/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the season ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, YAML, .env, environment, flags)
  2. Build the zap logger
  3. Open the store (sqlite, postgres or memory)
  4. Pick the debt source (invoice service or static seed)
  5. Create closer, tracker and API handler
  6. Start the optional audit scheduler
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config          YAML config file
  -port            HTTP server port (default: 8080)
  -driver          sqlite | postgres | memory (default: sqlite)
  -db              SQLite path or PostgreSQL DSN (default: ledger.db)
  -log-level       debug | info | warn | error
  -threshold       reward threshold in VND (default: 60000000)
  -debt-url        invoice service base URL
  -debt-seed       YAML debt seed, used when -debt-url is empty
  -audit-interval  balance audit interval, 0 disables

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the audit scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (server.shutdown_timeout)
  4. Close database connection

EXAMPLES:
  # Local run against a seed file
  ./server -debt-seed=./seed.yaml

  # PostgreSQL with hourly audit
  DATABASE_DRIVER=postgres DATABASE_URL=postgres://... ./server -audit-interval=1h

SEE ALSO:
  - config/config.go: Configuration sources
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agrimart/season-ledger/api"
	"github.com/agrimart/season-ledger/config"
	"github.com/agrimart/season-ledger/debt"
	"github.com/agrimart/season-ledger/ledger"
	"github.com/agrimart/season-ledger/ledger/store"
	"github.com/agrimart/season-ledger/logging"
	"github.com/agrimart/season-ledger/store/postgres"
	"github.com/agrimart/season-ledger/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "season-ledger: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return err
	}
	flags.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	threshold, err := cfg.Threshold()
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	// Store
	st, health, closeStore, err := openStore(cfg.Database)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer closeStore()
	log.Info("store ready", zap.String("driver", cfg.Database.Driver))

	// Debt source and names
	debts, dir, err := openDebtSource(cfg.Debt)
	if err != nil {
		return fmt.Errorf("initializing debt source: %w", err)
	}

	closer, err := ledger.NewCloser(st, debts, threshold)
	if err != nil {
		return err
	}
	closer.Directory = dir
	closer.MaxAttempts = cfg.Ledger.MaxCloseAttempts
	closer.Logger = log.Named("closer")

	tracker := ledger.NewTracker(st, dir, threshold)

	handler := api.NewHandler(closer, tracker, st, log.Named("api"))
	handler.Health = health
	handler.Auditor = api.NewAuditor(tracker, log.Named("audit"))

	if cfg.Audit.Interval > 0 {
		sched, err := api.NewAuditScheduler(handler.Auditor, cfg.Audit.Interval)
		if err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()
	}

	router := api.NewRouter(handler, api.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         log.Named("http"),
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.Int("port", cfg.Server.Port),
			zap.Stringer("threshold", threshold))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

func openStore(cfg config.DatabaseConfig) (ledger.Store, func(context.Context) error, func() error, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		st, err := sqlite.New(cfg.URL)
		if err != nil {
			return nil, nil, nil, err
		}
		return st, st.DB().PingContext, st.Close, nil
	case config.DriverPostgres:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		st, err := postgres.New(ctx, cfg.URL)
		if err != nil {
			return nil, nil, nil, err
		}
		return st, st.DB().PingContext, st.Close, nil
	default:
		return store.NewMemory(), nil, func() error { return nil }, nil
	}
}

func openDebtSource(cfg config.DebtConfig) (ledger.DebtSource, ledger.Directory, error) {
	if cfg.ServiceURL != "" {
		c := debt.NewClient(cfg.ServiceURL, cfg.Timeout)
		return c, c, nil
	}
	if cfg.SeedFile != "" {
		s, err := debt.LoadStatic(cfg.SeedFile)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	}
	s := debt.NewStatic()
	return s, s, nil
}
