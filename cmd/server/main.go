/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the finance ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load config (defaults, finance.yaml, .env, FINANCE_* env), then flags
  2. Build logger and metrics registry
  3. Open the store (memory, sqlite or postgres; postgres runs migrations)
  4. Wire ledger manager, auditor, API handler, router
  5. Start audit scheduler and HTTP server with graceful shutdown

COMMAND-LINE FLAGS (override config when given):
  -port    HTTP server port
  -db      SQLite database path; ":memory:" for an in-memory database
  -store   memory | sqlite | postgres
  -env     .env file to load (default: .env)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the audit scheduler (waits for a running sweep)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the store

EXAMPLES:
  ./server -db="./data/finance.db"
  FINANCE_STORE=postgres FINANCE_POSTGRES_DSN=postgres://... ./server
  ./server -store=memory -port=3000

SEE ALSO:
  - internal/config/config.go: Settings and defaults
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/warp/finance-engine/api"
	"github.com/warp/finance-engine/internal/config"
	"github.com/warp/finance-engine/internal/logging"
	"github.com/warp/finance-engine/ledger"
	"github.com/warp/finance-engine/ledger/store"
	"github.com/warp/finance-engine/store/postgres"
	"github.com/warp/finance-engine/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 0, "HTTP server port")
	dbPath := flag.String("db", "", "SQLite database path")
	backend := flag.String("store", "", "Store backend: memory, sqlite or postgres")
	envFile := flag.String("env", ".env", "Optional .env file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "db":
			cfg.SQLitePath = *dbPath
		case "store":
			cfg.Store = *backend
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := ledger.NewMetrics(reg)

	// Initialize store
	st, ping, closeStore, err := openStore(context.Background(), cfg)
	if err != nil {
		log.WithError(err).WithField("store", cfg.Store).Fatal("failed to initialize store")
	}
	defer closeStore()
	log.WithField("store", cfg.Store).Info("store ready")

	manager := ledger.NewManager(st,
		ledger.WithLogger(log),
		ledger.WithMetrics(metrics),
		ledger.WithTimeout(cfg.OpTimeout),
		ledger.WithMaxRetries(cfg.MaxRetries),
	)
	auditor := ledger.NewAuditor(st, log, metrics)

	handler := api.NewHandler(manager, st, auditor, log)
	handler.Ping = ping

	scheduler, err := api.NewAuditScheduler(auditor, cfg.AuditSchedule, log)
	if err != nil {
		log.WithError(err).Fatal("failed to configure audit scheduler")
	}
	if err := scheduler.Start(); err != nil {
		log.WithError(err).Fatal("failed to start audit scheduler")
	}

	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: cfg.CORSOrigins,
		Gatherer:    reg,
		Logger:      log,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.WithField("port", cfg.Port).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}

	log.Info("server stopped")
}

// openStore returns the configured backend plus its health check and closer.
func openStore(ctx context.Context, cfg *config.Config) (ledger.TxStore, func(context.Context) error, func(), error) {
	switch cfg.Store {
	case config.StoreMemory:
		return store.NewTxMemory(), nil, func() {}, nil

	case config.StorePostgres:
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		pg, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		return pg, pg.Ping, pg.Close, nil

	default:
		lite, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		return lite, lite.Ping, func() {
			if err := lite.Close(); err != nil {
				logrus.WithError(err).Warn("closing sqlite store")
			}
		}, nil
	}
}
