/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loyalty engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, .env, LOYALTY_* variables, flags)
  2. Open the store (SQLite or PostgreSQL) and run migrations
  3. Connect Redis and start the balance refresh job, if configured
  4. Build services, handler and router
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides LOYALTY_HTTP_PORT)
  -db      SQLite database path (overrides LOYALTY_SQLITE_PATH)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests (LOYALTY_SHUTDOWN_TIMEOUT)
  3. Stop the refresh job
  4. Close Redis and database connections

EXAMPLES:
  ./server -db=":memory:"
  LOYALTY_DB_DRIVER=postgres LOYALTY_DATABASE_URL=postgres://... ./server

SEE ALSO:
  - config/config.go: All settings
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	log "github.com/sirupsen/logrus"
	"github.com/warp/loyalty-engine/api"
	"github.com/warp/loyalty-engine/cache"
	"github.com/warp/loyalty-engine/config"
	"github.com/warp/loyalty-engine/jobs"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/membership"
	"github.com/warp/loyalty-engine/program"
	"github.com/warp/loyalty-engine/rewards"
	"github.com/warp/loyalty-engine/store/postgres"
	"github.com/warp/loyalty-engine/store/sqlite"
)

// backend is what both store implementations provide.
type backend interface {
	ledger.TxStore
	program.Store
	membership.Store
	AccountKeys(ctx context.Context, tenant ledger.TenantID) ([]ledger.AccountKey, error)
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	port := flag.Int("port", cfg.HTTPPort, "HTTP server port")
	dbPath := flag.String("db", cfg.SQLitePath, "SQLite database path")
	flag.Parse()
	cfg.HTTPPort = *port
	cfg.SQLitePath = *dbPath
	cfg.SetupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize database")
	}
	defer store.Close()

	programs := program.NewService(store, nil)
	members := membership.NewService(store)
	rw := rewards.NewService(store, store, store)
	handler := api.NewHandler(programs, members, rw, store)

	if cfg.CacheEnabled() {
		rdb, err := cache.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer rdb.Close()

		balances := cache.NewBalanceCache(rdb, cfg.CacheTTL)
		rw.WithNotifier(balances)
		handler.Cache = balances

		refresher := jobs.NewRefresher(rw, balances, redislock.New(rdb))
		refresher.Accounts = store
		for _, t := range cfg.RefreshTenants {
			refresher.Tenants = append(refresher.Tenants, ledger.TenantID(t))
		}
		if err := refresher.Start(ctx, cfg.RefreshSchedule); err != nil {
			log.WithError(err).Fatal("Failed to start balance refresh")
		}
		defer refresher.Stop()
		log.WithField("addr", cfg.RedisAddr).Info("balance cache enabled")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      api.NewRouter(handler, cfg.AllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithFields(log.Fields{"port": cfg.HTTPPort, "driver": cfg.DBDriver}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}
	log.Info("Server stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (backend, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		s, err := postgres.New(ctx, postgres.Options{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		if cfg.SQLitePath == ":memory:" {
			log.Warn("Using in-memory database; data is lost on exit")
		}
		return s, nil
	}
}
