package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	app "github.com/pickwise/credit_layer/internal/app"
	"github.com/pickwise/credit_layer/internal/app/httpapi"
	"github.com/pickwise/credit_layer/internal/app/metrics"
	"github.com/pickwise/credit_layer/internal/app/storage"
	"github.com/pickwise/credit_layer/internal/app/storage/postgres"
	"github.com/pickwise/credit_layer/internal/config"
	"github.com/pickwise/credit_layer/internal/middleware"
	"github.com/pickwise/credit_layer/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "credit-layer: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}).WithField("component", "server")

	ledger, db, err := buildLedger(cfg, log)
	if err != nil {
		return fmt.Errorf("configure store: %w", err)
	}
	if db != nil {
		defer db.Close()
	}

	application := app.New(app.Stores{Ledger: ledger}, cfg, log)

	auth := middleware.NewAuth([]byte(cfg.Auth.JWTSecret), log, []string{
		"/reward/start", "/reward/complete", "/healthz", "/metrics",
	})
	limiter := middleware.NewRateLimiter(cfg.Server.RateLimitPerSec, cfg.Server.RateLimitBurst, log)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", httpapi.NewHandler(application, []byte(cfg.Auth.CookieSecret)))

	var handler http.Handler = mux
	handler = limiter.Handler(handler)
	handler = auth.Handler(handler)
	handler = middleware.CORS(cfg.Server.AllowedOrigins)(handler)
	handler = metrics.InstrumentHandler(handler)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildLedger selects the storage backend: Postgres when a DSN is
// configured, otherwise the in-memory store.
func buildLedger(cfg *config.Config, log *logger.Logger) (storage.Ledger, *sql.DB, error) {
	if cfg.Database.DSN == "" {
		log.Warn("DATABASE_DSN not set; using in-memory store")
		return nil, nil, nil
	}

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	store := postgres.New(db)
	if err := store.EnsureSchema(context.Background()); err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, db, nil
}
