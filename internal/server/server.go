// Package server holds the bootstrap shared by the service binaries.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"libraqueue/internal/circulation"
	"libraqueue/internal/clients"
	"libraqueue/internal/config"
	"libraqueue/internal/middleware"
	"libraqueue/internal/storage"
	"libraqueue/pkg/eventstore"
)

// NewRouter returns a chi router with request ids, panic recovery, request
// logging, per-client rate limiting and a /health endpoint.
func NewRouter(cfg *config.Config, logger *zap.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst).Handler)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	return r
}

// OpenDatabase connects to PostgreSQL and applies the pool settings.
func OpenDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := storage.Open(ctx, cfg.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return db, nil
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// ListenAndServe serves handler on addr until ctx is cancelled, then shuts
// down within shutdownTimeout.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

// CirculationRepositories wires the circulation service to PostgreSQL and
// to the catalog and membership services.
func CirculationRepositories(cfg *config.Config, db *sqlx.DB, events *eventstore.EventStore, logger *zap.Logger) circulation.Repositories {
	return circulation.Repositories{
		Items:         clients.NewCatalogClient(cfg.Services.CatalogURL, clients.WithLogger(logger)),
		Users:         clients.NewMembershipClient(cfg.Services.MembershipURL, clients.WithLogger(logger)),
		Requests:      storage.NewRequestStore(db),
		Queues:        storage.NewQueueStore(db),
		Policies:      storage.NewPolicyStore(db),
		Loans:         storage.NewLoanStore(db),
		ServicePoints: storage.NewServicePointStore(db),
		LoanHistory:   storage.NewLoanHistory(events),
		AddressTypes:  storage.NewAddressTypeStore(db),
	}
}
