package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/todo-1m/taskchat/internal/app/relay"
	"github.com/todo-1m/taskchat/internal/platform/dbpool"
	"github.com/todo-1m/taskchat/internal/platform/env"
	"github.com/todo-1m/taskchat/internal/platform/logging"
	"github.com/todo-1m/taskchat/internal/platform/metrics"
	"github.com/todo-1m/taskchat/internal/platform/natsutil"
	"github.com/todo-1m/taskchat/internal/store/pgstore"
	"go.uber.org/zap"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := logging.New(env.String("LOG_LEVEL", env.DefaultLogLevel), env.String("LOG_FORMAT", env.DefaultLogFormat))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	addr := env.String("RELAY_ADDR", env.DefaultRelayAddr)

	pool, err := dbpool.New(runCtx, env.String("DATABASE_URL", env.DefaultDatabaseURL), dbpool.Options{
		ApplicationName: env.String("RELAY_NAME", relay.DefaultName),
		ListenConns:     1,
	})
	if err != nil {
		logger.Fatal("database pool", zap.Error(err))
	}
	defer pool.Close()
	if err := waitForPostgres(runCtx, pool, 30*time.Second, logger); err != nil {
		logger.Fatal("postgres not ready", zap.Error(err))
	}

	client, err := natsutil.ConnectJetStreamWithRetry(
		env.String("NATS_URL", env.DefaultNATSURL),
		env.Duration("NATS_CONNECT_TIMEOUT", 20*time.Second),
		logger.Named("nats"),
	)
	if err != nil {
		logger.Fatal("nats", zap.Error(err))
	}
	defer client.Close()

	publisher := natsutil.JetStreamPublisher{JS: client.JS}
	rel := relay.NewService(pgstore.New(pool), publisher.Publish, logger.Named("relay"))
	rel.Name = env.String("RELAY_NAME", relay.DefaultName)
	rel.BatchSize = env.Int("RELAY_BATCH_SIZE", env.DefaultRelayBatch)
	rel.PollInterval = env.Duration("RELAY_POLL_INTERVAL", env.DefaultRelayInterval)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := checkReadiness(r.Context(), pool, client.Conn); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.DefaultHandler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()

	logger.Info("change relay running",
		zap.String("name", rel.Name),
		zap.Int("batch_size", rel.BatchSize),
		zap.Duration("poll_interval", rel.PollInterval),
	)
	if err := rel.Run(runCtx); err != nil {
		logger.Error("relay stopped", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second))
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
}

func waitForPostgres(ctx context.Context, pool *pgxpool.Pool, timeout time.Duration, logger *zap.Logger) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		lastErr = pool.Ping(attemptCtx)
		if lastErr == nil {
			lastErr = pgstore.Migrate(attemptCtx, pool)
		}
		cancel()
		if lastErr == nil {
			return nil
		}
		logger.Info("waiting for postgres readiness", zap.Error(lastErr))
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}

func checkReadiness(ctx context.Context, pool *pgxpool.Pool, conn *nats.Conn) error {
	if conn == nil {
		return errors.New("nats connection is nil")
	}
	if conn.Status() != nats.CONNECTED {
		return fmt.Errorf("nats is not connected: %s", conn.Status().String())
	}

	checkCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	if err := pool.Ping(checkCtx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}
