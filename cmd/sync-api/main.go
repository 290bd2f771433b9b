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
	"github.com/todo-1m/taskchat/internal/app/api"
	"github.com/todo-1m/taskchat/internal/app/changefeed"
	"github.com/todo-1m/taskchat/internal/app/core"
	"github.com/todo-1m/taskchat/internal/app/relay"
	"github.com/todo-1m/taskchat/internal/app/session"
	"github.com/todo-1m/taskchat/internal/notify"
	platformauth "github.com/todo-1m/taskchat/internal/platform/auth"
	"github.com/todo-1m/taskchat/internal/platform/dbpool"
	"github.com/todo-1m/taskchat/internal/platform/env"
	"github.com/todo-1m/taskchat/internal/platform/logging"
	"github.com/todo-1m/taskchat/internal/platform/natsutil"
	"github.com/todo-1m/taskchat/internal/store"
	"github.com/todo-1m/taskchat/internal/store/memstore"
	"github.com/todo-1m/taskchat/internal/store/pgstore"
	"github.com/todo-1m/taskchat/internal/viewcache"
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

	addr := env.String("SYNC_API_ADDR", env.DefaultSyncAPIAddr)
	backend := env.String("STORE_BACKEND", env.DefaultStoreBackend)
	jwtSecret := env.String("JWT_SECRET", "dev-insecure-change-me")
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)

	router := notify.NewRouter(logger.Named("router"), env.Int("ROUTER_BUFFER", notify.DefaultBuffer))
	views := viewcache.NewCoordinator(logger.Named("views"), env.Duration("VIEW_FETCH_TIMEOUT", viewcache.DefaultFetchTimeout))
	defer views.Stop()
	bridge := changefeed.NewBridge(router, logger.Named("changefeed"))

	var (
		st    store.Store
		ready api.ReadyFunc
	)
	switch backend {
	case "memory":
		// Single process: the relay feeds the router directly.
		mem := memstore.New()
		st = mem
		rel := newRelay(mem, bridge.Local, logger)
		go runRelay(runCtx, rel, logger)
		logger.Warn("using in-memory store; data is lost on exit")

	case "postgres":
		embedded := env.Bool("RELAY_EMBEDDED", false)
		poolOpts := dbpool.Options{ApplicationName: "sync-api"}
		if embedded {
			poolOpts.ListenConns = 1
		}
		pool, err := dbpool.New(runCtx, env.String("DATABASE_URL", env.DefaultDatabaseURL), poolOpts)
		if err != nil {
			logger.Fatal("database pool", zap.Error(err))
		}
		defer pool.Close()
		if err := waitForPostgres(runCtx, pool, 30*time.Second, logger); err != nil {
			logger.Fatal("postgres not ready", zap.Error(err))
		}
		pg := pgstore.New(pool)
		st = pg

		client, err := natsutil.ConnectJetStreamWithRetry(
			env.String("NATS_URL", env.DefaultNATSURL),
			env.Duration("NATS_CONNECT_TIMEOUT", 20*time.Second),
			logger.Named("nats"),
			bridge.ReconnectOption(),
		)
		if err != nil {
			logger.Fatal("nats", zap.Error(err))
		}
		defer client.Close()

		sub, err := bridge.Subscribe(client.JS)
		if err != nil {
			logger.Fatal("subscribe change stream", zap.Error(err))
		}
		defer func() { _ = sub.Unsubscribe() }()
		logger.Info("following change stream", zap.String("subject", sub.Subject))

		if embedded {
			publisher := natsutil.JetStreamPublisher{JS: client.JS}
			go runRelay(runCtx, newRelay(pg, publisher.Publish, logger), logger)
		}
		ready = func(ctx context.Context) error {
			return checkReadiness(ctx, pool, client.Conn)
		}

	default:
		logger.Fatal("unknown STORE_BACKEND", zap.String("backend", backend))
	}

	service := core.NewService(st, logger.Named("core"))
	handler := api.NewHandler(
		service,
		platformauth.NewManager(jwtSecret, env.Duration("JWT_TTL", time.Hour)),
		session.Deps{Service: service, Router: router, Views: views, Log: logger.Named("session")},
		logger.Named("api"),
	)
	handler.AllowedOrigin = env.String("UI_ORIGIN", "")
	handler.Ready = ready

	// No read/write timeouts: websocket streams are long lived.
	server := &http.Server{
		Addr:              addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("sync api listening", zap.String("addr", addr), zap.String("store", backend))
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		logger.Fatal("http server", zap.Error(err))
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
}

func newRelay(feed store.ChangeFeed, publish relay.PublishFunc, logger *zap.Logger) *relay.Service {
	rel := relay.NewService(feed, publish, logger.Named("relay"))
	rel.Name = env.String("RELAY_NAME", relay.DefaultName)
	rel.BatchSize = env.Int("RELAY_BATCH_SIZE", env.DefaultRelayBatch)
	rel.PollInterval = env.Duration("RELAY_POLL_INTERVAL", env.DefaultRelayInterval)
	return rel
}

func runRelay(ctx context.Context, rel *relay.Service, logger *zap.Logger) {
	if err := rel.Run(ctx); err != nil {
		logger.Error("relay stopped", zap.Error(err))
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
