package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/escort-dispatch/internal/auth"
	"github.com/example/escort-dispatch/internal/config"
	"github.com/example/escort-dispatch/internal/dispatch"
	"github.com/example/escort-dispatch/internal/events"
	httpapi "github.com/example/escort-dispatch/internal/http"
	"github.com/example/escort-dispatch/internal/logging"
	"github.com/example/escort-dispatch/internal/rides"
	"github.com/example/escort-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("escort-api", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store unavailable", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	wsreg := dispatch.NewWSRegistry()
	sinks := []dispatch.Sink{dispatch.LogSink{Logger: logger}, wsreg}
	var producer *events.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = events.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		sinks = append(sinks, dispatch.KafkaSink{Producer: producer})
		logger.Info("kafka sink enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	var rc *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rc = redis.NewClient(opts)
		sinks = append(sinks, dispatch.RedisSink{Client: rc, Channel: cfg.RedisEventChannel})
		logger.Info("redis sink enabled", "channel", cfg.RedisEventChannel)
	}
	if cfg.NotifyWebhookURL != "" {
		sinks = append(sinks, dispatch.NewWebhookSink(cfg.NotifyWebhookURL))
		logger.Info("webhook sink enabled", "endpoint", cfg.NotifyWebhookURL)
	}
	dispatcher := dispatch.NewDispatcher(logger, cfg.NotifyQueueSize, sinks...)

	engine := rides.NewEngine(store, rides.Options{
		StoreTimeout:  cfg.StoreTimeout,
		RequireAccept: cfg.RequireAccept,
		Scope:         queueScope(cfg),
		Notifier:      dispatcher,
		Logger:        logger,
	})

	api := httpapi.NewServer(httpapi.Deps{
		Engine:  engine,
		Auth:    auth.NewJWTAuthenticator(cfg.JWTSecret),
		WS:      wsreg,
		Limiter: httpapi.NewActorLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 10*time.Minute),
		Logger:  logger,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("escort-dispatch listening", "addr", cfg.HTTPAddr, "queue_scope", cfg.QueueScope, "require_accept", cfg.RequireAccept)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("notification queue not drained", "error", err)
	}
	if producer != nil {
		_ = producer.Close()
	}
	if rc != nil {
		_ = rc.Close()
	}
	logger.Info("shutdown complete")
}

// openStore uses Postgres when PG_DSN is set and an in-process store otherwise.
func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, func(), error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory store")
		return storage.NewMemoryStore(), func() {}, nil
	}
	ps, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, nil, err
	}
	if cfg.RunMigrations {
		applied, err := storage.ApplyMigrations(ctx, ps.DB(), "migrations")
		if err != nil {
			_ = ps.Close()
			return nil, nil, err
		}
		logger.Info("migrations applied", "files", applied)
	}
	return ps, func() { _ = ps.Close() }, nil
}

func queueScope(cfg config.ServerConfig) rides.Scope {
	switch cfg.QueueScope {
	case config.ScopeArea:
		return rides.AreaScope{}
	case config.ScopeRadius:
		return rides.RadiusScope{RadiusMeters: cfg.QueueRadiusMeters}
	default:
		return rides.GlobalScope{}
	}
}
