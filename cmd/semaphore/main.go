package main

import (
	"context"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"semaphore/internal/config"
	"semaphore/internal/handlers"
	"semaphore/internal/history"
	"semaphore/internal/hub"
	"semaphore/internal/ingest"
	"semaphore/internal/metrics"
	"semaphore/internal/relay"
	"semaphore/internal/reliability"
	appconfig "semaphore/pkg/config"
	"semaphore/pkg/logging"
	"semaphore/pkg/middleware"
	"semaphore/pkg/monitoring"
	"semaphore/pkg/redis"
	"semaphore/pkg/server"
	"semaphore/pkg/version"
)

func main() {
	logger := logging.NewLoggerWithService("semaphore")

	appconfig.LoadEnv(logger)
	cfg := config.Load(logger)

	logger.Info("Starting Semaphore (WebSocket broadcast hub)")

	healthChecker := monitoring.NewHealthChecker("semaphore", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("semaphore", version.Version, version.GitCommit)
	serviceMetrics := metrics.New(metricsCollector)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis backs the relay, history and dedup when enabled; everything
	// falls back to in-memory single-node operation without it.
	var redisClient goredis.UniversalClient
	if cfg.Relay.Enabled {
		var err error
		redisClient, err = redis.NewUniversalClient(ctx, redis.Config{
			Addrs:    cfg.Relay.Addrs,
			Password: cfg.Relay.Password,
			DB:       cfg.Relay.Database,
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redisClient.Close()
		healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
	}

	var nodeRelay relay.Relay
	if redisClient != nil {
		nodeRelay = relay.NewRedisRelay(redisClient, cfg.Relay.KeyPrefix, uuid.New().String(), cfg.Connection.PublishToSelf, logger)
	}

	var store history.Store
	if cfg.Persistence.Enabled {
		if redisClient != nil {
			store = history.NewRedisStore(redisClient, cfg.Relay.KeyPrefix, cfg.Persistence, logger)
		} else {
			store = history.NewMemoryStore(cfg.Persistence)
		}
	}

	var dedup reliability.Deduplicator
	if cfg.Dedup.Enabled {
		if redisClient != nil {
			dedup = reliability.NewRedisDeduplicator(redisClient, cfg.Relay.KeyPrefix, cfg.Dedup, logger)
		} else {
			dedup = reliability.NewMemoryDeduplicator(cfg.Dedup)
		}
	}

	h, err := hub.New(hub.Options{
		Config:  cfg,
		Logger:  logger,
		Metrics: serviceMetrics,
		Relay:   nodeRelay,
		History: store,
		Dedup:   dedup,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize hub")
	}
	h.Start()

	var consumer *ingest.Consumer
	if cfg.Ingest.Enabled {
		consumer, err = ingest.NewConsumer(cfg.Ingest, func(_ context.Context, record ingest.Record) error {
			h.Broadcast(record.Channel, record.Event, record.Data, hub.BroadcastOptions{
				Exclude:   record.SocketID,
				SocketID:  record.SocketID,
				MessageID: record.MessageID,
				Source:    "ingest",
			})
			return nil
		}, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize bus consumer")
		}
		defer consumer.Close()
		healthChecker.AddCheck("kafka", func() monitoring.CheckResult {
			if err := consumer.HealthCheck(); err != nil {
				return monitoring.CheckResult{Status: monitoring.StatusUnhealthy, Message: err.Error()}
			}
			return monitoring.CheckResult{Status: monitoring.StatusHealthy, Message: "Kafka connection healthy"}
		})

		go func() {
			if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
				logger.WithError(err).Error("Bus consumer error")
			}
		}()
	}

	cors := middleware.CORSConfig{
		Enabled:     cfg.Security.CORSEnabled,
		Origins:     cfg.Security.CORSOrigins,
		Credentials: cfg.Security.CORSCredentials,
	}
	router := server.SetupServiceRouter(logger, "semaphore", healthChecker, metricsCollector, cors)
	handlers.NewHandlers(h, store, cfg, logger).RegisterRoutes(router)

	serverConfig := server.DefaultConfig("semaphore", cfg.Connection.Port)
	if err := server.Start(serverConfig, router, logger, func(shutdownCtx context.Context) {
		cancel()
		h.Stop(shutdownCtx)
	}); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
