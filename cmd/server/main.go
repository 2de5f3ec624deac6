package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/afroash/climate-ingest/internal/config"
	"github.com/afroash/climate-ingest/internal/ingest"
	"github.com/afroash/climate-ingest/internal/ingestlog"
	"github.com/afroash/climate-ingest/internal/metrics"
	"github.com/afroash/climate-ingest/internal/ratelimit"
	"github.com/afroash/climate-ingest/internal/server"
	"github.com/afroash/climate-ingest/internal/storage"
	"github.com/afroash/climate-ingest/internal/weather"
)

const version = "v0.3.0"

func main() {
	configPath := flag.String("config", "configs/server.yaml", "path to config file (empty for environment only)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := cfg.Logging.NewLogger(os.Stdout)
	logger.Info().
		Str("version", version).
		Int("port", cfg.Server.Port).
		Str("storage", cfg.Storage.Driver).
		Str("rate_limit", cfg.RateLimit.Backend).
		Msg("Starting climate ingestion server")
	logger.Debug().Str("config", cfg.String()).Msg("Configuration loaded")

	ctx := context.Background()

	store, err := storage.Open(ctx, storage.Options{
		Driver:      cfg.Storage.Driver,
		SQLitePath:  cfg.Storage.SQLitePath,
		PostgresDSN: cfg.Storage.PostgresDSN,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open store")
	}

	m := metrics.New()

	limiter, redisClient := newLimiter(cfg.RateLimit, logger)

	logOpts := []ingestlog.Option{ingestlog.WithMetrics(m)}
	var publisher *ingestlog.MQTTPublisher
	if cfg.MQTT.Enabled() {
		client, err := ingestlog.ConnectMQTT(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.Timeout, logger)
		if err != nil {
			// the mirror is optional, ingestion continues without it
			logger.Error().Err(err).Msg("MQTT unavailable, ingestion log mirror disabled")
		} else {
			publisher = ingestlog.NewMQTTPublisher(client, cfg.MQTT.Timeout)
			logOpts = append(logOpts, ingestlog.WithPublisher(publisher, cfg.MQTT.TopicPrefix))
		}
	}
	ingestionLog := ingestlog.New(store, logger, logOpts...)

	service := ingest.NewService(store, limiter, ingestionLog, ingest.Credentials{
		IngestAPIKey:    cfg.Auth.IngestAPIKey,
		PublicClientKey: cfg.Auth.PublicClientKey,
	}, m, logger)

	fetcher := weather.NewFetcher(nil, cfg.Weather.FetchPolicy(), m, logger)
	poller := weather.NewPoller(fetcher, weather.NewDecoder(logger), store, ingestionLog, cfg.Weather.PollerConfig(), logger)

	activity := server.NewActivityStore(cfg.Server.ActivityBuffer)
	apiHandler := server.NewAPIHandler(service, poller, activity, server.APIConfig{
		Version:      version,
		AdminToken:   cfg.Auth.AdminToken,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Health:       store,
	}, logger)
	streamHandler := server.NewStreamHandler(service, activity, logger, cfg.Server.AllowedOrigins...)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.NewRouter(apiHandler, streamHandler, m, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutting down server...")

	// in-flight batches finish before the store closes
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown error")
	}

	if publisher != nil {
		publisher.Close()
		logger.Info().Msg("MQTT publisher closed")
	}
	if redisClient != nil {
		redisClient.Close()
	}
	if err := store.Close(); err != nil {
		logger.Error().Err(err).Msg("Store close error")
	}

	logger.Info().Msg("Server stopped")
}

// newLimiter builds the configured rate limiter. The redis client is
// returned so it can be closed on shutdown.
func newLimiter(cfg config.RateLimitSettings, logger zerolog.Logger) (ratelimit.Limiter, *redis.Client) {
	policy := ratelimit.Policy{Limit: cfg.Limit, Window: cfg.Window}
	if cfg.Backend != config.BackendRedis {
		return ratelimit.NewMemoryLimiter(policy), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		// the limiter fails open, so an unreachable redis is not fatal
		logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis not reachable at startup")
	}
	return ratelimit.NewRedisLimiter(client, policy, cfg.RedisPrefix), client
}
