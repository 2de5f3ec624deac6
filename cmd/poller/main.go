// Command poller runs one weather poll and exits. It is meant for a cron or
// scheduler that does not go through the HTTP trigger.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"

	"github.com/afroash/climate-ingest/internal/config"
	"github.com/afroash/climate-ingest/internal/ingestlog"
	"github.com/afroash/climate-ingest/internal/storage"
	"github.com/afroash/climate-ingest/internal/weather"
)

func main() {
	configPath := flag.String("config", "configs/server.yaml", "path to config file (empty for environment only)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	os.Exit(run(cfg))
}

// run polls once and returns the process exit code
func run(cfg *config.AppConfig) int {
	logger := cfg.Logging.NewLogger(os.Stdout)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Weather.ExecutionBudget)
	defer cancel()

	store, err := storage.Open(ctx, storage.Options{
		Driver:      cfg.Storage.Driver,
		SQLitePath:  cfg.Storage.SQLitePath,
		PostgresDSN: cfg.Storage.PostgresDSN,
	}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open store")
		return 1
	}
	defer store.Close()

	var opts []ingestlog.Option
	if cfg.MQTT.Enabled() {
		client, err := ingestlog.ConnectMQTT(cfg.MQTT.Broker, cfg.MQTT.ClientID+"-poller", cfg.MQTT.Timeout, logger)
		if err != nil {
			logger.Error().Err(err).Msg("MQTT unavailable, ingestion log mirror disabled")
		} else {
			publisher := ingestlog.NewMQTTPublisher(client, cfg.MQTT.Timeout)
			defer publisher.Close()
			opts = append(opts, ingestlog.WithPublisher(publisher, cfg.MQTT.TopicPrefix))
		}
	}

	fetcher := weather.NewFetcher(nil, cfg.Weather.FetchPolicy(), nil, logger)
	poller := weather.NewPoller(fetcher, weather.NewDecoder(logger), store,
		ingestlog.New(store, logger, opts...), cfg.Weather.PollerConfig(), logger)

	result, err := poller.Poll(ctx)
	if err != nil {
		event := logger.Error().Err(err)
		var fetchErr *weather.FetchError
		if errors.As(err, &fetchErr) {
			event = event.Int("attempts", fetchErr.Attempts)
		}
		event.Msg("Weather poll failed")
		return 1
	}

	logger.Info().
		Int("inserted", result.Inserted).
		Int("duplicates", result.Duplicates).
		Int("recent", result.Recent).
		Int("attempts", result.Attempts).
		Msg("Weather poll finished")
	return 0
}
