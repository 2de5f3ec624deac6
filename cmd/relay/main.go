// Command relay streams captured gateway batches to the ingestion server's
// websocket endpoint. Input is newline-delimited JSON, one
// {"deviceId": ..., "tags": [...]} object per line, from a file or stdin.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/afroash/climate-ingest/internal/client"
	"github.com/afroash/climate-ingest/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to relay config file (empty for environment only)")
	input := flag.String("input", "-", "batch file, - for stdin")
	follow := flag.Bool("follow", false, "keep running after the input ends")
	flag.Parse()

	cfg, err := config.LoadRelayConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := cfg.Logging.NewLogger(os.Stderr)
	logger.Info().Str("config", cfg.String()).Msg("Starting relay")

	var src io.Reader = os.Stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to open input")
		}
		defer f.Close()
		src = f
	}

	buffer := client.NewBatchBuffer(cfg.Buffer.Size, cfg.Buffer.DropOldest)
	conn := client.NewConnection(client.ConnectionConfig{
		URL:                  cfg.Stream.URL,
		AuthToken:            cfg.Stream.AuthToken,
		DeviceID:             cfg.Stream.DeviceID,
		ConnectTimeout:       cfg.Stream.ConnectTimeout,
		ReconnectInterval:    cfg.Stream.ReconnectInterval,
		MaxReconnectInterval: cfg.Stream.MaxReconnectInterval,
		PingInterval:         cfg.Stream.PingInterval,
		PongTimeout:          cfg.Stream.PongTimeout,
		FlushInterval:        cfg.Stream.FlushInterval,
	}, buffer, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go conn.Run(ctx)

	n, err := client.ReadBatches(ctx, src, conn.Enqueue, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Input stopped")
	}
	logger.Info().Int("batches", n).Msg("Input finished")

	if *follow {
		<-ctx.Done()
	} else {
		waitForReplies(ctx, conn, buffer, int64(n))
	}
	cancel()
	conn.Close()

	stats := conn.Stats()
	logger.Info().
		Int64("sent", stats.Sent).
		Int64("acked", stats.Acked).
		Int64("rejected", stats.Rejected).
		Int64("accepted_readings", stats.Accepted).
		Str("buffer", buffer.String()).
		Msg("Relay stopped")
}

// waitForReplies blocks until every read batch has been answered or
// dropped, or ctx ends
func waitForReplies(ctx context.Context, conn *client.Connection, buffer *client.BatchBuffer, total int64) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		stats := conn.Stats()
		if stats.Acked+stats.Rejected+buffer.Stats().TotalDropped >= total {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
