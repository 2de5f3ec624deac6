package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/afroash/climate-ingest/internal/models"
)

// maxLineBytes bounds one JSON line, matching the server's body limit
const maxLineBytes = 1 << 20

// ReadBatches reads newline-delimited gateway batches from r and hands each
// one to enqueue. Blank and malformed lines are logged and skipped. It
// returns the number of batches read.
func ReadBatches(ctx context.Context, r io.Reader, enqueue func(*models.BatchPayload) bool, logger zerolog.Logger) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	count, line := 0, 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var batch models.BatchPayload
		if err := json.Unmarshal(raw, &batch); err != nil {
			logger.Warn().Err(err).Int("line", line).Msg("Skipping malformed batch")
			continue
		}
		// the scanner reuses its buffer
		batch.Tags = append(json.RawMessage(nil), batch.Tags...)

		enqueue(&batch)
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("read batches: %w", err)
	}
	return count, nil
}
