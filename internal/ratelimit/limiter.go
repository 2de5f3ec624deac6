package ratelimit

import (
	"context"
	"time"
)

// Policy is a fixed-window limit per device
type Policy struct {
	Limit  int
	Window time.Duration
}

// DefaultPolicy allows 60 batches per device per minute
var DefaultPolicy = Policy{Limit: 60, Window: time.Minute}

// Limiter decides whether a device may submit another batch.
// Allow counts the request when it returns true.
type Limiter interface {
	Allow(ctx context.Context, deviceID string) (bool, error)
}
