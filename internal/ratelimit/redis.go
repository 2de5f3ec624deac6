package ratelimit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// allowScript runs the fixed-window check atomically.
// KEYS[1] window key, ARGV[1] limit, ARGV[2] window in ms.
var allowScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
	redis.call("SET", KEYS[1], 1, "PX", ARGV[2])
	return 1
end
if tonumber(current) >= tonumber(ARGV[1]) then
	return 0
end
redis.call("INCR", KEYS[1])
return 1
`)

// RedisLimiter applies the same policy as MemoryLimiter with its windows
// stored in Redis, so several instances share one budget per device.
type RedisLimiter struct {
	client redis.UniversalClient
	policy Policy
	prefix string
}

// Compile-time interface check
var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter creates a limiter backed by client. Keys are <prefix>:<deviceID>.
func NewRedisLimiter(client redis.UniversalClient, policy Policy, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "ratelimit:ingest"
	}
	return &RedisLimiter{client: client, policy: policy, prefix: prefix}
}

// Allow implements Limiter
func (l *RedisLimiter) Allow(ctx context.Context, deviceID string) (bool, error) {
	key := fmt.Sprintf("%s:%s", l.prefix, deviceID)
	res, err := allowScript.Run(ctx, l.client, []string{key}, l.policy.Limit, l.policy.Window.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit script: %w", err)
	}
	return res == 1, nil
}
