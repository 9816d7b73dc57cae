package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KEYS[1] window key; ARGV: now ms, window ms, max, member.
// Entries with score <= now-window are removed, same rule as the memory backend.
var admitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local n = redis.call('ZCARD', key)
if n < max then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  return {1, n + 1, 0}
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {0, n, tonumber(oldest[2]) + window - now}
`)

// Redis shares windows across gateway instances through sorted sets.
type Redis struct {
	rdb    redis.Scripter
	prefix string
	window time.Duration
	max    int
	now    func() time.Time
}

func NewRedis(rdb redis.Scripter, opts Options) *Redis {
	r := &Redis{rdb: rdb, prefix: "tutorgate:rl:", window: opts.Window, max: opts.MaxRequests, now: opts.Now}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

func (r *Redis) Admit(ctx context.Context, clientID string) (Decision, error) {
	now := r.now()
	res, err := admitScript.Run(ctx, r.rdb, []string{r.prefix + clientID},
		now.UnixMilli(), r.window.Milliseconds(), r.max, fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit redis: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("ratelimit redis: unexpected reply %v", res)
	}
	if res[0] == 1 {
		return Decision{Admitted: true, InWindow: int(res[1])}, nil
	}
	return Decision{
		RetryAfter: retryAfter(time.Duration(res[2]) * time.Millisecond),
		InWindow:   int(res[1]),
	}, nil
}

// Sweep is a no-op: keys carry a PEXPIRE of one window.
func (r *Redis) Sweep(context.Context) (int, error) { return 0, nil }
