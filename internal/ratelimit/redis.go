package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// admitScript prunes, counts and records in one atomic step. Scores are unix
// milliseconds; members are unique so simultaneous requests do not collapse.
var admitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= max then
	return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// Redis keeps one sorted set per user. Keys expire with their window, so
// Evict has nothing to do.
type Redis struct {
	client redis.Scripter
	prefix string
	window time.Duration
	max    int
	now    func() time.Time
}

func NewRedis(client redis.Scripter, prefix string, window time.Duration, maxRequests int, opts ...Option) *Redis {
	o := buildOptions(opts)
	if prefix == "" {
		prefix = "clubbot:usage"
	}
	return &Redis{client: client, prefix: prefix, window: window, max: maxRequests, now: o.now}
}

func (r *Redis) key(userID int64) string {
	return r.prefix + ":" + strconv.FormatInt(userID, 10)
}

func (r *Redis) Admit(ctx context.Context, userID int64) (bool, error) {
	admitted, err := admitScript.Run(ctx, r.client, []string{r.key(userID)},
		r.now().UnixMilli(), r.window.Milliseconds(), r.max, uuid.NewString()).Int()
	if err != nil {
		return false, fmt.Errorf("redis admit: %w", err)
	}
	return admitted == 1, nil
}

func (r *Redis) Evict(context.Context, time.Time) (int, error) {
	return 0, nil
}
