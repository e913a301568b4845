package middleware

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// tokenBucket refills capacity tokens at refill per interval and takes one.
// Returns {allowed, remaining}.
var tokenBucket = redis.NewScript(`
	local key = KEYS[1]
	local now_ms = tonumber(ARGV[1])
	local capacity = tonumber(ARGV[2])
	local refill_tokens = tonumber(ARGV[3])
	local interval_ms = tonumber(ARGV[4])
	local ttl_seconds = tonumber(ARGV[5])

	local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
	local tokens = tonumber(state[1])
	local last_refill = tonumber(state[2])

	if tokens == nil or last_refill == nil then
		tokens = capacity
		last_refill = now_ms
	end

	if interval_ms > 0 and refill_tokens > 0 then
		local elapsed = math.max(0, now_ms - last_refill)
		local intervals = math.floor(elapsed / interval_ms)
		if intervals > 0 then
			tokens = math.min(capacity, tokens + (intervals * refill_tokens))
			last_refill = last_refill + (intervals * interval_ms)
		end
	end

	local allowed = 0
	if tokens > 0 then
		allowed = 1
		tokens = tokens - 1
	end

	redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
	redis.call('EXPIRE', key, ttl_seconds)

	return { allowed, tokens }
`)

// RedisLimiter is a token bucket shared by every server instance. Redis
// errors fail open so an outage does not lock users out.
type RedisLimiter struct {
	rdb      *redis.Client
	prefix   string
	capacity int
	interval time.Duration
	ttl      time.Duration
	log      logrus.FieldLogger
	now      func() time.Time
}

// NewRedisLimiter allows limitPerMinute events per key with a burst of burst.
func NewRedisLimiter(rdb *redis.Client, prefix string, limitPerMinute, burst int, log logrus.FieldLogger) *RedisLimiter {
	if limitPerMinute <= 0 {
		limitPerMinute = 60
	}
	if burst <= 0 {
		burst = 1
	}
	return &RedisLimiter{
		rdb:      rdb,
		prefix:   prefix,
		capacity: burst,
		interval: time.Minute / time.Duration(limitPerMinute),
		ttl:      2 * time.Minute,
		log:      log,
		now:      time.Now,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) bool {
	args := []interface{}{
		l.now().UnixMilli(),
		l.capacity,
		1,
		l.interval.Milliseconds(),
		int64(l.ttl / time.Second),
	}
	vals, err := tokenBucket.Run(ctx, l.rdb, []string{l.prefix + ":" + key}, args...).Slice()
	if err != nil || len(vals) != 2 {
		l.log.WithError(err).WithField("key", key).Warn("rate limiter unavailable, allowing request")
		return true
	}
	return asInt64(vals[0]) == 1
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	n, _ := strconv.ParseInt(fmt.Sprint(v), 10, 64)
	return n
}
