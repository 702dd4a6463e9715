package httpmiddleware

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills KEYS[1] at ARGV[2] tokens per second up to
// ARGV[1], then takes one token if available. Returns {allowed, tokens}.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil then
	tokens = capacity
	ts = now
end

tokens = math.min(capacity, tokens + math.max(0, now - ts) / 1000 * rate)
local allowed = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
end
redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', now)
redis.call('PEXPIRE', KEYS[1], ttl)
return {allowed, tostring(tokens)}
`)

var _ Limiter = (*TokenBucket)(nil)

// TokenBucket is a Limiter shared by every replica through Redis.
type TokenBucket struct {
	client   redis.Scripter
	prefix   string
	capacity int
	rate     float64 // tokens per second
	now      func() time.Time
}

// NewTokenBucket allows bursts of capacity requests refilled evenly so that
// capacity requests are available again after window.
func NewTokenBucket(client redis.Scripter, capacity int, window time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		prefix:   "cart:ratelimit:",
		capacity: capacity,
		rate:     float64(capacity) / window.Seconds(),
		now:      time.Now,
	}
}

// Allow implements Limiter.
func (b *TokenBucket) Allow(ctx context.Context, key string) (Decision, error) {
	ttl := time.Duration(float64(b.capacity)/b.rate*float64(time.Second)) + time.Second
	res, err := tokenBucketScript.Run(ctx, b.client, []string{b.prefix + key},
		b.capacity, b.rate, b.now().UnixMilli(), ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return Decision{}, errors.Wrap(err, "token bucket")
	}
	if len(res) != 2 {
		return Decision{}, errors.Errorf("token bucket: unexpected reply %v", res)
	}
	allowed, _ := res[0].(int64)
	tokens, err := parseTokens(res[1])
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Allowed: allowed == 1, Remaining: int(math.Floor(tokens))}
	if !d.Allowed {
		d.RetryAfter = time.Duration((1 - tokens) / b.rate * float64(time.Second))
	}
	return d, nil
}

func parseTokens(v any) (float64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, errors.Errorf("token bucket: unexpected tokens %T", v)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Wrap(err, "token bucket: parse tokens")
	}
	return f, nil
}
