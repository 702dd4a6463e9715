// Package redis implements a reservation.Guard shared by every API instance
// through Redis.
package redis

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/storefront-cart/internal/domain/reservation"
)

const keyPrefix = "cart:lock:"

// releaseScript deletes the lock only if it still carries our token, so an
// expired lease taken over by another holder is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Client is the subset of redis.UniversalClient used by Guard.
type Client interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
}

// Options configures a Guard.
type Options struct {
	// Timeout bounds how long Acquire waits for a busy lock.
	Timeout time.Duration
	// LeaseTTL expires a lock whose holder crashed. It must comfortably
	// exceed the longest critical section.
	LeaseTTL time.Duration
	// PollInterval is the delay between attempts on a busy lock.
	PollInterval time.Duration
}

func (o *Options) setDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = reservation.DefaultTimeout
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 25 * time.Millisecond
	}
}

var _ reservation.Guard = (*Guard)(nil)

// Guard is a distributed lock per reservation.Key built on SET NX PX.
type Guard struct {
	client Client
	opts   Options
}

// NewGuard creates a Guard on top of client.
func NewGuard(client Client, opts Options) *Guard {
	opts.setDefaults()
	return &Guard{client: client, opts: opts}
}

// Key returns the Redis key holding the lock for k.
func Key(k reservation.Key) string {
	return keyPrefix + k.String()
}

// Acquire implements reservation.Guard.
func (g *Guard) Acquire(ctx context.Context, key reservation.Key) (reservation.Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := Key(key)
	token := uuid.NewString()
	deadline := time.NewTimer(g.opts.Timeout)
	defer deadline.Stop()
	poll := time.NewTicker(g.opts.PollInterval)
	defer poll.Stop()

	for {
		ok, err := g.client.SetNX(ctx, name, token, g.opts.LeaseTTL).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, errors.Wrapf(err, "setnx %s", name)
		}
		if ok {
			return g.release(ctx, name, token), nil
		}

		select {
		case <-poll.C:
		case <-deadline.C:
			return nil, errors.Wrapf(reservation.ErrLockTimeout, "%s after %s", key, g.opts.Timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (g *Guard) release(ctx context.Context, name, token string) reservation.Release {
	lg := zctx.From(ctx)
	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be canceled; the lock must
			// still be given back.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.PollInterval+time.Second)
			defer cancel()

			n, err := releaseScript.Run(rctx, g.client, []string{name}, token).Int64()
			switch {
			case err != nil:
				lg.Warn("Release stock lock", zap.String("lock", name), zap.Error(err))
			case n == 0:
				lg.Warn("Stock lock lease expired before release", zap.String("lock", name))
			}
		})
	}
}
