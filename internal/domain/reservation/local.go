package reservation

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
)

// DefaultTimeout bounds lock waits when no timeout is configured.
const DefaultTimeout = 5 * time.Second

var _ Guard = (*LocalGuard)(nil)

// LocalGuard is an in-process Guard. Each key owns a one-slot channel that is
// created on first use and dropped when the last waiter leaves.
type LocalGuard struct {
	timeout time.Duration

	mu    sync.Mutex
	slots map[Key]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocalGuard creates a LocalGuard. Non-positive timeouts use
// DefaultTimeout.
func NewLocalGuard(timeout time.Duration) *LocalGuard {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &LocalGuard{
		timeout: timeout,
		slots:   make(map[Key]*slot),
	}
}

func (g *LocalGuard) ref(key Key) *slot {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		g.slots[key] = s
	}
	s.refs++
	return s
}

func (g *LocalGuard) unref(key Key, s *slot) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s.refs--
	if s.refs == 0 {
		delete(g.slots, key)
	}
}

// Acquire implements Guard.
func (g *LocalGuard) Acquire(ctx context.Context, key Key) (Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := g.ref(key)
	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
		return once(func() {
			<-s.ch
			g.unref(key, s)
		}), nil
	case <-timer.C:
		g.unref(key, s)
		return nil, errors.Wrapf(ErrLockTimeout, "%s after %s", key, g.timeout)
	case <-ctx.Done():
		g.unref(key, s)
		return nil, ctx.Err()
	}
}

// Len returns the number of keys currently held or waited on.
func (g *LocalGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.slots)
}
