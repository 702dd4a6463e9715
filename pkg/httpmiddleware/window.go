package httpmiddleware

import (
	"context"
	"sync"
	"time"
)

var _ Limiter = (*SlidingWindow)(nil)

// SlidingWindow is an in-process Limiter that approximates a sliding window
// from two fixed windows, weighting the previous count by its overlap.
type SlidingWindow struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*counter
}

type counter struct {
	start      time.Time
	prev, curr float64
}

// NewSlidingWindow allows limit requests per window and key.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		max:     limit,
		window:  window,
		now:     time.Now,
		windows: make(map[string]*counter),
	}
}

// Allow implements Limiter.
func (s *SlidingWindow) Allow(_ context.Context, key string) (Decision, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.windows[key]
	if !ok {
		c = &counter{start: now.Truncate(s.window)}
		s.windows[key] = c
	}
	if elapsed := now.Sub(c.start); elapsed >= s.window {
		c.prev = c.curr
		if elapsed >= 2*s.window {
			c.prev = 0
		}
		c.curr = 0
		c.start = now.Truncate(s.window)
	}

	overlap := 1 - float64(now.Sub(c.start))/float64(s.window)
	used := c.prev*max(overlap, 0) + c.curr
	if used >= float64(s.max) {
		return Decision{RetryAfter: c.start.Add(s.window).Sub(now)}, nil
	}
	c.curr++
	return Decision{Allowed: true, Remaining: int(float64(s.max) - used - 1)}, nil
}

// Run evicts idle keys every two windows until ctx is done.
func (s *SlidingWindow) Run(ctx context.Context) {
	t := time.NewTicker(2 * s.window)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.evict(s.now())
		}
	}
}

func (s *SlidingWindow) evict(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, c := range s.windows {
		if now.Sub(c.start) >= 2*s.window {
			delete(s.windows, key)
		}
	}
}

// Len returns the number of tracked keys.
func (s *SlidingWindow) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
