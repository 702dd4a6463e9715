package httpmiddleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestWindow(limit int, window time.Duration) (*SlidingWindow, *clock) {
	c := &clock{t: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
	s := NewSlidingWindow(limit, window)
	s.now = c.now
	return s, c
}

type limiterFunc func(ctx context.Context, key string) (Decision, error)

func (f limiterFunc) Allow(ctx context.Context, key string) (Decision, error) { return f(ctx, key) }

func TestSlidingWindow(t *testing.T) {
	ctx := context.Background()
	s, c := newTestWindow(2, time.Minute)

	d, err := s.Allow(ctx, "a")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)

	d, _ = s.Allow(ctx, "a")
	assert.True(t, d.Allowed)
	assert.Zero(t, d.Remaining)

	d, _ = s.Allow(ctx, "a")
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Minute, d.RetryAfter)

	d, _ = s.Allow(ctx, "b")
	assert.True(t, d.Allowed, "keys are independent")

	// Half way into the next window half of the previous count still weighs in.
	c.t = c.t.Add(90 * time.Second)
	d, _ = s.Allow(ctx, "a")
	assert.True(t, d.Allowed)
	d, _ = s.Allow(ctx, "a")
	assert.False(t, d.Allowed)

	c.t = c.t.Add(5 * time.Minute)
	d, _ = s.Allow(ctx, "a")
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
}

func TestSlidingWindow_Evict(t *testing.T) {
	s, c := newTestWindow(1, time.Second)
	_, _ = s.Allow(context.Background(), "a")
	require.Equal(t, 1, s.Len())

	s.evict(c.t.Add(time.Second))
	assert.Equal(t, 1, s.Len())
	s.evict(c.t.Add(2 * time.Second))
	assert.Zero(t, s.Len())
}

func TestRateLimit(t *testing.T) {
	s, _ := newTestWindow(2, time.Minute)
	h := RateLimit(RateLimitConfig{Limiter: s, Max: 2})(okHandler())

	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "10.0.0.1:9999"
		return r
	}
	for range 2 {
		w := serve(h, req())
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	}

	w := serve(h, req())
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	code, msg := decodeError(t, w.Body.Bytes())
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "rate limit exceeded", msg)

	other := req()
	other.Header.Set("X-User-ID", "alice")
	assert.Equal(t, http.StatusOK, serve(h, other).Code)
}

func TestRateLimit_FailsOpen(t *testing.T) {
	broken := limiterFunc(func(context.Context, string) (Decision, error) {
		return Decision{}, errors.New("redis down")
	})
	h := RateLimit(RateLimitConfig{Limiter: broken, Max: 1})(okHandler())

	w := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
}

func TestRateLimit_CustomKey(t *testing.T) {
	var keys []string
	rec := limiterFunc(func(_ context.Context, key string) (Decision, error) {
		keys = append(keys, key)
		return Decision{Allowed: true}, nil
	})
	h := RateLimit(RateLimitConfig{
		Limiter: rec,
		KeyFunc: func(r *http.Request) string { return r.URL.Path },
	})(okHandler())

	serve(h, httptest.NewRequest(http.MethodGet, "/api/cart", nil))
	assert.Equal(t, []string{"/api/cart"}, keys)
}

func TestClientKey(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "User", headers: map[string]string{"X-User-ID": "alice", "X-Real-IP": "1.1.1.1"}, want: "user:alice"},
		{name: "ForwardedFor", headers: map[string]string{"X-Forwarded-For": " 2.2.2.2 , 3.3.3.3"}, want: "ip:2.2.2.2"},
		{name: "RealIP", headers: map[string]string{"X-Real-IP": "4.4.4.4"}, want: "ip:4.4.4.4"},
		{name: "RemoteAddr", remote: "5.5.5.5:1234", want: "ip:5.5.5.5"},
		{name: "RemoteAddrNoPort", remote: "pipe", want: "ip:pipe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.remote != "" {
				r.RemoteAddr = tt.remote
			}
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientKey(r))
		})
	}
}
