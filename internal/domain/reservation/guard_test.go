package reservation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/sync/errgroup"
)

func TestKey_String(t *testing.T) {
	assert.Equal(t, "p1:v1", Key{ProductID: "p1", VariantID: "v1"}.String())
	assert.Equal(t, "p1:-", Key{ProductID: "p1"}.String())
}

func TestLocalGuard_SerializesSameKey(t *testing.T) {
	g := NewLocalGuard(time.Second)
	key := Key{ProductID: "p1"}

	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
	)
	eg, ctx := errgroup.WithContext(context.Background())
	for range 16 {
		eg.Go(func() error {
			release, err := g.Acquire(ctx, key)
			if err != nil {
				return err
			}
			defer release()

			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	assert.Equal(t, int32(1), maxSeen.Load())
	assert.Zero(t, g.Len(), "slots must be dropped after last release")
}

func TestLocalGuard_DifferentKeysDoNotContend(t *testing.T) {
	g := NewLocalGuard(50 * time.Millisecond)
	ctx := context.Background()

	r1, err := g.Acquire(ctx, Key{ProductID: "p1"})
	require.NoError(t, err)
	defer r1()

	r2, err := g.Acquire(ctx, Key{ProductID: "p1", VariantID: "v1"})
	require.NoError(t, err)
	defer r2()

	r3, err := g.Acquire(ctx, Key{ProductID: "p2"})
	require.NoError(t, err)
	defer r3()

	assert.Equal(t, 3, g.Len())
}

func TestLocalGuard_Timeout(t *testing.T) {
	g := NewLocalGuard(20 * time.Millisecond)
	ctx := context.Background()
	key := Key{ProductID: "p1"}

	release, err := g.Acquire(ctx, key)
	require.NoError(t, err)

	_, err = g.Acquire(ctx, key)
	require.ErrorIs(t, err, ErrLockTimeout)

	release()
	release2, err := g.Acquire(ctx, key)
	require.NoError(t, err)
	release2()
	assert.Zero(t, g.Len())
}

func TestLocalGuard_CanceledBeforeAcquire(t *testing.T) {
	g := NewLocalGuard(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Acquire(ctx, Key{ProductID: "p1"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, g.Len())
}

func TestLocalGuard_CanceledWhileWaiting(t *testing.T) {
	g := NewLocalGuard(time.Second)
	key := Key{ProductID: "p1"}

	release, err := g.Acquire(context.Background(), key)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx, key)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, g.Len())
}

func TestLocalGuard_ReleaseIsIdempotent(t *testing.T) {
	g := NewLocalGuard(20 * time.Millisecond)
	key := Key{ProductID: "p1"}

	release, err := g.Acquire(context.Background(), key)
	require.NoError(t, err)
	release()
	release()

	// A second release must not have freed a lock held by someone else.
	other, err := g.Acquire(context.Background(), key)
	require.NoError(t, err)
	release()
	_, err = g.Acquire(context.Background(), key)
	require.ErrorIs(t, err, ErrLockTimeout)
	other()
}

type recordingGuard struct {
	mu       sync.Mutex
	order    []Key
	released []Key
	failOn   Key
}

func (r *recordingGuard) Acquire(_ context.Context, key Key) (Release, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if key == r.failOn {
		return nil, ErrLockTimeout
	}
	r.order = append(r.order, key)
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.released = append(r.released, key)
	}, nil
}

func TestAcquireAll_SortedAndDeduplicated(t *testing.T) {
	g := &recordingGuard{}
	keys := []Key{
		{ProductID: "b"},
		{ProductID: "a", VariantID: "2"},
		{ProductID: "a", VariantID: "1"},
		{ProductID: "b"},
	}

	release, err := AcquireAll(context.Background(), g, keys)
	require.NoError(t, err)
	assert.Equal(t, []Key{
		{ProductID: "a", VariantID: "1"},
		{ProductID: "a", VariantID: "2"},
		{ProductID: "b"},
	}, g.order)

	release()
	release()
	assert.Len(t, g.released, 3)
}

func TestAcquireAll_ReleasesOnFailure(t *testing.T) {
	g := &recordingGuard{failOn: Key{ProductID: "c"}}

	_, err := AcquireAll(context.Background(), g, []Key{{ProductID: "c"}, {ProductID: "a"}, {ProductID: "b"}})
	require.ErrorIs(t, err, ErrLockTimeout)
	assert.ElementsMatch(t, []Key{{ProductID: "a"}, {ProductID: "b"}}, g.released)
}

func TestInstrument_PassesThrough(t *testing.T) {
	g, err := Instrument(NewLocalGuard(20*time.Millisecond), noop.NewMeterProvider())
	require.NoError(t, err)

	release, err := g.Acquire(context.Background(), Key{ProductID: "p1"})
	require.NoError(t, err)

	_, err = g.Acquire(context.Background(), Key{ProductID: "p1"})
	require.True(t, errors.Is(err, ErrLockTimeout))
	release()
}
