// Package reservation serializes stock-affecting cart mutations per
// product/variant pair.
//
// A Guard is not an inventory hold: nothing is reserved while an item sits
// in a cart. It only guarantees that mutations against the same stock counter
// observe each other's committed effects.
package reservation

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/go-faster/errors"
)

// ErrLockTimeout is returned when a lock could not be acquired within the
// guard's wait bound. Callers may retry with backoff.
var ErrLockTimeout = errors.New("timed out waiting for stock lock")

// Key identifies one stock counter. An empty VariantID means the product's
// own counter.
type Key struct {
	ProductID string
	VariantID string
}

func (k Key) String() string {
	v := k.VariantID
	if v == "" {
		v = "-"
	}
	return k.ProductID + ":" + v
}

func (k Key) compare(o Key) int {
	if c := strings.Compare(k.ProductID, o.ProductID); c != 0 {
		return c
	}
	return strings.Compare(k.VariantID, o.VariantID)
}

// Release gives a held lock back. Calling it more than once is a no-op.
type Release func()

// Guard provides one mutual-exclusion scope per Key.
type Guard interface {
	// Acquire blocks until the lock for key is held, the guard's timeout
	// elapses (ErrLockTimeout) or ctx is done (ctx.Err()).
	Acquire(ctx context.Context, key Key) (Release, error)
}

// AcquireAll locks every distinct key in a fixed global order so that two
// callers locking overlapping key sets cannot deadlock. On failure all locks
// taken so far are released.
func AcquireAll(ctx context.Context, g Guard, keys []Key) (Release, error) {
	sorted := slices.Clone(keys)
	slices.SortFunc(sorted, Key.compare)
	sorted = slices.Compact(sorted)

	held := make([]Release, 0, len(sorted))
	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	for _, k := range sorted {
		release, err := g.Acquire(ctx, k)
		if err != nil {
			releaseAll()
			return nil, errors.Wrapf(err, "lock %s", k)
		}
		held = append(held, release)
	}
	return once(releaseAll), nil
}

func once(fn func()) Release {
	var o sync.Once
	return func() { o.Do(fn) }
}
