package reservation

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/xenking/storefront-cart/internal/domain/reservation"

type instrumented struct {
	next     Guard
	wait     metric.Float64Histogram
	timeouts metric.Int64Counter
}

// Instrument wraps g, recording lock wait time and timeouts.
func Instrument(g Guard, mp metric.MeterProvider) (Guard, error) {
	meter := mp.Meter(meterName)

	wait, err := meter.Float64Histogram("cart.lock.wait",
		metric.WithDescription("Time spent waiting for a stock lock"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "wait histogram")
	}
	timeouts, err := meter.Int64Counter("cart.lock.timeouts",
		metric.WithDescription("Stock lock acquisitions that timed out"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "timeout counter")
	}

	return &instrumented{next: g, wait: wait, timeouts: timeouts}, nil
}

func (i *instrumented) Acquire(ctx context.Context, key Key) (Release, error) {
	start := time.Now()
	release, err := i.next.Acquire(ctx, key)

	outcome := "acquired"
	switch {
	case errors.Is(err, ErrLockTimeout):
		outcome = "timeout"
		i.timeouts.Add(ctx, 1)
	case err != nil:
		outcome = "error"
	}
	i.wait.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
	return release, err
}
