package coupon

import (
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Evaluator computes coupon discounts. It holds no state besides its clock.
type Evaluator struct {
	now func() time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClock overrides the time source used for validity checks.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// NewEvaluator creates an Evaluator using the wall clock unless WithClock
// says otherwise.
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Now returns the evaluator's current time.
func (e *Evaluator) Now() time.Time {
	return e.now()
}

// Apply returns the discount c grants on subtotal. A missing, invalid or
// below-threshold coupon is inert and yields zero rather than an error, since
// a coupon may expire while it sits on a cart line. The result is always in
// [0, subtotal].
func (e *Evaluator) Apply(c *Coupon, subtotal decimal.Decimal) decimal.Decimal {
	if c == nil || !subtotal.IsPositive() {
		return decimal.Zero
	}
	if !c.IsValid(e.now()) || subtotal.LessThan(c.MinPurchase) {
		return decimal.Zero
	}

	var amount decimal.Decimal
	switch c.Kind {
	case KindPercent:
		// Round rounds half away from zero, which is half-up for the
		// non-negative amounts handled here.
		amount = subtotal.Mul(c.Value).Div(hundred).Round(2)
	case KindFixed:
		amount = decimal.Min(subtotal, c.Value)
	default:
		return decimal.Zero
	}

	return clamp(amount, subtotal)
}

func clamp(amount, subtotal decimal.Decimal) decimal.Decimal {
	if amount.IsNegative() {
		return decimal.Zero
	}
	if amount.GreaterThan(subtotal) {
		return subtotal
	}
	return amount
}
