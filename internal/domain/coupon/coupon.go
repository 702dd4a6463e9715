package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Kind enumerates the supported coupon discount strategies.
type Kind string

const (
	// KindPercent takes a percentage off the subtotal.
	KindPercent Kind = "percent"
	// KindFixed takes a fixed amount off the subtotal, capped at the subtotal.
	KindFixed Kind = "fixed"
)

// Valid reports whether k is a known discount kind.
func (k Kind) Valid() bool {
	return k == KindPercent || k == KindFixed
}

var (
	// ErrNotFound is returned when no coupon exists for a code.
	ErrNotFound = errors.New("coupon not found")
	// ErrInvalid is returned when attaching a coupon that is inactive or
	// already expired.
	ErrInvalid = errors.New("coupon is not active or has expired")
)

// Coupon is a named discount rule with an activity window and a minimum
// purchase gate.
type Coupon struct {
	Code        string
	Kind        Kind
	Value       decimal.Decimal
	Active      bool
	MinPurchase decimal.Decimal
	ExpiresAt   *time.Time
}

// IsValid reports whether the coupon is active and not expired at now.
func (c *Coupon) IsValid(now time.Time) bool {
	if !c.Active {
		return false
	}
	if c.ExpiresAt != nil && !c.ExpiresAt.After(now) {
		return false
	}
	return true
}

// Repository provides lookup of coupons by code.
type Repository interface {
	// FindByCode returns ErrNotFound when the code is unknown.
	FindByCode(ctx context.Context, code string) (*Coupon, error)
}
