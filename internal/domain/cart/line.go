// Package cart owns shoppers' cart lines: it decides whether an item may be
// added or merged, pins unit prices and keeps totals consistent with live
// stock.
package cart

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-cart/internal/domain/reservation"
)

// Line is one open (or purchased) selection of a product/variant in a
// shopper's cart. UnitPrice is captured when the line is created and never
// re-read from the catalog afterwards.
type Line struct {
	ID         string
	UserID     string
	ProductID  string
	VariantID  string
	Quantity   int
	CouponCode string
	UnitPrice  decimal.Decimal
	Purchased  bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Key returns the stock counter the line draws from.
func (l *Line) Key() reservation.Key {
	return reservation.Key{ProductID: l.ProductID, VariantID: l.VariantID}
}

// Subtotal is the pinned unit price times quantity, rounded half-up to cents.
func (l *Line) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))).Round(2)
}

// Repository persists cart lines. Open means not purchased; purchased lines
// are never returned by Get, FindOpen or ListOpen.
type Repository interface {
	// Get returns ErrLineNotFound for unknown or purchased lines.
	Get(ctx context.Context, id string) (*Line, error)
	// FindOpen returns the user's open line for the pair, or ErrLineNotFound.
	FindOpen(ctx context.Context, userID, productID, variantID string) (*Line, error)
	// ListOpen returns the user's open lines, oldest first.
	ListOpen(ctx context.Context, userID string) ([]Line, error)
	// ReservedQuantity sums the quantity of every user's open lines for the
	// pair.
	ReservedQuantity(ctx context.Context, productID, variantID string) (int, error)
	// Create returns ErrLineExists when the user already has an open line
	// for the pair.
	Create(ctx context.Context, line *Line) error
	UpdateQuantity(ctx context.Context, id string, quantity int, at time.Time) error
	// SetCoupon attaches code to the line; an empty code detaches.
	SetCoupon(ctx context.Context, id, code string, at time.Time) error
	Delete(ctx context.Context, id string) error
}
