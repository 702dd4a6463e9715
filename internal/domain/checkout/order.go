package checkout

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrEmptyCart is returned when the user has no open cart lines.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrCartChanged is returned when the cart was modified while the
	// checkout was in progress. Nothing was committed.
	ErrCartChanged = errors.New("cart changed during checkout")
)

// Order is the immutable snapshot produced by a checkout.
type Order struct {
	ID        string
	UserID    string
	Lines     []OrderLine
	Subtotal  decimal.Decimal
	Discounts decimal.Decimal
	Total     decimal.Decimal
	CreatedAt time.Time
}

// OrderLine copies one purchased cart line at its pinned unit price.
type OrderLine struct {
	CartLineID string
	ProductID  string
	VariantID  string
	Quantity   int
	UnitPrice  decimal.Decimal
	Subtotal   decimal.Decimal
	Discount   decimal.Decimal
	Total      decimal.Decimal
	CouponCode string
}

// Converter drains a user's open cart into an order.
type Converter interface {
	Checkout(ctx context.Context, userID string) (*Order, error)
}

// Store commits an order atomically: every source cart line must still be
// open with the recorded quantity (else ErrCartChanged), stock of every
// product/variant is decremented (insufficient stock yields a
// *cart.StockExceededError), the order is saved and its source lines are
// flagged purchased. Either all of it happens or none.
type Store interface {
	Commit(ctx context.Context, order *Order) error
}

// Publisher announces committed orders to other systems.
type Publisher interface {
	Publish(ctx context.Context, order *Order) error
}

// NopPublisher discards events.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, *Order) error { return nil }
