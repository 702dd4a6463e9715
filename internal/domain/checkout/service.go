// Package checkout converts a shopper's open cart lines into an immutable
// order.
package checkout

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/storefront-cart/internal/domain/cart"
	"github.com/xenking/storefront-cart/internal/domain/coupon"
	"github.com/xenking/storefront-cart/internal/domain/reservation"
)

var _ Converter = (*Service)(nil)

// Service implements Converter on top of a cart line repository and an
// atomic Store.
type Service struct {
	lines     cart.Repository
	coupons   coupon.Repository
	evaluator *coupon.Evaluator
	guard     reservation.Guard
	store     Store
	publisher Publisher

	now   func() time.Time
	newID func() string
}

// NewService creates a checkout Service. A nil publisher disables events.
func NewService(
	lines cart.Repository,
	coupons coupon.Repository,
	evaluator *coupon.Evaluator,
	guard reservation.Guard,
	store Store,
	publisher Publisher,
) *Service {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &Service{
		lines:     lines,
		coupons:   coupons,
		evaluator: evaluator,
		guard:     guard,
		store:     store,
		publisher: publisher,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Checkout converts every open line of userID into an order. An empty cart
// yields ErrEmptyCart and nothing changes.
func (s *Service) Checkout(ctx context.Context, userID string) (*Order, error) {
	lines, err := s.lines.ListOpen(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list open lines")
	}
	if len(lines) == 0 {
		return nil, ErrEmptyCart
	}

	keys := make([]reservation.Key, len(lines))
	for i := range lines {
		keys[i] = lines[i].Key()
	}
	release, err := reservation.AcquireAll(ctx, s.guard, keys)
	if err != nil {
		return nil, errors.Wrap(err, "acquire stock locks")
	}
	defer release()

	locked, err := s.lines.ListOpen(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list open lines")
	}
	if len(locked) == 0 {
		return nil, ErrEmptyCart
	}
	if !covered(keys, locked) {
		return nil, ErrCartChanged
	}

	order, err := s.build(ctx, userID, locked)
	if err != nil {
		return nil, err
	}
	if err := s.store.Commit(ctx, order); err != nil {
		return nil, errors.Wrap(err, "commit order")
	}

	lg := zctx.From(ctx)
	lg.Info("Order placed",
		zap.String("order_id", order.ID),
		zap.String("user_id", userID),
		zap.Int("lines", len(order.Lines)),
		zap.Stringer("total", order.Total),
	)
	if err := s.publisher.Publish(ctx, order); err != nil {
		lg.Warn("Publish order event", zap.String("order_id", order.ID), zap.Error(err))
	}
	return order, nil
}

// covered reports whether every line draws from one of the locked keys.
func covered(keys []reservation.Key, lines []cart.Line) bool {
	set := make(map[reservation.Key]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	for i := range lines {
		if _, ok := set[lines[i].Key()]; !ok {
			return false
		}
	}
	return true
}

func (s *Service) build(ctx context.Context, userID string, lines []cart.Line) (*Order, error) {
	o := &Order{
		ID:        s.newID(),
		UserID:    userID,
		Lines:     make([]OrderLine, 0, len(lines)),
		Subtotal:  decimal.Zero,
		Discounts: decimal.Zero,
		Total:     decimal.Zero,
		CreatedAt: s.now(),
	}
	coupons := make(map[string]*coupon.Coupon)
	for i := range lines {
		line := &lines[i]

		c, ok := coupons[line.CouponCode]
		if !ok && line.CouponCode != "" {
			found, err := s.coupons.FindByCode(ctx, line.CouponCode)
			switch {
			case errors.Is(err, coupon.ErrNotFound):
			case err != nil:
				return nil, errors.Wrapf(err, "find coupon %q", line.CouponCode)
			default:
				c = found
			}
			coupons[line.CouponCode] = c
		}

		view := cart.Price(line, c, s.evaluator)
		o.Lines = append(o.Lines, OrderLine{
			CartLineID: line.ID,
			ProductID:  line.ProductID,
			VariantID:  line.VariantID,
			Quantity:   line.Quantity,
			UnitPrice:  line.UnitPrice,
			Subtotal:   view.Subtotal,
			Discount:   view.Discount,
			Total:      view.Total,
			CouponCode: line.CouponCode,
		})
		o.Subtotal = o.Subtotal.Add(view.Subtotal)
		o.Discounts = o.Discounts.Add(view.Discount)
		o.Total = o.Total.Add(view.Total)
	}
	return o, nil
}
