package postgres

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront-cart/internal/domain/cart"
	"github.com/xenking/storefront-cart/internal/domain/checkout"
	"github.com/xenking/storefront-cart/internal/domain/reservation"
)

const (
	purchaseLineSQL = `UPDATE cart_lines SET purchased = TRUE, updated_at = $4
	WHERE id = $1 AND user_id = $2 AND quantity = $3 AND NOT purchased`

	decrementProductStockSQL = `UPDATE products SET available_stock = available_stock - $2
	WHERE id = $1 AND available_stock >= $2`

	decrementVariantStockSQL = `UPDATE variants SET available_stock = available_stock - $2
	WHERE id = $1 AND available_stock >= $2`

	productStockSQL = `SELECT available_stock FROM products WHERE id = $1`
	variantStockSQL = `SELECT available_stock FROM variants WHERE id = $1`

	createOrderSQL = `INSERT INTO orders (id, user_id, subtotal, discounts, total, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)`

	createOrderLineSQL = `INSERT INTO order_lines
	(order_id, cart_line_id, product_id, variant_id, quantity, unit_price, subtotal, discount, total, coupon_code)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
)

var _ checkout.Store = (*CheckoutRepository)(nil)

// CheckoutRepository commits orders in a single transaction.
type CheckoutRepository struct {
	pool *pgxpool.Pool
}

// NewCheckoutRepository returns a CheckoutRepository that uses the given pool.
func NewCheckoutRepository(pool *pgxpool.Pool) *CheckoutRepository {
	return &CheckoutRepository{pool: pool}
}

// Commit implements checkout.Store.
func (r *CheckoutRepository) Commit(ctx context.Context, o *checkout.Order) (rerr error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning checkout tx: %w", err)
	}
	defer func() {
		if rerr != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	demand := make(map[reservation.Key]int)
	for _, ol := range o.Lines {
		tag, err := tx.Exec(ctx, purchaseLineSQL, ol.CartLineID, o.UserID, ol.Quantity, o.CreatedAt)
		if err != nil {
			return fmt.Errorf("purchasing cart line %q: %w", ol.CartLineID, err)
		}
		if tag.RowsAffected() == 0 {
			return checkout.ErrCartChanged
		}
		demand[reservation.Key{ProductID: ol.ProductID, VariantID: ol.VariantID}] += ol.Quantity
	}

	// Fixed update order keeps concurrent checkouts from deadlocking on row
	// locks.
	keys := make([]reservation.Key, 0, len(demand))
	for k := range demand {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b reservation.Key) int {
		return strings.Compare(a.String(), b.String())
	})
	for _, k := range keys {
		if err := decrementStock(ctx, tx, k, demand[k]); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx, createOrderSQL, o.ID, o.UserID, o.Subtotal, o.Discounts, o.Total, o.CreatedAt); err != nil {
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}
	batch := &pgx.Batch{}
	for _, ol := range o.Lines {
		batch.Queue(createOrderLineSQL,
			o.ID, ol.CartLineID, ol.ProductID, nullable(ol.VariantID), ol.Quantity,
			ol.UnitPrice, ol.Subtotal, ol.Discount, ol.Total, nullable(ol.CouponCode),
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("creating order lines of %q: %w", o.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing order %q: %w", o.ID, err)
	}
	return nil
}

func decrementStock(ctx context.Context, tx pgx.Tx, k reservation.Key, qty int) error {
	decrement, current, id := decrementProductStockSQL, productStockSQL, k.ProductID
	if k.VariantID != "" {
		decrement, current, id = decrementVariantStockSQL, variantStockSQL, k.VariantID
	}

	tag, err := tx.Exec(ctx, decrement, id, qty)
	if err != nil {
		return fmt.Errorf("decrementing stock of %s: %w", k, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var stock int32
	if err := tx.QueryRow(ctx, current, id).Scan(&stock); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &cart.StockExceededError{Limit: 0}
		}
		return fmt.Errorf("reading stock of %s: %w", k, err)
	}
	return &cart.StockExceededError{Limit: max(int(stock), 0)}
}
