package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront-cart/internal/domain/cart"
)

const (
	lineColumns = `id, user_id, product_id, variant_id, quantity, coupon_code, unit_price, purchased, created_at, updated_at`

	getLineSQL = `SELECT ` + lineColumns + ` FROM cart_lines
	WHERE id = $1 AND NOT purchased`

	findOpenLineSQL = `SELECT ` + lineColumns + ` FROM cart_lines
	WHERE user_id = $1 AND product_id = $2 AND COALESCE(variant_id, '') = $3 AND NOT purchased`

	listOpenLinesSQL = `SELECT ` + lineColumns + ` FROM cart_lines
	WHERE user_id = $1 AND NOT purchased
	ORDER BY created_at, id`

	reservedQuantitySQL = `SELECT COALESCE(SUM(quantity), 0) FROM cart_lines
	WHERE product_id = $1 AND COALESCE(variant_id, '') = $2 AND NOT purchased`

	createLineSQL = `INSERT INTO cart_lines (` + lineColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8, $9)`

	updateLineQuantitySQL = `UPDATE cart_lines SET quantity = $2, updated_at = $3
	WHERE id = $1 AND NOT purchased`

	setLineCouponSQL = `UPDATE cart_lines SET coupon_code = $2, updated_at = $3
	WHERE id = $1 AND NOT purchased`

	deleteLineSQL = `DELETE FROM cart_lines WHERE id = $1 AND NOT purchased`
)

var _ cart.Repository = (*CartRepository)(nil)

// CartRepository implements cart.Repository backed by PostgreSQL. A partial
// unique index enforces one open line per (user, product, variant).
type CartRepository struct {
	pool *pgxpool.Pool
}

// NewCartRepository returns a CartRepository that uses the given pool.
func NewCartRepository(pool *pgxpool.Pool) *CartRepository {
	return &CartRepository{pool: pool}
}

// Get implements cart.Repository.
func (r *CartRepository) Get(ctx context.Context, id string) (*cart.Line, error) {
	return r.one(ctx, getLineSQL, id)
}

// FindOpen implements cart.Repository.
func (r *CartRepository) FindOpen(ctx context.Context, userID, productID, variantID string) (*cart.Line, error) {
	return r.one(ctx, findOpenLineSQL, userID, productID, variantID)
}

func (r *CartRepository) one(ctx context.Context, sql string, args ...any) (*cart.Line, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying cart line: %w", err)
	}
	line, err := pgx.CollectExactlyOneRow(rows, scanLine)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cart.ErrLineNotFound
		}
		return nil, fmt.Errorf("querying cart line: %w", err)
	}
	return &line, nil
}

// ListOpen implements cart.Repository.
func (r *CartRepository) ListOpen(ctx context.Context, userID string) ([]cart.Line, error) {
	rows, err := r.pool.Query(ctx, listOpenLinesSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("listing cart of %q: %w", userID, err)
	}
	lines, err := pgx.CollectRows(rows, scanLine)
	if err != nil {
		return nil, fmt.Errorf("listing cart of %q: %w", userID, err)
	}
	return lines, nil
}

// ReservedQuantity implements cart.Repository.
func (r *CartRepository) ReservedQuantity(ctx context.Context, productID, variantID string) (int, error) {
	var total int64
	if err := r.pool.QueryRow(ctx, reservedQuantitySQL, productID, variantID).Scan(&total); err != nil {
		return 0, fmt.Errorf("summing reserved quantity: %w", err)
	}
	return int(total), nil
}

// Create implements cart.Repository.
func (r *CartRepository) Create(ctx context.Context, line *cart.Line) error {
	_, err := r.pool.Exec(ctx, createLineSQL,
		line.ID, line.UserID, line.ProductID, nullable(line.VariantID), line.Quantity,
		nullable(line.CouponCode), line.UnitPrice, line.CreatedAt, line.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return cart.ErrLineExists
		}
		return fmt.Errorf("creating cart line %q: %w", line.ID, err)
	}
	return nil
}

// UpdateQuantity implements cart.Repository.
func (r *CartRepository) UpdateQuantity(ctx context.Context, id string, quantity int, at time.Time) error {
	return r.exec(ctx, updateLineQuantitySQL, id, quantity, at)
}

// SetCoupon implements cart.Repository.
func (r *CartRepository) SetCoupon(ctx context.Context, id, code string, at time.Time) error {
	return r.exec(ctx, setLineCouponSQL, id, nullable(code), at)
}

// Delete implements cart.Repository.
func (r *CartRepository) Delete(ctx context.Context, id string) error {
	return r.exec(ctx, deleteLineSQL, id)
}

// exec runs a single-line statement, mapping zero affected rows to
// cart.ErrLineNotFound.
func (r *CartRepository) exec(ctx context.Context, sql, id string, args ...any) error {
	tag, err := r.pool.Exec(ctx, sql, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("updating cart line %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return cart.ErrLineNotFound
	}
	return nil
}

func scanLine(row pgx.CollectableRow) (cart.Line, error) {
	var (
		l          cart.Line
		variantID  *string
		couponCode *string
		quantity   int32
	)
	err := row.Scan(
		&l.ID, &l.UserID, &l.ProductID, &variantID, &quantity,
		&couponCode, &l.UnitPrice, &l.Purchased, &l.CreatedAt, &l.UpdatedAt,
	)
	l.VariantID = deref(variantID)
	l.CouponCode = deref(couponCode)
	l.Quantity = int(quantity)
	return l, err
}
