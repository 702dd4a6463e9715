package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront-cart/internal/domain/coupon"
)

const (
	getCouponByCodeSQL = `SELECT code, kind, value, active, min_purchase, expires_at
	FROM coupons WHERE code = $1`

	upsertCouponSQL = `INSERT INTO coupons (code, kind, value, active, min_purchase, expires_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (code) DO UPDATE SET
		kind = EXCLUDED.kind, value = EXCLUDED.value, active = EXCLUDED.active,
		min_purchase = EXCLUDED.min_purchase, expires_at = EXCLUDED.expires_at`
)

var _ coupon.Repository = (*CouponRepository)(nil)

// CouponRepository implements coupon.Repository backed by PostgreSQL.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// FindByCode looks up a coupon by its exact code. Inactive and expired
// coupons are returned too; validity is the evaluator's concern.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	rows, err := r.pool.Query(ctx, getCouponByCodeSQL, code)
	if err != nil {
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}
	return &c, nil
}

// Upsert inserts or replaces coupons in a single batch.
func (r *CouponRepository) Upsert(ctx context.Context, coupons []coupon.Coupon) error {
	if len(coupons) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range coupons {
		batch.Queue(upsertCouponSQL, c.Code, string(c.Kind), c.Value, c.Active, c.MinPurchase, c.ExpiresAt)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upserting %d coupons: %w", len(coupons), err)
	}
	return nil
}

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var (
		c         coupon.Coupon
		kind      string
		expiresAt *time.Time
	)
	err := row.Scan(&c.Code, &kind, &c.Value, &c.Active, &c.MinPurchase, &expiresAt)
	c.Kind = coupon.Kind(kind)
	c.ExpiresAt = expiresAt
	return c, err
}
