//go:build integration

package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/storefront-cart/internal/domain/auth"
	"github.com/xenking/storefront-cart/internal/domain/cart"
	"github.com/xenking/storefront-cart/internal/domain/catalog"
	"github.com/xenking/storefront-cart/internal/domain/checkout"
	"github.com/xenking/storefront-cart/internal/domain/coupon"
	"github.com/xenking/storefront-cart/internal/domain/reservation"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "cart",
				"POSTGRES_PASSWORD": "cart",
				"POSTGRES_DB":       "cart",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	pool, err := NewPool(ctx, fmt.Sprintf("postgres://cart:cart@%s:%s/cart?sslmode=disable", host, port.Port()))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, RunMigrations(ctx, pool))
	// Migrations are idempotent.
	require.NoError(t, RunMigrations(ctx, pool))
	return pool
}

func seed(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()
	products := NewCatalogRepository(pool)

	require.NoError(t, products.UpsertProduct(ctx, catalog.Product{
		ID: "mug", Slug: "mug", Title: "Mug", SalePrice: d("12.50"), AvailableStock: 5, Status: catalog.StatusActive,
	}))
	require.NoError(t, products.UpsertProduct(ctx, catalog.Product{
		ID: "shirt", Slug: "shirt", Title: "Shirt", SalePrice: d("100.00"), Status: catalog.StatusActive, HasVariants: true,
	}))
	require.NoError(t, products.UpsertVariant(ctx, catalog.Variant{
		ID: "shirt-red-m", ProductID: "shirt", ColorID: "red", SizeID: "m",
		AvailableStock: 2, Status: catalog.StatusActive, IsDefault: true,
	}))
	require.NoError(t, NewCouponRepository(pool).Upsert(ctx, []coupon.Coupon{
		{Code: "TEN", Kind: coupon.KindPercent, Value: d("10"), Active: true, MinPurchase: d("50")},
	}))
}

func TestPostgres(t *testing.T) {
	pool := startPostgres(t)
	seed(t, pool)
	ctx := context.Background()

	catalogRepo := NewCatalogRepository(pool)
	lines := NewCartRepository(pool)
	coupons := NewCouponRepository(pool)
	guard := reservation.NewLocalGuard(time.Second)
	evaluator := coupon.NewEvaluator()
	ledger := cart.NewLedger(catalogRepo, lines, coupons, evaluator, guard)
	service := checkout.NewService(lines, coupons, evaluator, guard, NewCheckoutRepository(pool), nil)

	t.Run("Catalog", func(t *testing.T) {
		p, err := catalogRepo.GetProduct(ctx, "mug")
		require.NoError(t, err)
		assert.True(t, d("12.50").Equal(p.SalePrice))

		_, err = catalogRepo.GetProduct(ctx, "missing")
		require.ErrorIs(t, err, catalog.ErrProductNotFound)

		variants, err := catalogRepo.ListVariants(ctx, "shirt")
		require.NoError(t, err)
		require.Len(t, variants, 1)
		assert.Equal(t, "red", variants[0].ColorID)
	})

	t.Run("CouponNotFound", func(t *testing.T) {
		_, err := coupons.FindByCode(ctx, "NOPE")
		require.ErrorIs(t, err, coupon.ErrNotFound)
	})

	t.Run("LedgerAndCheckout", func(t *testing.T) {
		res, err := ledger.AddItem(ctx, "alice", cart.AddItemCommand{ProductID: "mug", Quantity: 3})
		require.NoError(t, err)
		assert.True(t, res.Created)

		_, err = ledger.AddItem(ctx, "alice", cart.AddItemCommand{ProductID: "mug", Quantity: 3})
		var exceeded *cart.StockExceededError
		require.ErrorAs(t, err, &exceeded)
		assert.Equal(t, 5, exceeded.Limit)

		shirt, err := ledger.AddItem(ctx, "alice", cart.AddItemCommand{ProductID: "shirt", Quantity: 2})
		require.NoError(t, err)
		s, err := ledger.ApplyCoupon(ctx, "alice", shirt.Line.ID, "TEN")
		require.NoError(t, err)
		assert.True(t, d("217.50").Equal(s.Total))

		err = lines.Create(ctx, &cart.Line{
			ID: "dup", UserID: "alice", ProductID: "mug", Quantity: 1, UnitPrice: d("1"),
			CreatedAt: time.Now(), UpdatedAt: time.Now(),
		})
		require.ErrorIs(t, err, cart.ErrLineExists)

		order, err := service.Checkout(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, order.Lines, 2)
		assert.True(t, d("217.50").Equal(order.Total))

		p, err := catalogRepo.GetProduct(ctx, "mug")
		require.NoError(t, err)
		assert.Equal(t, 2, p.AvailableStock)
		v, err := catalogRepo.GetVariant(ctx, "shirt-red-m")
		require.NoError(t, err)
		assert.Equal(t, 0, v.AvailableStock)

		open, err := lines.ListOpen(ctx, "alice")
		require.NoError(t, err)
		assert.Empty(t, open)

		_, err = service.Checkout(ctx, "alice")
		require.ErrorIs(t, err, checkout.ErrEmptyCart)
	})

	t.Run("CommitRollsBackOnShortStock", func(t *testing.T) {
		res, err := ledger.AddItem(ctx, "bob", cart.AddItemCommand{ProductID: "mug", Quantity: 2})
		require.NoError(t, err)
		require.NoError(t, catalogRepo.UpsertProduct(ctx, catalog.Product{
			ID: "mug", Slug: "mug", Title: "Mug", SalePrice: d("12.50"), AvailableStock: 1, Status: catalog.StatusActive,
		}))

		_, err = service.Checkout(ctx, "bob")
		var exceeded *cart.StockExceededError
		require.ErrorAs(t, err, &exceeded)
		assert.Equal(t, 1, exceeded.Limit)

		line, err := lines.Get(ctx, res.Line.ID)
		require.NoError(t, err)
		assert.False(t, line.Purchased)
	})

	t.Run("APIKeys", func(t *testing.T) {
		keys := NewAPIKeyRepository(pool)
		hash := auth.HashKey([]byte("pepper"), "secret")
		require.NoError(t, keys.Upsert(ctx, auth.APIKeyInfo{ID: "k1", KeyHash: hash, Name: "test"}))

		info, err := keys.FindByHash(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, "k1", info.ID)

		_, err = keys.FindByHash(ctx, "nope")
		require.ErrorIs(t, err, auth.ErrNotFound)
	})
}
