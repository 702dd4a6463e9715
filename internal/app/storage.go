package app

import (
	"context"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/storefront-cart/internal/domain/auth"
	"github.com/xenking/storefront-cart/internal/domain/cart"
	"github.com/xenking/storefront-cart/internal/domain/catalog"
	"github.com/xenking/storefront-cart/internal/domain/checkout"
	"github.com/xenking/storefront-cart/internal/domain/coupon"
	"github.com/xenking/storefront-cart/internal/seed"
	"github.com/xenking/storefront-cart/internal/storage/memory"
	"github.com/xenking/storefront-cart/internal/storage/postgres"
	"github.com/xenking/storefront-cart/pkg/health"
)

// storage bundles the repositories of one backend.
type storage struct {
	catalog catalog.Provider
	lines   cart.Repository
	coupons coupon.Repository
	orders  checkout.Store
	apikeys auth.Repository
	pinger  health.Pinger
	close   func()
}

func openStorage(ctx context.Context, lg *zap.Logger, cfg *Config) (*storage, error) {
	if cfg.Storage == StorageMemory {
		return openMemory(ctx, lg, cfg)
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "run migrations")
	}
	return &storage{
		catalog: postgres.NewCatalogRepository(pool),
		lines:   postgres.NewCartRepository(pool),
		coupons: postgres.NewCouponRepository(pool),
		orders:  postgres.NewCheckoutRepository(pool),
		apikeys: postgres.NewAPIKeyRepository(pool),
		pinger:  pool,
		close:   pool.Close,
	}, nil
}

func openMemory(ctx context.Context, lg *zap.Logger, cfg *Config) (*storage, error) {
	store := memory.NewStore()
	if cfg.SeedFile != "" {
		data, err := seed.LoadFile(cfg.SeedFile)
		if err != nil {
			return nil, errors.Wrap(err, "load seed")
		}
		if err := data.Apply(ctx, memorySink(store), []byte(cfg.APIKeyPepper)); err != nil {
			return nil, errors.Wrap(err, "apply seed")
		}
		lg.Info("Memory store seeded",
			zap.String("file", cfg.SeedFile),
			zap.Int("products", len(data.Products)),
			zap.Int("coupons", len(data.Coupons)),
		)
	}
	lg.Warn("Using in-memory storage, state is lost on restart")
	return &storage{
		catalog: store,
		lines:   store,
		coupons: store,
		orders:  store,
		apikeys: store,
		pinger:  store,
		close:   func() {},
	}, nil
}

func memorySink(store *memory.Store) seed.Sink {
	return seed.Sink{
		Product: func(_ context.Context, p catalog.Product) error {
			store.PutProduct(p)
			return nil
		},
		Variant: func(_ context.Context, v catalog.Variant) error {
			store.PutVariant(v)
			return nil
		},
		Coupons: func(_ context.Context, coupons []coupon.Coupon) error {
			for _, c := range coupons {
				store.PutCoupon(c)
			}
			return nil
		},
		APIKey: func(_ context.Context, info auth.APIKeyInfo) error {
			store.PutAPIKey(info)
			return nil
		},
	}
}
