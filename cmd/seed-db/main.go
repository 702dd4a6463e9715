// Command seed-db migrates the database and loads a catalog seed file into it.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/storefront-cart/internal/seed"
	"github.com/xenking/storefront-cart/internal/storage/postgres"
)

func main() {
	var (
		databaseURL  string
		seedFile     string
		apiKey       string
		apiKeyPepper string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&seedFile, "file", "db/seed/catalog.json", "path to seed JSON file")
	flag.StringVar(&apiKey, "api-key", "", "extra API key to store (or CART_SEED_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or CART_API_KEY_PEPPER env)")
	flag.Parse()

	lg := zap.Must(zap.NewProduction())
	defer func() { _ = lg.Sync() }()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}
	if apiKey == "" {
		apiKey = os.Getenv("CART_SEED_API_KEY")
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("CART_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, databaseURL, seedFile, apiKey, apiKeyPepper); err != nil {
		lg.Error("Seed failed", zap.Error(err))
		cancel()
		os.Exit(1)
	}
	lg.Info("Seed completed")
}

func run(ctx context.Context, lg *zap.Logger, databaseURL, seedFile, apiKey, pepper string) error {
	data, err := seed.LoadFile(seedFile)
	if err != nil {
		return err
	}
	if apiKey != "" {
		data.APIKeys = append(data.APIKeys, seed.APIKey{
			ID:     "cli",
			Name:   "Seeded from command line",
			Key:    apiKey,
			Scopes: []string{"cart", "checkout"},
		})
	}

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	lg.Info("Running migrations")
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	products := postgres.NewCatalogRepository(pool)
	coupons := postgres.NewCouponRepository(pool)
	apikeys := postgres.NewAPIKeyRepository(pool)
	sink := seed.Sink{
		Product: products.UpsertProduct,
		Variant: products.UpsertVariant,
		Coupons: coupons.Upsert,
		APIKey:  apikeys.Upsert,
	}
	if err := data.Apply(ctx, sink, []byte(pepper)); err != nil {
		return errors.Wrap(err, "apply seed")
	}

	lg.Info("Seeded",
		zap.String("file", seedFile),
		zap.Int("products", len(data.Products)),
		zap.Int("variants", len(data.Variants)),
		zap.Int("coupons", len(data.Coupons)),
		zap.Int("api_keys", len(data.APIKeys)),
	)
	return nil
}
