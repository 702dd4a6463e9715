// Command coupon-import loads gzip-compressed coupon feeds into the database.
//
//	coupon-import --database-url postgres://... feeds/partner-a.gz feeds/partner-b.gz
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/storefront-cart/internal/couponfeed"
	"github.com/xenking/storefront-cart/internal/storage/postgres"
)

func main() {
	var (
		databaseURL string
		batchSize   int
		expected    uint
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.IntVar(&batchSize, "batch-size", 1000, "coupons per upsert statement")
	flag.UintVar(&expected, "expected-codes", 1_000_000, "expected codes per feed, sizes the bloom filters")
	flag.Parse()

	lg := zap.Must(zap.NewProduction())
	defer func() { _ = lg.Sync() }()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}
	files := flag.Args()
	if len(files) == 0 {
		lg.Fatal("At least one feed file is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, databaseURL, files, batchSize, expected); err != nil {
		lg.Error("Coupon import failed", zap.Error(err))
		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context, lg *zap.Logger, databaseURL string, files []string, batchSize int, expected uint) error {
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	im := couponfeed.NewImporter(postgres.NewCouponRepository(pool),
		couponfeed.WithLogger(lg),
		couponfeed.WithBatchSize(batchSize),
		couponfeed.WithExpectedCodes(expected, 0.001),
	)
	report, err := im.Run(ctx, files)
	if err != nil {
		return err
	}

	lg.Info("Coupon import completed",
		zap.Int("imported", report.Imported),
		zap.Int("malformed", report.Malformed),
		zap.Int("shared", report.Shared),
		zap.Int("conflicts", len(report.Conflicts)),
	)
	if len(report.Conflicts) > 0 {
		lg.Warn("Conflicting coupon definitions skipped", zap.String("codes", strings.Join(report.Conflicts, ",")))
	}
	return nil
}
