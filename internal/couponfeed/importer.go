package couponfeed

import (
	"context"
	"slices"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront-cart/internal/domain/coupon"
)

// Sink stores imported coupons. postgres.CouponRepository implements it.
type Sink interface {
	Upsert(ctx context.Context, coupons []coupon.Coupon) error
}

// Report summarizes an import.
type Report struct {
	Imported int
	// Malformed lines are skipped.
	Malformed int
	// Shared codes are published more than once, by one feed or several,
	// always with the same definition. They are imported once.
	Shared int
	// Conflicts are codes published more than once with differing
	// definitions, whether by the same feed or by different ones. They are
	// not imported.
	Conflicts []string
}

// Importer loads feeds concurrently. A code published by more than one feed
// is only imported when every feed defines it the same way.
//
// The same rule applies to a code repeated inside one feed.
//
// Detection runs in two passes: the first builds a bloom filter of every
// feed's codes and notes codes the feed's own filter already held, the
// second imports codes that are neither repeated nor in another feed's
// filter and holds back the rest for an exact comparison. Only the
// held-back candidates are kept in memory.
type Importer struct {
	sink      Sink
	lg        *zap.Logger
	batchSize int
	expected  uint
	fpr       float64
}

// Option configures an Importer.
type Option func(*Importer)

// WithLogger sets the progress logger.
func WithLogger(lg *zap.Logger) Option {
	return func(im *Importer) { im.lg = lg }
}

// WithBatchSize sets how many coupons go into one Upsert call.
func WithBatchSize(n int) Option {
	return func(im *Importer) { im.batchSize = max(n, 1) }
}

// WithExpectedCodes sizes the per-feed bloom filters.
func WithExpectedCodes(n uint, falsePositiveRate float64) Option {
	return func(im *Importer) {
		im.expected = max(n, 1)
		im.fpr = falsePositiveRate
	}
}

// NewImporter creates an Importer writing to sink.
func NewImporter(sink Sink, opts ...Option) *Importer {
	im := &Importer{
		sink:      sink,
		lg:        zap.NewNop(),
		batchSize: 1000,
		expected:  1_000_000,
		fpr:       0.001,
	}
	for _, o := range opts {
		o(im)
	}
	return im
}

// Run imports files. Nothing is rolled back on error: batches already
// written stay written, and a rerun is idempotent.
func (im *Importer) Run(ctx context.Context, files []string) (*Report, error) {
	scans, err := im.buildFilters(ctx, files)
	if err != nil {
		return nil, errors.Wrap(err, "build filters")
	}

	var (
		imported   atomic.Int64
		malformed  atomic.Int64
		candidates = make([]map[string][]coupon.Coupon, len(files))
	)
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			held := make(map[string][]coupon.Coupon)
			b := im.newBatch(&imported)
			skipped, err := stream(gctx, path, func(c coupon.Coupon) error {
				if _, ok := scans[i].repeated[c.Code]; ok || sharedElsewhere(scans, i, c.Code) {
					held[c.Code] = append(held[c.Code], c)
					return nil
				}
				return b.add(gctx, c)
			})
			malformed.Add(int64(skipped))
			if err != nil {
				return errors.Wrapf(err, "import %s", path)
			}
			if err := b.flush(gctx); err != nil {
				return errors.Wrapf(err, "import %s", path)
			}
			candidates[i] = held
			im.lg.Info("Feed imported",
				zap.String("file", path),
				zap.Int("held_back", len(held)),
				zap.Int("malformed", skipped),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &Report{Malformed: int(malformed.Load())}
	b := im.newBatch(&imported)
	for code, defs := range merge(candidates) {
		if len(defs) > 1 {
			if !agree(defs) {
				report.Conflicts = append(report.Conflicts, code)
				im.lg.Warn("Conflicting coupon definitions", zap.String("code", code), zap.Int("definitions", len(defs)))
				continue
			}
			report.Shared++
		}
		if err := b.add(ctx, defs[0]); err != nil {
			return nil, errors.Wrap(err, "import shared codes")
		}
	}
	if err := b.flush(ctx); err != nil {
		return nil, errors.Wrap(err, "import shared codes")
	}
	slices.Sort(report.Conflicts)
	report.Imported = int(imported.Load())
	return report, nil
}

// scan is the first-pass result for one feed. repeated holds codes whose
// filter test was already positive when they were added: true repeats plus
// false positives, which are harmless since they only get compared exactly.
type scan struct {
	filter   *bloom.BloomFilter
	repeated map[string]struct{}
}

func (im *Importer) buildFilters(ctx context.Context, files []string) ([]scan, error) {
	scans := make([]scan, len(files))
	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			sc := scan{
				filter:   bloom.NewWithEstimates(im.expected, im.fpr),
				repeated: make(map[string]struct{}),
			}
			if _, err := stream(ctx, path, func(c coupon.Coupon) error {
				if sc.filter.TestAndAddString(c.Code) {
					sc.repeated[c.Code] = struct{}{}
				}
				return nil
			}); err != nil {
				return errors.Wrapf(err, "scan %s", path)
			}
			scans[i] = sc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scans, nil
}

func sharedElsewhere(scans []scan, self int, code string) bool {
	for j, sc := range scans {
		if j != self && sc.filter.TestString(code) {
			return true
		}
	}
	return false
}

// merge groups held-back records by code across feeds.
func merge(candidates []map[string][]coupon.Coupon) map[string][]coupon.Coupon {
	out := make(map[string][]coupon.Coupon)
	for _, held := range candidates {
		for code, defs := range held {
			out[code] = append(out[code], defs...)
		}
	}
	return out
}

func agree(defs []coupon.Coupon) bool {
	for _, d := range defs[1:] {
		if !same(defs[0], d) {
			return false
		}
	}
	return true
}

type batch struct {
	sink    Sink
	size    int
	pending []coupon.Coupon
	written *atomic.Int64
}

func (im *Importer) newBatch(written *atomic.Int64) *batch {
	return &batch{sink: im.sink, size: im.batchSize, written: written}
}

func (b *batch) add(ctx context.Context, c coupon.Coupon) error {
	b.pending = append(b.pending, c)
	if len(b.pending) < b.size {
		return nil
	}
	return b.flush(ctx)
}

func (b *batch) flush(ctx context.Context) error {
	if len(b.pending) == 0 {
		return nil
	}
	if err := b.sink.Upsert(ctx, b.pending); err != nil {
		return err
	}
	b.written.Add(int64(len(b.pending)))
	b.pending = nil
	return nil
}
