package couponfeed

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/storefront-cart/internal/domain/coupon"
)

type recordingSink struct {
	mu      sync.Mutex
	batches [][]coupon.Coupon
	err     error
}

func (s *recordingSink) Upsert(_ context.Context, coupons []coupon.Coupon) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, slices.Clone(coupons))
	return nil
}

func (s *recordingSink) codes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, b := range s.batches {
		for _, c := range b {
			out = append(out, c.Code)
		}
	}
	slices.Sort(out)
	return out
}

func writeFeed(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := pgzip.NewWriter(f)
	_, err = gz.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
	return path
}

func TestParseLine(t *testing.T) {
	expiry := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		line    string
		want    coupon.Coupon
		wantErr bool
	}{
		{
			name: "Percent",
			line: "welcome10,percent,10,,",
			want: coupon.Coupon{Code: "WELCOME10", Kind: coupon.KindPercent, Value: decimal.NewFromInt(10), MinPurchase: decimal.Zero, Active: true},
		},
		{
			name: "FixedWithGateAndExpiry",
			line: " BIG25 , FIXED , 25.00 , 150 , 2030-01-01T00:00:00Z ",
			want: coupon.Coupon{Code: "BIG25", Kind: coupon.KindFixed, Value: decimal.RequireFromString("25"), MinPurchase: decimal.NewFromInt(150), Active: true, ExpiresAt: &expiry},
		},
		{name: "TooFewFields", line: "CODE,percent,10", wantErr: true},
		{name: "ShortCode", line: "AB,percent,10,,", wantErr: true},
		{name: "UnknownKind", line: "CODE,bogo,10,,", wantErr: true},
		{name: "BadValue", line: "CODE,percent,ten,,", wantErr: true},
		{name: "NegativeValue", line: "CODE,fixed,-1,,", wantErr: true},
		{name: "BadMinPurchase", line: "CODE,fixed,1,x,", wantErr: true},
		{name: "BadExpiry", line: "CODE,fixed,1,,2030-01-01", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLine(tt.line)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.Code, got.Code)
			assert.Equal(t, tt.want.Kind, got.Kind)
			assert.True(t, tt.want.Value.Equal(got.Value))
			assert.True(t, tt.want.MinPurchase.Equal(got.MinPurchase))
			assert.True(t, got.Active)
			assert.Equal(t, tt.want.ExpiresAt, got.ExpiresAt)
		})
	}
}

func TestImporter_Run(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		writeFeed(t, dir, "feed1.gz", "A1CODE,percent,10,,\nSHARED1,fixed,5,20,\nCONFLICT,percent,10,,\nnot a record\n"),
		writeFeed(t, dir, "feed2.gz", "# partner two\n\nB1CODE,fixed,3.50,10.00,2030-01-01T00:00:00Z\nSHARED1,fixed,5.00,20.00,\nCONFLICT,percent,15,,\n"),
		writeFeed(t, dir, "feed3.gz", "C1CODE,percent,5,,\n"),
	}
	sink := &recordingSink{}
	im := NewImporter(sink, WithBatchSize(2), WithExpectedCodes(1000, 0.0001))

	report, err := im.Run(context.Background(), files)
	require.NoError(t, err)

	assert.Equal(t, []string{"A1CODE", "B1CODE", "C1CODE", "SHARED1"}, sink.codes())
	assert.Equal(t, 4, report.Imported)
	assert.Equal(t, 1, report.Shared)
	assert.Equal(t, []string{"CONFLICT"}, report.Conflicts)
	assert.Equal(t, 1, report.Malformed)
	for _, b := range sink.batches {
		assert.LessOrEqual(t, len(b), 2)
	}
}

func TestImporter_SingleFeed(t *testing.T) {
	path := writeFeed(t, t.TempDir(), "feed.gz", "TWO222,fixed,1,,\nTHREE333,fixed,2,,\nTHREE333,fixed,2.00,,\n")
	sink := &recordingSink{}

	report, err := NewImporter(sink).Run(context.Background(), []string{path})
	require.NoError(t, err)
	assert.Equal(t, []string{"THREE333", "TWO222"}, sink.codes())
	assert.Equal(t, 2, report.Imported, "an identical repeat is imported once")
	assert.Equal(t, 1, report.Shared)
	assert.Empty(t, report.Conflicts)
}

func TestImporter_RepeatInsideFeed(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		writeFeed(t, dir, "feed1.gz", "ONE111,percent,10,,\nTWO222,fixed,1,,\nONE111,percent,20,,\n"),
		writeFeed(t, dir, "feed2.gz", "SOLO44,fixed,4,,\n"),
	}
	sink := &recordingSink{}

	report, err := NewImporter(sink, WithExpectedCodes(1000, 0.0001)).Run(context.Background(), files)
	require.NoError(t, err)
	assert.Equal(t, []string{"ONE111"}, report.Conflicts, "a feed redefining its own code conflicts")
	assert.Equal(t, []string{"SOLO44", "TWO222"}, sink.codes())
	assert.Equal(t, 2, report.Imported)
	assert.Zero(t, report.Shared)
}

func TestImporter_Errors(t *testing.T) {
	dir := t.TempDir()
	good := writeFeed(t, dir, "feed.gz", "ONE111,percent,10,,\n")

	t.Run("MissingFile", func(t *testing.T) {
		_, err := NewImporter(&recordingSink{}).Run(context.Background(), []string{good, filepath.Join(dir, "nope.gz")})
		require.Error(t, err)
	})
	t.Run("NotGzip", func(t *testing.T) {
		plain := filepath.Join(dir, "plain.gz")
		require.NoError(t, os.WriteFile(plain, []byte("ONE111,percent,10,,\n"), 0o600))
		_, err := NewImporter(&recordingSink{}).Run(context.Background(), []string{plain})
		require.Error(t, err)
	})
	t.Run("SinkFailure", func(t *testing.T) {
		sinkErr := errors.New("db down")
		_, err := NewImporter(&recordingSink{err: sinkErr}).Run(context.Background(), []string{good})
		require.ErrorIs(t, err, sinkErr)
	})
	t.Run("Canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := NewImporter(&recordingSink{}).Run(ctx, []string{good})
		require.ErrorIs(t, err, context.Canceled)
	})
}
