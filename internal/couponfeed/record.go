// Package couponfeed imports coupons from gzip-compressed partner feeds.
//
// A feed holds one coupon per line:
//
//	code,kind,value,min_purchase,expires_at
//
// min_purchase and expires_at (RFC 3339) may be empty. Blank lines and lines
// starting with '#' are ignored.
package couponfeed

import (
	"bufio"
	"context"
	"os"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-cart/internal/domain/coupon"
)

const (
	minCodeLen = 3
	maxCodeLen = 64
)

// ErrMalformed is wrapped by ParseLine errors.
var ErrMalformed = errors.New("malformed coupon record")

// ParseLine parses one feed record into an active coupon.
func ParseLine(line string) (coupon.Coupon, error) {
	fields := strings.Split(line, ",")
	if len(fields) != 5 {
		return coupon.Coupon{}, errors.Wrapf(ErrMalformed, "want 5 fields, got %d", len(fields))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	c := coupon.Coupon{
		Code:        strings.ToUpper(fields[0]),
		Kind:        coupon.Kind(strings.ToLower(fields[1])),
		Active:      true,
		MinPurchase: decimal.Zero,
	}
	if n := len(c.Code); n < minCodeLen || n > maxCodeLen {
		return coupon.Coupon{}, errors.Wrapf(ErrMalformed, "code length %d", n)
	}
	if !c.Kind.Valid() {
		return coupon.Coupon{}, errors.Wrapf(ErrMalformed, "kind %q", fields[1])
	}

	var err error
	if c.Value, err = decimal.NewFromString(fields[2]); err != nil || c.Value.IsNegative() {
		return coupon.Coupon{}, errors.Wrapf(ErrMalformed, "value %q", fields[2])
	}
	if fields[3] != "" {
		if c.MinPurchase, err = decimal.NewFromString(fields[3]); err != nil || c.MinPurchase.IsNegative() {
			return coupon.Coupon{}, errors.Wrapf(ErrMalformed, "min_purchase %q", fields[3])
		}
	}
	if fields[4] != "" {
		at, err := time.Parse(time.RFC3339, fields[4])
		if err != nil {
			return coupon.Coupon{}, errors.Wrapf(ErrMalformed, "expires_at %q", fields[4])
		}
		at = at.UTC()
		c.ExpiresAt = &at
	}
	return c, nil
}

// same reports whether two records define the same coupon.
func same(a, b coupon.Coupon) bool {
	if a.Kind != b.Kind || !a.Value.Equal(b.Value) || !a.MinPurchase.Equal(b.MinPurchase) {
		return false
	}
	switch {
	case a.ExpiresAt == nil || b.ExpiresAt == nil:
		return a.ExpiresAt == b.ExpiresAt
	default:
		return a.ExpiresAt.Equal(*b.ExpiresAt)
	}
}

// stream calls fn for every well-formed record of the gzip file at path and
// returns the number of malformed lines skipped.
func stream(ctx context.Context, path string, fn func(c coupon.Coupon) error) (skipped int, _ error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "open")
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return 0, errors.Wrap(err, "gzip reader")
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for n := 0; scanner.Scan(); n++ {
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return skipped, err
			}
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		c, err := ParseLine(line)
		if err != nil {
			skipped++
			continue
		}
		if err := fn(c); err != nil {
			return skipped, err
		}
	}
	if err := scanner.Err(); err != nil {
		return skipped, errors.Wrap(err, "scan")
	}
	return skipped, nil
}
