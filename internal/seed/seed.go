// Package seed loads catalog, coupon and API key fixtures from JSON and
// writes them to a storage backend.
package seed

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-cart/internal/domain/auth"
	"github.com/xenking/storefront-cart/internal/domain/catalog"
	"github.com/xenking/storefront-cart/internal/domain/coupon"
)

// Data is the content of a seed file.
type Data struct {
	Products []catalog.Product
	Variants []catalog.Variant
	Coupons  []coupon.Coupon
	APIKeys  []APIKey
}

// APIKey is a plaintext key to be stored hashed.
type APIKey struct {
	ID     string
	Name   string
	Key    string
	Scopes []string
}

// Sink receives seeded records.
type Sink struct {
	Product func(ctx context.Context, p catalog.Product) error
	Variant func(ctx context.Context, v catalog.Variant) error
	Coupons func(ctx context.Context, coupons []coupon.Coupon) error
	APIKey  func(ctx context.Context, info auth.APIKeyInfo) error
}

// Apply writes data to s, hashing API keys with pepper. Products go before
// their variants.
func (data *Data) Apply(ctx context.Context, s Sink, pepper []byte) error {
	for _, p := range data.Products {
		if err := s.Product(ctx, p); err != nil {
			return errors.Wrapf(err, "product %s", p.ID)
		}
	}
	for _, v := range data.Variants {
		if err := s.Variant(ctx, v); err != nil {
			return errors.Wrapf(err, "variant %s", v.ID)
		}
	}
	if len(data.Coupons) > 0 {
		if err := s.Coupons(ctx, data.Coupons); err != nil {
			return errors.Wrap(err, "coupons")
		}
	}
	for _, k := range data.APIKeys {
		info := auth.APIKeyInfo{
			ID:      k.ID,
			KeyHash: auth.HashKey(pepper, k.Key),
			Name:    k.Name,
			Scopes:  k.Scopes,
		}
		if err := s.APIKey(ctx, info); err != nil {
			return errors.Wrapf(err, "api key %s", k.ID)
		}
	}
	return nil
}

// LoadFile reads a seed file.
func LoadFile(path string) (*Data, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open seed file")
	}
	defer func() { _ = f.Close() }()
	return Load(f)
}

// Load decodes a seed document:
//
//	{"products": [...], "coupons": [...], "api_keys": [...]}
//
// Variants are nested in their product.
func Load(r io.Reader) (*Data, error) {
	data := &Data{}
	d := jx.Decode(r, 4096)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "products":
			return d.Arr(func(d *jx.Decoder) error {
				return data.decodeProduct(d)
			})
		case "coupons":
			return d.Arr(func(d *jx.Decoder) error {
				c, err := decodeCoupon(d)
				if err != nil {
					return err
				}
				data.Coupons = append(data.Coupons, c)
				return nil
			})
		case "api_keys":
			return d.Arr(func(d *jx.Decoder) error {
				k, err := decodeAPIKey(d)
				if err != nil {
					return err
				}
				data.APIKeys = append(data.APIKeys, k)
				return nil
			})
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode seed")
	}
	return data, nil
}

func (data *Data) decodeProduct(d *jx.Decoder) error {
	p := catalog.Product{Status: catalog.StatusActive}
	var variants []catalog.Variant
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			p.ID, err = d.Str()
		case "slug":
			p.Slug, err = d.Str()
		case "title":
			p.Title, err = d.Str()
		case "sale_price":
			p.SalePrice, err = money(d)
		case "old_price":
			p.OldPrice, err = money(d)
		case "available_stock":
			p.AvailableStock, err = d.Int()
		case "status":
			p.Status, err = status(d)
		case "variants":
			err = d.Arr(func(d *jx.Decoder) error {
				v, err := decodeVariant(d)
				variants = append(variants, v)
				return err
			})
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return err
	}
	if p.ID == "" {
		return errors.New("product without id")
	}
	p.HasVariants = len(variants) > 0
	for i := range variants {
		variants[i].ProductID = p.ID
		if variants[i].ID == "" {
			return errors.Errorf("product %s: variant without id", p.ID)
		}
	}
	data.Products = append(data.Products, p)
	data.Variants = append(data.Variants, variants...)
	return nil
}

func decodeVariant(d *jx.Decoder) (catalog.Variant, error) {
	v := catalog.Variant{Status: catalog.StatusActive}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			v.ID, err = d.Str()
		case "color_id":
			v.ColorID, err = d.Str()
		case "size_id":
			v.SizeID, err = d.Str()
		case "price":
			v.Price, err = money(d)
		case "available_stock":
			v.AvailableStock, err = d.Int()
		case "is_default":
			v.IsDefault, err = d.Bool()
		case "status":
			v.Status, err = status(d)
		default:
			err = d.Skip()
		}
		return err
	})
	return v, err
}

func decodeCoupon(d *jx.Decoder) (coupon.Coupon, error) {
	c := coupon.Coupon{Active: true}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "code":
			c.Code, err = d.Str()
		case "kind":
			var kind string
			kind, err = d.Str()
			c.Kind = coupon.Kind(kind)
		case "value":
			c.Value, err = money(d)
		case "min_purchase":
			c.MinPurchase, err = money(d)
		case "active":
			c.Active, err = d.Bool()
		case "expires_at":
			var raw string
			if raw, err = d.Str(); err == nil && raw != "" {
				var at time.Time
				at, err = time.Parse(time.RFC3339, raw)
				c.ExpiresAt = &at
			}
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return c, err
	}
	if c.Code == "" || !c.Kind.Valid() {
		return c, errors.Errorf("coupon %q: code and a valid kind are required", c.Code)
	}
	return c, nil
}

func decodeAPIKey(d *jx.Decoder) (APIKey, error) {
	var k APIKey
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			k.ID, err = d.Str()
		case "name":
			k.Name, err = d.Str()
		case "key":
			k.Key, err = d.Str()
		case "scopes":
			err = d.Arr(func(d *jx.Decoder) error {
				s, err := d.Str()
				k.Scopes = append(k.Scopes, s)
				return err
			})
		default:
			err = d.Skip()
		}
		return err
	})
	if err == nil && (k.ID == "" || k.Key == "") {
		err = errors.New("api key: id and key are required")
	}
	return k, err
}

// money accepts amounts as JSON strings or numbers.
func money(d *jx.Decoder) (decimal.Decimal, error) {
	var raw string
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		raw = s
	default:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		raw = n.String()
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "amount %q", raw)
	}
	return v, nil
}

func status(d *jx.Decoder) (catalog.Status, error) {
	s, err := d.Str()
	if err != nil {
		return "", err
	}
	switch st := catalog.Status(s); st {
	case catalog.StatusActive, catalog.StatusInactive:
		return st, nil
	default:
		return "", errors.Errorf("unknown status %q", s)
	}
}
