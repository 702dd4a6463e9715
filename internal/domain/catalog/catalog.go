// Package catalog describes the read-mostly product catalog the cart reads
// prices and stock from, and resolves variant selections against it.
package catalog

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Status is the publication state shared by products and variants.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

var (
	// ErrProductNotFound is returned when a product does not exist or is not
	// active.
	ErrProductNotFound = errors.New("product not found")
	// ErrVariantNotFound is returned when no variant matches a selection.
	ErrVariantNotFound = errors.New("selected variant does not exist")
	// ErrInvalidSelection is returned when color or size is selected for a
	// product that has no variants.
	ErrInvalidSelection = errors.New("product has no variants to select from")
	// ErrNoDefaultVariant is returned when nothing was selected and the
	// product has no default variant.
	ErrNoDefaultVariant = errors.New("product has no default variant")
)

// Product is a catalog item as seen by the cart.
type Product struct {
	ID             string
	Slug           string
	Title          string
	SalePrice      decimal.Decimal
	OldPrice       decimal.Decimal
	AvailableStock int
	Status         Status
	HasVariants    bool
}

// Active reports whether the product can be put into a cart.
func (p *Product) Active() bool {
	return p.Status == StatusActive
}

// Variant is a color/size combination of a product. Empty ColorID or SizeID
// means the variant does not vary along that axis.
type Variant struct {
	ID             string
	ProductID      string
	ColorID        string
	SizeID         string
	Price          decimal.Decimal
	AvailableStock int
	IsDefault      bool
	Status         Status
}

// Active reports whether the variant can be selected.
func (v *Variant) Active() bool {
	return v.Status == StatusActive
}

// UnitPrice returns the price a shopper pays for one unit of product p in
// variant v. A non-positive variant price inherits the product sale price.
func UnitPrice(p *Product, v *Variant) decimal.Decimal {
	if v != nil && v.Price.IsPositive() {
		return v.Price
	}
	return p.SalePrice
}

// AvailableStock returns the live stock counter for the selection: the
// variant's when one is selected, otherwise the product's.
func AvailableStock(p *Product, v *Variant) int {
	if v != nil {
		return v.AvailableStock
	}
	return p.AvailableStock
}

// Provider gives read access to current catalog prices and stock.
type Provider interface {
	GetProduct(ctx context.Context, id string) (*Product, error)
	GetVariant(ctx context.Context, id string) (*Variant, error)
	ListVariants(ctx context.Context, productID string) ([]Variant, error)
}
