package cart

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-cart/internal/domain/catalog"
)

// MaxQuantity bounds a requested quantity or delta. It matches the storage
// column, and keeps current+delta from overflowing int.
const MaxQuantity = math.MaxInt32

// AddItemCommand puts Quantity units of a product selection into the cart.
// ProductSlug is optional; when set it must match the product.
type AddItemCommand struct {
	ProductID   string
	ProductSlug string
	ColorID     string
	SizeID      string
	Quantity    int
}

// Validate checks the command before any catalog access.
func (c AddItemCommand) Validate() error {
	if strings.TrimSpace(c.ProductID) == "" {
		return catalog.ErrProductNotFound
	}
	if c.Quantity < 1 || c.Quantity > MaxQuantity {
		return ErrInvalidQuantity
	}
	return nil
}

func (c AddItemCommand) selection() catalog.Selection {
	return catalog.Selection{ColorID: c.ColorID, SizeID: c.SizeID}.Normalize()
}

// ChangeQuantityCommand sets a line's quantity. With Relative set, Quantity
// is a signed delta applied to the current quantity.
type ChangeQuantityCommand struct {
	LineID   string
	Quantity int
	Relative bool
}

// Validate checks the command before any storage access.
func (c ChangeQuantityCommand) Validate() error {
	if c.Quantity > MaxQuantity || c.Quantity < -MaxQuantity {
		return ErrInvalidQuantity
	}
	if !c.Relative && c.Quantity < 1 {
		return ErrMinimumQuantity
	}
	return nil
}

func (c ChangeQuantityCommand) target(current int) int {
	if c.Relative {
		return current + c.Quantity
	}
	return c.Quantity
}

// AddItemResult reports the outcome of AddItem.
type AddItemResult struct {
	Line          *Line
	FinalQuantity int
	UnitPrice     decimal.Decimal
	// AvailableStock is the quantity limit the line was validated against.
	AvailableStock int
	Created        bool
	Summary        *Summary
}

// ChangeQuantityResult reports the outcome of ChangeQuantity.
type ChangeQuantityResult struct {
	Line           *Line
	AvailableStock int
	Summary        *Summary
}

// LineView is an open line with its derived amounts.
type LineView struct {
	Line     Line
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Total    decimal.Decimal
}

// Summary aggregates a user's open lines. Count is the number of lines,
// Quantity the number of units.
type Summary struct {
	Lines    []LineView
	Count    int
	Quantity int
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Total    decimal.Decimal
}
