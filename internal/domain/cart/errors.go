package cart

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Sentinel errors returned by the Ledger.
var (
	ErrInvalidQuantity = errors.New("quantity must be between 1 and 2147483647")
	ErrMinimumQuantity = errors.New("quantity cannot go below 1, remove the item instead")
	ErrOutOfStock      = errors.New("out of stock")
	ErrLineNotFound    = errors.New("cart line not found")
	// ErrNotOwner is returned when a line belongs to another user. Callers
	// facing the shopper should report it like ErrLineNotFound.
	ErrNotOwner = errors.New("cart line belongs to another user")
	// ErrLineExists is returned by Repository.Create when the unique open
	// line constraint is violated.
	ErrLineExists = errors.New("open cart line already exists")
)

// StockExceededError is returned when the requested quantity is above what
// the shopper may hold. Limit is the largest quantity that would have been
// accepted.
type StockExceededError struct {
	Limit int
}

func (e *StockExceededError) Error() string {
	return fmt.Sprintf("only %d available", e.Limit)
}

// IsCapacity reports whether err is a stock capacity error.
func IsCapacity(err error) bool {
	var exceeded *StockExceededError
	return errors.Is(err, ErrOutOfStock) || errors.As(err, &exceeded)
}
