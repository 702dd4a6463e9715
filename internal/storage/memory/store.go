// Package memory implements every storage port in process. It backs the
// "memory" storage mode and the domain tests.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-cart/internal/domain/auth"
	"github.com/xenking/storefront-cart/internal/domain/cart"
	"github.com/xenking/storefront-cart/internal/domain/catalog"
	"github.com/xenking/storefront-cart/internal/domain/checkout"
	"github.com/xenking/storefront-cart/internal/domain/coupon"
	"github.com/xenking/storefront-cart/internal/domain/reservation"
)

var (
	_ catalog.Provider  = (*Store)(nil)
	_ cart.Repository   = (*Store)(nil)
	_ coupon.Repository = (*Store)(nil)
	_ checkout.Store    = (*Store)(nil)
	_ auth.Repository   = (*Store)(nil)
)

// Store is a mutex-guarded in-memory database. Values are copied in and out
// so callers never share memory with it.
type Store struct {
	mu       sync.RWMutex
	products map[string]catalog.Product
	variants map[string]catalog.Variant
	coupons  map[string]coupon.Coupon
	lines    map[string]cart.Line
	orders   []checkout.Order
	apikeys  map[string]auth.APIKeyInfo
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		products: make(map[string]catalog.Product),
		variants: make(map[string]catalog.Variant),
		coupons:  make(map[string]coupon.Coupon),
		lines:    make(map[string]cart.Line),
		apikeys:  make(map[string]auth.APIKeyInfo),
	}
}

// PutProduct inserts or replaces a product.
func (s *Store) PutProduct(p catalog.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

// PutVariant inserts or replaces a variant.
func (s *Store) PutVariant(v catalog.Variant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.variants[v.ID] = v
}

// PutCoupon inserts or replaces a coupon.
func (s *Store) PutCoupon(c coupon.Coupon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coupons[c.Code] = c
}

// PutAPIKey stores an API key by its hash.
func (s *Store) PutAPIKey(info auth.APIKeyInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apikeys[info.KeyHash] = info
}

// SetStock overwrites the stock counter of key.
func (s *Store) SetStock(key reservation.Key, stock int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key.VariantID != "" {
		v := s.variants[key.VariantID]
		v.AvailableStock = stock
		s.variants[key.VariantID] = v
		return
	}
	p := s.products[key.ProductID]
	p.AvailableStock = stock
	s.products[key.ProductID] = p
}

// Stock returns the stock counter of key.
func (s *Store) Stock(key reservation.Key) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stockLocked(key)
}

func (s *Store) stockLocked(key reservation.Key) int {
	if key.VariantID != "" {
		return s.variants[key.VariantID].AvailableStock
	}
	return s.products[key.ProductID].AvailableStock
}

// SetPrice changes a catalog price: the variant override when key names a
// variant, else the product sale price.
func (s *Store) SetPrice(key reservation.Key, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key.VariantID != "" {
		v := s.variants[key.VariantID]
		v.Price = price
		s.variants[key.VariantID] = v
		return
	}
	p := s.products[key.ProductID]
	p.SalePrice = price
	s.products[key.ProductID] = p
}

// Orders returns committed orders in commit order.
func (s *Store) Orders() []checkout.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.orders)
}

// Lines returns every stored line, purchased ones included.
func (s *Store) Lines() []cart.Line {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]cart.Line, 0, len(s.lines))
	for _, l := range s.lines {
		out = append(out, l)
	}
	sortLines(out)
	return out
}

func sortLines(lines []cart.Line) {
	slices.SortFunc(lines, func(a, b cart.Line) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// Ping implements health checking; the store is always ready.
func (s *Store) Ping(context.Context) error { return nil }

// GetProduct implements catalog.Provider.
func (s *Store) GetProduct(_ context.Context, id string) (*catalog.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return nil, catalog.ErrProductNotFound
	}
	return &p, nil
}

// GetVariant implements catalog.Provider.
func (s *Store) GetVariant(_ context.Context, id string) (*catalog.Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.variants[id]
	if !ok {
		return nil, catalog.ErrVariantNotFound
	}
	return &v, nil
}

// ListVariants implements catalog.Provider.
func (s *Store) ListVariants(_ context.Context, productID string) ([]catalog.Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []catalog.Variant
	for _, v := range s.variants {
		if v.ProductID == productID {
			out = append(out, v)
		}
	}
	slices.SortFunc(out, func(a, b catalog.Variant) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// FindByCode implements coupon.Repository.
func (s *Store) FindByCode(_ context.Context, code string) (*coupon.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.coupons[code]
	if !ok {
		return nil, coupon.ErrNotFound
	}
	return &c, nil
}

// FindByHash implements auth.Repository.
func (s *Store) FindByHash(_ context.Context, hash string) (*auth.APIKeyInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.apikeys[hash]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &info, nil
}

// Get implements cart.Repository.
func (s *Store) Get(_ context.Context, id string) (*cart.Line, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.lines[id]
	if !ok || l.Purchased {
		return nil, cart.ErrLineNotFound
	}
	return &l, nil
}

// FindOpen implements cart.Repository.
func (s *Store) FindOpen(_ context.Context, userID, productID, variantID string) (*cart.Line, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if l, ok := s.findOpenLocked(userID, productID, variantID); ok {
		return &l, nil
	}
	return nil, cart.ErrLineNotFound
}

func (s *Store) findOpenLocked(userID, productID, variantID string) (cart.Line, bool) {
	for _, l := range s.lines {
		if !l.Purchased && l.UserID == userID && l.ProductID == productID && l.VariantID == variantID {
			return l, true
		}
	}
	return cart.Line{}, false
}

// ListOpen implements cart.Repository.
func (s *Store) ListOpen(_ context.Context, userID string) ([]cart.Line, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []cart.Line
	for _, l := range s.lines {
		if !l.Purchased && l.UserID == userID {
			out = append(out, l)
		}
	}
	sortLines(out)
	return out, nil
}

// ReservedQuantity implements cart.Repository.
func (s *Store) ReservedQuantity(_ context.Context, productID, variantID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, l := range s.lines {
		if !l.Purchased && l.ProductID == productID && l.VariantID == variantID {
			total += l.Quantity
		}
	}
	return total, nil
}

// Create implements cart.Repository.
func (s *Store) Create(_ context.Context, line *cart.Line) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.findOpenLocked(line.UserID, line.ProductID, line.VariantID); ok {
		return cart.ErrLineExists
	}
	s.lines[line.ID] = *line
	return nil
}

// UpdateQuantity implements cart.Repository.
func (s *Store) UpdateQuantity(_ context.Context, id string, quantity int, at time.Time) error {
	return s.update(id, func(l *cart.Line) {
		l.Quantity = quantity
		l.UpdatedAt = at
	})
}

// SetCoupon implements cart.Repository.
func (s *Store) SetCoupon(_ context.Context, id, code string, at time.Time) error {
	return s.update(id, func(l *cart.Line) {
		l.CouponCode = code
		l.UpdatedAt = at
	})
}

func (s *Store) update(id string, fn func(l *cart.Line)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lines[id]
	if !ok || l.Purchased {
		return cart.ErrLineNotFound
	}
	fn(&l)
	s.lines[id] = l
	return nil
}

// Delete implements cart.Repository.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lines[id]
	if !ok || l.Purchased {
		return cart.ErrLineNotFound
	}
	delete(s.lines, id)
	return nil
}

// Commit implements checkout.Store. All checks run before any write.
func (s *Store) Commit(_ context.Context, order *checkout.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	demand := make(map[reservation.Key]int)
	for _, ol := range order.Lines {
		l, ok := s.lines[ol.CartLineID]
		if !ok || l.Purchased || l.UserID != order.UserID || l.Quantity != ol.Quantity {
			return checkout.ErrCartChanged
		}
		demand[l.Key()] += ol.Quantity
	}
	for key, qty := range demand {
		if stock := s.stockLocked(key); stock < qty {
			return &cart.StockExceededError{Limit: max(stock, 0)}
		}
	}

	for key, qty := range demand {
		if key.VariantID != "" {
			v := s.variants[key.VariantID]
			v.AvailableStock -= qty
			s.variants[key.VariantID] = v
			continue
		}
		p := s.products[key.ProductID]
		p.AvailableStock -= qty
		s.products[key.ProductID] = p
	}
	for _, ol := range order.Lines {
		l := s.lines[ol.CartLineID]
		l.Purchased = true
		l.UpdatedAt = order.CreatedAt
		s.lines[ol.CartLineID] = l
	}
	stored := *order
	stored.Lines = slices.Clone(order.Lines)
	s.orders = append(s.orders, stored)
	return nil
}
