package cart

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/storefront-cart/internal/domain/catalog"
	"github.com/xenking/storefront-cart/internal/domain/coupon"
	"github.com/xenking/storefront-cart/internal/domain/reservation"
)

const tracerName = "github.com/xenking/storefront-cart/internal/domain/cart"

// Ledger is the stateful core of the cart. Every stock-affecting mutation
// runs under the guard lock of the line's product/variant pair, with stock
// and price read from the catalog inside the lock.
type Ledger struct {
	catalog   catalog.Provider
	resolver  *catalog.Resolver
	lines     Repository
	coupons   coupon.Repository
	evaluator *coupon.Evaluator
	guard     reservation.Guard

	now    func() time.Time
	newID  func() string
	tracer trace.Tracer
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source used for line timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithIDGenerator overrides how new line IDs are generated.
func WithIDGenerator(fn func() string) Option {
	return func(l *Ledger) { l.newID = fn }
}

// WithTracerProvider enables tracing of ledger operations.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(l *Ledger) { l.tracer = tp.Tracer(tracerName) }
}

// NewLedger creates a Ledger with the required dependencies.
func NewLedger(
	products catalog.Provider,
	lines Repository,
	coupons coupon.Repository,
	evaluator *coupon.Evaluator,
	guard reservation.Guard,
	opts ...Option,
) *Ledger {
	l := &Ledger{
		catalog:   products,
		resolver:  catalog.NewResolver(products),
		lines:     lines,
		coupons:   coupons,
		evaluator: evaluator,
		guard:     guard,
		now:       time.Now,
		newID:     uuid.NewString,
		tracer:    noop.NewTracerProvider().Tracer(tracerName),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Ledger) start(ctx context.Context, name, userID string) (context.Context, trace.Span) {
	return l.tracer.Start(ctx, "cart."+name, trace.WithAttributes(attribute.String("cart.user_id", userID)))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// AddItem puts cmd.Quantity units of the selected product/variant into the
// user's cart, merging into the user's open line for the pair when one
// exists. On any error the cart is left unchanged.
func (l *Ledger) AddItem(ctx context.Context, userID string, cmd AddItemCommand) (_ *AddItemResult, rerr error) {
	ctx, span := l.start(ctx, "AddItem", userID)
	defer func() { finish(span, rerr) }()

	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	p, err := l.activeProduct(ctx, strings.TrimSpace(cmd.ProductID))
	if err != nil {
		return nil, err
	}
	if cmd.ProductSlug != "" && cmd.ProductSlug != p.Slug {
		return nil, catalog.ErrProductNotFound
	}
	v, err := l.resolver.Resolve(ctx, p, cmd.selection())
	if err != nil {
		return nil, err
	}

	key := reservation.Key{ProductID: p.ID}
	if v != nil {
		key.VariantID = v.ID
	}
	span.SetAttributes(attribute.String("cart.stock_key", key.String()))

	line, created, limit, err := l.addLocked(ctx, userID, key, cmd.Quantity)
	if err != nil {
		return nil, err
	}

	zctx.From(ctx).Debug("Cart line added",
		zap.String("user_id", userID),
		zap.String("line_id", line.ID),
		zap.Stringer("key", key),
		zap.Int("quantity", line.Quantity),
		zap.Bool("created", created),
	)

	summary, err := l.Summarize(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "summarize")
	}
	return &AddItemResult{
		Line:           line,
		FinalQuantity:  line.Quantity,
		UnitPrice:      line.UnitPrice,
		AvailableStock: limit,
		Created:        created,
		Summary:        summary,
	}, nil
}

func (l *Ledger) addLocked(ctx context.Context, userID string, key reservation.Key, qty int) (_ *Line, created bool, limit int, _ error) {
	release, err := l.guard.Acquire(ctx, key)
	if err != nil {
		return nil, false, 0, errors.Wrap(err, "acquire stock lock")
	}
	defer release()

	p, v, err := l.live(ctx, key)
	if err != nil {
		return nil, false, 0, err
	}

	existing, err := l.lines.FindOpen(ctx, userID, key.ProductID, key.VariantID)
	switch {
	case errors.Is(err, ErrLineNotFound):
		existing = nil
	case err != nil:
		return nil, false, 0, errors.Wrap(err, "find open line")
	}

	held := 0
	if existing != nil {
		held = existing.Quantity
	}
	limit, err = l.limit(ctx, key, catalog.AvailableStock(p, v), held)
	if err != nil {
		return nil, false, 0, err
	}
	if limit <= 0 {
		return nil, false, limit, ErrOutOfStock
	}

	now := l.now()
	if existing != nil {
		if qty > limit-existing.Quantity {
			return nil, false, limit, &StockExceededError{Limit: limit}
		}
		target := existing.Quantity + qty
		if err := l.lines.UpdateQuantity(ctx, existing.ID, target, now); err != nil {
			return nil, false, limit, errors.Wrap(err, "update quantity")
		}
		existing.Quantity = target
		existing.UpdatedAt = now
		return existing, false, limit, nil
	}

	if qty > limit {
		return nil, false, limit, &StockExceededError{Limit: limit}
	}
	line := &Line{
		ID:        l.newID(),
		UserID:    userID,
		ProductID: key.ProductID,
		VariantID: key.VariantID,
		Quantity:  qty,
		UnitPrice: catalog.UnitPrice(p, v),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.lines.Create(ctx, line); err != nil {
		return nil, false, limit, errors.Wrap(err, "create line")
	}
	return line, true, limit, nil
}

// ChangeQuantity sets the quantity of one of the user's lines, validated
// against current live stock.
func (l *Ledger) ChangeQuantity(ctx context.Context, userID string, cmd ChangeQuantityCommand) (_ *ChangeQuantityResult, rerr error) {
	ctx, span := l.start(ctx, "ChangeQuantity", userID)
	defer func() { finish(span, rerr) }()

	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	line, err := l.ownedLine(ctx, userID, cmd.LineID)
	if err != nil {
		return nil, err
	}

	line, limit, err := l.changeLocked(ctx, userID, line.Key(), cmd)
	if err != nil {
		return nil, err
	}

	summary, err := l.Summarize(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "summarize")
	}
	return &ChangeQuantityResult{
		Line:           line,
		AvailableStock: limit,
		Summary:        summary,
	}, nil
}

func (l *Ledger) changeLocked(ctx context.Context, userID string, key reservation.Key, cmd ChangeQuantityCommand) (*Line, int, error) {
	release, err := l.guard.Acquire(ctx, key)
	if err != nil {
		return nil, 0, errors.Wrap(err, "acquire stock lock")
	}
	defer release()

	// Re-read under the lock: a relative change must apply to the quantity
	// the previous holder committed.
	line, err := l.ownedLine(ctx, userID, cmd.LineID)
	if err != nil {
		return nil, 0, err
	}
	if cmd.Relative && cmd.Quantity < 1-line.Quantity {
		return nil, 0, ErrMinimumQuantity
	}

	p, v, err := l.live(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	limit, err := l.limit(ctx, key, catalog.AvailableStock(p, v), line.Quantity)
	if err != nil {
		return nil, 0, err
	}
	// Compared against the headroom so a large delta cannot wrap.
	if cmd.Relative && cmd.Quantity > limit-line.Quantity {
		return nil, limit, &StockExceededError{Limit: max(limit, 0)}
	}
	target := cmd.target(line.Quantity)
	if target > limit {
		return nil, limit, &StockExceededError{Limit: max(limit, 0)}
	}

	if target != line.Quantity {
		now := l.now()
		if err := l.lines.UpdateQuantity(ctx, line.ID, target, now); err != nil {
			return nil, limit, errors.Wrap(err, "update quantity")
		}
		line.Quantity = target
		line.UpdatedAt = now
	}
	return line, limit, nil
}

// RemoveItem deletes one of the user's lines. Stock is not touched.
func (l *Ledger) RemoveItem(ctx context.Context, userID, lineID string) (_ *Summary, rerr error) {
	ctx, span := l.start(ctx, "RemoveItem", userID)
	defer func() { finish(span, rerr) }()

	line, err := l.ownedLine(ctx, userID, lineID)
	if err != nil {
		return nil, err
	}
	if err := l.lines.Delete(ctx, line.ID); err != nil {
		return nil, errors.Wrap(err, "delete line")
	}
	zctx.From(ctx).Debug("Cart line removed",
		zap.String("user_id", userID),
		zap.String("line_id", line.ID),
	)
	return l.Summarize(ctx, userID)
}

// ApplyCoupon attaches a coupon to one of the user's lines. The coupon must
// exist and be valid now; if it expires later it stays attached and simply
// stops discounting.
func (l *Ledger) ApplyCoupon(ctx context.Context, userID, lineID, code string) (_ *Summary, rerr error) {
	ctx, span := l.start(ctx, "ApplyCoupon", userID)
	defer func() { finish(span, rerr) }()

	code = strings.TrimSpace(code)
	if code == "" {
		return nil, coupon.ErrNotFound
	}
	line, err := l.ownedLine(ctx, userID, lineID)
	if err != nil {
		return nil, err
	}
	c, err := l.coupons.FindByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if !c.IsValid(l.evaluator.Now()) {
		return nil, coupon.ErrInvalid
	}
	if err := l.lines.SetCoupon(ctx, line.ID, c.Code, l.now()); err != nil {
		return nil, errors.Wrap(err, "set coupon")
	}
	return l.Summarize(ctx, userID)
}

// RemoveCoupon detaches any coupon from one of the user's lines.
func (l *Ledger) RemoveCoupon(ctx context.Context, userID, lineID string) (_ *Summary, rerr error) {
	ctx, span := l.start(ctx, "RemoveCoupon", userID)
	defer func() { finish(span, rerr) }()

	line, err := l.ownedLine(ctx, userID, lineID)
	if err != nil {
		return nil, err
	}
	if line.CouponCode != "" {
		if err := l.lines.SetCoupon(ctx, line.ID, "", l.now()); err != nil {
			return nil, errors.Wrap(err, "clear coupon")
		}
	}
	return l.Summarize(ctx, userID)
}

// Summarize computes the user's cart totals from pinned line prices. It takes
// no lock, so it may trail in-flight mutations.
func (l *Ledger) Summarize(ctx context.Context, userID string) (*Summary, error) {
	lines, err := l.lines.ListOpen(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list open lines")
	}

	coupons := make(map[string]*coupon.Coupon)
	s := &Summary{
		Lines:    make([]LineView, 0, len(lines)),
		Count:    len(lines),
		Subtotal: decimal.Zero,
		Discount: decimal.Zero,
		Total:    decimal.Zero,
	}
	for _, line := range lines {
		c, err := l.lineCoupon(ctx, coupons, line.CouponCode)
		if err != nil {
			return nil, err
		}
		view := Price(&line, c, l.evaluator)

		s.Lines = append(s.Lines, view)
		s.Quantity += line.Quantity
		s.Subtotal = s.Subtotal.Add(view.Subtotal)
		s.Discount = s.Discount.Add(view.Discount)
		s.Total = s.Total.Add(view.Total)
	}
	return s, nil
}

// Preview is Summarize for a header mini-cart: totals cover the whole cart
// but at most limit lines are returned. A negative limit returns all lines.
func (l *Ledger) Preview(ctx context.Context, userID string, limit int) (*Summary, error) {
	s, err := l.Summarize(ctx, userID)
	if err != nil {
		return nil, err
	}
	if limit >= 0 && len(s.Lines) > limit {
		s.Lines = s.Lines[:limit]
	}
	return s, nil
}

// Price derives a line's subtotal, discount and total. A nil coupon means no
// discount.
func Price(line *Line, c *coupon.Coupon, e *coupon.Evaluator) LineView {
	subtotal := line.Subtotal()
	discount := e.Apply(c, subtotal)
	total := subtotal.Sub(discount)
	if total.IsNegative() {
		total = decimal.Zero
	}
	return LineView{
		Line:     *line,
		Subtotal: subtotal,
		Discount: discount,
		Total:    total,
	}
}

func (l *Ledger) lineCoupon(ctx context.Context, cache map[string]*coupon.Coupon, code string) (*coupon.Coupon, error) {
	if code == "" {
		return nil, nil
	}
	if c, ok := cache[code]; ok {
		return c, nil
	}
	c, err := l.coupons.FindByCode(ctx, code)
	switch {
	case errors.Is(err, coupon.ErrNotFound):
		// Deleted coupons are inert, like expired ones.
		c = nil
	case err != nil:
		return nil, errors.Wrapf(err, "find coupon %q", code)
	}
	cache[code] = c
	return c, nil
}

// ownedLine loads an open line and checks it belongs to userID.
func (l *Ledger) ownedLine(ctx context.Context, userID, lineID string) (*Line, error) {
	if strings.TrimSpace(lineID) == "" {
		return nil, ErrLineNotFound
	}
	line, err := l.lines.Get(ctx, lineID)
	if err != nil {
		return nil, err
	}
	if line.UserID != userID {
		return nil, ErrNotOwner
	}
	return line, nil
}

func (l *Ledger) activeProduct(ctx context.Context, id string) (*catalog.Product, error) {
	p, err := l.catalog.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Active() {
		return nil, catalog.ErrProductNotFound
	}
	return p, nil
}

// live re-reads the product and variant of key from the catalog.
func (l *Ledger) live(ctx context.Context, key reservation.Key) (*catalog.Product, *catalog.Variant, error) {
	p, err := l.activeProduct(ctx, key.ProductID)
	if err != nil {
		return nil, nil, err
	}
	if key.VariantID == "" {
		return p, nil, nil
	}
	v, err := l.catalog.GetVariant(ctx, key.VariantID)
	if err != nil {
		return nil, nil, err
	}
	if !v.Active() || v.ProductID != p.ID {
		return nil, nil, catalog.ErrVariantNotFound
	}
	return p, v, nil
}

// limit is the most a user already holding held units of key may hold:
// live stock minus what other users' open lines hold.
func (l *Ledger) limit(ctx context.Context, key reservation.Key, stock, held int) (int, error) {
	reserved, err := l.lines.ReservedQuantity(ctx, key.ProductID, key.VariantID)
	if err != nil {
		return 0, errors.Wrap(err, "reserved quantity")
	}
	return stock - (reserved - held), nil
}
