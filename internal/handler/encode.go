package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-cart/internal/domain/cart"
	"github.com/xenking/storefront-cart/internal/domain/checkout"
)

type encoder struct {
	*jx.Encoder
}

func writeJSON(w http.ResponseWriter, status int, fn func(e *encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	fn(&encoder{Encoder: e})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func (e *encoder) str(name, v string) {
	e.FieldStart(name)
	e.Str(v)
}

func (e *encoder) optStr(name, v string) {
	e.FieldStart(name)
	if v == "" {
		e.Null()
		return
	}
	e.Str(v)
}

func (e *encoder) num(name string, v int) {
	e.FieldStart(name)
	e.Int(v)
}

// money renders amounts as fixed two-decimal strings.
func (e *encoder) money(name string, v decimal.Decimal) {
	e.FieldStart(name)
	e.Str(v.StringFixed(2))
}

func (e *encoder) timestamp(name string, v time.Time) {
	e.FieldStart(name)
	e.Str(v.UTC().Format(time.RFC3339))
}

func (e *encoder) line(v *cart.LineView) {
	e.ObjStart()
	e.str("id", v.Line.ID)
	e.str("product_id", v.Line.ProductID)
	e.optStr("variant_id", v.Line.VariantID)
	e.num("quantity", v.Line.Quantity)
	e.money("unit_price", v.Line.UnitPrice)
	e.optStr("coupon_code", v.Line.CouponCode)
	e.money("subtotal", v.Subtotal)
	e.money("discount", v.Discount)
	e.money("total", v.Total)
	e.timestamp("created_at", v.Line.CreatedAt)
	e.ObjEnd()
}

func (e *encoder) summary(s *cart.Summary) {
	e.ObjStart()
	e.FieldStart("lines")
	e.ArrStart()
	for i := range s.Lines {
		e.line(&s.Lines[i])
	}
	e.ArrEnd()
	e.num("count", s.Count)
	e.num("quantity", s.Quantity)
	e.money("subtotal", s.Subtotal)
	e.money("discount", s.Discount)
	e.money("total", s.Total)
	e.ObjEnd()
}

func (e *encoder) addResult(res *cart.AddItemResult) {
	e.ObjStart()
	e.str("line_id", res.Line.ID)
	e.num("final_quantity", res.FinalQuantity)
	e.money("unit_price", res.UnitPrice)
	e.num("available_stock", res.AvailableStock)
	e.FieldStart("created")
	e.Bool(res.Created)
	e.FieldStart("cart")
	e.summary(res.Summary)
	e.ObjEnd()
}

func (e *encoder) changeResult(res *cart.ChangeQuantityResult) {
	e.ObjStart()
	e.str("line_id", res.Line.ID)
	e.num("quantity", res.Line.Quantity)
	e.num("available_stock", res.AvailableStock)
	e.FieldStart("cart")
	e.summary(res.Summary)
	e.ObjEnd()
}

func (e *encoder) order(o *checkout.Order) {
	e.ObjStart()
	e.str("id", o.ID)
	e.str("user_id", o.UserID)
	e.FieldStart("lines")
	e.ArrStart()
	for i := range o.Lines {
		l := &o.Lines[i]
		e.ObjStart()
		e.str("cart_line_id", l.CartLineID)
		e.str("product_id", l.ProductID)
		e.optStr("variant_id", l.VariantID)
		e.num("quantity", l.Quantity)
		e.money("unit_price", l.UnitPrice)
		e.money("subtotal", l.Subtotal)
		e.money("discount", l.Discount)
		e.money("total", l.Total)
		e.optStr("coupon_code", l.CouponCode)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.money("subtotal", o.Subtotal)
	e.money("discounts", o.Discounts)
	e.money("total", o.Total)
	e.timestamp("created_at", o.CreatedAt)
	e.ObjEnd()
}
