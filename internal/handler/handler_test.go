package handler_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/storefront-cart/internal/domain/auth"
	"github.com/xenking/storefront-cart/internal/domain/cart"
	"github.com/xenking/storefront-cart/internal/domain/catalog"
	"github.com/xenking/storefront-cart/internal/domain/checkout"
	"github.com/xenking/storefront-cart/internal/domain/coupon"
	"github.com/xenking/storefront-cart/internal/domain/reservation"
	"github.com/xenking/storefront-cart/internal/handler"
	"github.com/xenking/storefront-cart/internal/storage/memory"
)

var pepper = []byte("test-pepper")

const apiKey = "sk-test"

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

// --- Mock implementations ---

// stubCart fails every operation with err.
type stubCart struct {
	err error
}

func (s stubCart) AddItem(context.Context, string, cart.AddItemCommand) (*cart.AddItemResult, error) {
	return nil, s.err
}

func (s stubCart) ChangeQuantity(context.Context, string, cart.ChangeQuantityCommand) (*cart.ChangeQuantityResult, error) {
	return nil, s.err
}

func (s stubCart) RemoveItem(context.Context, string, string) (*cart.Summary, error) {
	return nil, s.err
}

func (s stubCart) ApplyCoupon(context.Context, string, string, string) (*cart.Summary, error) {
	return nil, s.err
}

func (s stubCart) RemoveCoupon(context.Context, string, string) (*cart.Summary, error) {
	return nil, s.err
}

func (s stubCart) Summarize(context.Context, string) (*cart.Summary, error) {
	return nil, s.err
}

func (s stubCart) Preview(context.Context, string, int) (*cart.Summary, error) {
	return nil, s.err
}

// --- Helpers ---

type fixture struct {
	store  *memory.Store
	server *httptest.Server
}

func newStore() *memory.Store {
	store := memory.NewStore()
	store.PutProduct(catalog.Product{
		ID: "mug", Slug: "mug", SalePrice: d("12.50"), AvailableStock: 5, Status: catalog.StatusActive,
	})
	store.PutProduct(catalog.Product{
		ID: "shirt", Slug: "shirt", SalePrice: d("100.00"), Status: catalog.StatusActive, HasVariants: true,
	})
	store.PutVariant(catalog.Variant{
		ID: "shirt-red-m", ProductID: "shirt", ColorID: "red", SizeID: "m",
		AvailableStock: 2, Status: catalog.StatusActive, IsDefault: true,
	})
	store.PutCoupon(coupon.Coupon{Code: "TEN", Kind: coupon.KindPercent, Value: d("10"), Active: true})
	store.PutAPIKey(auth.APIKeyInfo{ID: "k1", KeyHash: auth.HashKey(pepper, apiKey), Name: "web"})
	return store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newStore()
	guard := reservation.NewLocalGuard(time.Second)
	evaluator := coupon.NewEvaluator()
	h := handler.New(
		cart.NewLedger(store, store, store, evaluator, guard),
		checkout.NewService(store, store, evaluator, guard, store, nil),
	)
	return &fixture{store: store, server: serve(t, h, store)}
}

func serve(t *testing.T, h *handler.Handler, keys auth.Repository) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h.Router(handler.NewSecurity(keys, pepper), nil))
	t.Cleanup(srv.Close)
	return srv
}

type response struct {
	status int
	header http.Header
	body   map[string]any
}

func do(t *testing.T, srv *httptest.Server, user, method, path, body string) response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set(handler.HeaderAPIKey, apiKey)
	if user != "" {
		req.Header.Set(handler.HeaderUserID, user)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := response{status: resp.StatusCode, header: resp.Header}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out.body))
	return out
}

func (f *fixture) do(t *testing.T, user, method, path, body string) response {
	t.Helper()
	return do(t, f.server, user, method, path, body)
}

func (r response) cart() map[string]any {
	if c, ok := r.body["cart"].(map[string]any); ok {
		return c
	}
	return r.body
}

func (r response) lines() []any {
	lines, _ := r.cart()["lines"].([]any)
	return lines
}

// --- Tests ---

func TestSecurity(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		key    string
		user   string
		status int
	}{
		{name: "MissingKey", key: "", user: "alice", status: http.StatusUnauthorized},
		{name: "WrongKey", key: "sk-wrong", user: "alice", status: http.StatusUnauthorized},
		{name: "MissingUser", key: apiKey, user: "", status: http.StatusUnauthorized},
		{name: "BlankUser", key: apiKey, user: "   ", status: http.StatusUnauthorized},
		{name: "Valid", key: apiKey, user: "alice", status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, f.server.URL+"/api/cart", nil)
			require.NoError(t, err)
			if tt.key != "" {
				req.Header.Set(handler.HeaderAPIKey, tt.key)
			}
			req.Header.Set(handler.HeaderUserID, tt.user)
			resp, err := f.server.Client().Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestAddItem(t *testing.T) {
	f := newFixture(t)

	r := f.do(t, "alice", http.MethodPost, "/api/cart/items", `{"product_id":"mug","quantity":3}`)
	require.Equal(t, http.StatusCreated, r.status)
	assert.Equal(t, true, r.body["created"])
	assert.EqualValues(t, 3, r.body["final_quantity"])
	assert.Equal(t, "12.50", r.body["unit_price"])
	assert.EqualValues(t, 5, r.body["available_stock"])
	assert.Equal(t, "37.50", r.cart()["total"])

	// Merge into the same line.
	r = f.do(t, "alice", http.MethodPost, "/api/cart/items", `{"product_id":"mug","quantity":2}`)
	require.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, false, r.body["created"])
	assert.EqualValues(t, 5, r.body["final_quantity"])
	assert.Len(t, r.lines(), 1)

	// Variant product resolves to its default variant.
	r = f.do(t, "alice", http.MethodPost, "/api/cart/items", `{"product_id":"shirt","product_slug":"shirt","quantity":1}`)
	require.Equal(t, http.StatusCreated, r.status)
	assert.Len(t, r.lines(), 2)
	line := r.lines()[1].(map[string]any)
	assert.Equal(t, "shirt-red-m", line["variant_id"])
	assert.Equal(t, "100.00", line["unit_price"])
}

func TestAddItem_Errors(t *testing.T) {
	f := newFixture(t)
	f.do(t, "alice", http.MethodPost, "/api/cart/items", `{"product_id":"mug","quantity":3}`)

	tests := []struct {
		name    string
		body    string
		status  int
		message string
	}{
		{name: "Malformed", body: `{"product_id":`, status: http.StatusBadRequest, message: "malformed JSON body"},
		{name: "Empty", body: "", status: http.StatusBadRequest, message: "request body is required"},
		{name: "QuantityNotNumber", body: `{"product_id":"mug","quantity":"2"}`, status: http.StatusBadRequest, message: "quantity must be an integer"},
		{name: "QuantityFraction", body: `{"product_id":"mug","quantity":1.5}`, status: http.StatusBadRequest, message: "quantity must be an integer"},
		{name: "ZeroQuantity", body: `{"product_id":"mug","quantity":0}`, status: http.StatusUnprocessableEntity, message: cart.ErrInvalidQuantity.Error()},
		{name: "QuantityOutOfRange", body: `{"product_id":"mug","quantity":9223372036854775807}`, status: http.StatusBadRequest, message: "quantity is out of range"},
		{name: "QuantityAboveColumn", body: `{"product_id":"mug","quantity":2147483648}`, status: http.StatusBadRequest, message: "quantity is out of range"},
		{name: "UnknownProduct", body: `{"product_id":"nope","quantity":1}`, status: http.StatusNotFound, message: catalog.ErrProductNotFound.Error()},
		{name: "SlugMismatch", body: `{"product_id":"mug","product_slug":"cup","quantity":1}`, status: http.StatusNotFound, message: catalog.ErrProductNotFound.Error()},
		{name: "UnknownVariant", body: `{"product_id":"shirt","color_id":"blue","quantity":1}`, status: http.StatusNotFound, message: catalog.ErrVariantNotFound.Error()},
		{name: "SelectionWithoutVariants", body: `{"product_id":"mug","color_id":"red","quantity":1}`, status: http.StatusUnprocessableEntity, message: catalog.ErrInvalidSelection.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := f.do(t, "alice", http.MethodPost, "/api/cart/items", tt.body)
			assert.Equal(t, tt.status, r.status)
			assert.EqualValues(t, tt.status, r.body["code"])
			assert.Equal(t, tt.message, r.body["message"])
		})
	}
}

func TestAddItem_Capacity(t *testing.T) {
	f := newFixture(t)
	f.do(t, "alice", http.MethodPost, "/api/cart/items", `{"product_id":"mug","quantity":3}`)

	r := f.do(t, "alice", http.MethodPost, "/api/cart/items", `{"product_id":"mug","quantity":3}`)
	require.Equal(t, http.StatusConflict, r.status)
	assert.EqualValues(t, 5, r.body["limit"])
	assert.Equal(t, "only 5 available", r.body["message"])

	f.do(t, "bob", http.MethodPost, "/api/cart/items", `{"product_id":"shirt","quantity":2}`)
	r = f.do(t, "alice", http.MethodPost, "/api/cart/items", `{"product_id":"shirt","quantity":1}`)
	require.Equal(t, http.StatusConflict, r.status)
	assert.EqualValues(t, 0, r.body["limit"])
	assert.Equal(t, cart.ErrOutOfStock.Error(), r.body["message"])
}

func TestChangeQuantity(t *testing.T) {
	f := newFixture(t)
	r := f.do(t, "alice", http.MethodPost, "/api/cart/items", `{"product_id":"mug","quantity":2}`)
	lineID := r.body["line_id"].(string)
	path := "/api/cart/items/" + lineID

	r = f.do(t, "alice", http.MethodPatch, path, `{"quantity":4}`)
	require.Equal(t, http.StatusOK, r.status)
	assert.EqualValues(t, 4, r.body["quantity"])
	assert.Equal(t, "50.00", r.cart()["total"])

	r = f.do(t, "alice", http.MethodPatch, path, `{"quantity":-1,"relative":true}`)
	require.Equal(t, http.StatusOK, r.status)
	assert.EqualValues(t, 3, r.body["quantity"])

	r = f.do(t, "alice", http.MethodPatch, path, `{"quantity":-3,"relative":true}`)
	assert.Equal(t, http.StatusUnprocessableEntity, r.status)
	assert.Equal(t, cart.ErrMinimumQuantity.Error(), r.body["message"])

	r = f.do(t, "alice", http.MethodPatch, path, `{"quantity":9}`)
	assert.Equal(t, http.StatusConflict, r.status)
	assert.EqualValues(t, 5, r.body["limit"])

	r = f.do(t, "alice", http.MethodPatch, path, `{"relative":true}`)
	assert.Equal(t, http.StatusBadRequest, r.status)

	r = f.do(t, "alice", http.MethodPatch, path, `{"quantity":1,"relative":"yes"}`)
	assert.Equal(t, http.StatusBadRequest, r.status)
	assert.Equal(t, "relative must be a boolean", r.body["message"])
}

func TestForeignLineLooksMissing(t *testing.T) {
	f := newFixture(t)
	r := f.do(t, "bob", http.MethodPost, "/api/cart/items", `{"product_id":"mug","quantity":1}`)
	foreign := "/api/cart/items/" + r.body["line_id"].(string)

	missing := f.do(t, "alice", http.MethodDelete, "/api/cart/items/does-not-exist", "")
	require.Equal(t, http.StatusNotFound, missing.status)

	for _, tc := range []struct{ method, path, body string }{
		{http.MethodPatch, foreign, `{"quantity":2}`},
		{http.MethodDelete, foreign, ""},
		{http.MethodPut, foreign + "/coupon", `{"code":"TEN"}`},
		{http.MethodDelete, foreign + "/coupon", ""},
	} {
		r := f.do(t, "alice", tc.method, tc.path, tc.body)
		assert.Equal(t, http.StatusNotFound, r.status, "%s %s", tc.method, tc.path)
		assert.Equal(t, missing.body, r.body)
	}

	bob := f.do(t, "bob", http.MethodGet, "/api/cart", "")
	assert.EqualValues(t, 1, bob.body["quantity"])
}

func TestRemoveItem(t *testing.T) {
	f := newFixture(t)
	r := f.do(t, "alice", http.MethodPost, "/api/cart/items", `{"product_id":"mug","quantity":2}`)
	path := "/api/cart/items/" + r.body["line_id"].(string)

	r = f.do(t, "alice", http.MethodDelete, path, "")
	require.Equal(t, http.StatusOK, r.status)
	assert.Empty(t, r.lines())
	assert.EqualValues(t, 0, r.body["count"])
	assert.Equal(t, 5, f.store.Stock(reservation.Key{ProductID: "mug"}))

	r = f.do(t, "alice", http.MethodDelete, path, "")
	assert.Equal(t, http.StatusNotFound, r.status)
}

func TestCoupons(t *testing.T) {
	f := newFixture(t)
	r := f.do(t, "alice", http.MethodPost, "/api/cart/items", `{"product_id":"shirt","quantity":2}`)
	path := "/api/cart/items/" + r.body["line_id"].(string) + "/coupon"

	r = f.do(t, "alice", http.MethodPut, path, `{"code":"TEN"}`)
	require.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, "200.00", r.body["subtotal"])
	assert.Equal(t, "20.00", r.body["discount"])
	assert.Equal(t, "180.00", r.body["total"])
	line := r.lines()[0].(map[string]any)
	assert.Equal(t, "TEN", line["coupon_code"])

	r = f.do(t, "alice", http.MethodPut, path, `{"code":"NOPE"}`)
	assert.Equal(t, http.StatusNotFound, r.status)
	assert.Equal(t, coupon.ErrNotFound.Error(), r.body["message"])

	r = f.do(t, "alice", http.MethodDelete, path, "")
	require.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, "0.00", r.body["discount"])
	assert.Nil(t, r.lines()[0].(map[string]any)["coupon_code"])
}

func TestPreview(t *testing.T) {
	f := newFixture(t)
	f.do(t, "alice", http.MethodPost, "/api/cart/items", `{"product_id":"mug","quantity":2}`)
	f.do(t, "alice", http.MethodPost, "/api/cart/items", `{"product_id":"shirt","quantity":1}`)

	r := f.do(t, "alice", http.MethodGet, "/api/cart/preview?limit=1", "")
	require.Equal(t, http.StatusOK, r.status)
	assert.Len(t, r.lines(), 1)
	assert.Equal(t, "125.00", r.body["total"])

	r = f.do(t, "alice", http.MethodGet, "/api/cart/preview", "")
	assert.Len(t, r.lines(), 2)

	r = f.do(t, "alice", http.MethodGet, "/api/cart/preview?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, r.status)
}

func TestCheckout(t *testing.T) {
	f := newFixture(t)
	r := f.do(t, "alice", http.MethodPost, "/api/cart/items", `{"product_id":"shirt","quantity":2}`)
	f.do(t, "alice", http.MethodPut, "/api/cart/items/"+r.body["line_id"].(string)+"/coupon", `{"code":"TEN"}`)
	f.do(t, "alice", http.MethodPost, "/api/cart/items", `{"product_id":"mug","quantity":2}`)

	r = f.do(t, "alice", http.MethodPost, "/api/checkout", "")
	require.Equal(t, http.StatusCreated, r.status)
	assert.NotEmpty(t, r.body["id"])
	assert.Equal(t, "alice", r.body["user_id"])
	assert.Equal(t, "225.00", r.body["subtotal"])
	assert.Equal(t, "20.00", r.body["discounts"])
	assert.Equal(t, "205.00", r.body["total"])
	assert.Len(t, r.body["lines"], 2)
	assert.Equal(t, 3, f.store.Stock(reservation.Key{ProductID: "mug"}))

	r = f.do(t, "alice", http.MethodPost, "/api/checkout", "")
	assert.Equal(t, http.StatusUnprocessableEntity, r.status)
	assert.Equal(t, checkout.ErrEmptyCart.Error(), r.body["message"])
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		retryAfter string
	}{
		{name: "LockTimeout", err: errors.Wrap(reservation.ErrLockTimeout, "acquire stock lock"), status: http.StatusServiceUnavailable, retryAfter: "1"},
		{name: "CartChanged", err: checkout.ErrCartChanged, status: http.StatusConflict},
		{name: "CouponInvalid", err: coupon.ErrInvalid, status: http.StatusUnprocessableEntity},
		{name: "NoDefaultVariant", err: catalog.ErrNoDefaultVariant, status: http.StatusUnprocessableEntity},
		{name: "Unexpected", err: errors.New("connection reset"), status: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serve(t, handler.New(stubCart{err: tt.err}, nil), newStore())

			r := do(t, srv, "alice", http.MethodGet, "/api/cart", "")
			assert.Equal(t, tt.status, r.status)
			assert.Equal(t, tt.retryAfter, r.header.Get("Retry-After"))
			if tt.status == http.StatusInternalServerError {
				assert.Equal(t, "internal error", r.body["message"], "internal details are not leaked")
			}
		})
	}
}

func TestRouting(t *testing.T) {
	f := newFixture(t)

	r := f.do(t, "alice", http.MethodGet, "/api/unknown", "")
	assert.Equal(t, http.StatusNotFound, r.status)
	assert.Equal(t, "not found", r.body["message"])

	r = f.do(t, "alice", http.MethodPut, "/api/cart", "")
	assert.Equal(t, http.StatusMethodNotAllowed, r.status)
}
