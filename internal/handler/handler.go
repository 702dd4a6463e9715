// Package handler exposes the cart ledger and checkout over HTTP.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/storefront-cart/internal/domain/cart"
	"github.com/xenking/storefront-cart/internal/domain/checkout"
)

// Cart is the ledger surface served by the API. *cart.Ledger implements it.
type Cart interface {
	AddItem(ctx context.Context, userID string, cmd cart.AddItemCommand) (*cart.AddItemResult, error)
	ChangeQuantity(ctx context.Context, userID string, cmd cart.ChangeQuantityCommand) (*cart.ChangeQuantityResult, error)
	RemoveItem(ctx context.Context, userID, lineID string) (*cart.Summary, error)
	ApplyCoupon(ctx context.Context, userID, lineID, code string) (*cart.Summary, error)
	RemoveCoupon(ctx context.Context, userID, lineID string) (*cart.Summary, error)
	Summarize(ctx context.Context, userID string) (*cart.Summary, error)
	Preview(ctx context.Context, userID string, limit int) (*cart.Summary, error)
}

var _ Cart = (*cart.Ledger)(nil)

// DefaultPreviewLimit is the number of lines GET /cart/preview returns when
// no limit is given.
const DefaultPreviewLimit = 3

// Handler serves the /api routes.
type Handler struct {
	cart     Cart
	checkout checkout.Converter
}

// New creates a Handler.
func New(c Cart, conv checkout.Converter) *Handler {
	return &Handler{cart: c, checkout: conv}
}

// Mount registers the API under r. Every route requires authentication;
// middlewares run after it.
func (h *Handler) Mount(r chi.Router, sec *Security, middlewares ...func(http.Handler) http.Handler) {
	r.Route("/api", func(r chi.Router) {
		r.Use(sec.Middleware)
		r.Use(middlewares...)

		r.Get("/cart", h.getCart)
		r.Get("/cart/preview", h.previewCart)
		r.Post("/cart/items", h.addItem)
		r.Patch("/cart/items/{lineID}", h.changeQuantity)
		r.Delete("/cart/items/{lineID}", h.removeItem)
		r.Put("/cart/items/{lineID}/coupon", h.applyCoupon)
		r.Delete("/cart/items/{lineID}/coupon", h.removeCoupon)
		r.Post("/checkout", h.placeOrder)
	})
}

// Router builds a chi router with the API and any extra routes mounted.
func (h *Handler) Router(sec *Security, extra func(r chi.Router), middlewares ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	if extra != nil {
		extra(r)
	}
	h.Mount(r, sec, middlewares...)
	return r
}
