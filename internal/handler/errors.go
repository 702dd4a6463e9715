package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront-cart/internal/domain/cart"
	"github.com/xenking/storefront-cart/internal/domain/catalog"
	"github.com/xenking/storefront-cart/internal/domain/checkout"
	"github.com/xenking/storefront-cart/internal/domain/coupon"
	"github.com/xenking/storefront-cart/internal/domain/reservation"
	"github.com/xenking/storefront-cart/pkg/httpmiddleware"
)

// retryAfterSeconds is advertised when a stock lock could not be taken.
const retryAfterSeconds = "1"

// requestError is a malformed request.
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error { return &requestError{msg: msg} }

func writeStatus(w http.ResponseWriter, status int, msg string) {
	httpmiddleware.WriteError(w, status, msg)
}

// writeError maps a domain error onto an HTTP response.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		reqErr   *requestError
		exceeded *cart.StockExceededError
	)
	switch {
	case errors.As(err, &reqErr):
		writeStatus(w, http.StatusBadRequest, reqErr.msg)
	case errors.As(err, &exceeded):
		writeCapacity(w, exceeded.Error(), exceeded.Limit)
	case errors.Is(err, cart.ErrOutOfStock):
		writeCapacity(w, cart.ErrOutOfStock.Error(), 0)
	case errors.Is(err, cart.ErrLineNotFound), errors.Is(err, cart.ErrNotOwner):
		// Other users' lines are indistinguishable from missing ones.
		writeStatus(w, http.StatusNotFound, cart.ErrLineNotFound.Error())
	case errors.Is(err, catalog.ErrProductNotFound),
		errors.Is(err, catalog.ErrVariantNotFound),
		errors.Is(err, coupon.ErrNotFound):
		writeStatus(w, http.StatusNotFound, rootMessage(err))
	case errors.Is(err, cart.ErrInvalidQuantity),
		errors.Is(err, cart.ErrMinimumQuantity),
		errors.Is(err, catalog.ErrInvalidSelection),
		errors.Is(err, catalog.ErrNoDefaultVariant),
		errors.Is(err, coupon.ErrInvalid),
		errors.Is(err, checkout.ErrEmptyCart):
		writeStatus(w, http.StatusUnprocessableEntity, rootMessage(err))
	case errors.Is(err, checkout.ErrCartChanged):
		writeStatus(w, http.StatusConflict, checkout.ErrCartChanged.Error())
	case errors.Is(err, reservation.ErrLockTimeout):
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeStatus(w, http.StatusServiceUnavailable, "item is busy, try again")
	case errors.Is(err, context.Canceled):
		// Client went away; nobody reads the response.
		writeStatus(w, http.StatusServiceUnavailable, "request canceled")
	default:
		zctx.From(r.Context()).Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeStatus(w, http.StatusInternalServerError, "internal error")
	}
}

// rootMessage returns the message of the domain sentinel without the
// wrapping context added on the way up.
func rootMessage(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}

func writeCapacity(w http.ResponseWriter, msg string, limit int) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	e.Obj(func(e *jx.Encoder) {
		e.Field("code", func(e *jx.Encoder) { e.Int(http.StatusConflict) })
		e.Field("message", func(e *jx.Encoder) { e.Str(msg) })
		e.Field("limit", func(e *jx.Encoder) { e.Int(limit) })
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusConflict)
	_, _ = w.Write(e.Bytes())
}
