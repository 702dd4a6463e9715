package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/storefront-cart/internal/domain/cart"
)

func (h *Handler) getCart(w http.ResponseWriter, r *http.Request) {
	s, err := h.cart.Summarize(r.Context(), UserID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *encoder) { e.summary(s) })
}

func (h *Handler) previewCart(w http.ResponseWriter, r *http.Request) {
	limit := DefaultPreviewLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeStatus(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	s, err := h.cart.Preview(r.Context(), UserID(r.Context()), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *encoder) { e.summary(s) })
}

func (h *Handler) addItem(w http.ResponseWriter, r *http.Request) {
	cmd, err := decodeAddItem(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.cart.AddItem(r.Context(), UserID(r.Context()), cmd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, func(e *encoder) { e.addResult(res) })
}

func (h *Handler) changeQuantity(w http.ResponseWriter, r *http.Request) {
	cmd, err := decodeChangeQuantity(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	cmd.LineID = chi.URLParam(r, "lineID")
	res, err := h.cart.ChangeQuantity(r.Context(), UserID(r.Context()), cmd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *encoder) { e.changeResult(res) })
}

func (h *Handler) removeItem(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(userID, lineID string) (*cart.Summary, error) {
		return h.cart.RemoveItem(r.Context(), userID, lineID)
	})
}

func (h *Handler) applyCoupon(w http.ResponseWriter, r *http.Request) {
	code, err := decodeCoupon(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.mutate(w, r, func(userID, lineID string) (*cart.Summary, error) {
		return h.cart.ApplyCoupon(r.Context(), userID, lineID, code)
	})
}

func (h *Handler) removeCoupon(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(userID, lineID string) (*cart.Summary, error) {
		return h.cart.RemoveCoupon(r.Context(), userID, lineID)
	})
}

// mutate runs a line operation that answers with the cart summary.
func (h *Handler) mutate(w http.ResponseWriter, r *http.Request, op func(userID, lineID string) (*cart.Summary, error)) {
	s, err := op(UserID(r.Context()), chi.URLParam(r, "lineID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *encoder) { e.summary(s) })
}
