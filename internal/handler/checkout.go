package handler

import (
	"net/http"
)

func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.checkout.Checkout(r.Context(), UserID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *encoder) { e.order(order) })
}
