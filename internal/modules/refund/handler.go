package refund

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/plateful/plateful-backend/internal/modules/order"
	"github.com/plateful/plateful-backend/internal/modules/payment"
)

// Handler exposes the staff-facing refund endpoints.
type Handler struct{ service Service }

func NewHandler(service Service) *Handler { return &Handler{service: service} }

func (h *Handler) RegisterRoutes(r *chi.Mux) {
	r.Post("/api/v1/orders/{id}/refund", h.issue)
	r.Get("/api/v1/orders/{id}/refunds", h.list)
}

func (h *Handler) issue(w http.ResponseWriter, r *http.Request) {
	var req IssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	o, err := h.service.IssueRefund(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, order.ErrNotFound):
			code = http.StatusNotFound
		case errors.Is(err, ErrRefundExceedsTotal), errors.Is(err, ErrNothingCaptured):
			code = http.StatusUnprocessableEntity
		case errors.Is(err, payment.ErrUpstreamTimeout):
			code = http.StatusBadGateway
		case errors.Is(err, order.ErrStaleWrite):
			code = http.StatusConflict
		}
		respond(w, code, map[string]string{"error": err.Error()})
		return
	}
	respond(w, http.StatusOK, o)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.ListRefunds(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, order.ErrNotFound) {
			code = http.StatusNotFound
		}
		respond(w, code, map[string]string{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	respond(w, http.StatusOK, entries)
}

func respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
