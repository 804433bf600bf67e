package payment

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/plateful/plateful-backend/internal/modules/order"
)

// Handler exposes the checkout-session binding endpoint and the payment
// processor webhook.
type Handler struct{ service Service }

func NewHandler(service Service) *Handler { return &Handler{service: service} }

func (h *Handler) RegisterRoutes(r *chi.Mux) {
	r.Post("/api/v1/orders/{id}/checkout-session", h.bindSession)
	r.Post("/api/v1/webhooks/stripe", h.webhook)
}

func (h *Handler) bindSession(w http.ResponseWriter, r *http.Request) {
	var req BindSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	o, err := h.service.BindCheckoutSession(r.Context(), chi.URLParam(r, "id"), req.SessionID)
	if err != nil {
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, order.ErrNotFound):
			code = http.StatusNotFound
		case errors.Is(err, ErrDuplicateCheckoutSession):
			code = http.StatusConflict
		case errors.Is(err, order.ErrStaleWrite):
			code = http.StatusConflict
		}
		respond(w, code, map[string]string{"error": err.Error()})
		return
	}
	respond(w, http.StatusOK, o)
}

func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	var evt WebhookEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	o, err := h.service.HandleWebhook(r.Context(), evt)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, order.ErrNotFound) {
			code = http.StatusNotFound
		}
		respond(w, code, map[string]string{"error": err.Error()})
		return
	}
	if o == nil {
		respond(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
