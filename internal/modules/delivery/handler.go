package delivery

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/plateful/plateful-backend/internal/modules/order"
)

// Handler exposes the provider webhook endpoints and the staff dispatch
// endpoint.
type Handler struct{ service Service }

func NewHandler(service Service) *Handler { return &Handler{service: service} }

func (h *Handler) RegisterRoutes(r *chi.Mux) {
	r.Post("/api/v1/orders/{id}/dispatch", h.dispatch)          // POST /api/v1/orders/{id}/dispatch
	r.Post("/api/v1/webhooks/delivery/uber", h.webhook(order.ProviderUber))
	r.Post("/api/v1/webhooks/delivery/doordash", h.webhook(order.ProviderDoorDash))
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	provider := order.Provider(strings.ToUpper(req.Provider))
	o, err := h.service.Dispatch(r.Context(), chi.URLParam(r, "id"), provider)
	if err != nil {
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, order.ErrNotFound):
			code = http.StatusNotFound
		case errors.Is(err, order.ErrInvalidTransition), errors.Is(err, ErrUnknownProvider):
			code = http.StatusUnprocessableEntity
		case errors.Is(err, ErrUpstreamTimeout):
			code = http.StatusBadGateway
		}
		respond(w, code, map[string]string{"error": err.Error()})
		return
	}
	respond(w, http.StatusOK, o)
}

// webhook builds the ingestion endpoint for one provider. Response codes are
// chosen around provider retry behavior: transient failures return 5xx so
// the provider redelivers, while payloads a retry cannot fix are accepted
// and logged.
func (h *Handler) webhook(provider order.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		err = h.service.Ingest(r.Context(), provider, payload)
		switch {
		case err == nil:
			respond(w, http.StatusOK, map[string]string{"status": "ok"})
		case errors.Is(err, ErrUnknownProviderStatus):
			// Fail closed but do not ask for a redelivery of the
			// same unmappable payload.
			respond(w, http.StatusOK, map[string]string{"status": "ignored"})
		case errors.Is(err, order.ErrNotFound):
			respond(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		default:
			log.Printf("delivery: %s webhook: %v", provider, err)
			respond(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
	}
}

func respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
