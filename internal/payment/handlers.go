package payment

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pos-fulfillment/internal/common"
	"github.com/noah-isme/pos-fulfillment/internal/credentials"
)

// AdminHandler exposes manual recovery for payments whose events were lost or
// rejected.
type AdminHandler struct {
	Processor  Processor
	Reconciler *Reconciler
	Logger     zerolog.Logger
}

// Refulfill retrieves the authorization and runs it through the same path as a
// webhook delivery. Only succeeded authorizations are accepted.
func (h *AdminHandler) Refulfill(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Processor == nil || h.Reconciler == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "recovery unavailable", nil)
		return
	}
	intentID := strings.TrimSpace(chi.URLParam(r, "intentID"))
	if intentID == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "intent id is required", nil)
		return
	}
	intent, err := h.Processor.RetrieveIntent(r.Context(), intentID)
	if err != nil {
		var apiErr *APIError
		switch {
		case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound:
			common.JSONError(w, http.StatusNotFound, "INTENT_NOT_FOUND", "payment intent not found", nil)
		case errors.Is(err, credentials.ErrMissingSecret):
			common.JSONError(w, http.StatusServiceUnavailable, "CONFIG_MISSING", "processor secret key is not configured", nil)
		default:
			h.Logger.Error().Err(err).Str("payment_ref", intentID).Msg("retrieve intent failed")
			common.JSONError(w, http.StatusBadGateway, "PROCESSOR_ERROR", "unable to retrieve payment intent", nil)
		}
		return
	}
	if intent.Status != "succeeded" {
		common.JSONError(w, http.StatusConflict, "INTENT_NOT_SUCCEEDED", "payment intent has not succeeded", map[string]string{"status": intent.Status})
		return
	}

	subject, _ := common.Subject(r.Context())
	eventID := "manual:" + uuid.NewString()
	h.Logger.Info().Str("payment_ref", intent.ID).Str("requested_by", subject).Str("event_id", eventID).Msg("manual refulfillment requested")
	out := h.Reconciler.ReconcileIntent(r.Context(), intent, eventID)
	status := out.HTTPStatus
	switch {
	case out.State == StateAcked:
		status = http.StatusOK
	case out.State == StateRejected:
		status = http.StatusUnprocessableEntity
	case status == 0:
		status = http.StatusInternalServerError
	}
	common.JSON(w, status, out)
}
