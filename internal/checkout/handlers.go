package checkout

import (
	"encoding/json"
	"net/http"

	"github.com/noah-isme/pos-fulfillment/internal/common"
	"github.com/noah-isme/pos-fulfillment/internal/obs"
)

type Handler struct {
	Svc *Service
}

// CreateIntent handles POST /checkout/intent.
func (h *Handler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout service not configured", nil)
		return
	}
	var payload Input
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	out, err := h.Svc.Create(r.Context(), payload, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.Data(w, http.StatusCreated, out)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if status := common.WriteError(w, err); status >= http.StatusInternalServerError {
		code := "INTERNAL"
		if appErr, ok := common.AsAppError(err); ok {
			code = appErr.Code
		}
		logger := obs.LoggerFrom(r.Context(), h.Svc.Logger)
		logger.Error().Err(err).Str("code", code).Msg("checkout failed")
	}
}
