package incident

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pos-fulfillment/internal/common"
)

// AdminHandler exposes the incident log to operators.
type AdminHandler struct {
	Store    Store
	PageSize int
	Logger   zerolog.Logger
}

// List returns incidents filtered by kind, payment reference and resolution.
func (h *AdminHandler) List(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "INCIDENTS_DISABLED", "incident store is not configured", nil)
		return
	}
	q := r.URL.Query()
	filter := Filter{
		Kind:            Kind(strings.TrimSpace(q.Get("kind"))),
		PaymentRef:      strings.TrimSpace(q.Get("payment_ref")),
		IncludeResolved: q.Get("resolved") == "true",
	}
	page := common.ParsePagination(r, h.pageSize(), 200)

	items, err := h.Store.List(r.Context(), filter, page.PerPage, page.Offset())
	if err != nil {
		h.Logger.Error().Err(err).Msg("list incidents failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to list incidents", nil)
		return
	}
	total, err := h.Store.Count(r.Context(), filter)
	if err != nil {
		h.Logger.Error().Err(err).Msg("count incidents failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to count incidents", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"data":       items,
		"pagination": common.Pagination{Page: page.Page, PerPage: page.PerPage, TotalItems: int(total)},
	})
}

// Resolve marks an incident as handled by the calling operator.
func (h *AdminHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "INCIDENTS_DISABLED", "incident store is not configured", nil)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid incident id", nil)
		return
	}
	by, _ := common.Subject(r.Context())
	if err := h.Store.Resolve(r.Context(), id, by); err != nil {
		if errors.Is(err, ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "incident not found or already resolved", nil)
			return
		}
		h.Logger.Error().Err(err).Str("incident_id", id.String()).Msg("resolve incident failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to resolve incident", nil)
		return
	}
	h.Logger.Info().Str("incident_id", id.String()).Str("resolved_by", by).Msg("incident resolved")
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) pageSize() int {
	if h.PageSize <= 0 {
		return 50
	}
	return h.PageSize
}
