package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"artifactvault/internal/domain"
	"artifactvault/internal/service"
)

type QuotaHandler struct {
	quotaService *service.QuotaService
}

func NewQuotaHandler(quotaService *service.QuotaService) *QuotaHandler {
	return &QuotaHandler{
		quotaService: quotaService,
	}
}

type quotasBody struct {
	Quotas domain.Limits `json:"quotas"`
}

type quotaClassesBody struct {
	QuotaClasses domain.Limits `json:"quota_classes"`
}

type usageBody struct {
	Usage map[domain.QuotaClass]domain.UsageEntry `json:"usage"`
}

// requireAdmin guards limit changes; reads are open to admins and to the
// project itself.
func requireAdmin(r *http.Request) error {
	caller, err := callerFrom(r)
	if err != nil {
		return err
	}
	if !caller.IsAdmin() {
		return fmt.Errorf("%w: admin role required", domain.ErrPermissionDenied)
	}
	return nil
}

func requireScopeReader(r *http.Request, scope string) error {
	caller, err := callerFrom(r)
	if err != nil {
		return err
	}
	if !caller.IsAdmin() && caller.ProjectID != scope {
		return fmt.Errorf("%w: cannot read quotas of %s", domain.ErrPermissionDenied, scope)
	}
	return nil
}

func (h *QuotaHandler) GetQuotaClasses(w http.ResponseWriter, r *http.Request) {
	if _, err := callerFrom(r); err != nil {
		writeError(w, r, err)
		return
	}
	classes, err := h.quotaService.QuotaClasses(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quotaClassesBody{QuotaClasses: classes})
}

func (h *QuotaHandler) SetQuotaClasses(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(r); err != nil {
		writeError(w, r, err)
		return
	}
	var req quotaClassesBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid request body: %v", domain.ErrValidation, err))
		return
	}
	classes, err := h.quotaService.SetQuotaClasses(r.Context(), req.QuotaClasses)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quotaClassesBody{QuotaClasses: classes})
}

func (h *QuotaHandler) GetQuotas(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	if err := requireScopeReader(r, scope); err != nil {
		writeError(w, r, err)
		return
	}
	quotas, err := h.quotaService.EffectiveLimits(r.Context(), scope)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quotasBody{Quotas: quotas})
}

func (h *QuotaHandler) SetQuotas(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(r); err != nil {
		writeError(w, r, err)
		return
	}
	var req quotasBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid request body: %v", domain.ErrValidation, err))
		return
	}
	quotas, err := h.quotaService.SetLimits(r.Context(), chi.URLParam(r, "scope"), req.Quotas)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quotasBody{Quotas: quotas})
}

func (h *QuotaHandler) DeleteQuotas(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(r); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.quotaService.DeleteLimits(r.Context(), chi.URLParam(r, "scope")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *QuotaHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	if err := requireScopeReader(r, scope); err != nil {
		writeError(w, r, err)
		return
	}
	usage, err := h.quotaService.Usage(r.Context(), scope)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usageBody{Usage: usage})
}
