package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/BradenHooton/sentinel/internal/auth"
	"github.com/BradenHooton/sentinel/internal/models"
	"github.com/BradenHooton/sentinel/internal/services"
	pkghttp "github.com/BradenHooton/sentinel/pkg/http"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// AdminServiceInterface defines the account administration contract.
type AdminServiceInterface interface {
	ResetAccount(ctx context.Context, actor *models.Account, targetID string, meta services.RequestMeta) error
	SetActive(ctx context.Context, actor *models.Account, targetID string, active bool, meta services.RequestMeta) error
	RecentActivity(ctx context.Context, targetID string, limit int) ([]services.ActivityEntry, error)
}

// AdminHandler handles actions one admin takes on another admin account.
type AdminHandler struct {
	service  AdminServiceInterface
	ipConfig *pkghttp.IPConfig
	logger   *slog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(service AdminServiceInterface, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{service: service, ipConfig: ipConfig, logger: logger}
}

// ResetAccount handles POST /admin/accounts/{id}/reset
func (h *AdminHandler) ResetAccount(w http.ResponseWriter, r *http.Request) {
	actor, targetID, ok := h.target(w, r)
	if !ok {
		return
	}

	if err := h.service.ResetAccount(r.Context(), actor, targetID, requestMeta(r, h.ipConfig)); err != nil {
		h.writeError(w, "reset account", targetID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Activate handles POST /admin/accounts/{id}/activate
func (h *AdminHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

// Deactivate handles POST /admin/accounts/{id}/deactivate
func (h *AdminHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *AdminHandler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	actor, targetID, ok := h.target(w, r)
	if !ok {
		return
	}

	if err := h.service.SetActive(r.Context(), actor, targetID, active, requestMeta(r, h.ipConfig)); err != nil {
		h.writeError(w, "set active", targetID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetActivity handles GET /admin/accounts/{id}/activity
// Accepts optional query param ?limit=N (1-100, default 50).
func (h *AdminHandler) GetActivity(w http.ResponseWriter, r *http.Request) {
	_, targetID, ok := h.target(w, r)
	if !ok {
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	entries, err := h.service.RecentActivity(r.Context(), targetID, limit)
	if err != nil {
		h.writeError(w, "list activity", targetID, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, ActivityResponse{AccountID: targetID, Entries: entries})
}

func (h *AdminHandler) target(w http.ResponseWriter, r *http.Request) (*models.Account, string, bool) {
	actor := auth.GetAccountFromContext(r)
	if actor == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return nil, "", false
	}

	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		pkghttp.WriteNotFound(w, "Account not found")
		return nil, "", false
	}
	return actor, id, true
}

func (h *AdminHandler) writeError(w http.ResponseWriter, op, targetID string, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		pkghttp.WriteNotFound(w, "Account not found")
	case errors.Is(err, models.ErrForbidden):
		pkghttp.WriteForbidden(w, "Admins cannot disable their own account")
	default:
		h.logger.Error("admin operation failed",
			slog.String("op", op),
			slog.String("account_id", targetID),
			slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}
