package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/sentinel/internal/auth"
	"github.com/BradenHooton/sentinel/internal/models"
	"github.com/BradenHooton/sentinel/internal/services"
	pkghttp "github.com/BradenHooton/sentinel/pkg/http"
)

// TwoFactorServiceInterface covers TOTP enrollment and management.
type TwoFactorServiceInterface interface {
	BeginEnrollment(ctx context.Context, account *models.Account) (*models.TwoFactorEnrollment, error)
	ConfirmEnrollment(ctx context.Context, account *models.Account, code string, meta services.RequestMeta) error
	RegenerateBackupCodes(ctx context.Context, account *models.Account, code string, meta services.RequestMeta) ([]string, error)
	Disable(ctx context.Context, account *models.Account, code string, meta services.RequestMeta) error
}

// TwoFactorHandler handles second-factor management for the signed-in admin.
type TwoFactorHandler struct {
	service  TwoFactorServiceInterface
	ipConfig *pkghttp.IPConfig
	logger   *slog.Logger
}

// NewTwoFactorHandler creates a new TwoFactorHandler
func NewTwoFactorHandler(service TwoFactorServiceInterface, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *TwoFactorHandler {
	return &TwoFactorHandler{service: service, ipConfig: ipConfig, logger: logger}
}

// Enroll handles POST /auth/2fa/enroll. The secret and backup codes are shown
// only in this response.
func (h *TwoFactorHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	account := auth.GetAccountFromContext(r)
	if account == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	enrollment, err := h.service.BeginEnrollment(r.Context(), account)
	if err != nil {
		h.writeError(w, account, "begin enrollment", err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	pkghttp.WriteJSON(w, http.StatusOK, EnrollmentResponse{
		Secret:      enrollment.Secret,
		QRCode:      enrollment.QRCodeDataURL,
		BackupCodes: enrollment.BackupCodes,
	})
}

// Confirm handles POST /auth/2fa/confirm
func (h *TwoFactorHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	account := auth.GetAccountFromContext(r)
	if account == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	var req TwoFactorCodeRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	if err := h.service.ConfirmEnrollment(r.Context(), account, req.Code, requestMeta(r, h.ipConfig)); err != nil {
		h.writeError(w, account, "confirm enrollment", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RegenerateBackupCodes handles POST /auth/2fa/backup-codes
func (h *TwoFactorHandler) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	account := auth.GetAccountFromContext(r)
	if account == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	var req TwoFactorCodeRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	codes, err := h.service.RegenerateBackupCodes(r.Context(), account, req.Code, requestMeta(r, h.ipConfig))
	if err != nil {
		h.writeError(w, account, "regenerate backup codes", err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	pkghttp.WriteJSON(w, http.StatusOK, BackupCodesResponse{BackupCodes: codes})
}

// Disable handles DELETE /auth/2fa
func (h *TwoFactorHandler) Disable(w http.ResponseWriter, r *http.Request) {
	account := auth.GetAccountFromContext(r)
	if account == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	var req TwoFactorCodeRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	if err := h.service.Disable(r.Context(), account, req.Code, requestMeta(r, h.ipConfig)); err != nil {
		h.writeError(w, account, "disable two-factor", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TwoFactorHandler) writeError(w http.ResponseWriter, account *models.Account, op string, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidTwoFactorCode):
		pkghttp.WriteError(w, http.StatusUnauthorized, "invalid_two_factor_code", "Invalid verification code")
	case errors.Is(err, models.ErrTwoFactorRateLimited):
		pkghttp.WriteError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too many verification attempts, try again later")
	case errors.Is(err, models.ErrTwoFactorAlreadyEnabled):
		pkghttp.WriteError(w, http.StatusConflict, "two_factor_enabled", "Two-factor authentication is already enabled")
	case errors.Is(err, models.ErrTwoFactorNotEnabled):
		pkghttp.WriteError(w, http.StatusConflict, "two_factor_disabled", "Two-factor authentication is not enabled")
	case errors.Is(err, models.ErrTwoFactorNotPending):
		pkghttp.WriteError(w, http.StatusConflict, "no_pending_enrollment", "Start enrollment before confirming")
	case errors.Is(err, services.ErrLimiterUnavailable):
		pkghttp.WriteServiceUnavailable(w, "Verification is temporarily unavailable")
	default:
		h.logger.Error("two-factor operation failed",
			slog.String("op", op),
			slog.String("account_id", account.ID),
			slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}
