package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BradenHooton/sentinel/internal/auth"
	"github.com/BradenHooton/sentinel/internal/models"
	"github.com/BradenHooton/sentinel/internal/services"
	pkgauth "github.com/BradenHooton/sentinel/pkg/auth"
	pkghttp "github.com/BradenHooton/sentinel/pkg/http"
)

// LoginServiceInterface decides login attempts.
type LoginServiceInterface interface {
	Login(ctx context.Context, attempt models.LoginAttempt) (services.Outcome, error)
}

// AccountServiceInterface covers self-service account operations.
type AccountServiceInterface interface {
	ChangePassword(ctx context.Context, account *models.Account, current, next string, meta services.RequestMeta) error
	RevokeSessions(ctx context.Context, account *models.Account, meta services.RequestMeta) error
	Devices(ctx context.Context, accountID string) ([]*models.TrustedDevice, error)
}

// SessionIssuer mints session tokens for authorized logins.
type SessionIssuer interface {
	GenerateAccessToken(accountID, email string) (string, error)
	AccessTokenExpiry() time.Duration
}

// AuthHandler handles authentication-related HTTP requests
type AuthHandler struct {
	login        LoginServiceInterface
	accounts     AccountServiceInterface
	sessions     SessionIssuer
	transportKey string
	cookies      auth.CookieConfig
	ipConfig     *pkghttp.IPConfig
	logger       *slog.Logger
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(login LoginServiceInterface, accounts AccountServiceInterface, sessions SessionIssuer, transportKeyPEM string, cookies auth.CookieConfig, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		login:        login,
		accounts:     accounts,
		sessions:     sessions,
		transportKey: transportKeyPEM,
		cookies:      cookies,
		ipConfig:     ipConfig,
		logger:       logger,
	}
}

// Login handles admin login
// @Summary Admin login
// @Accept json
// @Param request body LoginRequest true "Login request"
// @Produce json
// @Success 200 {object} LoginResponse
// @Failure 400 {object} pkghttp.ErrorResponse
// @Failure 401 {object} pkghttp.ErrorResponse
// @Failure 429 {object} pkghttp.ErrorResponse
// @Failure 503 {object} pkghttp.ErrorResponse
// @Router /auth/login [post]
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	password := models.PlaintextPassword(req.Password)
	if req.PasswordEnvelope != "" {
		password = models.EncryptedPassword(req.PasswordEnvelope)
	}

	attempt := models.LoginAttempt{
		Email:            req.Email,
		Password:         password,
		SecondFactorCode: req.Code,
		TrustDevice:      req.TrustDevice,
		DeviceToken:      auth.GetTrustedDeviceCookie(r),
		ChallengeToken:   req.ChallengeToken,
		CaptchaToken:     req.CaptchaToken,
		IPAddress:        pkghttp.ExtractClientIP(r, h.ipConfig),
		UserAgent:        pkghttp.UserAgent(r),
	}

	outcome, err := h.login.Login(r.Context(), attempt)
	if err != nil {
		pkghttp.WriteServiceUnavailable(w, "Login is temporarily unavailable")
		return
	}

	switch o := outcome.(type) {
	case services.Authorized:
		h.writeAuthorized(w, o)
	case services.TwoFactorRequired:
		// A presented device token that did not skip the second factor is
		// stale or bound to another browser.
		if attempt.DeviceToken != "" {
			auth.ClearTrustedDeviceCookie(w, h.cookies)
		}
		pkghttp.WriteJSON(w, http.StatusOK, LoginResponse{
			TwoFactorRequired: true,
			TwoFactorKind:     o.Kind,
			ChallengeToken:    o.ChallengeToken,
		})
	case services.Rejected:
		writeRejection(w, o)
	default:
		h.logger.Error("unexpected login outcome", slog.Any("outcome", outcome))
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}

func (h *AuthHandler) writeAuthorized(w http.ResponseWriter, o services.Authorized) {
	token, err := h.sessions.GenerateAccessToken(o.Subject, o.Email)
	if err != nil {
		h.logger.Error("failed to issue session token", slog.String("account_id", o.Subject), slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	if o.DeviceToken != "" {
		auth.SetTrustedDeviceCookie(w, o.DeviceToken, o.DeviceTokenExpiresAt, h.cookies)
	}

	pkghttp.WriteJSON(w, http.StatusOK, LoginResponse{
		AccessToken:    token,
		TokenType:      "Bearer",
		ExpiresIn:      int(h.sessions.AccessTokenExpiry().Seconds()),
		BackupCodeUsed: o.BackupCodeUsed,
		TrustedDevice:  o.TrustedDevice,
	})
}

// writeRejection maps a rejection to its HTTP form. Reasons that share a
// public message also share a status and error code.
func writeRejection(w http.ResponseWriter, rej services.Rejected) {
	msg := rej.Reason.PublicMessage()

	switch rej.Reason {
	case services.RejectInvalidCredentials, services.RejectInactiveAccount, services.RejectForbidden:
		pkghttp.WriteErrorResponse(w, http.StatusUnauthorized, pkghttp.ErrorResponse{
			Error:             string(services.RejectInvalidCredentials),
			Message:           msg,
			RemainingAttempts: rej.RemainingAttempts,
		})
	case services.RejectAccountLocked:
		pkghttp.WriteErrorResponse(w, http.StatusTooManyRequests, pkghttp.ErrorResponse{
			Error:      string(services.RejectAccountLocked),
			Message:    msg,
			RetryAfter: pkghttp.CeilSeconds(rej.RetryAfter),
		})
	case services.RejectRateLimited:
		pkghttp.WriteTooManyRequests(w, msg, rej.RetryAfter)
	case services.RejectInvalidTwoFactorCode:
		pkghttp.WriteError(w, http.StatusUnauthorized, string(rej.Reason), msg)
	case services.RejectCaptchaFailed:
		pkghttp.WriteError(w, http.StatusBadRequest, string(rej.Reason), msg)
	default:
		pkghttp.WriteServiceUnavailable(w, msg)
	}
}

// TransportKey serves the public key for password envelopes
// @Summary Transport encryption key
// @Produce json
// @Success 200 {object} TransportKeyResponse
// @Router /auth/transport-key [get]
func (h *AuthHandler) TransportKey(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	pkghttp.WriteJSON(w, http.StatusOK, TransportKeyResponse{
		Algorithm: string(models.PasswordFormatRSAOAEP),
		PublicKey: h.transportKey,
	})
}

// Me returns the signed-in account
// @Summary Current account
// @Security BearerAuth
// @Produce json
// @Success 200 {object} AccountResponse
// @Failure 401 {object} pkghttp.ErrorResponse
// @Router /auth/me [get]
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	account := auth.GetAccountFromContext(r)
	if account == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, AccountResponse{
		ID:               account.ID,
		Email:            account.Email,
		Role:             account.Role,
		TwoFactorEnabled: account.TOTPEnabled,
		BackupCodesLeft:  len(account.BackupCodeHashes),
		CreatedAt:        account.CreatedAt,
	})
}

// LogoutAll invalidates every session and trusted device of the caller
// @Summary Logout from all devices
// @Security BearerAuth
// @Success 204
// @Failure 401 {object} pkghttp.ErrorResponse
// @Failure 500 {object} pkghttp.ErrorResponse
// @Router /auth/logout-all [post]
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	account := auth.GetAccountFromContext(r)
	if account == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	if err := h.accounts.RevokeSessions(r.Context(), account, h.meta(r)); err != nil {
		h.logger.Error("failed to revoke sessions", slog.String("account_id", account.ID), slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	auth.ClearTrustedDeviceCookie(w, h.cookies)
	w.WriteHeader(http.StatusNoContent)
}

// ChangePassword replaces the caller's password. Existing sessions,
// including the current one, stop validating.
// @Summary Change password
// @Security BearerAuth
// @Accept json
// @Param request body ChangePasswordRequest true "Change password request"
// @Success 204
// @Failure 400 {object} pkghttp.ErrorResponse
// @Failure 401 {object} pkghttp.ErrorResponse
// @Router /auth/password [post]
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	account := auth.GetAccountFromContext(r)
	if account == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	var req ChangePasswordRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	err := h.accounts.ChangePassword(r.Context(), account, req.CurrentPassword, req.NewPassword, h.meta(r))
	if err != nil {
		var weak *pkgauth.PasswordValidationError
		switch {
		case errors.Is(err, models.ErrInvalidPassword):
			pkghttp.WriteError(w, http.StatusUnauthorized, "invalid_password", "Current password is incorrect")
		case errors.As(err, &weak):
			pkghttp.WriteErrorWithDetails(w, http.StatusBadRequest, "weak_password", "New password does not meet requirements", strings.Join(weak.Errors, "; "))
		default:
			h.logger.Error("failed to change password", slog.String("account_id", account.ID), slog.Any("error", err))
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	auth.ClearTrustedDeviceCookie(w, h.cookies)
	w.WriteHeader(http.StatusNoContent)
}

// Devices lists the caller's trusted devices
// @Summary List trusted devices
// @Security BearerAuth
// @Produce json
// @Success 200 {array} DeviceResponse
// @Router /auth/devices [get]
func (h *AuthHandler) Devices(w http.ResponseWriter, r *http.Request) {
	account := auth.GetAccountFromContext(r)
	if account == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	devices, err := h.accounts.Devices(r.Context(), account.ID)
	if err != nil {
		h.logger.Error("failed to list trusted devices", slog.String("account_id", account.ID), slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	resp := make([]DeviceResponse, 0, len(devices))
	for _, d := range devices {
		resp = append(resp, DeviceResponse{
			ID:         d.ID,
			CreatedAt:  d.CreatedAt,
			LastUsedAt: d.LastUsedAt,
			ExpiresAt:  d.ExpiresAt,
		})
	}
	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

func (h *AuthHandler) meta(r *http.Request) services.RequestMeta {
	return requestMeta(r, h.ipConfig)
}
