package routes

import (
	"log/slog"

	"github.com/BradenHooton/sentinel/internal/auth"
	"github.com/BradenHooton/sentinel/internal/handlers"
	"github.com/BradenHooton/sentinel/internal/middleware"
	pkghttp "github.com/BradenHooton/sentinel/pkg/http"
	"github.com/go-chi/chi/v5"
)

// Handlers groups the HTTP handlers mounted by RegisterRoutes.
type Handlers struct {
	Auth      *handlers.AuthHandler
	TwoFactor *handlers.TwoFactorHandler
	Admin     *handlers.AdminHandler
}

// Security carries what the protected group needs to authenticate a session.
type Security struct {
	Tokens    *auth.TokenManager
	Accounts  auth.AccountFetcher
	Guard     auth.SessionValidator
	EdgeLimit middleware.RateLimitConfig
	IPConfig  *pkghttp.IPConfig
	Logger    *slog.Logger
}

// RegisterRoutes registers all application routes
func RegisterRoutes(router chi.Router, h Handlers, sec Security) {
	if sec.EdgeLimit.RequestsPerMinute <= 0 {
		sec.EdgeLimit = middleware.DefaultAuthRateLimit()
	}

	// Public routes - no authentication required
	router.With(middleware.RateLimitByIP(sec.EdgeLimit, sec.IPConfig)).Post("/auth/login", h.Auth.Login)
	router.Get("/auth/transport-key", h.Auth.TransportKey)

	// Protected routes - authentication required
	router.Group(func(r chi.Router) {
		r.Use(auth.AuthMiddleware(sec.Tokens, sec.Accounts, sec.Guard, sec.Logger))
		r.Use(middleware.RateLimitByAccount(sec.EdgeLimit, sec.IPConfig))

		r.Get("/auth/me", h.Auth.Me)
		r.Post("/auth/logout-all", h.Auth.LogoutAll)
		r.Post("/auth/password", h.Auth.ChangePassword)
		r.Get("/auth/devices", h.Auth.Devices)

		r.Post("/auth/2fa/enroll", h.TwoFactor.Enroll)
		r.Post("/auth/2fa/confirm", h.TwoFactor.Confirm)
		r.Post("/auth/2fa/backup-codes", h.TwoFactor.RegenerateBackupCodes)
		r.Delete("/auth/2fa", h.TwoFactor.Disable)

		r.Route("/admin/accounts/{id}", func(r chi.Router) {
			r.Post("/reset", h.Admin.ResetAccount)
			r.Post("/activate", h.Admin.Activate)
			r.Post("/deactivate", h.Admin.Deactivate)
			r.Get("/activity", h.Admin.GetActivity)
		})
	})
}
