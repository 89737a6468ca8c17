package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BradenHooton/sentinel/internal/models"
	pkghttp "github.com/BradenHooton/sentinel/pkg/http"
)

// contextKey is a custom type for context keys
type contextKey string

const (
	// UserContextKey is the key for storing token claims in context
	UserContextKey contextKey = "user"
	// AccountContextKey is the key for the freshly loaded account
	AccountContextKey contextKey = "account"
)

// AccountFetcher loads the current account state for a session.
type AccountFetcher interface {
	GetByID(ctx context.Context, id string) (*models.Account, error)
}

// SessionValidator decides whether a token issued at issuedAt is still valid
// for the account.
type SessionValidator interface {
	IsValid(issuedAt time.Time, account *models.Account) bool
}

// AuthMiddleware validates the bearer token and re-checks the account on
// every request. Account state is never cached, so a credential change or a
// deactivation takes effect on the next request. Store failures deny access.
func AuthMiddleware(tm *TokenManager, accounts AccountFetcher, guard SessionValidator, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := bearerToken(r)
			if !ok {
				pkghttp.WriteUnauthorized(w, "Missing or malformed authorization header")
				return
			}

			claims, err := tm.ValidateToken(tokenString)
			if err != nil || claims.Type != models.TokenTypeAccess {
				pkghttp.WriteUnauthorized(w, "Invalid or expired token")
				return
			}

			account, err := accounts.GetByID(r.Context(), claims.UserID)
			if err != nil {
				if errors.Is(err, models.ErrNotFound) {
					pkghttp.WriteUnauthorized(w, "Invalid or expired token")
					return
				}
				logger.Error("session check failed", slog.String("account_id", claims.UserID), slog.Any("error", err))
				pkghttp.WriteServiceUnavailable(w, "Unable to verify session")
				return
			}

			if !account.IsActive || account.Role != models.RoleAdmin {
				pkghttp.WriteUnauthorized(w, "Invalid or expired token")
				return
			}

			if !guard.IsValid(IssuedAt(claims), account) {
				pkghttp.WriteError(w, http.StatusUnauthorized, "session_expired", "Session is no longer valid, please sign in again")
				return
			}

			ctx := context.WithValue(r.Context(), UserContextKey, claims)
			ctx = context.WithValue(ctx, AccountContextKey, account)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

// GetUserFromContext extracts token claims from request context
func GetUserFromContext(r *http.Request) *models.TokenClaims {
	claims, ok := r.Context().Value(UserContextKey).(*models.TokenClaims)
	if !ok {
		return nil
	}
	return claims
}

// GetAccountFromContext returns the account loaded by AuthMiddleware.
func GetAccountFromContext(r *http.Request) *models.Account {
	account, ok := r.Context().Value(AccountContextKey).(*models.Account)
	if !ok {
		return nil
	}
	return account
}
