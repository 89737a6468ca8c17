package middleware

import (
	"net/http"
	"time"

	"github.com/BradenHooton/sentinel/internal/auth"
	pkghttp "github.com/BradenHooton/sentinel/pkg/http"
	"github.com/go-chi/httprate"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int
}

// DefaultAuthRateLimit returns the edge limit for unauthenticated auth
// endpoints. It sits in front of the per-email and per-IP login limiter and
// only absorbs floods.
func DefaultAuthRateLimit() RateLimitConfig {
	return RateLimitConfig{RequestsPerMinute: 60}
}

// RateLimitByIP limits requests per client IP. The key is the IP resolved by
// the trusted-proxy rules, so spoofed forwarding headers share one bucket.
func RateLimitByIP(config RateLimitConfig, ipConfig *pkghttp.IPConfig) func(next http.Handler) http.Handler {
	return httprate.Limit(
		config.RequestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return pkghttp.ExtractClientIP(r, ipConfig), nil
		}),
		httprate.WithLimitHandler(limitExceeded),
	)
}

// RateLimitByAccount limits authenticated requests per account. Requests
// without an account in context fall back to the client IP.
func RateLimitByAccount(config RateLimitConfig, ipConfig *pkghttp.IPConfig) func(next http.Handler) http.Handler {
	return httprate.Limit(
		config.RequestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if account := auth.GetAccountFromContext(r); account != nil {
				return "account:" + account.ID, nil
			}
			return "ip:" + pkghttp.ExtractClientIP(r, ipConfig), nil
		}),
		httprate.WithLimitHandler(limitExceeded),
	)
}

func limitExceeded(w http.ResponseWriter, r *http.Request) {
	pkghttp.WriteTooManyRequests(w, "Rate limit exceeded", time.Minute)
}
