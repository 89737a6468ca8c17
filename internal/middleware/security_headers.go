package middleware

import "net/http"

// SecurityHeadersConfig holds security headers configuration
type SecurityHeadersConfig struct {
	Env string
}

// SecurityHeaders returns a middleware that adds security headers to all
// responses. The API serves only JSON, so the content policy forbids
// everything.
func SecurityHeaders(config SecurityHeadersConfig) func(http.Handler) http.Handler {
	production := config.Env == "production"

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'")
			h.Set("Cross-Origin-Opener-Policy", "same-origin")
			h.Set("Cross-Origin-Resource-Policy", "same-origin")
			h.Set("Permissions-Policy", "camera=(), geolocation=(), microphone=(), payment=(), usb=()")

			// Credentials and tokens must never be cached by intermediaries.
			h.Set("Cache-Control", "no-store")

			if production && (r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https") {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
			}

			next.ServeHTTP(w, r)
		})
	}
}
