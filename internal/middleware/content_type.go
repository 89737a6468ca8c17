package middleware

import (
	"log/slog"
	"mime"
	"net/http"

	pkghttp "github.com/BradenHooton/sentinel/pkg/http"
)

// RequireJSON rejects state-changing requests whose body is not declared as
// JSON. HTML forms cannot send application/json cross-site without a CORS
// preflight, so the trusted device cookie cannot be ridden by a forged form
// post.
func RequireJSON(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !isStateChangingMethod(r.Method) || r.ContentLength == 0 {
				next.ServeHTTP(w, r)
				return
			}

			mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
			if err != nil || mediaType != "application/json" {
				logger.Warn("rejected non-JSON request body",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("content_type", r.Header.Get("Content-Type")))
				pkghttp.WriteError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "Content-Type must be application/json")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// isStateChangingMethod checks if the HTTP method modifies state
func isStateChangingMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
		return true
	default:
		return false
	}
}
