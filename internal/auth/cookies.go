package auth

import (
	"net/http"
	"time"
)

const trustedDeviceCookie = "trusted_device"

// CookieConfig holds cookie configuration settings
type CookieConfig struct {
	Domain   string // Empty string = current host only
	Secure   bool   // HTTPS only
	SameSite string // "strict", "lax", or "none"
}

// SetTrustedDeviceCookie stores the sealed device token in an httpOnly cookie
// scoped to the auth endpoints.
func SetTrustedDeviceCookie(w http.ResponseWriter, token string, expiresAt time.Time, config CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     trustedDeviceCookie,
		Value:    token,
		Path:     "/auth",
		Domain:   config.Domain,
		Expires:  expiresAt,
		MaxAge:   int(time.Until(expiresAt).Seconds()),
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: parseSameSite(config.SameSite),
	})
}

// ClearTrustedDeviceCookie removes the trusted device cookie
func ClearTrustedDeviceCookie(w http.ResponseWriter, config CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     trustedDeviceCookie,
		Value:    "",
		Path:     "/auth",
		Domain:   config.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: parseSameSite(config.SameSite),
	})
}

// GetTrustedDeviceCookie returns the device token, or "" when absent.
func GetTrustedDeviceCookie(r *http.Request) string {
	cookie, err := r.Cookie(trustedDeviceCookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// parseSameSite converts string to http.SameSite constant
func parseSameSite(sameSite string) http.SameSite {
	switch sameSite {
	case "strict":
		return http.SameSiteStrictMode
	case "lax":
		return http.SameSiteLaxMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteDefaultMode
	}
}
