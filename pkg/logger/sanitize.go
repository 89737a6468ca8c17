package logger

import (
	"log/slog"
	"strings"
)

// SanitizedEmail masks an email address for logging (e.g., "u***@e***.com")
func SanitizedEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "[invalid-email]"
	}

	username := parts[0]
	domain := parts[1]

	// Mask username: keep first char, mask rest
	if len(username) > 1 {
		username = string(username[0]) + strings.Repeat("*", len(username)-1)
	}

	// Mask all but the TLD
	domainParts := strings.Split(domain, ".")
	if len(domainParts) > 1 {
		for i := 0; i < len(domainParts)-1; i++ {
			domainParts[i] = strings.Repeat("*", len(domainParts[i]))
		}
		domain = strings.Join(domainParts, ".")
	}

	return username + "@" + domain
}

// RedactedAttr returns "[REDACTED]" for key in production and the value
// elsewhere.
func RedactedAttr(key, value, env string) slog.Attr {
	if env == "production" {
		return slog.String(key, "[REDACTED]")
	}
	return slog.String(key, value)
}

var sensitiveParams = []string{
	"password",
	"token",
	"secret",
	"code",
	"email",
	"captcha",
	"auth",
}

// SanitizeQueryString reports whether the raw query mentions a sensitive
// parameter and should be dropped from request logs entirely.
func SanitizeQueryString(rawQuery string) bool {
	query := strings.ToLower(rawQuery)
	for _, param := range sensitiveParams {
		if strings.Contains(query, param) {
			return true
		}
	}
	return false
}
