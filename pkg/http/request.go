package http

import (
	"net"
	"net/http"
	"strings"
)

const maxUserAgentLength = 512

// IPConfig holds configuration for IP extraction and validation
type IPConfig struct {
	TrustedProxies []string // CIDR ranges of trusted proxies
	networks       []*net.IPNet
}

// NewIPConfig parses the trusted proxy CIDR ranges once. Invalid ranges are
// skipped.
func NewIPConfig(trustedProxies []string) *IPConfig {
	cfg := &IPConfig{TrustedProxies: trustedProxies}
	for _, cidr := range trustedProxies {
		if _, ipNet, err := net.ParseCIDR(strings.TrimSpace(cidr)); err == nil {
			cfg.networks = append(cfg.networks, ipNet)
		}
	}
	return cfg
}

// ExtractClientIP returns the address the rate limiter should key on.
//
// Forwarding headers are honoured only when the direct peer is a trusted
// proxy. X-Forwarded-For is walked right to left and the first hop that is
// not itself a trusted proxy is the client; entries further left are
// client-controlled and ignored.
func ExtractClientIP(r *http.Request, config *IPConfig) string {
	remoteIP := getRemoteAddr(r)
	if config == nil || !config.isTrusted(remoteIP) {
		return remoteIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if net.ParseIP(hop) == nil {
				break
			}
			if !config.isTrusted(hop) {
				return hop
			}
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(xri) != nil {
		return xri
	}

	return remoteIP
}

// UserAgent returns the request user agent truncated to a sane length.
func UserAgent(r *http.Request) string {
	ua := strings.TrimSpace(r.Header.Get("User-Agent"))
	if len(ua) > maxUserAgentLength {
		ua = ua[:maxUserAgentLength]
	}
	return ua
}

// getRemoteAddr extracts the IP address from RemoteAddr (removing port if present)
func getRemoteAddr(r *http.Request) string {
	if r.RemoteAddr == "" {
		return "unknown"
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

func (c *IPConfig) isTrusted(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}

	networks := c.networks
	if networks == nil {
		networks = NewIPConfig(c.TrustedProxies).networks
	}
	for _, n := range networks {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}
