package security

import (
	"net/http"
	"strconv"
	"strings"
)

// apiCSP forbids every resource type; responses are JSON only.
const apiCSP = "default-src 'none'; frame-ancestors 'none'"

// Headers hardens JSON responses.
type Headers struct {
	Enable     bool
	EnableHSTS bool
	// HSTSMaxAge is in seconds; one year when unset.
	HSTSMaxAge            int
	HSTSIncludeSubdomains bool
	// NoStore disables caching under /api/, where authorization responses
	// carry client secrets.
	NoStore bool
}

func (h Headers) hsts() string {
	maxAge := h.HSTSMaxAge
	if maxAge <= 0 {
		maxAge = 365 * 24 * 60 * 60
	}
	value := "max-age=" + strconv.Itoa(maxAge)
	if h.HSTSIncludeSubdomains {
		value += "; includeSubDomains"
	}
	return value
}

func (h Headers) Middleware(next http.Handler) http.Handler {
	if !h.Enable {
		return next
	}
	hsts := h.hsts()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		headers.Set("X-Content-Type-Options", "nosniff")
		headers.Set("X-Frame-Options", "DENY")
		headers.Set("Content-Security-Policy", apiCSP)
		headers.Set("Referrer-Policy", "no-referrer")
		headers.Set("Permissions-Policy", "geolocation=(), camera=(), microphone=(), payment=()")
		if h.NoStore && strings.HasPrefix(r.URL.Path, "/api/") {
			headers.Set("Cache-Control", "no-store")
			headers.Set("Pragma", "no-cache")
		}
		if h.EnableHSTS && (r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")) {
			headers.Set("Strict-Transport-Security", hsts)
		}
		next.ServeHTTP(w, r)
	})
}
