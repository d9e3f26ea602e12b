package util

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultHSTSMaxAge = 365 * 24 * time.Hour

// HeaderPolicy configures WithSecurityHeaders.
type HeaderPolicy struct {
	// TrustedProxies may report X-Forwarded-Proto for HSTS. Nil trusts none.
	TrustedProxies *TrustedProxies
	// Streaming marks requests whose body is flushed incrementally.
	Streaming  func(*http.Request) bool
	HSTSMaxAge time.Duration
}

// WithSecurityHeaders adds the JSON API security headers. Streamed responses
// are marked uncacheable and unbuffered so proxies pass each chunk through.
func WithSecurityHeaders(policy HeaderPolicy, next http.Handler) http.Handler {
	maxAge := policy.HSTSMaxAge
	if maxAge <= 0 {
		maxAge = defaultHSTSMaxAge
	}
	hsts := "max-age=" + strconv.Itoa(int(maxAge.Seconds())) + "; includeSubDomains"

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'")
		if policy.Streaming != nil && policy.Streaming(r) {
			h.Set("Cache-Control", "no-cache, no-transform")
			h.Set("X-Accel-Buffering", "no")
		} else {
			h.Set("Cache-Control", "no-store")
		}
		if servedOverHTTPS(r, policy.TrustedProxies) {
			h.Set("Strict-Transport-Security", hsts)
		}
		next.ServeHTTP(w, r)
	})
}

func servedOverHTTPS(r *http.Request, trusted *TrustedProxies) bool {
	if r.TLS != nil {
		return true
	}
	if !trusted.TrustsPeer(r) {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")), "https")
}
