// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides SecurityHeaders, which attaches conservative HTTP
// security headers for a JSON API behind a reverse proxy. Chat rooms and
// their history are private to two participants, so responses under the API
// prefix are marked private: shared caches never keep them, while browsers
// may still revalidate the room list with its ETag.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// privateCacheControl allows conditional requests but forbids shared caches.
const privateCacheControl = "private, no-cache"

// SecurityOptions configures HTTP security headers emitted by SecurityHeaders.
//
// EnableHSTS emits Strict-Transport-Security on HTTPS requests only. Enable
// it only when traffic is HTTPS end-to-end. HSTSMaxAge defaults to 180 days.
//
// NoStore adds Cache-Control: no-store (plus legacy Pragma/Expires) to every
// response. PrivatePrefix marks responses under that path prefix as
// "private, no-cache" instead; NoStore wins when both apply.
//
// EnablePolicy sends Permissions-Policy and X-Permitted-Cross-Domain-Policies.
type SecurityOptions struct {
	EnableHSTS    bool          // set true only when traffic is HTTPS end-to-end
	HSTSMaxAge    time.Duration // e.g., 180 * 24h
	NoStore       bool          // add Cache-Control: no-store everywhere
	PrivatePrefix string        // e.g. "/api/v1"; empty disables
	EnablePolicy  bool          // include Permissions-Policy, etc.
}

// SecurityHeaders returns a Gin middleware that adds:
//
//   - always: X-Content-Type-Options: nosniff, X-Frame-Options: DENY,
//     Referrer-Policy: no-referrer
//   - EnablePolicy: Permissions-Policy and X-Permitted-Cross-Domain-Policies
//   - NoStore / PrivatePrefix: cache directives as described on SecurityOptions
//   - EnableHSTS on HTTPS: Strict-Transport-Security with includeSubDomains
//   - when X-Request-ID is already set: adds it to Access-Control-Expose-Headers
//     so browser clients can read it
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	maxAge := int(opt.HSTSMaxAge.Seconds())
	if maxAge <= 0 {
		maxAge = int((180 * 24 * time.Hour).Seconds())
	}
	hsts := "max-age=" + strconv.Itoa(maxAge) + "; includeSubDomains; preload"

	return func(c *gin.Context) {
		h := c.Writer.Header()

		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")

		if opt.EnablePolicy {
			h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()")
			h.Set("X-Permitted-Cross-Domain-Policies", "none")
		}

		switch {
		case opt.NoStore:
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
			h.Set("Expires", "0")
		case underPrefix(c.Request.URL.Path, opt.PrivatePrefix):
			h.Set("Cache-Control", privateCacheControl)
			h.Add("Vary", "Authorization")
		}

		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}

		if h.Get(requestIDHeader) != "" {
			const hdr = "Access-Control-Expose-Headers"
			cur := h.Get(hdr)
			if cur == "" {
				h.Set(hdr, requestIDHeader)
			} else if !strings.Contains(cur, requestIDHeader) {
				h.Set(hdr, cur+", "+requestIDHeader)
			}
		}

		c.Next()
	}
}

// underPrefix reports whether path equals prefix or lies below it. An empty
// or root prefix matches nothing.
func underPrefix(path, prefix string) bool {
	if prefix == "" || prefix == "/" {
		return false
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// isHTTPS reports whether the incoming request used HTTPS either directly
// (r.TLS != nil) or via a reverse proxy that set X-Forwarded-Proto: https.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
