// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file holds the access logger. Each request produces one JSON line once
// the handler chain returns; for chat upgrades that is when the session ends,
// so those lines are tagged "ws_session" and their latency is the session
// length. Bodies are never logged. Header values and the raw query pass
// through a scrubber first:
//
//   - credential headers (Authorization, Cookie, Set-Cookie, plus extras)
//     are replaced wholesale
//   - credential query parameters (token, access_token, plus extras) are
//     replaced wholesale; browsers cannot set headers on a WebSocket upgrade,
//     so bearer tokens arrive in the query string there
//   - anything that looks like a UUID, e-mail address or phone number is
//     replaced by a typed placeholder
//
//	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
//	    MaskHeaders: []string{"X-API-Key"},
//	}))
package middleware

import (
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const redacted = "[REDACTED]"

var (
	uuidPattern  = regexp.MustCompile(`(?i)\b[0-9a-f]{8}\-[0-9a-f]{4}\-[1-5][0-9a-f]{3}\-[89ab][0-9a-f]{3}\-[0-9a-f]{12}\b`)
	emailPattern = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	// Digits only, so it cannot bite into the hex groups of a UUID.
	phonePattern = regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
)

// RedactOptions adds to the built-in masks. Header matching is
// case-insensitive; query parameter matching is too.
type RedactOptions struct {
	MaskHeaders []string
	MaskQuery   []string
}

type scrubber struct {
	headers map[string]struct{}
	query   *regexp.Regexp
}

func newScrubber(opts RedactOptions) *scrubber {
	s := &scrubber{headers: map[string]struct{}{
		"authorization": {},
		"cookie":        {},
		"set-cookie":    {},
	}}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			s.headers[h] = struct{}{}
		}
	}

	keys := []string{"token", "access_token"}
	for _, k := range opts.MaskQuery {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, regexp.QuoteMeta(k))
		}
	}
	s.query = regexp.MustCompile(`(?i)(^|&)(` + strings.Join(keys, "|") + `)=[^&]*`)
	return s
}

// text replaces identifiers with typed placeholders. UUIDs go first because
// the phone pattern would otherwise match their digit runs.
func (s *scrubber) text(v string) string {
	if v == "" {
		return v
	}
	v = uuidPattern.ReplaceAllString(v, "[REDACTED:id]")
	v = emailPattern.ReplaceAllString(v, "[REDACTED:email]")
	return phonePattern.ReplaceAllString(v, "[REDACTED:phone]")
}

func (s *scrubber) rawQuery(q string) string {
	if q == "" {
		return q
	}
	return truncate(s.text(s.query.ReplaceAllString(q, "${1}${2}="+redacted)), maxQueryLogLength)
}

func (s *scrubber) headerDict(c *gin.Context) *zerolog.Event {
	d := zerolog.Dict()
	for k, vv := range c.Request.Header {
		if _, masked := s.headers[strings.ToLower(k)]; masked {
			d.Str(k, redacted)
			continue
		}
		d.Str(k, s.text(strings.Join(vv, ", ")))
	}
	return d
}

// RedactingLogger writes one scrubbed access log line per request: INFO for
// success, WARN for 4xx and ERROR for 5xx. The request id comes from
// RequestID when it ran, otherwise from the incoming header.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	s := newScrubber(opts)

	return func(c *gin.Context) {
		start := time.Now()
		query := s.rawQuery(c.Request.URL.RawQuery)
		headers := s.headerDict(c)

		c.Next()

		status := c.Writer.Status()
		var ev *zerolog.Event
		switch {
		case status >= 500:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		default:
			ev = log.Info()
		}

		rid := RequestIDFrom(c)
		if rid == "" {
			rid = c.GetHeader(requestIDHeader)
		}
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		ws := c.IsWebsocket()
		msg := "http_request"
		if ws {
			msg = "ws_session"
		}

		ev.Str("request_id", rid).
			Str("user_id", c.GetString("userID")).
			Str("room_id", c.Param("room_id")).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", query).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Bool("websocket", ws).
			Dict("headers", headers).
			Msg(msg)
	}
}
