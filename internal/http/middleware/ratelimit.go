// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements the per-identity token-bucket limiter that sits in
// front of the room API and the chat upgrade endpoint. Authenticated callers
// are keyed by user id, anonymous ones by client IP. Buckets that stay idle
// longer than the TTL are swept on a timer-free schedule: the first lookup
// after each sweep interval walks the map.
//
// The limiter is process-local. Replicas sharing a broadcast backbone each
// enforce their own budget, so the effective cluster-wide rate is the sum.
package middleware

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

const (
	userKeyPrefix = "user:"
	ipKeyPrefix   = "ip:"

	defaultBucketTTL  = 10 * time.Minute
	defaultSweepEvery = time.Minute

	// ctxKeyRateBypass marks a request that must not consume tokens.
	ctxKeyRateBypass = "rate.bypass"
)

// rateLimited counts rejected requests by identity kind ("user" or "ip").
var rateLimited = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "http_rate_limited_total",
		Help: "Requests rejected by the per-identity rate limiter.",
	},
	[]string{"kind"},
)

func init() {
	prometheus.MustRegister(rateLimited)
}

// keyFunc selects the identity used to key a rate-limit bucket.
type keyFunc func(*gin.Context) string

// KeyByUserOrIP keys buckets by the authenticated user (set by Principal under
// "userID") and falls back to the client IP. Keys are namespaced, e.g.
// "user:u-7" or "ip:203.0.113.7".
func KeyByUserOrIP() keyFunc {
	return func(c *gin.Context) string {
		if uid := c.GetString("userID"); uid != "" {
			return userKeyPrefix + uid
		}
		return ipKeyPrefix + c.ClientIP()
	}
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a concurrency-safe set of token buckets keyed by identity.
type RateLimiter struct {
	limit rate.Limit
	burst int
	keyFn keyFunc

	mu        sync.Mutex
	buckets   map[string]*bucket
	ttl       time.Duration
	sweepEach time.Duration
	lastSweep time.Time

	now func() time.Time
}

// NewRateLimiter returns a limiter refilling rps tokens per second up to
// burst. A burst <= 0 is treated as 1.
func NewRateLimiter(rps float64, burst int, keyFn keyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:     rate.Limit(rps),
		burst:     burst,
		keyFn:     keyFn,
		buckets:   make(map[string]*bucket),
		ttl:       defaultBucketTTL,
		sweepEach: defaultSweepEvery,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

// limiterFor returns the bucket for key, creating it on first use. Idle
// buckets are evicted before the lookup so a stale entry for key itself is
// replaced by a full one.
func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastSweep) >= rl.sweepEach {
		for k, b := range rl.buckets {
			if now.Sub(b.lastSeen) >= rl.ttl {
				delete(rl.buckets, k)
			}
		}
		rl.lastSweep = now
	}

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	return b.lim
}

// size reports the number of live buckets.
func (rl *RateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// ExemptPaths flags requests to the given exact paths so Handler lets them
// through without spending tokens. Install it before Handler.
func ExemptPaths(paths ...string) gin.HandlerFunc {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return func(c *gin.Context) {
		if _, ok := set[c.Request.URL.Path]; ok {
			c.Set(ctxKeyRateBypass, true)
		}
		c.Next()
	}
}

// IsRateBypass reports whether ExemptPaths marked this request.
func IsRateBypass(c *gin.Context) bool {
	return c.GetBool(ctxKeyRateBypass)
}

// Handler enforces the per-identity budget. A rejected request gets 429, a
// Retry-After header with the whole seconds until the next token, and the
// standard error envelope with code "too_many_requests".
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}

		key := rl.keyFn(c)
		lim := rl.limiterFor(key)
		now := rl.now()
		if lim.AllowN(now, 1) {
			c.Next()
			return
		}

		kind := "ip"
		if strings.HasPrefix(key, userKeyPrefix) {
			kind = "user"
		}
		rateLimited.WithLabelValues(kind).Inc()

		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(lim, now)))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": RequestIDFrom(c),
			"code":       "too_many_requests",
			"message":    "rate limit exceeded",
		})
	}
}

// retryAfterSeconds rounds the time until one token is available up to whole
// seconds, never less than 1.
func retryAfterSeconds(lim *rate.Limiter, now time.Time) int {
	per := float64(lim.Limit())
	if per <= 0 || math.IsInf(per, 1) {
		return 1
	}
	missing := 1 - lim.TokensAt(now)
	if missing <= 0 {
		return 1
	}
	secs := int(math.Ceil(missing / per))
	if secs < 1 {
		secs = 1
	}
	return secs
}
