// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file instruments the room API and the chat upgrade route for
// Prometheus. Labels stay bounded: the path label is the registered route
// pattern (/api/v1/rooms/:room_id/messages, never a concrete room id) or
// "unmatched" for anything that hit no route.
//
// A chat upgrade occupies its handler for the whole session, so it is kept
// apart from ordinary requests: it is counted with status "101", tracked in
// the in-flight gauge under kind="ws", and left out of the latency and size
// histograms. Per-session detail lives in the chat package's collectors.
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// unmatchedPath labels requests that hit no route.
	unmatchedPath = "unmatched"

	kindHTTP = "http"
	kindWS   = "ws"
)

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status; chat upgrades report 101.",
		},
		[]string{"method", "path", "status"},
	)

	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Latency of non-upgrade HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "http_requests_inflight",
			Help: "Requests currently inside the handler chain, by kind (http or ws).",
		},
		[]string{"kind"},
	)

	// Room pages embed up to ROOM_MESSAGES_LIMIT messages of up to
	// MESSAGE_MAX_RUNES each, so the tail reaches a few hundred KiB.
	httpRespSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Body size of non-upgrade HTTP responses.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 7), // 256B..1MiB
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(httpReqs, httpLat, httpInflight, httpRespSize)
}

// Metrics records one counter sample per request and, for plain HTTP,
// latency and response size. Mount /metrics with promhttp separately.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		kind := kindHTTP
		if c.IsWebsocket() {
			kind = kindWS
		}
		inflight := httpInflight.WithLabelValues(kind)
		inflight.Inc()
		defer inflight.Dec()

		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = unmatchedPath
		}
		method := c.Request.Method
		status := c.Writer.Status()

		// A hijacked upgrade leaves Gin's status at its 200 default. A
		// refused upgrade wrote a real 4xx and is counted as such.
		if kind == kindWS && status == http.StatusOK {
			httpReqs.WithLabelValues(method, path, strconv.Itoa(http.StatusSwitchingProtocols)).Inc()
			return
		}

		httpReqs.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
		httpLat.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		if size := c.Writer.Size(); size >= 0 {
			httpRespSize.WithLabelValues(method, path).Observe(float64(size))
		}
	}
}
