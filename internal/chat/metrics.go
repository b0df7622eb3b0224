package chat

import "github.com/prometheus/client_golang/prometheus"

var (
	// sessionsActive gauges sessions in the Open state.
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_sessions_active",
			Help: "WebSocket chat sessions currently open.",
		},
	)

	// handshakes counts handshake outcomes ("open", "room_not_found",
	// "forbidden", "error", "shutting_down").
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_handshakes_total",
			Help: "Chat session handshakes by outcome.",
		},
		[]string{"outcome"},
	)

	// inbound counts inbound chat frames by result ("ok", "invalid",
	// "rate_limited", "persist_error", "broadcast_error").
	inbound = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_inbound_messages_total",
			Help: "Inbound chat messages by result.",
		},
		[]string{"result"},
	)

	// pushFailures counts frames that could not reach a client.
	pushFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_push_failures_total",
			Help: "Outbound frames dropped or failed per reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(sessionsActive, handshakes, inbound, pushFailures)
}
