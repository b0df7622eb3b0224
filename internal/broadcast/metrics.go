package broadcast

import "github.com/prometheus/client_golang/prometheus"

var (
	// groupMembers gauges handles currently joined across all rooms.
	groupMembers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_group_members",
			Help: "Session handles currently joined to a room group on this instance.",
		},
	)

	// deliveries counts per-recipient delivery attempts by outcome
	// ("ok", "closed", "error").
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_broadcast_deliveries_total",
			Help: "Per-recipient broadcast deliveries by outcome.",
		},
		[]string{"outcome"},
	)

	// backboneErrors counts publish/decode failures on distributed backends.
	backboneErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_backbone_errors_total",
			Help: "Publish or decode failures on the pub/sub backbone.",
		},
		[]string{"backend", "op"},
	)
)

func init() {
	prometheus.MustRegister(groupMembers, deliveries, backboneErrors)
}
