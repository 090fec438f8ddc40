// Package metrics provides Prometheus instrumentation for the collaboration
// broadcaster: gauges for room and connection counts, counters for message
// throughput and evictions, and a histogram for fan-out latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveRooms tracks the current number of live rooms.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collab_active_rooms",
		Help: "Current number of rooms with at least one connection",
	})

	// ActiveConnections tracks the current number of joined connections.
	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collab_active_connections",
		Help: "Current number of connections across all rooms",
	})

	// MessagesTotal counts broadcast messages by wire type.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_messages_total",
		Help: "Total number of messages broadcast, by message type",
	}, []string{"type"})

	// BroadcastLatency records room fan-out latency in seconds.
	BroadcastLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "collab_broadcast_latency_seconds",
		Help:    "Room fan-out latency in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// EvictionsTotal counts connection teardowns by reason.
	EvictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_evictions_total",
		Help: "Total number of connection teardowns, by reason",
	}, []string{"reason"}) // reason = "closed", "write_failed", "heartbeat_timeout"
)

// Eviction reason label values.
const (
	ReasonClosed           = "closed"
	ReasonWriteFailed      = "write_failed"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
)

func init() {
	prometheus.MustRegister(
		ActiveRooms,
		ActiveConnections,
		MessagesTotal,
		BroadcastLatency,
		EvictionsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
