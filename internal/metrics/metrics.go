// Package metrics exposes prometheus collectors for the chat client core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionState encodes the connection manager state:
	// 0 disconnected, 1 connecting, 2 connected, 3 reconnecting.
	ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatlink_connection_state",
		Help: "Current connection manager state.",
	})

	ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatlink_reconnect_attempts_total",
		Help: "Reconnect attempts scheduled by the connection manager.",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatlink_offline_queue_depth",
		Help: "Entries currently in the offline queue.",
	})

	QueuePermanentFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatlink_offline_queue_permanent_failures_total",
		Help: "Queue entries that exhausted their retry budget.",
	})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatlink_messages_sent_total",
		Help: "Messages confirmed by the server.",
	})

	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatlink_frames_dropped_total",
		Help: "Inbound frames dropped as malformed.",
	})
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
