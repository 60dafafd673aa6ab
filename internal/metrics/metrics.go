// Package metrics provides Prometheus instrumentation for the Playa presence
// services. It exposes relay connection and broadcast counters, presence and
// shout gauges, and chat-request transition counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RelayConnects counts relay client connection attempts, labeled by
	// result: "ok" or "error".
	RelayConnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "playa_relay_client_connects_total",
		Help: "Relay client connection attempts",
	}, []string{"result"})

	// RelayFrames counts frames handled by the relay client, labeled by
	// kind: "broadcast", "malformed" or "sent".
	RelayFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "playa_relay_client_frames_total",
		Help: "Frames handled by the relay client",
	}, []string{"kind"})

	// RemotePresence tracks the number of remote participants held in the
	// presence store (fresh or stale).
	RemotePresence = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "playa_presence_remote_entries",
		Help: "Remote participants held in the presence store",
	})

	// ShoutsActive tracks the number of shouts currently displayed.
	ShoutsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "playa_shouts_active",
		Help: "Shouts currently in the ephemeral feed",
	})

	// ShoutsSent counts local shout attempts by result: "sent", "cooldown",
	// "rate_limited", "blocked", "invalid" or "error".
	ShoutsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "playa_shouts_sent_total",
		Help: "Local shout attempts",
	}, []string{"result"})

	// ChatRequestTransitions counts chat-request state writes by target state.
	ChatRequestTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "playa_chat_request_transitions_total",
		Help: "Chat-request state transitions written by the coordinator",
	}, []string{"state"})

	// RemovalNotices counts removal notices presented to the local user.
	RemovalNotices = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "playa_removal_notices_total",
		Help: "Removal notices presented",
	})

	// RelayServerConnections tracks the relay service's open connections.
	RelayServerConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "playa_relay_connections",
		Help: "Open relay WebSocket connections",
	})

	// RelayServerBroadcasts counts broadcast frames written by the relay.
	RelayServerBroadcasts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "playa_relay_broadcasts_total",
		Help: "Broadcast frames written by the relay service",
	})

	// RelayFlushLatency records how long one broadcast flush takes.
	RelayFlushLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "playa_relay_flush_seconds",
		Help:    "Relay broadcast flush latency in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
	})
)

func init() {
	prometheus.MustRegister(
		RelayConnects,
		RelayFrames,
		RemotePresence,
		ShoutsActive,
		ShoutsSent,
		ChatRequestTransitions,
		RemovalNotices,
		RelayServerConnections,
		RelayServerBroadcasts,
		RelayFlushLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
