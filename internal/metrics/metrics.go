// Package metrics provides Prometheus instrumentation for the video chat
// application. It exposes gauges for connection and room counts, counters for
// signaling throughput, and histograms for matching and call setup latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meetcam_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// SignalsTotal counts relayed signaling messages, labeled by kind:
	// "offer", "answer", "candidate", "ready", "bye".
	SignalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meetcam_signals_total",
		Help: "Total number of signaling messages relayed",
	}, []string{"kind"})

	// MatchDuration records the time from queue join to match found.
	MatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "meetcam_match_duration_seconds",
		Help:    "Time from queue join to match found",
		Buckets: []float64{.5, 1, 2, 5, 10, 30, 60, 120},
	})

	// CallSetupDuration records the time from match found to connected peers.
	CallSetupDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "meetcam_call_setup_seconds",
		Help:    "Time from match found to established peer connection",
		Buckets: []float64{.25, .5, 1, 2, 5, 10, 30},
	})

	// ActiveRooms tracks the current number of active call rooms.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meetcam_active_rooms",
		Help: "Current number of active call rooms",
	})

	// MatchQueueSize tracks the current number of users waiting in the queue.
	MatchQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meetcam_match_queue_size",
		Help: "Current number of users in matching queue",
	})

	// NegotiationOutcomes counts how negotiation attempts ended, labeled by
	// outcome: "connected", "failed", "timeout", "cancelled".
	NegotiationOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meetcam_negotiation_outcomes_total",
		Help: "Terminal outcomes of peer negotiation attempts",
	}, []string{"outcome"})

	// IceRestartsTotal counts ICE restart attempts.
	IceRestartsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meetcam_ice_restarts_total",
		Help: "Total number of ICE restart attempts",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		SignalsTotal,
		MatchDuration,
		CallSetupDuration,
		ActiveRooms,
		MatchQueueSize,
		NegotiationOutcomes,
		IceRestartsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
