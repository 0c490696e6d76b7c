// internal/metrics/prom.go
// Package metrics centralises Prometheus metric registration for the pan-node
// binary. It exposes typed collectors so the rest of the code stays
// import-cycle-free and registers with the global prometheus.DefaultRegisterer,
// which main() typically exposes via the /metrics HTTP handler.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// Connections -------------------------------------------------------
	AgentConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pan",
		Subsystem: "agent",
		Name:      "connections",
		Help:      "Current number of authenticated agent connections.",
	})

	PendingConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pan",
		Subsystem: "agent",
		Name:      "pending_connections",
		Help:      "Current number of sockets that have not yet completed auth.",
	})

	PeerConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pan",
		Subsystem: "peer",
		Name:      "connections",
		Help:      "Current number of registered peer connections.",
	})

	PeerHandshakeFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pan",
		Subsystem: "peer",
		Name:      "handshake_failures_total",
		Help:      "Total peer handshakes rejected (parse, validation, or trust failure).",
	})

	// Frames --------------------------------------------------------------
	FramesReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pan",
		Subsystem: "agent",
		Name:      "frames_received_total",
		Help:      "Total frames received from agents, by outcome.",
	}, []string{"outcome"})

	FramesDeliveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pan",
		Subsystem: "router",
		Name:      "frames_delivered_total",
		Help:      "Total frames delivered to local recipients (direct + broadcast fan-out).",
	})

	// Spam guard ------------------------------------------------------------
	SpamViolationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pan",
		Subsystem: "spam",
		Name:      "violations_total",
		Help:      "Total token-bucket violations observed across all sockets.",
	})

	SpamDisconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pan",
		Subsystem: "spam",
		Name:      "disconnects_total",
		Help:      "Total sockets closed for exceeding the violation threshold.",
	})

	// Auth ------------------------------------------------------------------
	AuthAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pan",
		Subsystem: "auth",
		Name:      "attempts_total",
		Help:      "Total auth method attempts, by method and outcome.",
	}, []string{"method", "outcome"})

	// Group manager ----------------------------------------------------------
	GroupSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pan",
		Subsystem: "group",
		Name:      "subscriptions",
		Help:      "Current total (conn, group, msg_type) subscription triples.",
	})

	// Trust -------------------------------------------------------------------
	TrustReloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pan",
		Subsystem: "trust",
		Name:      "reloads_total",
		Help:      "Total trust-config reload attempts, by outcome.",
	}, []string{"domain", "outcome"})
)

// Register exports all metrics; safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			AgentConnections,
			PendingConnections,
			PeerConnections,
			PeerHandshakeFailuresTotal,
			FramesReceivedTotal,
			FramesDeliveredTotal,
			SpamViolationsTotal,
			SpamDisconnectsTotal,
			AuthAttemptsTotal,
			GroupSubscriptions,
			TrustReloadsTotal,
		)
	})
}
