// Package metrics provides Prometheus instrumentation for the connection
// engine. All metric collectors are registered via the Init function and
// exposed through the Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectAttempts counts connection attempts by target and result.
	ConnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqlink_connect_attempts_total",
			Help: "Total connection attempts",
		},
		[]string{"target", "result"},
	)

	// StateTransitions counts engine state transitions.
	StateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqlink_state_transitions_total",
			Help: "Total engine state transitions",
		},
		[]string{"from", "to"},
	)

	// RetryDelay observes the delay armed before each reconnection attempt.
	RetryDelay = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mqlink_retry_delay_seconds",
			Help:    "Delay armed before reconnection attempts",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
	)

	// Reconnects counts successful re-opens after one or more retry cycles.
	Reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mqlink_reconnects_total",
			Help: "Total successful reconnections",
		},
	)

	// ActiveConnections tracks engines currently in the Open state.
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mqlink_active_connections",
			Help: "Number of connections currently open",
		},
	)

	// TerminalFailures counts engine terminations by condition code.
	TerminalFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqlink_terminal_failures_total",
			Help: "Total terminal connection failures",
		},
		[]string{"condition"},
	)

	// OptionUpdates counts runtime option overlay merges.
	OptionUpdates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mqlink_option_updates_total",
			Help: "Total runtime option updates merged",
		},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup.
func Init() {
	prometheus.MustRegister(
		ConnectAttempts,
		StateTransitions,
		RetryDelay,
		Reconnects,
		ActiveConnections,
		TerminalFailures,
		OptionUpdates,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
