// Package metrics provides Prometheus instrumentation for the chat service.
// It exposes gauges for connection, search and session counts, counters for
// message throughput and match outcomes, and histograms for latency
// tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "circleback_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// SearchingUsers tracks the current number of users in the search pool.
	SearchingUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "circleback_searching_users",
		Help: "Current number of users in the search pool",
	})

	// OpenBallots tracks the current number of undecided pending matches.
	OpenBallots = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "circleback_open_ballots",
		Help: "Current number of undecided pending-match ballots",
	})

	// ActiveSessions tracks the current number of active chat sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "circleback_active_sessions",
		Help: "Current number of active chat sessions",
	})

	// MessagesTotal counts messages processed, labeled by direction:
	// "sent" (persisted) or "delivered" (fanned out).
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "circleback_messages_total",
		Help: "Total number of messages processed",
	}, []string{"direction"})

	// MatchOutcomes counts resolved ballots by outcome:
	// "accepted", "rejected", "expired".
	MatchOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "circleback_match_outcomes_total",
		Help: "Total number of resolved pending-match ballots by outcome",
	}, []string{"outcome"})

	// MatchDuration records the time from entering the search pool to a
	// match proposal.
	MatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "circleback_match_duration_seconds",
		Help:    "Time from start-search to match proposal",
		Buckets: []float64{1, 2, 5, 10, 15, 30, 60, 120},
	})

	// DroppedEvents counts outbound events dropped under backpressure.
	DroppedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "circleback_dropped_events_total",
		Help: "Outbound events dropped due to send-queue backpressure",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		SearchingUsers,
		OpenBallots,
		ActiveSessions,
		MessagesTotal,
		MatchOutcomes,
		MatchDuration,
		DroppedEvents,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
