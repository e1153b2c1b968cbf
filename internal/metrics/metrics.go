// Package metrics exposes the Prometheus counters the rest of the module
// increments: protocol query attempts/retries, transport handshakes, and
// discovery replies. Grounded on the teacher's own pkg/prometheus client,
// which registered one GaugeVec/CounterVec per energy-reading field via
// promauto; this package does the same for wire-level call counts instead.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueryAttempts counts every Protocol.Query call, labeled by the
	// logical protocol name ("iot", "smart", "smartcam").
	QueryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tplink_client_query_attempts_total",
			Help: "Protocol.Query calls, by protocol.",
		},
		[]string{"protocol"},
	)

	// QueryRetries counts retry attempts within a single Query call
	// (spec.md §5 retry policy), labeled by protocol and the
	// internal/errors.ErrorType that triggered the retry.
	QueryRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tplink_client_query_retries_total",
			Help: "Protocol.Query retry attempts, by protocol and error type.",
		},
		[]string{"protocol", "error_type"},
	)

	// Handshakes counts transport handshake/login attempts, labeled by
	// transport ("klap", "aes") and outcome ("success", "failure").
	Handshakes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tplink_client_handshakes_total",
			Help: "Transport handshake/login attempts, by transport and outcome.",
		},
		[]string{"transport", "outcome"},
	)

	// DiscoveryReplies counts UDP discovery replies received, labeled by
	// port ("9999", "20002").
	DiscoveryReplies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tplink_client_discovery_replies_total",
			Help: "UDP discovery replies received, by port.",
		},
		[]string{"port"},
	)
)
