package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for autonode.
// Using promauto for automatic registration with default registry.
var (
	// --- Claim Metrics ---

	// ClaimsTotal counts resolved claims by outcome (won, lost, superseded, rejected, closed).
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autonode",
			Subsystem: "claims",
			Name:      "total",
			Help:      "Total number of resolved claim attempts by outcome",
		},
		[]string{"topic", "outcome"},
	)

	// ClaimDuration tracks time from announcement to resolution.
	ClaimDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "autonode",
			Subsystem: "claims",
			Name:      "duration_seconds",
			Help:      "Time from claim announcement to resolution",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
		[]string{"topic", "outcome"},
	)

	// ClaimsPending tracks in-flight claims on this node.
	ClaimsPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "autonode",
			Subsystem: "claims",
			Name:      "pending",
			Help:      "Number of claim attempts currently polling",
		},
		[]string{"topic"},
	)

	// AnnouncementsWitnessed counts announcements recorded into a witness set.
	AnnouncementsWitnessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autonode",
			Subsystem: "claims",
			Name:      "announcements_witnessed_total",
			Help:      "Total announcements recorded for a pending claim",
		},
		[]string{"topic"},
	)

	// --- Collect Metrics ---

	// CollectsTotal counts resolved collects by outcome (answered, timeout, superseded, rejected, closed).
	CollectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autonode",
			Subsystem: "collects",
			Name:      "total",
			Help:      "Total number of resolved collect queries by outcome",
		},
		[]string{"topic", "outcome"},
	)

	// CollectLatency tracks time from query to resolution.
	CollectLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "autonode",
			Subsystem: "collects",
			Name:      "latency_seconds",
			Help:      "Time from collect query to resolution",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"topic", "outcome"},
	)

	// CollectsPending tracks in-flight collects on this node.
	CollectsPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "autonode",
			Subsystem: "collects",
			Name:      "pending",
			Help:      "Number of collect queries waiting for a reply",
		},
		[]string{"topic"},
	)

	// RepliesSent counts replies this node broadcast as a responder.
	RepliesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autonode",
			Subsystem: "collects",
			Name:      "replies_sent_total",
			Help:      "Total collect replies broadcast by this node",
		},
		[]string{"topic"},
	)

	// --- Bus Metrics ---

	// MessagesDropped counts inbound messages discarded at the subscriber boundary.
	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autonode",
			Subsystem: "bus",
			Name:      "messages_dropped_total",
			Help:      "Inbound broadcast messages dropped by reason",
		},
		[]string{"topic", "reason"},
	)

	// Publishes counts outbound broadcasts by backend and result.
	Publishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autonode",
			Subsystem: "bus",
			Name:      "publishes_total",
			Help:      "Broadcast publish attempts by backend and result",
		},
		[]string{"backend", "result"},
	)

	// CircuitState exposes breaker state (0 closed, 1 open, 2 half-open).
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "autonode",
			Subsystem: "bus",
			Name:      "circuit_state",
			Help:      "Circuit breaker state guarding publishes",
		},
		[]string{"breaker"},
	)

	// LoopQueueDepth tracks tasks waiting on each event loop.
	LoopQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "autonode",
			Subsystem: "loop",
			Name:      "queue_depth",
			Help:      "Tasks queued on the node event loop",
		},
		[]string{"loop"},
	)

	// LoopPanics counts recovered task panics.
	LoopPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "autonode",
			Subsystem: "loop",
			Name:      "panics_total",
			Help:      "Event loop tasks that panicked and were recovered",
		},
	)
)

// RecordClaim records metrics for a resolved claim.
func RecordClaim(topic, outcome string, durationSeconds float64) {
	ClaimsTotal.WithLabelValues(topic, outcome).Inc()
	ClaimDuration.WithLabelValues(topic, outcome).Observe(durationSeconds)
}

// RecordCollect records metrics for a resolved collect.
func RecordCollect(topic, outcome string, latencySeconds float64) {
	CollectsTotal.WithLabelValues(topic, outcome).Inc()
	CollectLatency.WithLabelValues(topic, outcome).Observe(latencySeconds)
}

// RecordPublish records the result of one broadcast publish.
func RecordPublish(backend string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	Publishes.WithLabelValues(backend, result).Inc()
}
