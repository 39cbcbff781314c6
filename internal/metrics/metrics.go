// Package metrics holds the Prometheus collectors tendril exports.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Store metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tendril_store_latency_seconds",
			Help:    "Edge store operation latency in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	// DAG metrics
	AppendsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tendril_dag_appends_total",
			Help: "Total items appended to a stream",
		},
	)

	AppendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tendril_dag_append_failures_total",
			Help: "Total appends that returned a store error",
		},
	)

	TraversalsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tendril_dag_traversals_total",
			Help: "Total stream traversals",
		},
	)

	TraversalNodes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tendril_dag_traversal_nodes",
			Help:    "Nodes returned per traversal",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	TruncatedReads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tendril_dag_truncated_reads_total",
			Help: "Traversals that stopped at their limit with more nodes reachable",
		},
	)

	// Chat metrics
	MessagesPosted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tendril_messages_posted_total",
			Help: "Total messages posted",
		},
	)

	ConversationsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tendril_conversations_started_total",
			Help: "Total conversations started",
		},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tendril_notifications_total",
			Help: "Member notifications by signal and outcome",
		},
		[]string{"signal", "outcome"}, // outcome: "sent" or "failed"
	)

	SearchQueries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tendril_search_queries_total",
			Help: "Total message search queries",
		},
	)

	// Replication metrics
	BundleRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tendril_bundle_records_total",
			Help: "Records moved through bundles",
		},
		[]string{"direction", "type"}, // direction: "export" or "import"; type: "entry" or "link"
	)
)
