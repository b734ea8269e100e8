package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are registered on the default registry through promauto and
// exposed by the server on /metrics.

var (
	// HttpRequestsTotal counts requests by method, route pattern and status code.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flockstore_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	// HttpRequestDuration measures handler latency.
	HttpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flockstore_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5},
		},
		[]string{"method", "path"},
	)

	// EdgeMutationsTotal counts accepted writes by operation and graph.
	EdgeMutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flockstore_edge_mutations_total",
			Help: "Total number of edge mutations accepted",
		},
		[]string{"op", "graph"},
	)

	// LiveEdges tracks the number of visible edges per graph.
	LiveEdges = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flockstore_edges_live",
			Help: "Number of live (normal state) edges",
		},
		[]string{"graph"},
	)

	// QueriesTotal counts reads by kind: point, forward, backward, batch, metadata.
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flockstore_queries_total",
			Help: "Total number of edge queries served",
		},
		[]string{"kind"},
	)

	// WriteQueueDepth is the number of accepted writes not yet visible.
	WriteQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flockstore_write_queue_depth",
			Help: "Writes accepted but not yet applied (async write mode)",
		},
	)

	// TombstonesPurgedTotal counts rows dropped by the vacuum.
	TombstonesPurgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flockstore_tombstones_purged_total",
			Help: "Total number of tombstoned edge rows purged by vacuum",
		},
	)
)
