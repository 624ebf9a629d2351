// Package metrics holds the Prometheus instruments of the ranking engine.
// Everything registers on the default registry via promauto; /metrics
// serves it with promhttp.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "askrank"

var (
	// VotesTotal counts ledger writes by outcome.
	// Labels: outcome (applied, unchanged, stale, duplicate, error)
	VotesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "votes_total",
		Help:      "Vote requests by outcome",
	}, []string{"outcome"})

	// SubmissionsTotal counts submitted questions by cluster action.
	// Labels: action (singleton, merged, review, deferred)
	SubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cluster",
		Name:      "assignments_total",
		Help:      "Cluster assignments by action",
	}, []string{"action"})

	ConsolidationMerges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cluster",
		Name:      "consolidation_merges_total",
		Help:      "Cluster merges applied by consolidation passes",
	})

	// EmbeddingAttempts counts embedding calls.
	// Labels: result (ok, error)
	EmbeddingAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "embedding",
		Name:      "attempts_total",
		Help:      "Embedding calls by result",
	}, []string{"result"})

	EmbeddingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "embedding",
		Name:      "latency_seconds",
		Help:      "Embedding call latency",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	// AnomalyFindings counts findings by signal.
	// Labels: signal (velocity, device_cohort, vote_set_similarity, new_account)
	AnomalyFindings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "anomaly",
		Name:      "findings_total",
		Help:      "Anomaly findings by signal",
	}, []string{"signal"})

	AnomalyEscalations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "anomaly",
		Name:      "escalations_total",
		Help:      "Cohorts escalated to moderation",
	})

	AnomalyDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "anomaly",
		Name:      "dropped_events_total",
		Help:      "Vote events not inspected because the detector queue was full",
	})

	AllocatorRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "portfolio",
		Name:      "runs_total",
		Help:      "Top-Set allocations",
	})

	AllocatorLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "portfolio",
		Name:      "run_seconds",
		Help:      "Time to score, allocate and publish a Top-Set",
		Buckets:   prometheus.DefBuckets,
	})

	// ShardQueueDepth tracks the inbox length of each contest shard.
	// Labels: contest
	ShardQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "shard",
		Name:      "inbox_depth",
		Help:      "Pending events per contest shard",
	}, []string{"contest"})

	StreamSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "stream_subscribers",
		Help:      "Open Top-Set websocket streams",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
