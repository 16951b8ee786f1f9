package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Evaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionguard_evaluations_total",
			Help: "Evaluations run, by trigger and verdict",
		},
		[]string{"trigger", "verdict"},
	)

	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sessionguard_evaluation_duration_seconds",
			Help:    "Time spent extracting, scoring and committing one evaluation",
			Buckets: prometheus.DefBuckets,
		},
	)

	RequestDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionguard_request_decisions_total",
			Help: "Decisions returned to the request path",
		},
		[]string{"action"},
	)

	SessionsBlocked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessionguard_sessions_blocked_total",
			Help: "Sessions moved from active to blocked",
		},
	)

	AccountsBlocked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessionguard_accounts_blocked_total",
			Help: "Account block records written",
		},
	)

	ClassifierRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionguard_classifier_requests_total",
			Help: "Classifier calls by outcome (success, failure, timeout, malformed, rejected, skipped)",
		},
		[]string{"result"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sessionguard_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	StoreRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionguard_store_retries_total",
			Help: "Store operations retried after a failure",
		},
		[]string{"operation"},
	)

	StoreFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionguard_store_failures_total",
			Help: "Store operations that failed after all retries",
		},
		[]string{"operation"},
	)

	IngestEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionguard_ingest_events_total",
			Help: "Request events received per ingest source and outcome",
		},
		[]string{"source", "outcome"},
	)
)
