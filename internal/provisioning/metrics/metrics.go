package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsConsumed tracks verification events by terminal result
	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletd_events_consumed_total",
			Help: "Total number of verification events handled",
		},
		[]string{"outcome", "result"},
	)

	// EventsRetried tracks transient failures that left a message unacknowledged
	EventsRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletd_events_retried_total",
			Help: "Total number of transient handling failures",
		},
		[]string{"stage"},
	)

	// DeadLetters tracks events routed to the dead-letter topic
	DeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletd_dead_letters_total",
			Help: "Total number of events dead-lettered",
		},
		[]string{"reason"},
	)

	// WalletsCreated tracks wallets persisted per network
	WalletsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletd_wallets_created_total",
			Help: "Total number of wallets created",
		},
		[]string{"network"},
	)

	// ConsistencyWarnings tracks duplicate-key conflicts with a different derivation
	ConsistencyWarnings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletd_consistency_warnings_total",
			Help: "Total number of conflicting wallet records detected on persist",
		},
		[]string{"network"},
	)

	// DerivationLatency tracks time spent deriving and sealing key material
	DerivationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "walletd_derivation_latency_seconds",
			Help:    "Wallet derivation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"network"},
	)

	// HandleLatency tracks end-to-end handling of one message
	HandleLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "walletd_handle_latency_seconds",
			Help:    "Verification event handling latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// LimiterInFlight tracks permits currently held
	LimiterInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "walletd_limiter_in_flight",
			Help: "Derivations currently holding a generation permit",
		},
	)

	// LimiterWait tracks time spent waiting for a permit
	LimiterWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "walletd_limiter_wait_seconds",
			Help:    "Time spent waiting for a generation permit",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 2, 5, 10},
		},
	)

	// LimiterTimeouts tracks acquire attempts that timed out
	LimiterTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "walletd_limiter_timeouts_total",
			Help: "Total number of generation permit timeouts",
		},
	)

	// CacheRequests tracks wallet cache lookups by result (hit, miss, error)
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletd_cache_requests_total",
			Help: "Total number of wallet cache lookups",
		},
		[]string{"result"},
	)

	// EventsPublished tracks events published per topic and result
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletd_events_published_total",
			Help: "Total number of events published",
		},
		[]string{"topic", "result"},
	)

	// DecisionsPublishFailed tracks decisions currently marked publish_failed
	DecisionsPublishFailed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "walletd_decisions_publish_failed",
			Help: "Verification decisions awaiting manual reconciliation",
		},
	)

	// DBConnectionPoolUsage tracks DB connection pool usage percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "walletd_db_connection_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
