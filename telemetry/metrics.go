package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// RouteBuckets for routing decisions and scatter-gather dispatch
	RouteBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

	// TwoPCBuckets for 2PC step latencies
	TwoPCBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 10}

	// LockWaitBuckets for collection lock acquisition including LockBusy backoff
	LockWaitBuckets = []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30}

	// FanoutBuckets for number of shards targeted by one operation
	FanoutBuckets = []float64{1, 2, 3, 4, 6, 8, 16, 32, 64}
)

// Router Metrics
var (
	// RouterOperationsTotal counts routed operations by kind and targeting (single, multi, broadcast, primary)
	RouterOperationsTotal CounterVec = noopCounterVec{}

	// RouterFanout observes the number of shards targeted per operation
	RouterFanout Histogram = NoopStat{}

	// RouterDurationSeconds measures end-to-end dispatch latency by kind
	RouterDurationSeconds HistogramVec = noopHistogramVec{}

	// RouterStaleRetriesTotal counts transparent retries by error code
	RouterStaleRetriesTotal CounterVec = noopCounterVec{}

	// RouterOpenCursors tracks cursors held by the router
	RouterOpenCursors Gauge = NoopStat{}
)

// Shard Version Cache Metrics
var (
	// CacheRefreshesTotal counts refreshes by kind (collection, database) and result
	CacheRefreshesTotal CounterVec = noopCounterVec{}

	// VersionChecksTotal counts incoming version checks by outcome (match, refreshed, stale)
	VersionChecksTotal CounterVec = noopCounterVec{}
)

// Placement Metrics
var (
	// PlacementOperationsTotal counts catalog mutations by operation and result
	PlacementOperationsTotal CounterVec = noopCounterVec{}

	// PlacementLockWaitSeconds measures time to acquire the collection lock
	PlacementLockWaitSeconds Histogram = NoopStat{}

	// PlacementLockBusyTotal counts LockBusy conflicts
	PlacementLockBusyTotal Counter = NoopStat{}

	// PlacementChunks tracks chunks per namespace
	PlacementChunks GaugeVec = noopGaugeVec{}

	// PlacementNotificationsTotal counts appended placement-change notifications
	PlacementNotificationsTotal CounterVec = noopCounterVec{}
)

// Retryable Write Ledger Metrics
var (
	// LedgerLookupsTotal counts statement lookups by result (hit, miss, filtered)
	LedgerLookupsTotal CounterVec = noopCounterVec{}

	// LedgerStatementsTotal counts recorded statements
	LedgerStatementsTotal Counter = NoopStat{}

	// LedgerCachedSessions tracks session records held in the hot cache
	LedgerCachedSessions Gauge = NoopStat{}
)

// 2PC Metrics
var (
	// TxnTotal counts transactions by type (distributed, single_shard, read_only) and result
	TxnTotal CounterVec = noopCounterVec{}

	// TxnDurationSeconds measures transaction commit latency by type
	TxnDurationSeconds HistogramVec = noopHistogramVec{}

	// CoordinatorStepSeconds measures the duration of each coordinator step
	CoordinatorStepSeconds HistogramVec = noopHistogramVec{}

	// CoordinatorDecisionsTotal counts durable decisions (commit, abort)
	CoordinatorDecisionsTotal CounterVec = noopCounterVec{}

	// ActiveCoordinators tracks coordinators that have not removed their document
	ActiveCoordinators Gauge = NoopStat{}

	// ShardPreparedTransactions tracks prepared transactions waiting for a decision
	ShardPreparedTransactions Gauge = NoopStat{}
)

// Balancer and publisher Metrics
var (
	// BalancerRoundsTotal counts balancer rounds
	BalancerRoundsTotal Counter = NoopStat{}

	// BalancerMigrationsTotal counts migrations by reason (drain, zone, imbalance) and result
	BalancerMigrationsTotal CounterVec = noopCounterVec{}

	// PublisherEventsTotal counts published placement events by sink and result
	PublisherEventsTotal CounterVec = noopCounterVec{}
)

// InitMetrics registers every metric. Called by InitializeTelemetry.
func InitMetrics() {
	RouterOperationsTotal = NewCounterVec(
		"router_operations_total",
		"Routed operations by kind and targeting",
		[]string{"kind", "targeting"},
	)
	RouterFanout = NewHistogram(
		"router_fanout_shards",
		"Shards targeted per routed operation",
		FanoutBuckets,
	)
	RouterDurationSeconds = NewHistogramVec(
		"router_duration_seconds",
		"Dispatch latency by operation kind",
		[]string{"kind"},
		RouteBuckets,
	)
	RouterStaleRetriesTotal = NewCounterVec(
		"router_stale_retries_total",
		"Transparent retries after staleness errors",
		[]string{"code"},
	)
	RouterOpenCursors = NewGauge(
		"router_open_cursors",
		"Cursors currently held by the router",
	)

	CacheRefreshesTotal = NewCounterVec(
		"cache_refreshes_total",
		"Shard version cache refreshes",
		[]string{"kind", "result"},
	)
	VersionChecksTotal = NewCounterVec(
		"version_checks_total",
		"Incoming shard and database version checks",
		[]string{"kind", "outcome"},
	)

	PlacementOperationsTotal = NewCounterVec(
		"placement_operations_total",
		"Placement catalog mutations",
		[]string{"op", "result"},
	)
	PlacementLockWaitSeconds = NewHistogram(
		"placement_lock_wait_seconds",
		"Time spent acquiring collection locks",
		LockWaitBuckets,
	)
	PlacementLockBusyTotal = NewCounter(
		"placement_lock_busy_total",
		"LockBusy conflicts on collection locks",
	)
	PlacementChunks = NewGaugeVec(
		"placement_chunks",
		"Chunks per sharded namespace",
		[]string{"ns"},
	)
	PlacementNotificationsTotal = NewCounterVec(
		"placement_notifications_total",
		"Placement-change notifications by type",
		[]string{"type"},
	)

	LedgerLookupsTotal = NewCounterVec(
		"ledger_lookups_total",
		"Retryable write statement lookups",
		[]string{"result"},
	)
	LedgerStatementsTotal = NewCounter(
		"ledger_statements_total",
		"Recorded retryable write statements",
	)
	LedgerCachedSessions = NewGauge(
		"ledger_cached_sessions",
		"Session records in the hot cache",
	)

	TxnTotal = NewCounterVec(
		"txn_total",
		"Transactions by commit type and result",
		[]string{"type", "result"},
	)
	TxnDurationSeconds = NewHistogramVec(
		"txn_duration_seconds",
		"Transaction commit latency",
		[]string{"type"},
		TwoPCBuckets,
	)
	CoordinatorStepSeconds = NewHistogramVec(
		"coordinator_step_seconds",
		"Two-phase commit coordinator step durations",
		[]string{"step"},
		TwoPCBuckets,
	)
	CoordinatorDecisionsTotal = NewCounterVec(
		"coordinator_decisions_total",
		"Durable coordinator decisions",
		[]string{"decision"},
	)
	ActiveCoordinators = NewGauge(
		"active_coordinators",
		"Coordinators that still hold a document",
	)
	ShardPreparedTransactions = NewGauge(
		"shard_prepared_transactions",
		"Prepared transactions awaiting a decision",
	)

	BalancerRoundsTotal = NewCounter(
		"balancer_rounds_total",
		"Balancer rounds executed",
	)
	BalancerMigrationsTotal = NewCounterVec(
		"balancer_migrations_total",
		"Chunk migrations by reason and result",
		[]string{"reason", "result"},
	)
	PublisherEventsTotal = NewCounterVec(
		"publisher_events_total",
		"Placement events delivered to sinks",
		[]string{"sink", "result"},
	)
}
