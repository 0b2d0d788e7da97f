package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// StoreBuckets for single Pebble batch commits
	StoreBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

	// FlushBuckets for whole flush passes
	FlushBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60}
)

// Update log metrics
var (
	// UpdateOpsTotal counts log mutations by op (add, replace, trim, delete) and result (ok, max_size, error)
	UpdateOpsTotal CounterVec = noopCounterVec{}

	// UpdateOpSeconds measures log mutation latency by op
	UpdateOpSeconds HistogramVec = noopHistogramVec{}

	// UpdatesAppendedTotal counts individual updates appended
	UpdatesAppendedTotal Counter = NoopStat{}

	// UpdateBytesAppendedTotal counts caller-supplied bytes accepted
	UpdateBytesAppendedTotal Counter = NoopStat{}

	// CompactionSkippedTotal counts replaces that lost the merge race and skipped the trim
	CompactionSkippedTotal Counter = NoopStat{}
)

// Dirty tracking and flush metrics
var (
	// DirtyFilterChecks counts dirty filter lookups by path (fast_path, slow_path_hit, slow_path_miss)
	DirtyFilterChecks CounterVec = noopCounterVec{}

	// DirtyBranches tracks the number of branches in the active generation
	DirtyBranches Gauge = NoopStat{}

	// DirtyGeneration tracks the active dirty generation
	DirtyGeneration Gauge = NoopStat{}

	// FlushesTotal counts flush passes by result (ok, partial, error)
	FlushesTotal CounterVec = noopCounterVec{}

	// FlushedBranchesTotal counts branches persisted to the durable store
	FlushedBranchesTotal Counter = NoopStat{}

	// FlushFailedBranchesTotal counts branches re-marked after a failed persist
	FlushFailedBranchesTotal Counter = NoopStat{}

	// FlushDurationSeconds measures full flush passes
	FlushDurationSeconds Histogram = NoopStat{}
)

// Durable store metrics
var (
	// DurableQueriesTotal counts durable store statements by op and result
	DurableQueriesTotal CounterVec = noopCounterVec{}

	// DurableQuerySeconds measures durable store latency by op
	DurableQuerySeconds HistogramVec = noopHistogramVec{}
)

// Connection registry metrics
var (
	// LiveConnections tracks connections in the live set
	LiveConnections Gauge = NoopStat{}

	// ConnectionEventsTotal counts registry events (save, clear, expire, sweep)
	ConnectionEventsTotal CounterVec = noopCounterVec{}

	// AuthCacheLookups counts authorization cache lookups by scope and result (hit, miss)
	AuthCacheLookups CounterVec = noopCounterVec{}
)

// Publisher metrics
var (
	// PublisherEventsTotal counts events by result (published, filtered, failed)
	PublisherEventsTotal CounterVec = noopCounterVec{}

	// PublisherBacklog tracks logged events the sink has not acknowledged
	PublisherBacklog Gauge = NoopStat{}
)

// InitMetrics replaces the no-op defaults with registered Prometheus metrics
func InitMetrics() {
	UpdateOpsTotal = NewCounterVec(
		"update_ops_total",
		"Update log mutations by op and result",
		[]string{"op", "result"},
	)
	UpdateOpSeconds = NewHistogramVec(
		"update_op_seconds",
		"Update log mutation latency",
		[]string{"op"},
		StoreBuckets,
	)
	UpdatesAppendedTotal = NewCounter(
		"updates_appended_total",
		"Individual updates appended to branch logs",
	)
	UpdateBytesAppendedTotal = NewCounter(
		"update_bytes_appended_total",
		"Bytes accepted into branch logs",
	)
	CompactionSkippedTotal = NewCounter(
		"compaction_skipped_total",
		"Replace operations that skipped the trim because a newer merge landed",
	)

	DirtyFilterChecks = NewCounterVec(
		"dirty_filter_checks_total",
		"Dirty set filter lookups by path",
		[]string{"path"},
	)
	DirtyBranches = NewGauge(
		"dirty_branches",
		"Branches in the active dirty generation",
	)
	DirtyGeneration = NewGauge(
		"dirty_generation",
		"Active dirty generation",
	)
	FlushesTotal = NewCounterVec(
		"flushes_total",
		"Flush passes by result",
		[]string{"result"},
	)
	FlushedBranchesTotal = NewCounter(
		"flushed_branches_total",
		"Branches persisted to the durable store",
	)
	FlushFailedBranchesTotal = NewCounter(
		"flush_failed_branches_total",
		"Branches re-marked dirty after a failed persist",
	)
	FlushDurationSeconds = NewHistogram(
		"flush_duration_seconds",
		"Duration of a flush pass",
		FlushBuckets,
	)

	DurableQueriesTotal = NewCounterVec(
		"durable_queries_total",
		"Durable store operations by op and result",
		[]string{"op", "result"},
	)
	DurableQuerySeconds = NewHistogramVec(
		"durable_query_seconds",
		"Durable store operation latency",
		[]string{"op"},
		StoreBuckets,
	)

	LiveConnections = NewGauge(
		"live_connections",
		"Connections currently in the live set",
	)
	ConnectionEventsTotal = NewCounterVec(
		"connection_events_total",
		"Connection registry events",
		[]string{"event"},
	)
	AuthCacheLookups = NewCounterVec(
		"auth_cache_lookups_total",
		"Authorization cache lookups by scope and result",
		[]string{"scope", "result"},
	)

	PublisherEventsTotal = NewCounterVec(
		"publisher_events_total",
		"Branch lifecycle events by result",
		[]string{"result"},
	)
	PublisherBacklog = NewGauge(
		"publisher_backlog",
		"Logged events not yet published",
	)
}
