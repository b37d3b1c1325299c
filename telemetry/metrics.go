package telemetry

// Histogram bucket definitions
var (
	// LocateBuckets for index lookups and lock acquisition
	LocateBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

	// BatchSizeBuckets for truncate batches and DDL command batches
	BatchSizeBuckets = []float64{1, 2, 3, 5, 8, 13, 21, 34, 55}

	// PublishBuckets for sink publish latencies
	PublishBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
)

// Write gate metrics
var (
	// GateStatementsTotal counts gated statements by verdict (allowed, rejected, bypassed)
	GateStatementsTotal CounterVec = noopCounterVec{}

	// GateRejectionsTotal counts rejections by reason (read_only, no_replica_identity, ddl_lock)
	GateRejectionsTotal CounterVec = noopCounterVec{}
)

// Row locator metrics
var (
	// LocateRetriesTotal counts rescans by cause (pending_writer, concurrent_update)
	LocateRetriesTotal CounterVec = noopCounterVec{}

	// LocateDurationSeconds measures full locate latency including waits
	LocateDurationSeconds Histogram = NoopStat{}

	// RowLocksHeld tracks currently held row locks
	RowLocksHeld Gauge = NoopStat{}
)

// Command queue metrics
var (
	// QueueAppendsTotal counts queue appends by kind (command, drops, truncate)
	QueueAppendsTotal CounterVec = noopCounterVec{}

	// QueueSkipsTotal counts silent no-ops by cause (guard, config)
	QueueSkipsTotal CounterVec = noopCounterVec{}

	// TruncateBatchTables measures tables per consolidated truncate entry
	TruncateBatchTables Histogram = NoopStat{}
)

// Publisher metrics
var (
	// PublisherEventsTotal counts published queue entries by sink and result
	PublisherEventsTotal CounterVec = noopCounterVec{}

	// PublisherLagPositions tracks queue positions not yet published, per sink
	PublisherLagPositions GaugeVec = noopGaugeVec{}

	// PublishDurationSeconds measures sink publish latency
	PublishDurationSeconds HistogramVec = noopHistogramVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	GateStatementsTotal = NewCounterVec(
		"gate_statements_total",
		"Statements seen by the write gate by verdict",
		[]string{"verdict"},
	)
	GateRejectionsTotal = NewCounterVec(
		"gate_rejections_total",
		"Write gate rejections by reason",
		[]string{"reason"},
	)

	LocateRetriesTotal = NewCounterVec(
		"locate_retries_total",
		"Row locator rescans by cause",
		[]string{"cause"},
	)
	LocateDurationSeconds = NewHistogramWithBuckets(
		"locate_duration_seconds",
		"Row locate duration in seconds, including waits",
		LocateBuckets,
	)
	RowLocksHeld = NewGauge(
		"row_locks_held",
		"Number of currently held row locks",
	)

	QueueAppendsTotal = NewCounterVec(
		"queue_appends_total",
		"Durable queue appends by kind",
		[]string{"kind"},
	)
	QueueSkipsTotal = NewCounterVec(
		"queue_skips_total",
		"Suppressed queue appends by cause",
		[]string{"cause"},
	)
	TruncateBatchTables = NewHistogramWithBuckets(
		"truncate_batch_tables",
		"Tables per consolidated truncate entry",
		BatchSizeBuckets,
	)

	PublisherEventsTotal = NewCounterVec(
		"publisher_events_total",
		"Published queue entries by sink and result",
		[]string{"sink", "result"},
	)
	PublisherLagPositions = NewGaugeVec(
		"publisher_lag_positions",
		"Queue positions not yet published",
		[]string{"sink"},
	)
	PublishDurationSeconds = NewHistogramVec(
		"publish_duration_seconds",
		"Sink publish duration in seconds",
		[]string{"sink"},
		PublishBuckets,
	)
}
