package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for CDPLedger.
type Metrics struct {
	// --- Core processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreStateHashDur   prometheus.Histogram
	CoreSequence       prometheus.Gauge

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	NATSFetchLatency    prometheus.Histogram
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channels & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     prometheus.Counter
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Gauge
	SequenceRejected      *prometheus.CounterVec
	StalePrices           prometheus.Counter

	// --- Protocol ---
	SystemTCR       prometheus.Gauge
	RecoveryMode    prometheus.Gauge
	Price           prometheus.Gauge
	TotalDebt       prometheus.Gauge
	TotalColl       prometheus.Gauge
	ActivePositions prometheus.Gauge
	BufferDeposits  prometheus.Gauge
	BufferP         prometheus.Gauge
	BufferEpoch     prometheus.Gauge
	BaseRate        prometheus.Gauge

	LiquidatedPositions *prometheus.CounterVec
	LiquidatedDebt      *prometheus.CounterVec
	Redistributions     prometheus.Counter
	Redemptions         prometheus.Counter
	RedeemedDebt        prometheus.Counter
	RedemptionFees      prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Ingestion ---
	IngestMessages *prometheus.CounterVec
	RateLimited    *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// means the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01, 0.05,
	}

	return &Metrics{
		// Core processing
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_core_events_applied_total",
			Help: "Commands successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_core_events_rejected_total",
			Help: "Commands rejected (duplicate, sequence, validation, ...)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_core_event_apply_duration_seconds",
			Help:    "Time to apply a single command in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreStateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_core_state_hash_duration_seconds",
			Help:    "Time to compute state digest and hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_core_sequence",
			Help: "Next global sequence number",
		}),

		// Latency
		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_ingest_to_apply_seconds",
			Help:    "NATS receive to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"event_type"}),

		NATSFetchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_nats_fetch_latency_seconds",
			Help:    "JetStream pull fetch latency",
			Buckets: ingestBuckets,
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_persist_batch_duration_seconds",
			Help:    "Time to write a batch to Postgres",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_projection_update_duration_seconds",
			Help:    "Time to update one read projection",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}, []string{"projection"}),

		// Channels & backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_channel_size",
			Help: "Buffered items in channel",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_channel_capacity",
			Help: "Channel capacity",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_channel_utilization_ratio",
			Help: "Channel size / capacity",
		}, []string{"channel"}),

		ProjectionDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_projection_drops_total",
			Help: "Core outputs dropped because the projection channel was full",
		}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_publish_drops_total",
			Help: "Outbound NATS publishes that failed",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_backpressure_total",
			Help: "Times the core blocked on a full persist channel",
		}),

		// Idempotency & ordering
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_idempotency_duplicates_total",
			Help: "Duplicate commands detected",
		}, []string{"tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_dedup_lru_size",
			Help: "Entries in the idempotency LRU",
		}),

		DedupLRUEvictions: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_dedup_lru_evictions",
			Help: "Entries evicted from the idempotency LRU since start",
		}),

		SequenceRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_sequence_rejected_total",
			Help: "Commands rejected by source sequence validation",
		}, []string{"partition_kind"}),

		StalePrices: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_stale_prices_total",
			Help: "Price updates ignored as stale",
		}),

		// Protocol
		SystemTCR: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_system_tcr_ratio",
			Help: "Total collateral ratio at the last price",
		}),

		RecoveryMode: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_recovery_mode",
			Help: "1 while TCR < CCR",
		}),

		Price: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_price",
			Help: "Last collateral price",
		}),

		TotalDebt: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_system_debt",
			Help: "Active plus default pool debt",
		}),

		TotalColl: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_system_coll",
			Help: "Active plus default pool collateral",
		}),

		ActivePositions: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_active_positions",
			Help: "Positions in the sorted index",
		}),

		BufferDeposits: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_buffer_deposits",
			Help: "Debt tokens held by the stability buffer",
		}),

		BufferP: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_buffer_p",
			Help: "Stability buffer running product",
		}),

		BufferEpoch: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_buffer_epoch",
			Help: "Stability buffer depletion epoch",
		}),

		BaseRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_base_rate",
			Help: "Fee base rate after the last fee operation",
		}),

		LiquidatedPositions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_liquidated_positions_total",
			Help: "Positions liquidated",
		}, []string{"mode"}),

		LiquidatedDebt: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_liquidated_debt_total",
			Help: "Debt liquidated, by destination",
		}, []string{"destination"}),

		Redistributions: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_redistributions_total",
			Help: "Liquidations that redistributed debt to active positions",
		}),

		Redemptions: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_redemptions_total",
			Help: "Redemptions applied",
		}),

		RedeemedDebt: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_redeemed_debt_total",
			Help: "Debt tokens redeemed",
		}),

		RedemptionFees: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_redemption_fees_total",
			Help: "Collateral kept as redemption fee",
		}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_events_written_total",
			Help: "Events written to the event log",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_journals_written_total",
			Help: "Journal entries written",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Ingestion
		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_ingest_messages_total",
			Help: "Inbound messages by source and outcome",
		}, []string{"source", "outcome"}),

		RateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_rate_limited_total",
			Help: "RPCs rejected by the rate limiter",
		}, []string{"method"}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
