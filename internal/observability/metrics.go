package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for LendLedger.
// Components accept a nil *Metrics and skip recording.
type Metrics struct {
	// --- Ledger authority ---
	TxAdmitted        *prometheus.CounterVec
	TxRejected        *prometheus.CounterVec
	TxConflicts       *prometheus.CounterVec
	TxDuplicates      *prometheus.CounterVec
	TxDuration        *prometheus.HistogramVec
	LedgerSequence    prometheus.Gauge
	ConfirmedSequence prometheus.Gauge
	JournalsPosted    *prometheus.CounterVec
	PoolCash          prometheus.Gauge
	PoolBorrowed      prometheus.Gauge

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	PublishDrops       prometheus.Counter
	NATSPublishErrors  prometheus.Counter

	// --- Liquidation ---
	LiquidationTriggered *prometheus.CounterVec
	LiquidationSettled   *prometheus.CounterVec
	LiquidationShortfall prometheus.Counter
	LiquidationFees      prometheus.Counter

	// --- Persistence ---
	PersistTxWritten       prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayTxTotal     prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Orchestrator ---
	SubmitAttempts *prometheus.CounterVec
	SubmitOutcomes *prometheus.CounterVec
	ConfirmLatency prometheus.Histogram

	// --- Mirror reconciliation ---
	MirrorApplied      *prometheus.CounterVec
	MirrorDuplicates   *prometheus.CounterVec
	MirrorDropped      prometheus.Counter
	MirrorBuffered     prometheus.Gauge
	MirrorGapCatchUps  prometheus.Counter
	MirrorWatermark    prometheus.Gauge
	MirrorApplyDur     prometheus.Histogram
	MirrorFreshnessLag prometheus.Histogram

	// --- Scheduler ---
	SchedulerTicks       *prometheus.CounterVec
	SchedulerActions     *prometheus.CounterVec
	SchedulerFailures    *prometheus.CounterVec
	SchedulerTickDur     prometheus.Histogram
	NotificationsSent    *prometheus.CounterVec
	NotificationFailures *prometheus.CounterVec
	CreditLineCalls      *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01, 0.05,
	}

	rpcBuckets := []float64{
		0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
	}

	return &Metrics{
		// Ledger authority
		TxAdmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_ledger_tx_admitted_total",
			Help: "Transactions admitted by the ledger authority",
		}, []string{"kind"}),

		TxRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_ledger_tx_rejected_total",
			Help: "Transactions rejected at admission",
		}, []string{"kind", "reason"}),

		TxConflicts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_ledger_tx_conflicts_total",
			Help: "Nonce conflicts (too_low, gap)",
		}, []string{"conflict"}),

		TxDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_ledger_tx_duplicates_total",
			Help: "Re-submitted submission IDs answered from the dedup index",
		}, []string{"kind"}),

		TxDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_ledger_tx_apply_duration_seconds",
			Help:    "Time to admit and apply a transaction",
			Buckets: latencyBuckets,
		}, []string{"kind"}),

		LedgerSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_ledger_sequence",
			Help: "Last admitted transaction sequence",
		}),

		ConfirmedSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_ledger_confirmed_sequence",
			Help: "Last durably confirmed transaction sequence",
		}),

		JournalsPosted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_ledger_journals_posted_total",
			Help: "Double-entry journals posted",
		}, []string{"journal_type"}),

		PoolCash: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_pool_cash_micro_usd",
			Help: "Stablecoin held by the liquidity pool",
		}),

		PoolBorrowed: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_pool_principal_micro_usd",
			Help: "Principal lent out by the liquidity pool",
		}),

		// Channels
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_channel_size",
			Help: "Current items in channel",
		}, []string{"channel"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_channel_utilization",
			Help: "Channel size / capacity ratio",
		}, []string{"channel"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_publish_drops_total",
			Help: "Confirmed transactions dropped from the publish channel",
		}),

		NATSPublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_nats_publish_errors_total",
			Help: "Failed JetStream publishes",
		}),

		// Liquidation
		LiquidationTriggered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_liquidation_triggered_total",
			Help: "Positions admitted into liquidation",
		}, []string{"trigger"}),

		LiquidationSettled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_liquidation_settled_total",
			Help: "Liquidations settled",
		}, []string{"kind"}),

		LiquidationShortfall: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_liquidation_shortfall_micro_usd_total",
			Help: "Debt written off after settlement",
		}),

		LiquidationFees: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_liquidation_fees_micro_usd_total",
			Help: "Liquidation fees collected",
		}),

		// Persistence
		PersistTxWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_tx_written_total",
			Help: "Transactions written to the durable log",
		}),

		PersistJournalsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_journals_written_total",
			Help: "Journals written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_persist_batch_size",
			Help:    "Transactions per persistence flush",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_persist_batch_duration_seconds",
			Help:    "Time to flush a persistence batch",
			Buckets: rpcBuckets,
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_persist_last_sequence",
			Help: "Last persisted transaction sequence",
		}),

		// Snapshot
		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_snapshot_taken_total",
			Help: "Snapshots taken",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_snapshot_duration_seconds",
			Help:    "Time to create and save a snapshot",
			Buckets: rpcBuckets,
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_snapshot_size_bytes",
			Help: "Size of the latest snapshot",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_snapshot_last_sequence",
			Help: "Sequence of the latest snapshot",
		}),

		ReplayTxTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_replay_tx_total",
			Help: "Transactions replayed on startup",
		}),

		ReplayDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_replay_duration_seconds",
			Help: "Duration of the startup replay",
		}),

		// Orchestrator
		SubmitAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_orchestrator_attempts_total",
			Help: "Submission attempts by result",
		}, []string{"kind", "result"}),

		SubmitOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_orchestrator_outcomes_total",
			Help: "Final submission outcomes",
		}, []string{"kind", "outcome"}),

		ConfirmLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_orchestrator_confirm_latency_seconds",
			Help:    "Time from first submission to observed confirmation",
			Buckets: rpcBuckets,
		}),

		// Mirror
		MirrorApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_mirror_logs_applied_total",
			Help: "Ledger logs folded into the mirror",
		}, []string{"event_type"}),

		MirrorDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_mirror_duplicates_total",
			Help: "Duplicate logs skipped by tier",
		}, []string{"tier"}),

		MirrorDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_mirror_dropped_logs_total",
			Help: "Logs the mirror fold rejected and stepped over; the mirror needs a rebuild",
		}),

		MirrorBuffered: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_mirror_buffered_logs",
			Help: "Out-of-order logs waiting for their predecessors",
		}),

		MirrorGapCatchUps: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_mirror_gap_catchups_total",
			Help: "Catch-up scans triggered by stale gaps",
		}),

		MirrorWatermark: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_mirror_watermark",
			Help: "Highest contiguous log sequence applied",
		}),

		MirrorApplyDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_mirror_apply_duration_seconds",
			Help:    "Time to apply one log to the mirror store",
			Buckets: rpcBuckets,
		}),

		MirrorFreshnessLag: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_mirror_freshness_lag_seconds",
			Help:    "Delay between ledger execution and mirror application",
			Buckets: rpcBuckets,
		}),

		// Scheduler
		SchedulerTicks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_scheduler_ticks_total",
			Help: "Scheduler ticks by result",
		}, []string{"result"}),

		SchedulerActions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_scheduler_actions_total",
			Help: "Scheduler submissions by action and outcome",
		}, []string{"action", "outcome"}),

		SchedulerFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_scheduler_failures_total",
			Help: "Scheduler submissions that failed and will be retried",
		}, []string{"action"}),

		SchedulerTickDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_scheduler_tick_duration_seconds",
			Help:    "Time to run one scheduler tick",
			Buckets: rpcBuckets,
		}),

		NotificationsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_notifications_sent_total",
			Help: "Notifications delivered by sender",
		}, []string{"sender"}),

		NotificationFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_notification_failures_total",
			Help: "Notification delivery failures by sender",
		}, []string{"sender"}),

		CreditLineCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_credit_line_calls_total",
			Help: "Credit-line collaborator calls by action and result",
		}, []string{"action", "result"}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_query_requests_total",
			Help: "Query API requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: rpcBuckets,
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_query_errors_total",
			Help: "Query API errors",
		}, []string{"endpoint", "error_type"}),
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
