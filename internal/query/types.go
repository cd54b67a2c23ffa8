package query

import (
	"LendLedger/internal/event"
	"LendLedger/internal/projection"
	"time"
)

// PositionResponse is a mirror record with debt projected to AsOf.
// Derived values are computed at query time, never stored.
type PositionResponse struct {
	*projection.Record
	Debt         int64     `json:"debt"`
	HealthFactor int64     `json:"health_factor"`
	AsOf         time.Time `json:"as_of"`
	AsOfSequence int64     `json:"as_of_sequence"` // Mirror watermark at read time
}

// HealthResponse reports whether a position is eligible for liquidation.
type HealthResponse struct {
	PositionID              uint64               `json:"position_id"`
	Status                  event.PositionStatus `json:"status"`
	CollateralValueUSD      int64                `json:"collateral_value_usd"`
	Principal               int64                `json:"principal"`
	InterestAccrued         int64                `json:"interest_accrued"` // Stored plus projected
	Debt                    int64                `json:"debt"`
	HealthFactor            int64                `json:"health_factor"`
	LiquidationThresholdBps int64                `json:"liquidation_threshold_bps"`
	Defaulted               bool                 `json:"defaulted"`
	MissedPayments          int32                `json:"missed_payments"`
	Liquidatable            bool                 `json:"liquidatable"`
	AsOf                    time.Time            `json:"as_of"`
	AsOfSequence            int64                `json:"as_of_sequence"`
}

// HistoryEntry is one applied log of a position.
type HistoryEntry struct {
	Sequence    int64           `json:"sequence"`
	PositionSeq int64           `json:"position_seq"`
	TxHash      string          `json:"tx_hash"`
	LogIndex    uint32          `json:"log_index"`
	EventType   event.EventType `json:"event_type"`
	Timestamp   time.Time       `json:"timestamp"`
	Event       event.Event     `json:"event"`
}

// StatsResponse summarizes the mirror.
type StatsResponse struct {
	projection.Stats
	AsOf time.Time `json:"as_of"`
}
