package query

import (
	"LendLedger/internal/event"
	"LendLedger/internal/projection"
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned for positions the mirror does not hold.
var ErrNotFound = errors.New("query: position not found")

// Config holds the parameters used to derive values at query time.
type Config struct {
	AnnualRateBps           int64
	LiquidationThresholdBps int64
}

// QueryService provides read-only access to the position mirror.
// Responses carry the mirror watermark so callers can judge freshness.
type QueryService struct {
	store projection.Store
	cfg   Config
	clock func() time.Time
}

func NewQueryService(store projection.Store, cfg Config) *QueryService {
	return &QueryService{store: store, cfg: cfg, clock: time.Now}
}

// WithClock replaces the clock used for interest projection.
func (qs *QueryService) WithClock(clock func() time.Time) *QueryService {
	qs.clock = clock
	return qs
}

// GetPosition returns one position with debt projected to now.
func (qs *QueryService) GetPosition(ctx context.Context, positionID uint64) (*PositionResponse, error) {
	asOfSeq, err := qs.store.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	rec, err := qs.store.Get(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, positionID)
	}
	return qs.positionResponse(rec, asOfSeq), nil
}

// GetPositionsByOwner returns all positions of an owner.
func (qs *QueryService) GetPositionsByOwner(ctx context.Context, owner string) ([]PositionResponse, error) {
	asOfSeq, err := qs.store.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	records, err := qs.store.ListByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}

	positions := make([]PositionResponse, 0, len(records))
	for _, rec := range records {
		positions = append(positions, *qs.positionResponse(rec, asOfSeq))
	}
	return positions, nil
}

func (qs *QueryService) positionResponse(rec *projection.Record, asOfSeq int64) *PositionResponse {
	now := qs.clock().UTC()
	return &PositionResponse{
		Record:       rec,
		Debt:         rec.Debt(qs.cfg.AnnualRateBps, now),
		HealthFactor: rec.HealthFactor(qs.cfg.AnnualRateBps, now),
		AsOf:         now,
		AsOfSequence: asOfSeq,
	}
}

// GetHealth returns the projected health of a position. Interest accrued
// since the last ledger update is included; the ledger itself is not read.
func (qs *QueryService) GetHealth(ctx context.Context, positionID uint64) (*HealthResponse, error) {
	pos, err := qs.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	rec := pos.Record

	h := &HealthResponse{
		PositionID:              rec.PositionID,
		Status:                  rec.Status,
		CollateralValueUSD:      rec.CollateralValueUSD,
		Principal:               rec.Principal,
		InterestAccrued:         pos.Debt - rec.Principal,
		Debt:                    pos.Debt,
		HealthFactor:            pos.HealthFactor,
		LiquidationThresholdBps: qs.cfg.LiquidationThresholdBps,
		AsOf:                    pos.AsOf,
		AsOfSequence:            pos.AsOfSequence,
	}
	if rec.Plan != nil {
		h.Defaulted = rec.Plan.Defaulted
		h.MissedPayments = rec.Plan.MissedPayments
	}
	h.Liquidatable = rec.Status == event.StatusActive &&
		(h.HealthFactor < qs.cfg.LiquidationThresholdBps || (h.Defaulted && rec.Plan.IsActive))
	return h, nil
}

// GetHistory returns the applied logs of a position, oldest first, starting
// after afterPositionSeq.
func (qs *QueryService) GetHistory(ctx context.Context, positionID uint64, limit int, afterPositionSeq int64) ([]HistoryEntry, error) {
	logs, err := qs.store.History(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		if rec, err := qs.store.Get(ctx, positionID); err != nil {
			return nil, err
		} else if rec == nil {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, positionID)
		}
	}

	var history []HistoryEntry
	for _, l := range logs {
		if l.PositionSeq <= afterPositionSeq {
			continue
		}
		if limit > 0 && len(history) >= limit {
			break
		}
		history = append(history, HistoryEntry{
			Sequence:    l.Sequence,
			PositionSeq: l.PositionSeq,
			TxHash:      l.TxHash,
			LogIndex:    l.LogIndex,
			EventType:   l.EventType(),
			Timestamp:   l.Timestamp,
			Event:       l.Event,
		})
	}
	return history, nil
}

// GetStats returns counts by status and totals.
func (qs *QueryService) GetStats(ctx context.Context) (*StatsResponse, error) {
	st, err := qs.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &StatsResponse{Stats: st, AsOf: qs.clock().UTC()}, nil
}
