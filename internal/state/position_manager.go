package state

import (
	"LendLedger/internal/event"
	"fmt"
	"sort"
)

// PositionManager holds positions, their repayment plans and liquidation records
type PositionManager struct {
	positions    map[uint64]*Position
	plans        map[uint64]*RepaymentPlan
	liquidations map[uint64]*LiquidationRecord // position_id -> latest record
	nextID       uint64
}

func NewPositionManager() *PositionManager {
	return &PositionManager{
		positions:    make(map[uint64]*Position),
		plans:        make(map[uint64]*RepaymentPlan),
		liquidations: make(map[uint64]*LiquidationRecord),
		nextID:       1,
	}
}

// NextID returns the ID the next created position will receive.
func (pm *PositionManager) NextID() uint64 {
	return pm.nextID
}

// Create registers a new position under the next ID.
func (pm *PositionManager) Create(pos *Position) uint64 {
	pos.ID = pm.nextID
	pm.positions[pos.ID] = pos
	pm.nextID++
	return pos.ID
}

// GetPosition returns existing position or nil
func (pm *PositionManager) GetPosition(id uint64) *Position {
	return pm.positions[id]
}

// GetPlan returns the position's repayment plan or nil
func (pm *PositionManager) GetPlan(id uint64) *RepaymentPlan {
	return pm.plans[id]
}

// SetPlan installs a plan. An active plan cannot be replaced.
func (pm *PositionManager) SetPlan(id uint64, plan *RepaymentPlan) error {
	if existing := pm.plans[id]; existing != nil && existing.IsActive {
		return fmt.Errorf("position %d already has an active repayment plan", id)
	}
	pm.plans[id] = plan
	return nil
}

// GetLiquidation returns the position's latest liquidation record or nil
func (pm *PositionManager) GetLiquidation(id uint64) *LiquidationRecord {
	return pm.liquidations[id]
}

// OpenLiquidation records a new liquidation. A position can carry at most one
// open record.
func (pm *PositionManager) OpenLiquidation(rec *LiquidationRecord) error {
	if existing := pm.liquidations[rec.PositionID]; existing != nil && !existing.Settled {
		return fmt.Errorf("position %d already has open liquidation %s",
			rec.PositionID, existing.LiquidationID)
	}
	pm.liquidations[rec.PositionID] = rec
	return nil
}

// Transition moves a position to a new status, rejecting invalid transitions.
func (pm *PositionManager) Transition(pos *Position, to event.PositionStatus) error {
	if pos.Status == to {
		return nil
	}
	if !CanTransition(pos.Status, to) {
		return fmt.Errorf("invalid status transition for position %d: %s -> %s", pos.ID, pos.Status, to)
	}
	pos.Status = to
	return nil
}

// AllPositions returns positions sorted by ID for deterministic iteration
func (pm *PositionManager) AllPositions() []*Position {
	out := make([]*Position, 0, len(pm.positions))
	for _, p := range pm.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PositionCount returns the number of positions ever created
func (pm *PositionManager) PositionCount() int {
	return len(pm.positions)
}

// ============================================================================
// Snapshot support
// ============================================================================

// Snapshot is the serializable form of the manager.
type Snapshot struct {
	NextID       uint64                        `json:"next_id"`
	Positions    []*Position                   `json:"positions"`
	Plans        map[uint64]*RepaymentPlan     `json:"plans"`
	Liquidations map[uint64]*LiquidationRecord `json:"liquidations"`
}

// Snapshot returns a deep copy of the manager state.
func (pm *PositionManager) Snapshot() Snapshot {
	snap := Snapshot{
		NextID:       pm.nextID,
		Positions:    make([]*Position, 0, len(pm.positions)),
		Plans:        make(map[uint64]*RepaymentPlan, len(pm.plans)),
		Liquidations: make(map[uint64]*LiquidationRecord, len(pm.liquidations)),
	}
	for _, p := range pm.AllPositions() {
		snap.Positions = append(snap.Positions, p.Clone())
	}
	for id, plan := range pm.plans {
		c := *plan
		snap.Plans[id] = &c
	}
	for id, rec := range pm.liquidations {
		snap.Liquidations[id] = rec.Clone()
	}
	return snap
}

// Restore replaces the manager state with a snapshot.
func (pm *PositionManager) Restore(snap Snapshot) {
	pm.positions = make(map[uint64]*Position, len(snap.Positions))
	for _, p := range snap.Positions {
		pm.positions[p.ID] = p.Clone()
	}
	pm.plans = make(map[uint64]*RepaymentPlan, len(snap.Plans))
	for id, plan := range snap.Plans {
		c := *plan
		pm.plans[id] = &c
	}
	pm.liquidations = make(map[uint64]*LiquidationRecord, len(snap.Liquidations))
	for id, rec := range snap.Liquidations {
		pm.liquidations[id] = rec.Clone()
	}
	pm.nextID = snap.NextID
	if pm.nextID == 0 {
		pm.nextID = 1
	}
}
