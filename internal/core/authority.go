package core

import (
	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/observability"
	"LendLedger/internal/pool"
	"LendLedger/internal/state"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds the authority's fixed parameters.
type Config struct {
	Risk                state.RiskParams
	Pool                pool.Config
	Admins              []string
	IdempotencyCapacity int
	ReceiptCacheSize    int // Confirmed receipts kept in memory; older ones come from the TxLog
}

func DefaultConfig() Config {
	return Config{
		Risk:                state.DefaultRiskParams(),
		Pool:                pool.DefaultConfig(),
		IdempotencyCapacity: 1_000_000,
		ReceiptCacheSize:    100_000,
	}
}

// Deps are the authority's collaborators. Every field is optional.
type Deps struct {
	PersistChan chan<- *TxRecord // Blocking send: backpressure from the persistence worker
	PublishChan chan<- *TxRecord // Non-blocking send of confirmed records
	Submissions SubmissionLookup
	TxLog       TxLog
	Yield       YieldSource
	CreditLines CreditLineQueue
	Metrics     *observability.Metrics
	Clock       func() time.Time
}

// Authority is the ledger: the single writer and sole admission authority
// for positions, loans, plans and liquidations.
type Authority struct {
	mu          sync.RWMutex
	sequence    int64 // Last admitted transaction sequence
	logSequence int64 // Last emitted log sequence
	hasher      *StateHasher
	balances    *ledger.BalanceTracker
	journalGen  *ledger.JournalGenerator
	validator   *ledger.InvariantValidator
	positions   *state.PositionManager
	pool        *pool.Pool
	risk        state.RiskParams
	nonces      *NonceTracker
	submissions *SubmissionIndex
	admins      map[string]bool

	// Receipts are guarded separately so the persistence worker can confirm
	// while a submission blocks on the persist channel.
	receiptsMu       sync.RWMutex
	records          map[string]*TxRecord
	pending          []*TxRecord // Admitted, not yet durable, in sequence order
	confirmedHistory []string
	confirmedSeq     int64
	receiptCacheSize int

	persistChan chan<- *TxRecord
	publishChan chan<- *TxRecord
	txLog       TxLog
	yield       YieldSource
	creditLines CreditLineQueue
	metrics     *observability.Metrics
	clock       func() time.Time
	logger      zerolog.Logger
}

func NewAuthority(cfg Config, deps Deps) *Authority {
	balances := ledger.NewBalanceTracker()

	admins := make(map[string]bool, len(cfg.Admins))
	for _, a := range cfg.Admins {
		admins[a] = true
	}

	if cfg.IdempotencyCapacity <= 0 {
		cfg.IdempotencyCapacity = DefaultConfig().IdempotencyCapacity
	}
	if cfg.ReceiptCacheSize <= 0 {
		cfg.ReceiptCacheSize = DefaultConfig().ReceiptCacheSize
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	yield := deps.Yield
	if yield == nil {
		yield = ParYieldSource{}
	}

	return &Authority{
		hasher:           NewStateHasher(),
		balances:         balances,
		journalGen:       ledger.NewJournalGenerator(ledger.AssetUSDC),
		validator:        ledger.NewInvariantValidator(balances),
		positions:        state.NewPositionManager(),
		pool:             pool.New(cfg.Pool),
		risk:             cfg.Risk,
		nonces:           NewNonceTracker(),
		submissions:      NewSubmissionIndex(cfg.IdempotencyCapacity, deps.Submissions),
		admins:           admins,
		records:          make(map[string]*TxRecord),
		receiptCacheSize: cfg.ReceiptCacheSize,
		persistChan:      deps.PersistChan,
		publishChan:      deps.PublishChan,
		txLog:            deps.TxLog,
		yield:            yield,
		creditLines:      deps.CreditLines,
		metrics:          deps.Metrics,
		clock:            clock,
		logger:           observability.NewLogger("authority"),
	}
}

// Submit admits or rejects one transaction. Admission failures are returned
// in SubmitResult.Rejection; nonce conflicts and infrastructure failures are
// returned as errors.
func (a *Authority) Submit(ctx context.Context, tx Transaction) (SubmitResult, error) {
	if err := tx.Validate(); err != nil {
		return SubmitResult{}, err
	}

	// Yield proceeds come from an external call made outside the writer lock.
	if op, ok := tx.Op.(*SettleLiquidationByYield); ok {
		if res, dup, err := a.checkDuplicate(ctx, tx); err != nil || dup {
			return res, err
		}
		proceeds, rej := a.resolveYield(ctx, op.PositionID)
		if rej != nil {
			a.recordRejection(tx.Op.Kind(), rej)
			return SubmitResult{Rejection: rej}, nil
		}
		resolved := *op
		resolved.Proceeds = proceeds
		tx.Op = &resolved
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	start := time.Now()
	kind := tx.Op.Kind()

	// Step 1: Idempotency check (two-tier)
	txHash, dup, err := a.submissions.Lookup(ctx, tx.SubmissionID.String())
	if err != nil {
		return SubmitResult{}, err
	}
	if dup {
		if a.metrics != nil {
			a.metrics.TxDuplicates.WithLabelValues(string(kind)).Inc()
		}
		return SubmitResult{TxHash: txHash, Duplicate: true}, nil
	}

	// Step 2: Nonce validation
	if err := a.nonces.Validate(tx.Sender, tx.Nonce); err != nil {
		if a.metrics != nil {
			conflict := "too_low"
			if tx.Nonce > a.nonces.Next(tx.Sender) {
				conflict = "gap"
			}
			a.metrics.TxConflicts.WithLabelValues(conflict).Inc()
		}
		return SubmitResult{}, err
	}

	// Step 3: Admission and execution
	rec, rej := a.execute(tx, a.clock().UTC(), false)
	if rej != nil {
		a.recordRejection(kind, rej)
		return SubmitResult{Rejection: rej}, nil
	}

	// Step 4: Emit. Persistence is a blocking send so no admitted
	// transaction is lost; the caller stalls until the worker drains.
	if a.persistChan != nil {
		a.persistChan <- rec
	}

	if a.metrics != nil {
		a.metrics.TxAdmitted.WithLabelValues(string(kind)).Inc()
		a.metrics.TxDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
		a.metrics.LedgerSequence.Set(float64(a.sequence))
		a.metrics.PoolCash.Set(float64(a.pool.Cash()))
		a.metrics.PoolBorrowed.Set(float64(a.pool.Stats().TotalPrincipal))
		if a.persistChan != nil {
			a.metrics.SetChannelMetrics("persist", len(a.persistChan), cap(a.persistChan))
		}
	}

	return SubmitResult{TxHash: rec.TxHash, Sequence: rec.Sequence}, nil
}

func (a *Authority) checkDuplicate(ctx context.Context, tx Transaction) (SubmitResult, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	txHash, dup, err := a.submissions.Lookup(ctx, tx.SubmissionID.String())
	if err != nil || !dup {
		return SubmitResult{}, false, err
	}
	return SubmitResult{TxHash: txHash, Duplicate: true}, true, nil
}

func (a *Authority) resolveYield(ctx context.Context, positionID uint64) (int64, *Rejection) {
	a.mu.RLock()
	pos := a.positions.GetPosition(positionID)
	if pos == nil {
		a.mu.RUnlock()
		return 0, reject(ReasonPositionNotFound, "position %d not found", positionID)
	}
	if pos.Status != event.StatusLiquidationPending {
		status := pos.Status
		a.mu.RUnlock()
		return 0, reject(ReasonNotLiquidating, "position %d is %s", positionID, status)
	}
	if pos.SettlementKind() != event.SettlementYieldBurn {
		a.mu.RUnlock()
		return 0, reject(ReasonWrongSettlementKind, "position %d settles by %s", positionID, pos.SettlementKind())
	}
	req := RedeemRequest{
		PositionID: pos.ID,
		Token:      pos.CollateralToken,
		Amount:     pos.CollateralAmount,
		ValueUSD:   pos.CollateralValueUSD,
	}
	a.mu.RUnlock()

	proceeds, err := a.yield.Redeem(ctx, req)
	if err != nil {
		return 0, reject(ReasonYieldUnavailable, "redeem position %d: %v", positionID, err)
	}
	if proceeds < 0 {
		return 0, reject(ReasonYieldUnavailable, "redeem position %d returned negative proceeds %d", positionID, proceeds)
	}
	return proceeds, nil
}

func (a *Authority) recordRejection(kind OpKind, rej *Rejection) {
	if a.metrics != nil {
		a.metrics.TxRejected.WithLabelValues(string(kind), string(rej.Reason)).Inc()
	}
	a.logger.Debug().
		Str("kind", string(kind)).
		Str("reason", string(rej.Reason)).
		Str("message", rej.Message).
		Msg("transaction rejected")
}

// execCtx accumulates the effects of one transaction.
type execCtx struct {
	tx         Transaction
	now        time.Time
	seq        int64
	txHash     string
	replay     bool
	positionID uint64
	batch      *ledger.BatchBuilder
	logs       []event.LogEntry
	after      []func() // Collaborator hand-offs run after commit
}

func (a *Authority) emit(x *execCtx, pos *state.Position, evt event.Event) {
	pos.Version++
	a.logSequence++
	x.logs = append(x.logs, event.LogEntry{
		TxHash:      x.txHash,
		LogIndex:    uint32(len(x.logs)),
		Sequence:    a.logSequence,
		TxSequence:  x.seq,
		PositionID:  pos.ID,
		PositionSeq: pos.Version,
		Timestamp:   x.now,
		Event:       evt,
	})
}

// execute runs admission and, when admitted, applies the transaction.
// Handlers check every admission rule before mutating anything, so a
// rejection leaves no trace. Must hold a.mu.
func (a *Authority) execute(tx Transaction, now time.Time, replay bool) (*TxRecord, *Rejection) {
	seq := a.sequence + 1
	txHash := TxHash(tx, seq)

	x := &execCtx{
		tx:     tx,
		now:    now,
		seq:    seq,
		txHash: txHash,
		replay: replay,
		batch:  a.journalGen.NewBatch(txHash, seq, now),
	}

	if rej := a.dispatch(x); rej != nil {
		return nil, rej
	}

	// Commit
	a.sequence = seq
	a.nonces.Advance(tx.Sender)

	batch := x.batch.Build()
	if !batch.IsEmpty() {
		if err := a.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := a.balances.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: apply batch failed: %v", err))
		}
		if a.metrics != nil {
			for _, j := range batch.Journals {
				a.metrics.JournalsPosted.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	}

	prevHash := a.hasher.GetPrevHash()
	stateHash := a.hasher.ComputeHash(seq, a.computeStateDigest(batch, x.positionID))

	if err := a.postCheckInvariants(x); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	a.submissions.MarkProcessed(tx.SubmissionID.String(), txHash)

	rec := &TxRecord{
		Sequence:   seq,
		TxHash:     txHash,
		Tx:         tx,
		ExecutedAt: now,
		Logs:       x.logs,
		Batch:      batch,
		StateHash:  stateHash,
		PrevHash:   prevHash,
	}

	if !replay {
		a.trackPending(rec)
		for _, fn := range x.after {
			fn()
		}
	}

	return rec, nil
}

func (a *Authority) dispatch(x *execCtx) *Rejection {
	switch op := x.tx.Op.(type) {
	case *DepositCollateral:
		return a.execDeposit(x, op)
	case *Borrow:
		return a.execBorrow(x, op)
	case *Repay:
		return a.execRepay(x, op)
	case *Withdraw:
		return a.execWithdraw(x, op)
	}

	// Remaining operations are administrative.
	if !a.admins[x.tx.Sender] {
		return reject(ReasonNotAdmin, "%s is not an admin", x.tx.Sender)
	}

	switch op := x.tx.Op.(type) {
	case *SupplyLiquidity:
		return a.execSupply(x, op)
	case *MarkMissedPayment:
		return a.execMarkMissed(x, op)
	case *MarkDefaulted:
		return a.execMarkDefaulted(x, op)
	case *Liquidate:
		return a.execLiquidate(x, op)
	case *SettleLiquidationByYield:
		return a.execSettle(x, op.PositionID, state.YieldBurn{Proceeds: op.Proceeds})
	case *SettleLiquidationByPurchase:
		if op.PurchaseAmount <= 0 {
			return reject(ReasonZeroAmount, "purchase amount must be positive")
		}
		liquidator := op.Liquidator
		if liquidator == "" {
			liquidator = x.tx.Sender
		}
		return a.execSettle(x, op.PositionID, state.AdminPurchase{PurchaseAmount: op.PurchaseAmount, Liquidator: liquidator})
	case *AttachCreditLine:
		return a.execAttachCreditLine(x, op)
	default:
		return reject(ReasonNotEligible, "unsupported operation %s", x.tx.Op.Kind())
	}
}

// computeStateDigest creates canonical bytes for the state hash: the balances
// of every account the batch touched and the touched position.
func (a *Authority) computeStateDigest(batch *ledger.Batch, positionID uint64) []byte {
	affected := make(map[ledger.AccountKey]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64+128)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)
		digest = appendInt64LE(digest, a.balances.GetBalance(key))
	}

	if pos := a.positions.GetPosition(positionID); pos != nil {
		digest = append(digest, pos.CanonicalBytes()...)
	}

	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants validates invariants after the transaction is applied
func (a *Authority) postCheckInvariants(x *execCtx) error {
	if pos := a.positions.GetPosition(x.positionID); pos != nil {
		var principal, interest int64
		if loan, ok := a.pool.Loan(pos.ID); ok {
			principal, interest = loan.Principal, loan.InterestAccrued
		}
		if pos.USDCBorrowed != principal {
			return fmt.Errorf("position %d usdc_borrowed %d != pool principal %d", pos.ID, pos.USDCBorrowed, principal)
		}
		if err := a.validator.ValidatePositionReceivable(pos.ID, ledger.AssetUSDC, principal, interest); err != nil {
			return err
		}
		if pos.Status == event.StatusActive || pos.Status == event.StatusRepaid {
			ltv, _ := a.risk.LTV(pos.TokenType)
			if limit := fpmath.MaxBorrowable(pos.CollateralValueUSD, ltv); pos.USDCBorrowed > limit {
				return fmt.Errorf("position %d borrowed %d above ltv limit %d", pos.ID, pos.USDCBorrowed, limit)
			}
		}
	}

	if err := a.validator.ValidatePoolCash(ledger.AssetUSDC, a.pool.Cash()); err != nil {
		return err
	}

	// Periodic global zero-sum check
	if a.sequence%1000 == 0 {
		if err := a.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("at seq %d: %w", a.sequence, err)
		}
	}

	return nil
}

// ============================================================================
// Confirmation and receipts
// ============================================================================

func (a *Authority) trackPending(rec *TxRecord) {
	a.receiptsMu.Lock()
	defer a.receiptsMu.Unlock()
	a.records[rec.TxHash] = rec
	a.pending = append(a.pending, rec)
}

// Confirm marks every transaction up to upTo as durable and forwards them for
// publication. Called by the persistence worker after each flush.
func (a *Authority) Confirm(upTo int64) {
	a.receiptsMu.Lock()
	var confirmed []*TxRecord
	for len(a.pending) > 0 && a.pending[0].Sequence <= upTo {
		rec := a.pending[0]
		a.pending = a.pending[1:]
		confirmed = append(confirmed, rec)
		a.confirmedHistory = append(a.confirmedHistory, rec.TxHash)
	}
	if upTo > a.confirmedSeq {
		a.confirmedSeq = upTo
	}
	for len(a.confirmedHistory) > a.receiptCacheSize {
		delete(a.records, a.confirmedHistory[0])
		a.confirmedHistory = a.confirmedHistory[1:]
	}
	confirmedSeq := a.confirmedSeq
	a.receiptsMu.Unlock()

	if a.metrics != nil {
		a.metrics.ConfirmedSequence.Set(float64(confirmedSeq))
	}

	if a.publishChan == nil {
		return
	}
	for _, rec := range confirmed {
		// Non-blocking: the mirror recovers dropped records by catch-up.
		select {
		case a.publishChan <- rec:
		default:
			if a.metrics != nil {
				a.metrics.PublishDrops.Inc()
			}
		}
	}
}

// Receipt returns the receipt of a confirmed transaction. Admitted but not yet
// durable transactions return ErrNotConfirmed.
func (a *Authority) Receipt(ctx context.Context, txHash string) (*Receipt, error) {
	a.receiptsMu.RLock()
	rec, ok := a.records[txHash]
	confirmedSeq := a.confirmedSeq
	a.receiptsMu.RUnlock()

	if ok {
		if rec.Sequence > confirmedSeq {
			return nil, fmt.Errorf("%w: %s", ErrNotConfirmed, txHash)
		}
		return receiptFromRecord(rec, true), nil
	}

	if a.txLog != nil {
		rec, err := a.txLog.ReadTransaction(ctx, txHash)
		if err != nil {
			return nil, fmt.Errorf("read transaction %s: %w", txHash, err)
		}
		if rec != nil {
			return receiptFromRecord(rec, true), nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownTx, txHash)
}

// GetLogs returns confirmed logs with Sequence >= from, in order.
func (a *Authority) GetLogs(ctx context.Context, from int64, limit int) ([]event.LogEntry, error) {
	if a.txLog == nil {
		return nil, fmt.Errorf("no transaction log configured")
	}
	return a.txLog.ReadLogs(ctx, from, limit)
}

// LogHead returns the highest confirmed log sequence.
func (a *Authority) LogHead(ctx context.Context) (int64, error) {
	if a.txLog == nil {
		return 0, fmt.Errorf("no transaction log configured")
	}
	return a.txLog.LatestLogSequence(ctx)
}

// ============================================================================
// Reads
// ============================================================================

// PendingNonce returns the nonce the sender's next transaction must carry.
func (a *Authority) PendingNonce(sender string) uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.nonces.Next(sender)
}

// PositionView is the authoritative state of a position at read time.
type PositionView struct {
	Position     state.Position           `json:"position"`
	Plan         *event.PlanState         `json:"plan,omitempty"`
	Loan         *pool.Loan               `json:"loan,omitempty"`
	Debt         int64                    `json:"debt"`
	HealthFactor int64                    `json:"health_factor"`
	Liquidation  *state.LiquidationRecord `json:"liquidation,omitempty"`
	AsOf         time.Time                `json:"as_of"`
}

// GetPosition returns the authoritative view of a position, with debt
// projected to now. Reads never mutate state.
func (a *Authority) GetPosition(positionID uint64) (*PositionView, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	pos := a.positions.GetPosition(positionID)
	if pos == nil {
		return nil, false
	}
	now := a.clock().UTC()
	debt := a.pool.OutstandingDebt(positionID, now)
	view := &PositionView{
		Position:     *pos.Clone(),
		Debt:         debt,
		HealthFactor: fpmath.HealthFactorBps(pos.CollateralValueUSD, debt),
		AsOf:         now,
	}
	if plan := a.positions.GetPlan(positionID); plan != nil {
		ps := plan.State()
		view.Plan = &ps
	}
	if loan, ok := a.pool.Loan(positionID); ok {
		view.Loan = &loan
	}
	if rec := a.positions.GetLiquidation(positionID); rec != nil {
		view.Liquidation = rec.Clone()
	}
	return view, true
}

// PoolStats returns the liquidity pool summary.
func (a *Authority) PoolStats() pool.Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pool.Stats()
}

// IsAdmin reports whether sender is on the admin allow-list.
func (a *Authority) IsAdmin(sender string) bool {
	return a.admins[sender]
}

// GetSequence returns the last admitted sequence.
func (a *Authority) GetSequence() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sequence
}

// ConfirmedSequence returns the last durable sequence.
func (a *Authority) ConfirmedSequence() int64 {
	a.receiptsMu.RLock()
	defer a.receiptsMu.RUnlock()
	return a.confirmedSeq
}

// GetStateHash returns the current state hash (chain tip).
func (a *Authority) GetStateHash() [32]byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.hasher.GetPrevHash()
}
