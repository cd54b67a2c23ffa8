package pool

import (
	fpmath "LendLedger/internal/math"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrCeilingExceeded       = errors.New("pool: per-position debt ceiling exceeded")
	ErrInsufficientLiquidity = errors.New("pool: insufficient liquidity above reserve")
	ErrNoLoan                = errors.New("pool: no loan for position")
)

// Config holds the pool's fixed parameters.
type Config struct {
	AnnualRateBps      int64 `toml:"annual_rate_bps"`
	ReserveRatioBps    int64 `toml:"reserve_ratio_bps"`
	MaxDebtPerPosition int64 `toml:"max_debt_per_position"` // micro-USD
}

func DefaultConfig() Config {
	return Config{
		AnnualRateBps:      800,   // 8% APR, continuously compounded
		ReserveRatioBps:    1_000, // 10% of supplied liquidity stays in reserve
		MaxDebtPerPosition: fpmath.USD(1_000_000),
	}
}

func (c Config) Validate() error {
	if c.AnnualRateBps < 0 {
		return fmt.Errorf("annual_rate_bps must be >= 0, got %d", c.AnnualRateBps)
	}
	if c.ReserveRatioBps < 0 || c.ReserveRatioBps >= fpmath.BpsScale {
		return fmt.Errorf("reserve_ratio_bps must be in [0, %d), got %d", fpmath.BpsScale, c.ReserveRatioBps)
	}
	if c.MaxDebtPerPosition <= 0 {
		return fmt.Errorf("max_debt_per_position must be > 0, got %d", c.MaxDebtPerPosition)
	}
	return nil
}

// Loan is the pool's book for one borrowing position.
type Loan struct {
	PositionID      uint64    `json:"position_id"`
	Principal       int64     `json:"principal"`
	InterestAccrued int64     `json:"interest_accrued"`
	LastAccrualTime time.Time `json:"last_accrual_time"`
}

// Debt returns principal plus stored interest.
func (l Loan) Debt() int64 {
	return l.Principal + l.InterestAccrued
}

// Stats summarizes the pool's books.
type Stats struct {
	TotalSupplied   int64 `json:"total_supplied"`
	Cash            int64 `json:"cash"`
	Reserve         int64 `json:"reserve"`
	Available       int64 `json:"available"`
	TotalPrincipal  int64 `json:"total_principal"`
	TotalInterest   int64 `json:"total_interest"`
	TotalWrittenOff int64 `json:"total_written_off"`
	OpenLoans       int   `json:"open_loans"`
}

// Pool tracks lender liquidity and the loans drawn against it.
// Not thread-safe. The ledger authority serializes every call.
type Pool struct {
	cfg           Config
	loans         map[uint64]*Loan
	totalSupplied int64
	cash          int64
	writtenOff    int64
}

func New(cfg Config) *Pool {
	return &Pool{
		cfg:   cfg,
		loans: make(map[uint64]*Loan),
	}
}

func (p *Pool) Config() Config {
	return p.cfg
}

// Supply adds lender liquidity.
func (p *Pool) Supply(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("supply amount must be positive, got %d", amount)
	}
	p.totalSupplied += amount
	p.cash += amount
	return nil
}

// Cash returns the stablecoin held by the pool.
func (p *Pool) Cash() int64 {
	return p.cash
}

func (p *Pool) reserve() int64 {
	return fpmath.MulBps(p.totalSupplied, p.cfg.ReserveRatioBps, fpmath.RoundUp)
}

// Available returns the liquidity that can be lent without touching the reserve.
func (p *Pool) Available() int64 {
	return max(p.cash-p.reserve(), 0)
}

// Accrue books interest on the position's loan up to now and returns the
// newly accrued amount. Accrual advances in whole seconds, so accruing twice
// at the same instant adds zero.
func (p *Pool) Accrue(positionID uint64, now time.Time) int64 {
	loan := p.loans[positionID]
	if loan == nil {
		return 0
	}
	return p.accrue(loan, now)
}

func (p *Pool) accrue(loan *Loan, now time.Time) int64 {
	if !now.After(loan.LastAccrualTime) {
		return 0
	}
	whole := now.Sub(loan.LastAccrualTime).Truncate(time.Second)
	if whole == 0 {
		return 0
	}
	delta := fpmath.InterestDue(loan.Principal, loan.InterestAccrued, p.cfg.AnnualRateBps, whole)
	loan.InterestAccrued += delta
	loan.LastAccrualTime = loan.LastAccrualTime.Add(whole)
	return delta
}

// CanBorrow checks the ceiling and liquidity rules for a new disbursement
// without changing the pool. The ceiling applies to the position's debt at
// now, interest included, plus amount.
func (p *Pool) CanBorrow(positionID uint64, amount int64, now time.Time) error {
	if amount <= 0 {
		return fmt.Errorf("borrow amount must be positive, got %d", amount)
	}
	debt := p.OutstandingDebt(positionID, now)
	if debt+amount > p.cfg.MaxDebtPerPosition {
		return fmt.Errorf("%w: debt=%d amount=%d ceiling=%d",
			ErrCeilingExceeded, debt, amount, p.cfg.MaxDebtPerPosition)
	}
	if amount > p.Available() {
		return fmt.Errorf("%w: amount=%d available=%d", ErrInsufficientLiquidity, amount, p.Available())
	}
	return nil
}

// Borrow disburses amount to a position. Interest on an existing loan is
// accrued first.
func (p *Pool) Borrow(positionID uint64, amount int64, now time.Time) error {
	if err := p.CanBorrow(positionID, amount, now); err != nil {
		return err
	}

	loan := p.loans[positionID]
	if loan == nil {
		loan = &Loan{PositionID: positionID, LastAccrualTime: now}
		p.loans[positionID] = loan
	} else {
		p.accrue(loan, now)
	}
	loan.Principal += amount
	p.cash -= amount
	return nil
}

// Repay applies amount to interest first and the remainder to principal.
// Any excess over the outstanding debt is not taken.
func (p *Pool) Repay(positionID uint64, amount int64, now time.Time) (principalPaid, interestPaid int64, err error) {
	loan := p.loans[positionID]
	if loan == nil {
		return 0, 0, fmt.Errorf("%w: %d", ErrNoLoan, positionID)
	}
	if amount <= 0 {
		return 0, 0, fmt.Errorf("repay amount must be positive, got %d", amount)
	}
	p.accrue(loan, now)

	interestPaid = min(amount, loan.InterestAccrued)
	principalPaid = min(amount-interestPaid, loan.Principal)

	loan.InterestAccrued -= interestPaid
	loan.Principal -= principalPaid
	p.cash += interestPaid + principalPaid

	if loan.Debt() == 0 {
		delete(p.loans, positionID)
	}
	return principalPaid, interestPaid, nil
}

// WriteOff clears what remains of a loan after settlement and returns the
// cleared principal and interest.
func (p *Pool) WriteOff(positionID uint64, now time.Time) (principal, interest int64) {
	loan := p.loans[positionID]
	if loan == nil {
		return 0, 0
	}
	p.accrue(loan, now)
	principal, interest = loan.Principal, loan.InterestAccrued
	p.writtenOff += principal + interest
	delete(p.loans, positionID)
	return principal, interest
}

// Loan returns a copy of the position's loan.
func (p *Pool) Loan(positionID uint64) (Loan, bool) {
	loan := p.loans[positionID]
	if loan == nil {
		return Loan{}, false
	}
	return *loan, true
}

// AccruedInterest projects interest owed at now without mutating the loan.
func (p *Pool) AccruedInterest(positionID uint64, now time.Time) int64 {
	loan := p.loans[positionID]
	if loan == nil {
		return 0
	}
	return loan.InterestAccrued + ProjectInterest(*loan, p.cfg.AnnualRateBps, now)
}

// OutstandingDebt projects principal plus interest at now without mutating the loan.
func (p *Pool) OutstandingDebt(positionID uint64, now time.Time) int64 {
	loan := p.loans[positionID]
	if loan == nil {
		return 0
	}
	return loan.Principal + p.AccruedInterest(positionID, now)
}

// ProjectInterest returns the interest a loan would accrue between its last
// accrual and now, using the same whole-second stepping as accrual.
func ProjectInterest(loan Loan, annualRateBps int64, now time.Time) int64 {
	if !now.After(loan.LastAccrualTime) {
		return 0
	}
	whole := now.Sub(loan.LastAccrualTime).Truncate(time.Second)
	return fpmath.InterestDue(loan.Principal, loan.InterestAccrued, annualRateBps, whole)
}

// Stats returns a summary of the pool's books.
func (p *Pool) Stats() Stats {
	s := Stats{
		TotalSupplied:   p.totalSupplied,
		Cash:            p.cash,
		Reserve:         p.reserve(),
		Available:       p.Available(),
		TotalWrittenOff: p.writtenOff,
		OpenLoans:       len(p.loans),
	}
	for _, l := range p.loans {
		s.TotalPrincipal += l.Principal
		s.TotalInterest += l.InterestAccrued
	}
	return s
}

// ============================================================================
// Snapshot support
// ============================================================================

// Snapshot is the serializable form of the pool.
type Snapshot struct {
	TotalSupplied int64  `json:"total_supplied"`
	Cash          int64  `json:"cash"`
	WrittenOff    int64  `json:"written_off"`
	Loans         []Loan `json:"loans"`
}

func (p *Pool) Snapshot() Snapshot {
	snap := Snapshot{
		TotalSupplied: p.totalSupplied,
		Cash:          p.cash,
		WrittenOff:    p.writtenOff,
		Loans:         make([]Loan, 0, len(p.loans)),
	}
	for _, l := range p.loans {
		snap.Loans = append(snap.Loans, *l)
	}
	sort.Slice(snap.Loans, func(i, j int) bool { return snap.Loans[i].PositionID < snap.Loans[j].PositionID })
	return snap
}

func (p *Pool) Restore(snap Snapshot) {
	p.totalSupplied = snap.TotalSupplied
	p.cash = snap.Cash
	p.writtenOff = snap.WrittenOff
	p.loans = make(map[uint64]*Loan, len(snap.Loans))
	for i := range snap.Loans {
		l := snap.Loans[i]
		p.loans[l.PositionID] = &l
	}
}
