package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeSupply JournalType = iota
	JournalTypeDisbursement
	JournalTypeInterestAccrual
	JournalTypeRepayInterest
	JournalTypeRepayPrincipal
	JournalTypeSettlementInterest
	JournalTypeSettlementPrincipal
	JournalTypeLiquidationFee
	JournalTypeOwnerRefund
	JournalTypeWriteOffInterest
	JournalTypeWriteOffPrincipal
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeSupply:
		return "supply"
	case JournalTypeDisbursement:
		return "disbursement"
	case JournalTypeInterestAccrual:
		return "interest_accrual"
	case JournalTypeRepayInterest:
		return "repay_interest"
	case JournalTypeRepayPrincipal:
		return "repay_principal"
	case JournalTypeSettlementInterest:
		return "settlement_interest"
	case JournalTypeSettlementPrincipal:
		return "settlement_principal"
	case JournalTypeLiquidationFee:
		return "liquidation_fee"
	case JournalTypeOwnerRefund:
		return "owner_refund"
	case JournalTypeWriteOffInterest:
		return "write_off_interest"
	case JournalTypeWriteOffPrincipal:
		return "write_off_principal"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Transaction hash of the source transaction
	Sequence      int64       // Global transaction sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	AssetID       AssetID     // Asset being transferred
	Amount        int64       // Fixed-point amount (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Execution timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each journal moves one positive amount from credit to debit, so every
// entry balances by construction; multi-leg flows share a batch_id.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}

// IsEmpty reports whether the batch carries no journals (state-only transactions).
func (b *Batch) IsEmpty() bool {
	return b == nil || len(b.Journals) == 0
}
