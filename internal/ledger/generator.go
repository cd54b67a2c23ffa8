package ledger

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// batchNamespace seeds deterministic batch and journal IDs so a replayed
// transaction produces the same journals as the original execution.
var batchNamespace = uuid.MustParse("0b6a4f0e-2f7c-4c8e-9a51-6d3f1f0c7e21")

// JournalGenerator creates balanced journal batches for ledger transactions
type JournalGenerator struct {
	assetID AssetID
}

func NewJournalGenerator(assetID AssetID) *JournalGenerator {
	return &JournalGenerator{assetID: assetID}
}

// BatchBuilder accumulates the journal legs of one transaction.
type BatchBuilder struct {
	assetID AssetID
	batch   *Batch
}

// NewBatch starts a batch for the transaction identified by txHash.
func (jg *JournalGenerator) NewBatch(txHash string, sequence int64, at time.Time) *BatchBuilder {
	batchID := uuid.NewSHA1(batchNamespace, []byte(txHash))
	return &BatchBuilder{
		assetID: jg.assetID,
		batch: &Batch{
			BatchID:   batchID,
			EventRef:  txHash,
			Sequence:  sequence,
			Timestamp: at.UnixMicro(),
			Journals:  make([]Journal, 0, 4),
		},
	}
}

func (b *BatchBuilder) add(debit, credit AccountKey, amount int64, jt JournalType) {
	if amount <= 0 {
		return
	}
	idx := len(b.batch.Journals)
	b.batch.Journals = append(b.batch.Journals, Journal{
		JournalID:     uuid.NewSHA1(b.batch.BatchID, []byte(strconv.Itoa(idx))),
		BatchID:       b.batch.BatchID,
		EventRef:      b.batch.EventRef,
		Sequence:      b.batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       b.assetID,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.batch.Timestamp,
	})
}

// Supply moves lender funds into the pool.
// external:lender_funding → system:pool_cash
func (b *BatchBuilder) Supply(amount int64) *BatchBuilder {
	b.add(
		NewSystemAccountKey(SubTypePoolCash, b.assetID),
		NewExternalAccountKey(SubTypeLenderFunding, b.assetID),
		amount, JournalTypeSupply,
	)
	return b
}

// Disburse lends pool cash to a position.
// system:pool_cash → position:principal
func (b *BatchBuilder) Disburse(positionID uint64, amount int64) *BatchBuilder {
	b.add(
		NewPositionAccountKey(positionID, SubTypePrincipal, b.assetID),
		NewSystemAccountKey(SubTypePoolCash, b.assetID),
		amount, JournalTypeDisbursement,
	)
	return b
}

// AccrueInterest books interest owed by a position.
// system:interest_income → position:interest
func (b *BatchBuilder) AccrueInterest(positionID uint64, amount int64) *BatchBuilder {
	b.add(
		NewPositionAccountKey(positionID, SubTypeInterest, b.assetID),
		NewSystemAccountKey(SubTypeInterestIncome, b.assetID),
		amount, JournalTypeInterestAccrual,
	)
	return b
}

// Repay returns cash to the pool, interest leg first.
// position:interest → system:pool_cash, position:principal → system:pool_cash
func (b *BatchBuilder) Repay(positionID uint64, principal, interest int64) *BatchBuilder {
	b.add(
		NewSystemAccountKey(SubTypePoolCash, b.assetID),
		NewPositionAccountKey(positionID, SubTypeInterest, b.assetID),
		interest, JournalTypeRepayInterest,
	)
	b.add(
		NewSystemAccountKey(SubTypePoolCash, b.assetID),
		NewPositionAccountKey(positionID, SubTypePrincipal, b.assetID),
		principal, JournalTypeRepayPrincipal,
	)
	return b
}

// Settle books liquidation proceeds: debt legs to the pool, the fee to the
// protocol and the refund to the owner.
func (b *BatchBuilder) Settle(positionID uint64, principal, interest, fee, refund int64) *BatchBuilder {
	b.add(
		NewSystemAccountKey(SubTypePoolCash, b.assetID),
		NewPositionAccountKey(positionID, SubTypeInterest, b.assetID),
		interest, JournalTypeSettlementInterest,
	)
	b.add(
		NewSystemAccountKey(SubTypePoolCash, b.assetID),
		NewPositionAccountKey(positionID, SubTypePrincipal, b.assetID),
		principal, JournalTypeSettlementPrincipal,
	)
	b.add(
		NewSystemAccountKey(SubTypeFees, b.assetID),
		NewExternalAccountKey(SubTypeLiquidationProceeds, b.assetID),
		fee, JournalTypeLiquidationFee,
	)
	b.add(
		NewExternalAccountKey(SubTypeOwnerRefunds, b.assetID),
		NewExternalAccountKey(SubTypeLiquidationProceeds, b.assetID),
		refund, JournalTypeOwnerRefund,
	)
	return b
}

// WriteOff clears an unrecoverable shortfall into bad debt.
func (b *BatchBuilder) WriteOff(positionID uint64, principal, interest int64) *BatchBuilder {
	b.add(
		NewSystemAccountKey(SubTypeBadDebt, b.assetID),
		NewPositionAccountKey(positionID, SubTypeInterest, b.assetID),
		interest, JournalTypeWriteOffInterest,
	)
	b.add(
		NewSystemAccountKey(SubTypeBadDebt, b.assetID),
		NewPositionAccountKey(positionID, SubTypePrincipal, b.assetID),
		principal, JournalTypeWriteOffPrincipal,
	)
	return b
}

// Build returns the accumulated batch. The batch may be empty.
func (b *BatchBuilder) Build() *Batch {
	return b.batch
}
