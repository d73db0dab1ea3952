package ledger

import (
	fpmath "CDPLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// JournalGenerator opens batches stamped with the ledger sequence. Operations
// append their transfers to the batch while they run and the batch is settled
// once the operation has committed.
type JournalGenerator struct {
	sequence int64
}

func NewJournalGenerator(startSequence int64) *JournalGenerator {
	return &JournalGenerator{sequence: startSequence}
}

// NewBatch opens an empty batch for the command identified by eventRef.
func (jg *JournalGenerator) NewBatch(eventRef string, timestamp int64) *Batch {
	b := &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
	}
	jg.sequence++
	return b
}

// Sequence returns the sequence the next batch will carry.
func (jg *JournalGenerator) Sequence() int64 {
	return jg.sequence
}

// SetSequence restores the generator after a snapshot load.
func (jg *JournalGenerator) SetSequence(seq int64) {
	jg.sequence = seq
}

func (b *Batch) add(jt JournalType, debit, credit AccountKey, asset AssetID, amount fpmath.Fixed) {
	// Zero transfers carry no information and fail Validate.
	if amount.IsZero() {
		return
	}
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       asset,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// AddMint issues debt tokens to `to`.
// Moves: external:issuance → to
func (b *Batch) AddMint(to common.Address, amount fpmath.Fixed) {
	b.add(JournalTypeMint,
		NewAccountKey(to, AssetDebtToken),
		NewExternalAccountKey(AssetDebtToken),
		AssetDebtToken, amount)
}

// AddBurn retires debt tokens held by `from`.
// Moves: from → external:issuance
func (b *Batch) AddBurn(from common.Address, amount fpmath.Fixed) {
	b.add(JournalTypeBurn,
		NewExternalAccountKey(AssetDebtToken),
		NewAccountKey(from, AssetDebtToken),
		AssetDebtToken, amount)
}

// AddDebtTransfer moves debt tokens between holders.
func (b *Batch) AddDebtTransfer(from, to common.Address, amount fpmath.Fixed) {
	b.add(JournalTypeDebtTransfer,
		NewAccountKey(to, AssetDebtToken),
		NewAccountKey(from, AssetDebtToken),
		AssetDebtToken, amount)
}

// AddCollateralMove moves custodied collateral between addresses.
func (b *Batch) AddCollateralMove(from, to common.Address, amount fpmath.Fixed) {
	b.add(JournalTypeCollateralMove,
		NewAccountKey(to, AssetCollateral),
		NewAccountKey(from, AssetCollateral),
		AssetCollateral, amount)
}

// AddCollateralDeposit brings collateral into custody for `to`.
// Moves: external:collateral_gate → to
func (b *Batch) AddCollateralDeposit(to common.Address, amount fpmath.Fixed) {
	b.add(JournalTypeCollateralDeposit,
		NewAccountKey(to, AssetCollateral),
		NewExternalAccountKey(AssetCollateral),
		AssetCollateral, amount)
}

// AddCollateralWithdrawal releases collateral held by `from` out of custody.
// Moves: from → external:collateral_gate
func (b *Batch) AddCollateralWithdrawal(from common.Address, amount fpmath.Fixed) {
	b.add(JournalTypeCollateralWithdrawal,
		NewExternalAccountKey(AssetCollateral),
		NewAccountKey(from, AssetCollateral),
		AssetCollateral, amount)
}
