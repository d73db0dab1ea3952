package ledger

import (
	"fmt"

	fpmath "CDPLedger/internal/math"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeMint JournalType = iota
	JournalTypeBurn
	JournalTypeDebtTransfer
	JournalTypeCollateralMove
	JournalTypeCollateralDeposit
	JournalTypeCollateralWithdrawal
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeMint:
		return "mint"
	case JournalTypeBurn:
		return "burn"
	case JournalTypeDebtTransfer:
		return "debt_transfer"
	case JournalTypeCollateralMove:
		return "collateral_move"
	case JournalTypeCollateralDeposit:
		return "collateral_deposit"
	case JournalTypeCollateralWithdrawal:
		return "collateral_withdrawal"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID    // Unique identifier
	BatchID       uuid.UUID    // Groups the entries of one operation
	EventRef      string       // Idempotency key of source command
	Sequence      int64        // Global command sequence
	DebitAccount  AccountKey   // Account receiving value (balance increases)
	CreditAccount AccountKey   // Account giving value (balance decreases)
	AssetID       AssetID      // Asset being transferred
	Amount        fpmath.Fixed // Always positive
	JournalType   JournalType  // Entry type
	Timestamp     int64        // Versioned input timestamp (epoch microseconds)
}

// Batch groups the journals produced by one ledger operation. Entries are
// applied in order and all-or-nothing.
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each entry is balanced by
// construction (one amount moves from credit to debit), so the batch is too.
// An empty batch is valid: state-only operations produce no transfers.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount.IsZero() {
			return fmt.Errorf("journal %s has zero amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}

// IsEmpty reports whether the batch carries no transfers.
func (b *Batch) IsEmpty() bool {
	return b == nil || len(b.Journals) == 0
}
