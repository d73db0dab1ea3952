package query

import (
	"time"

	fpmath "CDPLedger/internal/math"

	"github.com/shopspring/decimal"
)

// Source tells a client where a response was read from.
const (
	SourceLive       = "live"
	SourceProjection = "projection"
)

func dec(f fpmath.Fixed) decimal.Decimal { return f.Decimal() }

// ratio renders a collateral ratio, or nil when it is unbounded.
func ratio(f fpmath.Fixed) *decimal.Decimal {
	if f.Eq(fpmath.Max) {
		return nil
	}
	d := f.Decimal()
	return &d
}

// PositionResponse is a position with its pending rewards applied.
type PositionResponse struct {
	Owner        string           `json:"owner"`
	Status       string           `json:"status"`
	Coll         decimal.Decimal  `json:"coll"`
	Debt         decimal.Decimal  `json:"debt"`
	PendingColl  decimal.Decimal  `json:"pending_coll"`
	PendingDebt  decimal.Decimal  `json:"pending_debt"`
	EntireColl   decimal.Decimal  `json:"entire_coll"`
	EntireDebt   decimal.Decimal  `json:"entire_debt"`
	Stake        decimal.Decimal  `json:"stake"`
	ICR          *decimal.Decimal `json:"icr,omitempty"` // Omitted without a price or debt
	NICR         *decimal.Decimal `json:"nicr,omitempty"`
	Version      int64            `json:"version"`
	AsOfSequence int64            `json:"as_of_sequence"`
	Source       string           `json:"source"`
}

// SystemResponse is the protocol summary.
type SystemResponse struct {
	Price          decimal.Decimal  `json:"price"`
	TCR            *decimal.Decimal `json:"tcr,omitempty"`
	RecoveryMode   bool             `json:"recovery_mode"`
	ActiveColl     decimal.Decimal  `json:"active_coll"`
	ActiveDebt     decimal.Decimal  `json:"active_debt"`
	DefaultColl    decimal.Decimal  `json:"default_coll"`
	DefaultDebt    decimal.Decimal  `json:"default_debt"`
	SurplusColl    decimal.Decimal  `json:"surplus_coll"`
	GasPool        decimal.Decimal  `json:"gas_pool"`
	TotalSupply    decimal.Decimal  `json:"total_supply"`
	TotalStakes    decimal.Decimal  `json:"total_stakes"`
	BufferDeposits decimal.Decimal  `json:"buffer_deposits"`
	BufferColl     decimal.Decimal  `json:"buffer_coll"`
	BufferP        decimal.Decimal  `json:"buffer_p"`
	BufferEpoch    uint64           `json:"buffer_epoch"`
	BufferScale    uint64           `json:"buffer_scale"`
	LColl          decimal.Decimal  `json:"l_coll"`
	LDebt          decimal.Decimal  `json:"l_debt"`
	BaseRate       decimal.Decimal  `json:"base_rate"`
	BorrowingRate  *decimal.Decimal `json:"borrowing_rate,omitempty"` // Live reads only
	RedemptionRate *decimal.Decimal `json:"redemption_rate,omitempty"`
	PositionCount  int              `json:"position_count"`
	AsOfSequence   int64            `json:"as_of_sequence"`
	Source         string           `json:"source"`
}

// InsertHintResponse holds the neighbours for inserting a NICR.
type InsertHintResponse struct {
	Prev         string `json:"prev"`
	Next         string `json:"next"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// RedemptionHintResponse holds the hints a Redeem command needs.
type RedemptionHintResponse struct {
	FirstHint       string          `json:"first_hint"`
	PartialNICR     decimal.Decimal `json:"partial_nicr"`
	TruncatedAmount decimal.Decimal `json:"truncated_amount"`
	AsOfSequence    int64           `json:"as_of_sequence"`
}

// FeeQuote is the borrowing fee for a debt at the time of the query.
type FeeQuote struct {
	Debt         decimal.Decimal `json:"debt"`
	Rate         decimal.Decimal `json:"rate"`
	Fee          decimal.Decimal `json:"fee"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// HistoryResponse is one liquidation or redemption that hit a position.
type HistoryResponse struct {
	Sequence  int64           `json:"sequence"`
	Kind      string          `json:"kind"`
	Initiator string          `json:"initiator"`
	Mode      string          `json:"mode,omitempty"`
	Debt      decimal.Decimal `json:"debt"`
	Coll      decimal.Decimal `json:"coll"`
	Surplus   decimal.Decimal `json:"surplus"`
	Closed    bool            `json:"closed"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// JournalHistoryEntry is a persisted journal line.
type JournalHistoryEntry struct {
	JournalID     string          `json:"journal_id"`
	BatchID       string          `json:"batch_id"`
	EventRef      string          `json:"event_ref"`
	Sequence      int64           `json:"sequence"`
	DebitAccount  string          `json:"debit_account"`
	CreditAccount string          `json:"credit_account"`
	AssetID       uint16          `json:"asset_id"`
	Amount        decimal.Decimal `json:"amount"`
	JournalType   string          `json:"journal_type"`
	Timestamp     time.Time       `json:"timestamp"`
}

// IntegrityReport is the result of walking the persisted hash chain.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	Checked         int64   `json:"checked"`
	LastSequence    int64   `json:"last_sequence"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	SequenceGaps    []int64 `json:"sequence_gaps,omitempty"`
}

// EventLogInfo describes the head of the log against the live processor.
type EventLogInfo struct {
	PersistedSequence int64  `json:"persisted_sequence"`
	AppliedSequence   int64  `json:"applied_sequence"`
	ProjectedSequence int64  `json:"projected_sequence"`
	StateHash         string `json:"state_hash"`
}
