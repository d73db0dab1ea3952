package core

import (
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// Result is implemented by every operation result. The batch holds the
// journals the operation settled.
type Result interface {
	JournalBatch() *ledger.Batch
	Touched() []common.Address
}

// PositionResult describes a position after open, adjust or close.
type PositionResult struct {
	Owner  common.Address `json:"owner"`
	Status string         `json:"status"`
	Coll   fpmath.Fixed   `json:"coll"`
	Debt   fpmath.Fixed   `json:"debt"`
	Stake  fpmath.Fixed   `json:"stake"`
	ICR    fpmath.Fixed   `json:"icr"`
	NICR   fpmath.Fixed   `json:"nicr"`
	Fee    fpmath.Fixed   `json:"fee"` // Borrowing fee charged by this operation

	Batch *ledger.Batch `json:"-"`
}

func (r *PositionResult) JournalBatch() *ledger.Batch { return r.Batch }
func (r *PositionResult) Touched() []common.Address   { return []common.Address{r.Owner} }

// LiquidatedPosition is one position closed by a liquidation.
type LiquidatedPosition struct {
	Owner              common.Address `json:"owner"`
	Mode               string         `json:"mode"`
	Debt               fpmath.Fixed   `json:"debt"`
	Coll               fpmath.Fixed   `json:"coll"`
	DebtToOffset       fpmath.Fixed   `json:"debt_to_offset"`
	DebtToRedistribute fpmath.Fixed   `json:"debt_to_redistribute"`
	CollSurplus        fpmath.Fixed   `json:"coll_surplus"`
}

// LiquidationResult aggregates a single or batch liquidation. An empty
// Positions slice means nothing was eligible.
type LiquidationResult struct {
	Liquidator   common.Address          `json:"liquidator"`
	RecoveryMode bool                    `json:"recovery_mode"`
	Price        fpmath.Fixed            `json:"price"`
	Positions    []LiquidatedPosition    `json:"positions"`
	Totals       state.LiquidationTotals `json:"totals"`

	Batch *ledger.Batch `json:"-"`
}

func (r *LiquidationResult) JournalBatch() *ledger.Batch { return r.Batch }

func (r *LiquidationResult) Touched() []common.Address {
	out := []common.Address{r.Liquidator}
	for _, p := range r.Positions {
		out = append(out, p.Owner)
	}
	return out
}

// IsEmpty reports whether no position was liquidated.
func (r *LiquidationResult) IsEmpty() bool { return len(r.Positions) == 0 }

// RedeemedPosition is one position a redemption drew from.
type RedeemedPosition struct {
	Owner        common.Address `json:"owner"`
	DebtRedeemed fpmath.Fixed   `json:"debt_redeemed"`
	CollDrawn    fpmath.Fixed   `json:"coll_drawn"`
	CollSurplus  fpmath.Fixed   `json:"coll_surplus"`
	Closed       bool           `json:"closed"`
	NewNICR      fpmath.Fixed   `json:"new_nicr"`
}

// RedemptionResult describes a completed redemption.
type RedemptionResult struct {
	Redeemer  common.Address     `json:"redeemer"`
	Requested fpmath.Fixed       `json:"requested"`
	Redeemed  fpmath.Fixed       `json:"redeemed"`
	CollDrawn fpmath.Fixed       `json:"coll_drawn"`
	Fee       fpmath.Fixed       `json:"fee"` // Collateral kept as redemption fee
	BaseRate  fpmath.Fixed       `json:"base_rate"`
	Positions []RedeemedPosition `json:"positions"`

	Batch *ledger.Batch `json:"-"`
}

func (r *RedemptionResult) JournalBatch() *ledger.Batch { return r.Batch }

func (r *RedemptionResult) Touched() []common.Address {
	out := []common.Address{r.Redeemer}
	for _, p := range r.Positions {
		out = append(out, p.Owner)
	}
	return out
}

// BufferResult describes a depositor after a buffer operation.
type BufferResult struct {
	Depositor      common.Address `json:"depositor"`
	Deposit        fpmath.Fixed   `json:"deposit"` // Compounded value after the operation
	Provided       fpmath.Fixed   `json:"provided"`
	Withdrawn      fpmath.Fixed   `json:"withdrawn"`
	CollateralGain fpmath.Fixed   `json:"collateral_gain"` // Gain paid out by the operation
	ToPosition     bool           `json:"to_position"`

	Batch *ledger.Batch `json:"-"`
}

func (r *BufferResult) JournalBatch() *ledger.Batch { return r.Batch }
func (r *BufferResult) Touched() []common.Address   { return []common.Address{r.Depositor} }

// CollateralResult describes a custody movement: a surplus claim or a
// collateral deposit or withdrawal.
type CollateralResult struct {
	Owner   common.Address `json:"owner"`
	Amount  fpmath.Fixed   `json:"amount"`
	Balance fpmath.Fixed   `json:"balance"` // Owner's free collateral afterwards

	Batch *ledger.Batch `json:"-"`
}

func (r *CollateralResult) JournalBatch() *ledger.Batch { return r.Batch }
func (r *CollateralResult) Touched() []common.Address   { return []common.Address{r.Owner} }
