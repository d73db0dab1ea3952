package query

import (
	"github.com/shopspring/decimal"
)

// BalanceResponse is an owner's custody and buffer standing.
type BalanceResponse struct {
	Owner string `json:"owner"`

	// Custody book balances
	FreeCollateral decimal.Decimal `json:"free_collateral"` // Deposited, not locked in a position
	DebtTokens     decimal.Decimal `json:"debt_tokens"`

	// Claimable amounts
	Surplus        decimal.Decimal `json:"surplus"`
	BufferDeposit  decimal.Decimal `json:"buffer_deposit"` // Compounded after buffer losses
	CollateralGain decimal.Decimal `json:"collateral_gain"`

	AsOfSequence int64 `json:"as_of_sequence"`
}
