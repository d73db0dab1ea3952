// internal/event/collateral.go
package event

import fpmath "CDPLedger/internal/math"

// DepositCollateral credits collateral arriving from outside custody to the
// sender.
type DepositCollateral struct {
	Header
	Amount fpmath.Fixed `json:"amount"`
}

func (e *DepositCollateral) EventType() EventType { return EventTypeDepositCollateral }

// WithdrawCollateral releases free collateral from custody to the sender.
type WithdrawCollateral struct {
	Header
	Amount fpmath.Fixed `json:"amount"`
}

func (e *WithdrawCollateral) EventType() EventType { return EventTypeWithdrawCollateral }

// ClaimSurplus moves the sender's collateral surplus into their custody
// balance.
type ClaimSurplus struct {
	Header
}

func (e *ClaimSurplus) EventType() EventType { return EventTypeClaimSurplus }
