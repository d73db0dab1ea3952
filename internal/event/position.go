// internal/event/position.go
package event

import (
	fpmath "CDPLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// OpenPosition locks Coll from the sender's custody balance and mints Debt
// debt tokens against it.
type OpenPosition struct {
	Header
	MaxFee   fpmath.Fixed   `json:"max_fee"` // Max acceptable borrowing fee fraction
	Debt     fpmath.Fixed   `json:"debt"`    // Debt tokens to receive (fee and gas reserve added on top)
	Coll     fpmath.Fixed   `json:"coll"`
	PrevHint common.Address `json:"prev_hint"`
	NextHint common.Address `json:"next_hint"`
}

func (e *OpenPosition) EventType() EventType { return EventTypeOpenPosition }

// AdjustPosition changes collateral and/or debt of the sender's position.
type AdjustPosition struct {
	Header
	MaxFee         fpmath.Fixed   `json:"max_fee"`
	CollDelta      fpmath.Fixed   `json:"coll_delta"`
	IsCollIncrease bool           `json:"is_coll_increase"`
	DebtDelta      fpmath.Fixed   `json:"debt_delta"`
	IsDebtIncrease bool           `json:"is_debt_increase"`
	PrevHint       common.Address `json:"prev_hint"`
	NextHint       common.Address `json:"next_hint"`
}

func (e *AdjustPosition) EventType() EventType { return EventTypeAdjustPosition }

// ClosePosition repays the sender's net debt and returns all collateral.
type ClosePosition struct {
	Header
}

func (e *ClosePosition) EventType() EventType { return EventTypeClosePosition }
