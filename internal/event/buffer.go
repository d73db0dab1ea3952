package event

import (
	fpmath "CDPLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// ProvideToBuffer deposits debt tokens into the stability buffer.
type ProvideToBuffer struct {
	Header
	Amount fpmath.Fixed `json:"amount"`
}

func (e *ProvideToBuffer) EventType() EventType { return EventTypeProvideToBuffer }

// WithdrawFromBuffer withdraws up to Amount of the compounded deposit. A zero
// amount only pays out the collateral gain.
type WithdrawFromBuffer struct {
	Header
	Amount fpmath.Fixed `json:"amount"`
}

func (e *WithdrawFromBuffer) EventType() EventType { return EventTypeWithdrawFromBuffer }

// ClaimCollateralGain pays out the buffer collateral gain, either to the
// sender or, with ToPosition, into the sender's Active position.
type ClaimCollateralGain struct {
	Header
	ToPosition bool           `json:"to_position"`
	PrevHint   common.Address `json:"prev_hint"`
	NextHint   common.Address `json:"next_hint"`
}

func (e *ClaimCollateralGain) EventType() EventType { return EventTypeClaimCollateralGain }
