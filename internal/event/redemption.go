package event

import (
	fpmath "CDPLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// Redeem exchanges Amount debt tokens for collateral at face value, drawn
// from the riskiest positions first.
type Redeem struct {
	Header
	Amount        fpmath.Fixed   `json:"amount"`
	FirstHint     common.Address `json:"first_hint"`
	PartialHint   common.Address `json:"partial_hint"`
	PartialNICR   fpmath.Fixed   `json:"partial_nicr"`
	MaxIterations int            `json:"max_iterations"` // 0 = unbounded
	MaxFee        fpmath.Fixed   `json:"max_fee"`
}

func (e *Redeem) EventType() EventType { return EventTypeRedeem }
