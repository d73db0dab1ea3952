// internal/event/liquidation.go
package event

import "github.com/ethereum/go-ethereum/common"

// Liquidate liquidates one position. Sender receives the gas compensation.
type Liquidate struct {
	Header
	Target common.Address `json:"target"`
}

func (e *Liquidate) EventType() EventType { return EventTypeLiquidate }

// LiquidateBatch walks from the riskiest position liquidating up to MaxCount
// positions, or liquidates the explicit Owners list when it is non-empty.
type LiquidateBatch struct {
	Header
	MaxCount int              `json:"max_count"`
	Owners   []common.Address `json:"owners,omitempty"`
}

func (e *LiquidateBatch) EventType() EventType { return EventTypeLiquidateBatch }
