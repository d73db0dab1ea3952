// internal/event/price.go
package event

import (
	"fmt"
	"time"

	fpmath "CDPLedger/internal/math"
)

// PriceUpdate carries a collateral price from the oracle feed.
type PriceUpdate struct {
	Source         string       `json:"source"`
	Price          fpmath.Fixed `json:"price"`          // Debt tokens per unit of collateral
	PriceSequence  int64        `json:"price_sequence"` // Monotonic per source
	PriceTimestamp int64        `json:"timestamp_us"`   // Epoch microseconds (versioned input)
}

func (p *PriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", p.Source, p.PriceSequence)
}

func (p *PriceUpdate) EventType() EventType {
	return EventTypePriceUpdate
}

func (p *PriceUpdate) Partition() string {
	return fmt.Sprintf("price:%s", p.Source)
}

func (p *PriceUpdate) SourceSequence() int64 {
	return p.PriceSequence
}

func (p *PriceUpdate) EventTime() time.Time {
	return time.UnixMicro(p.PriceTimestamp)
}
