package event

import (
	"fmt"
	"time"

	"CDPLedger/internal/state"
)

// ParamsUpdate replaces the protocol parameters. The new set is validated
// as a whole; a rejected update leaves the old set in force.
type ParamsUpdate struct {
	Params    state.Params `json:"params"`
	Sequence  int64        `json:"sequence"`     // Source sequence
	Timestamp int64        `json:"timestamp_us"` // Epoch microseconds (versioned input)
}

func (p *ParamsUpdate) IdempotencyKey() string {
	return fmt.Sprintf("params:%d", p.Params.EffectiveSeq)
}

func (p *ParamsUpdate) EventType() EventType {
	return EventTypeParamsUpdate
}

func (p *ParamsUpdate) Partition() string {
	return "params"
}

func (p *ParamsUpdate) SourceSequence() int64 {
	return p.Sequence
}

func (p *ParamsUpdate) EventTime() time.Time {
	return time.UnixMicro(p.Timestamp)
}
