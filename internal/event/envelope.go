package event

import (
	"time"
)

// EventType discriminator for command payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeOpenPosition
	EventTypeAdjustPosition
	EventTypeClosePosition
	EventTypeLiquidate
	EventTypeLiquidateBatch
	EventTypeRedeem
	EventTypeProvideToBuffer
	EventTypeWithdrawFromBuffer
	EventTypeClaimCollateralGain
	EventTypeClaimSurplus
	EventTypeDepositCollateral
	EventTypeWithdrawCollateral
	EventTypePriceUpdate
	EventTypeParamsUpdate
)

var eventTypeNames = map[EventType]string{
	EventTypeOpenPosition:        "OpenPosition",
	EventTypeAdjustPosition:      "AdjustPosition",
	EventTypeClosePosition:       "ClosePosition",
	EventTypeLiquidate:           "Liquidate",
	EventTypeLiquidateBatch:      "LiquidateBatch",
	EventTypeRedeem:              "Redeem",
	EventTypeProvideToBuffer:     "ProvideToBuffer",
	EventTypeWithdrawFromBuffer:  "WithdrawFromBuffer",
	EventTypeClaimCollateralGain: "ClaimCollateralGain",
	EventTypeClaimSurplus:        "ClaimSurplus",
	EventTypeDepositCollateral:   "DepositCollateral",
	EventTypeWithdrawCollateral:  "WithdrawCollateral",
	EventTypePriceUpdate:         "PriceUpdate",
	EventTypeParamsUpdate:        "ParamsUpdate",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType maps a wire name back to its EventType.
func ParseEventType(name string) (EventType, bool) {
	for et, n := range eventTypeNames {
		if n == name {
			return et, true
		}
	}
	return EventTypeUnknown, false
}

// EventEnvelope wraps every applied command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Ordering partition the command was validated in
	Partition string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded command
	Payload []byte

	// JSON-encoded operation result (empty when rejected)
	Result []byte

	// Rejection reason; empty when the command applied. A rejected command
	// consumes its source sequence and leaves state untouched.
	Rejection string

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Applied reports whether the command changed state.
func (e *EventEnvelope) Applied() bool {
	return e.Rejection == ""
}

// Event is the interface all commands implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Partition returns the ordering partition for sequence validation
	Partition() string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// EventTime returns the versioned input timestamp
	EventTime() time.Time
}
