package core

import (
	"errors"
	"fmt"

	"CDPLedger/internal/state"
)

// Rejection classes, re-exported for callers of the ledger.
var (
	ErrValidation   = state.ErrValidation
	ErrState        = state.ErrState
	ErrRecoveryMode = state.ErrRecoveryMode
	ErrSlippage     = state.ErrSlippage
	ErrArithmetic   = state.ErrArithmetic
)

// RejectReason maps an operation error to its class label for metrics.
func RejectReason(err error) string {
	switch {
	case err == nil:
		return ""
	case isErr(err, ErrValidation):
		return "validation"
	case isErr(err, ErrState):
		return "state"
	case isErr(err, ErrRecoveryMode):
		return "recovery_mode"
	case isErr(err, ErrSlippage):
		return "slippage"
	case isErr(err, ErrArithmetic):
		return "arithmetic"
	case isErr(err, ErrSequence):
		return "sequence"
	default:
		return "other"
	}
}

// ErrSequence rejects a command delivered out of its partition's order.
var ErrSequence = errors.New("sequence error")

// ErrSequenceGap is the ErrSequence for a command that arrived ahead of its
// predecessor. Redelivering it later can succeed.
var ErrSequenceGap = fmt.Errorf("%w: gap", ErrSequence)

func isErr(err, target error) bool { return errors.Is(err, target) }
