package state

import (
	"errors"

	fpmath "CDPLedger/internal/math"
)

// Rejection classes. Every operation error wraps exactly one of these so
// callers can branch with errors.Is.
var (
	ErrValidation   = errors.New("validation error")
	ErrState        = errors.New("state error")
	ErrRecoveryMode = errors.New("recovery mode restriction")
	ErrSlippage     = errors.New("slippage exceeded")
	ErrArithmetic   = fpmath.ErrArithmetic
)
