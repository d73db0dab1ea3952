// internal/state/position.go
package state

import (
	fpmath "CDPLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the lifecycle state of a position
type Status int32

const (
	StatusNonExistent Status = iota
	StatusActive
	StatusClosedByOwner
	StatusClosedByLiquidation
	StatusClosedByRedemption
)

func (s Status) String() string {
	switch s {
	case StatusNonExistent:
		return "NonExistent"
	case StatusActive:
		return "Active"
	case StatusClosedByOwner:
		return "ClosedByOwner"
	case StatusClosedByLiquidation:
		return "ClosedByLiquidation"
	case StatusClosedByRedemption:
		return "ClosedByRedemption"
	default:
		return "Unknown"
	}
}

// IsClosed returns true for the three terminal-until-reopened states.
func (s Status) IsClosed() bool {
	return s == StatusClosedByOwner || s == StatusClosedByLiquidation || s == StatusClosedByRedemption
}

// CanTransitionTo validates status transitions. A closed position may be
// opened again by its owner.
func (s Status) CanTransitionTo(next Status) bool {
	validTransitions := map[Status][]Status{
		StatusNonExistent: {
			StatusActive,
		},
		StatusActive: {
			StatusClosedByOwner,
			StatusClosedByLiquidation,
			StatusClosedByRedemption,
		},
		StatusClosedByOwner:       {StatusActive},
		StatusClosedByLiquidation: {StatusActive},
		StatusClosedByRedemption:  {StatusActive},
	}

	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}

	for _, allowedState := range allowed {
		if next == allowedState {
			return true
		}
	}

	return false
}

// Position is one owner's collateral/debt pair
type Position struct {
	Owner  common.Address
	Coll   fpmath.Fixed // Recorded collateral (excludes pending redistribution)
	Debt   fpmath.Fixed // Recorded composite debt, gas reserve included
	Stake  fpmath.Fixed // Share of future redistributions
	Status Status

	// L_coll / L_debt observed when rewards were last applied
	SnapshotColl fpmath.Fixed
	SnapshotDebt fpmath.Fixed

	ArrayIndex int64 // Insertion ordinal, for deterministic iteration
	Version    int64 // Bumped on every mutation
}

// IsActive returns true if the position participates in the system
func (p *Position) IsActive() bool {
	return p != nil && p.Status == StatusActive
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 20+5*32+1+16)

	// owner (20 bytes)
	buf = append(buf, p.Owner.Bytes()...)

	// amounts (32 bytes BE each)
	for _, v := range []fpmath.Fixed{p.Coll, p.Debt, p.Stake, p.SnapshotColl, p.SnapshotDebt} {
		b := v.Bytes32()
		buf = append(buf, b[:]...)
	}

	// status (1 byte)
	buf = append(buf, byte(p.Status))

	// array_index, version (8 bytes LE each)
	buf = appendInt64LE(buf, p.ArrayIndex)
	buf = appendInt64LE(buf, p.Version)

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
