package state

import (
	"fmt"

	fpmath "CDPLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// MarginCalculator computes system-wide collateral ratios from the vaults
// and per-position health from the position table.
type MarginCalculator struct {
	positionMgr *PositionManager
	vaults      *Vaults
	paramsMgr   *ParamsManager
}

func NewMarginCalculator(pm *PositionManager, v *Vaults, params *ParamsManager) *MarginCalculator {
	return &MarginCalculator{
		positionMgr: pm,
		vaults:      v,
		paramsMgr:   params,
	}
}

// TCR returns the total collateral ratio over Active + Default at price.
func (mc *MarginCalculator) TCR(price fpmath.Fixed) (fpmath.Fixed, error) {
	coll, err := mc.vaults.SystemColl()
	if err != nil {
		return fpmath.Zero, err
	}
	debt, err := mc.vaults.SystemDebt()
	if err != nil {
		return fpmath.Zero, err
	}
	return fpmath.ComputeCR(coll, debt, price), nil
}

// CheckRecoveryMode reports whether TCR < CCR.
func (mc *MarginCalculator) CheckRecoveryMode(price fpmath.Fixed) (bool, error) {
	tcr, err := mc.TCR(price)
	if err != nil {
		return false, err
	}
	params := mc.paramsMgr.Get()
	return tcr.Lt(params.CCR), nil
}

// NewTCR returns the TCR after applying the given deltas to system totals.
func (mc *MarginCalculator) NewTCR(
	price fpmath.Fixed,
	collChange fpmath.Fixed, isCollIncrease bool,
	debtChange fpmath.Fixed, isDebtIncrease bool,
) (fpmath.Fixed, error) {
	coll, err := mc.vaults.SystemColl()
	if err != nil {
		return fpmath.Zero, err
	}
	debt, err := mc.vaults.SystemDebt()
	if err != nil {
		return fpmath.Zero, err
	}

	var c fpmath.Calc
	if isCollIncrease {
		coll = c.Add(coll, collChange)
	} else {
		coll = c.Sub(coll, collChange)
	}
	if isDebtIncrease {
		debt = c.Add(debt, debtChange)
	} else {
		debt = c.Sub(debt, debtChange)
	}
	if c.Err() != nil {
		return fpmath.Zero, fmt.Errorf("new tcr: %w", c.Err())
	}
	return fpmath.ComputeCR(coll, debt, price), nil
}

// CheckHealth classifies an Active position at price.
func (mc *MarginCalculator) CheckHealth(owner common.Address, price fpmath.Fixed) (MarginStatus, error) {
	icr, err := mc.positionMgr.ICR(owner, price)
	if err != nil {
		return MarginStatusHealthy, err
	}
	params := mc.paramsMgr.Get()
	switch {
	case icr.Lt(params.MCR):
		return MarginStatusLiquidatable, nil
	case icr.Lt(params.CCR):
		return MarginStatusAtRisk, nil
	default:
		return MarginStatusHealthy, nil
	}
}

// MarginStatus represents a position's collateral health
type MarginStatus int

const (
	MarginStatusHealthy      MarginStatus = iota // ICR >= CCR
	MarginStatusAtRisk                           // MCR <= ICR < CCR: liquidatable in recovery mode
	MarginStatusLiquidatable                     // ICR < MCR
)

func (ms MarginStatus) String() string {
	switch ms {
	case MarginStatusHealthy:
		return "Healthy"
	case MarginStatusAtRisk:
		return "AtRisk"
	case MarginStatusLiquidatable:
		return "Liquidatable"
	default:
		return "Unknown"
	}
}
