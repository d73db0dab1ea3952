// internal/state/liquidation_manager.go
package state

import (
	"fmt"

	fpmath "CDPLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// LiquidationMode records which rule liquidated a position.
type LiquidationMode int

const (
	LiquidationModeNone         LiquidationMode = iota
	LiquidationModeNormal                       // ICR < MCR
	LiquidationModeRedistribute                 // recovery, ICR <= 100%
	LiquidationModeCapped                       // recovery, MCR <= ICR < TCR, fully offset
)

func (m LiquidationMode) String() string {
	switch m {
	case LiquidationModeNormal:
		return "normal"
	case LiquidationModeRedistribute:
		return "redistribute"
	case LiquidationModeCapped:
		return "capped"
	default:
		return "none"
	}
}

// LiquidationValues is how one position's entire debt and collateral split
// between the buffer, redistribution, gas compensation and owner surplus.
type LiquidationValues struct {
	Owner               common.Address
	Mode                LiquidationMode
	EntireDebt          fpmath.Fixed
	EntireColl          fpmath.Fixed
	CollGasCompensation fpmath.Fixed
	DebtGasCompensation fpmath.Fixed
	DebtToOffset        fpmath.Fixed
	CollToSendToBuffer  fpmath.Fixed
	DebtToRedistribute  fpmath.Fixed
	CollToRedistribute  fpmath.Fixed
	CollSurplus         fpmath.Fixed
}

// LiquidationTotals aggregates values over a batch.
type LiquidationTotals struct {
	Count               int          `json:"count"`
	CollInSequence      fpmath.Fixed `json:"coll_in_sequence"`
	DebtInSequence      fpmath.Fixed `json:"debt_in_sequence"`
	CollGasCompensation fpmath.Fixed `json:"coll_gas_compensation"`
	DebtGasCompensation fpmath.Fixed `json:"debt_gas_compensation"`
	DebtToOffset        fpmath.Fixed `json:"debt_to_offset"`
	CollToSendToBuffer  fpmath.Fixed `json:"coll_to_send_to_buffer"`
	DebtToRedistribute  fpmath.Fixed `json:"debt_to_redistribute"`
	CollToRedistribute  fpmath.Fixed `json:"coll_to_redistribute"`
	CollSurplus         fpmath.Fixed `json:"coll_surplus"`
}

// Add folds v into the totals.
func (t *LiquidationTotals) Add(v LiquidationValues) error {
	var c fpmath.Calc
	next := LiquidationTotals{
		Count:               t.Count + 1,
		CollInSequence:      c.Add(t.CollInSequence, v.EntireColl),
		DebtInSequence:      c.Add(t.DebtInSequence, v.EntireDebt),
		CollGasCompensation: c.Add(t.CollGasCompensation, v.CollGasCompensation),
		DebtGasCompensation: c.Add(t.DebtGasCompensation, v.DebtGasCompensation),
		DebtToOffset:        c.Add(t.DebtToOffset, v.DebtToOffset),
		CollToSendToBuffer:  c.Add(t.CollToSendToBuffer, v.CollToSendToBuffer),
		DebtToRedistribute:  c.Add(t.DebtToRedistribute, v.DebtToRedistribute),
		CollToRedistribute:  c.Add(t.CollToRedistribute, v.CollToRedistribute),
		CollSurplus:         c.Add(t.CollSurplus, v.CollSurplus),
	}
	if c.Err() != nil {
		return fmt.Errorf("liquidation totals: %w", c.Err())
	}
	*t = next
	return nil
}

// LiquidationManager decides how a position is liquidated. It never mutates
// state; the caller applies the returned values.
type LiquidationManager struct {
	paramsMgr *ParamsManager
}

func NewLiquidationManager(params *ParamsManager) *LiquidationManager {
	return &LiquidationManager{paramsMgr: params}
}

// NormalModeValues liquidates with a 0.5% collateral reward, offsetting as
// much debt as the buffer can take and redistributing the rest.
func (lm *LiquidationManager) NormalModeValues(owner common.Address, debt, coll, bufferDeposits fpmath.Fixed) (LiquidationValues, error) {
	p := lm.paramsMgr.Get()
	v := LiquidationValues{
		Owner:               owner,
		Mode:                LiquidationModeNormal,
		EntireDebt:          debt,
		EntireColl:          coll,
		DebtGasCompensation: p.GasCompensation,
	}

	var c fpmath.Calc
	v.CollGasCompensation = c.DivRaw(coll, fpmath.Raw(p.PercentDivisor))
	collToLiquidate := c.Sub(coll, v.CollGasCompensation)
	if c.Err() != nil {
		return LiquidationValues{}, fmt.Errorf("normal mode values: %w", c.Err())
	}

	if err := splitOffset(&v, debt, collToLiquidate, bufferDeposits); err != nil {
		return LiquidationValues{}, err
	}
	return v, nil
}

// RecoveryModeValues applies the recovery-mode rules. ok is false when the
// position is not liquidatable under them.
func (lm *LiquidationManager) RecoveryModeValues(
	owner common.Address,
	icr, debt, coll, bufferDeposits, tcr, price fpmath.Fixed,
) (v LiquidationValues, ok bool, err error) {
	p := lm.paramsMgr.Get()

	switch {
	case icr.Lte(fpmath.One):
		// Underwater: the buffer would take a loss, so everything is
		// redistributed.
		var c fpmath.Calc
		gas := c.DivRaw(coll, fpmath.Raw(p.PercentDivisor))
		v = LiquidationValues{
			Owner:               owner,
			Mode:                LiquidationModeRedistribute,
			EntireDebt:          debt,
			EntireColl:          coll,
			CollGasCompensation: gas,
			DebtGasCompensation: p.GasCompensation,
			DebtToRedistribute:  debt,
			CollToRedistribute:  c.Sub(coll, gas),
		}
		if c.Err() != nil {
			return LiquidationValues{}, false, fmt.Errorf("recovery redistribute values: %w", c.Err())
		}
		return v, true, nil

	case icr.Lt(p.MCR):
		v, err = lm.NormalModeValues(owner, debt, coll, bufferDeposits)
		return v, err == nil, err

	case icr.Lt(tcr) && debt.Lte(bufferDeposits):
		v, err = lm.cappedValues(owner, debt, coll, price, &p)
		return v, err == nil, err

	default:
		return LiquidationValues{}, false, nil
	}
}

// cappedValues liquidates at exactly MCR. The buffer takes the whole debt and
// collateral worth debt * MCR; the rest stays claimable by the owner.
func (lm *LiquidationManager) cappedValues(owner common.Address, debt, coll, price fpmath.Fixed, p *Params) (LiquidationValues, error) {
	var c fpmath.Calc
	capped := fpmath.Min(c.Div(c.Mul(debt, p.MCR), price), coll)
	gas := c.DivRaw(capped, fpmath.Raw(p.PercentDivisor))
	v := LiquidationValues{
		Owner:               owner,
		Mode:                LiquidationModeCapped,
		EntireDebt:          debt,
		EntireColl:          coll,
		CollGasCompensation: gas,
		DebtGasCompensation: p.GasCompensation,
		DebtToOffset:        debt,
		CollToSendToBuffer:  c.Sub(capped, gas),
		CollSurplus:         c.Sub(coll, capped),
	}
	if c.Err() != nil {
		return LiquidationValues{}, fmt.Errorf("capped values: %w", c.Err())
	}
	return v, nil
}

// splitOffset divides debt and coll between the buffer (up to its deposits)
// and redistribution.
func splitOffset(v *LiquidationValues, debt, coll, bufferDeposits fpmath.Fixed) error {
	if bufferDeposits.IsZero() || debt.IsZero() {
		v.DebtToRedistribute = debt
		v.CollToRedistribute = coll
		return nil
	}

	var c fpmath.Calc
	v.DebtToOffset = fpmath.Min(debt, bufferDeposits)
	v.CollToSendToBuffer = c.MulDiv(coll, v.DebtToOffset, debt)
	v.DebtToRedistribute = c.Sub(debt, v.DebtToOffset)
	v.CollToRedistribute = c.Sub(coll, v.CollToSendToBuffer)
	if c.Err() != nil {
		return fmt.Errorf("offset split: %w", c.Err())
	}
	return nil
}
