package state

import (
	"fmt"

	fpmath "CDPLedger/internal/math"
)

// Params holds the protocol constants. Ratios and rates are 18-decimal
// fractions (1.1 = 110%).
type Params struct {
	MCR                fpmath.Fixed `yaml:"mcr" json:"mcr"`
	CCR                fpmath.Fixed `yaml:"ccr" json:"ccr"`
	MinNetDebt         fpmath.Fixed `yaml:"min_net_debt" json:"min_net_debt"`
	GasCompensation    fpmath.Fixed `yaml:"gas_compensation" json:"gas_compensation"`
	PercentDivisor     uint64       `yaml:"percent_divisor" json:"percent_divisor"`
	BorrowingFeeFloor  fpmath.Fixed `yaml:"borrowing_fee_floor" json:"borrowing_fee_floor"`
	MaxBorrowingFee    fpmath.Fixed `yaml:"max_borrowing_fee" json:"max_borrowing_fee"`
	RedemptionFeeFloor fpmath.Fixed `yaml:"redemption_fee_floor" json:"redemption_fee_floor"`
	MinuteDecayFactor  fpmath.Fixed `yaml:"minute_decay_factor" json:"minute_decay_factor"`
	Beta               uint64       `yaml:"beta" json:"beta"`
	MaxPositions       int          `yaml:"max_positions" json:"max_positions"` // 0 = unbounded
	EffectiveSeq       int64        `yaml:"-" json:"effective_seq"`             // Sequence at which params take effect
}

// DefaultParams returns the launch configuration: 110% MCR, 150% CCR,
// 1800 minimum net debt with a 200 gas reserve, 0.5% liquidation reward and a
// 12 hour base-rate half-life.
func DefaultParams() Params {
	return Params{
		MCR:                fpmath.MustParse("1.1"),
		CCR:                fpmath.MustParse("1.5"),
		MinNetDebt:         fpmath.Units(1800),
		GasCompensation:    fpmath.Units(200),
		PercentDivisor:     200,
		BorrowingFeeFloor:  fpmath.MustParse("0.005"),
		MaxBorrowingFee:    fpmath.MustParse("0.05"),
		RedemptionFeeFloor: fpmath.MustParse("0.005"),
		MinuteDecayFactor:  fpmath.MustParse("0.999037758833783"),
		Beta:               2,
	}
}

// MinDebt is the smallest composite debt an Active position may carry.
func (p *Params) MinDebt() fpmath.Fixed {
	d, err := fpmath.Add(p.MinNetDebt, p.GasCompensation)
	if err != nil {
		return fpmath.Max
	}
	return d
}

// ValidateParams checks that protocol parameters are within valid ranges:
// 1 < mcr < ccr, min_net_debt > 0, percent_divisor > 0, fee floors within
// [0, max] and max <= 1, 0 < decay factor < 1, beta > 0.
func ValidateParams(p *Params) error {
	if !p.MCR.Gt(fpmath.One) {
		return fmt.Errorf("mcr must be > 1, got %s", p.MCR)
	}
	if !p.CCR.Gt(p.MCR) {
		return fmt.Errorf("ccr (%s) must be > mcr (%s)", p.CCR, p.MCR)
	}
	if p.MinNetDebt.IsZero() {
		return fmt.Errorf("min_net_debt must be > 0")
	}
	if p.PercentDivisor == 0 {
		return fmt.Errorf("percent_divisor must be > 0")
	}
	if p.MaxBorrowingFee.Gt(fpmath.One) {
		return fmt.Errorf("max_borrowing_fee must be <= 1, got %s", p.MaxBorrowingFee)
	}
	if p.BorrowingFeeFloor.Gt(p.MaxBorrowingFee) {
		return fmt.Errorf("borrowing_fee_floor (%s) must be <= max_borrowing_fee (%s)",
			p.BorrowingFeeFloor, p.MaxBorrowingFee)
	}
	if p.RedemptionFeeFloor.Gt(fpmath.One) {
		return fmt.Errorf("redemption_fee_floor must be <= 1, got %s", p.RedemptionFeeFloor)
	}
	if p.MinuteDecayFactor.IsZero() || !p.MinuteDecayFactor.Lt(fpmath.One) {
		return fmt.Errorf("minute_decay_factor must be in (0, 1), got %s", p.MinuteDecayFactor)
	}
	if p.Beta == 0 {
		return fmt.Errorf("beta must be > 0")
	}
	if p.MaxPositions < 0 {
		return fmt.Errorf("max_positions must be >= 0, got %d", p.MaxPositions)
	}
	return nil
}

// ParamsManager holds the active parameter set.
type ParamsManager struct {
	params Params
}

func NewParamsManager(p Params) (*ParamsManager, error) {
	if err := ValidateParams(&p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return &ParamsManager{params: p}, nil
}

// Get returns a copy of the active parameters.
func (pm *ParamsManager) Get() Params {
	return pm.params
}

func (pm *ParamsManager) Update(p Params) error {
	if err := ValidateParams(&p); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	pm.params = p
	return nil
}
