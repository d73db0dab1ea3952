package state

import (
	"fmt"
	"time"

	fpmath "CDPLedger/internal/math"
)

// FeeSchedule holds the base rate shared by borrowing and redemption fees.
// Redemptions push the rate up; it decays back towards zero by
// MinuteDecayFactor per elapsed minute.
//
// Reads are pure. Callers compute the new rate first and only Commit once
// the whole operation has been validated.
type FeeSchedule struct {
	baseRate      fpmath.Fixed
	lastFeeOpTime time.Time
}

func NewFeeSchedule() *FeeSchedule {
	return &FeeSchedule{}
}

func (fs *FeeSchedule) BaseRate() fpmath.Fixed   { return fs.baseRate }
func (fs *FeeSchedule) LastFeeOpTime() time.Time { return fs.lastFeeOpTime }

// DecayedBaseRate returns the base rate decayed to now.
func (fs *FeeSchedule) DecayedBaseRate(p *Params, now time.Time) (fpmath.Fixed, error) {
	if fs.baseRate.IsZero() {
		return fpmath.Zero, nil
	}
	minutes := fpmath.MinutesBetween(fs.lastFeeOpTime, now)
	r, err := fpmath.DecayRate(fs.baseRate, p.MinuteDecayFactor, minutes)
	if err != nil {
		return fpmath.Zero, fmt.Errorf("decay base rate: %w", err)
	}
	return r, nil
}

// RedemptionBaseRate returns the rate after a redemption drawing collDrawn at
// price against totalSupply outstanding debt tokens: the decayed rate plus
// half (1/Beta) of the redeemed fraction, capped at 100%.
func (fs *FeeSchedule) RedemptionBaseRate(p *Params, collDrawn, price, totalSupply fpmath.Fixed, now time.Time) (fpmath.Fixed, error) {
	decayed, err := fs.DecayedBaseRate(p, now)
	if err != nil {
		return fpmath.Zero, err
	}

	var c fpmath.Calc
	fraction := c.MulDiv(collDrawn, price, totalSupply)
	rate := c.Add(decayed, c.DivRaw(fraction, fpmath.Raw(p.Beta)))
	if c.Err() != nil {
		return fpmath.Zero, fmt.Errorf("redemption base rate: %w", c.Err())
	}
	rate = fpmath.Min(rate, fpmath.One)
	if rate.IsZero() {
		return fpmath.Zero, fmt.Errorf("%w: redemption left base rate at zero", ErrState)
	}
	return rate, nil
}

// Commit stores rate and advances the fee clock. The clock only moves once at
// least a minute has passed so that frequent operations cannot stall decay.
func (fs *FeeSchedule) Commit(rate fpmath.Fixed, now time.Time) {
	fs.baseRate = rate
	if fpmath.MinutesBetween(fs.lastFeeOpTime, now) >= 1 {
		fs.lastFeeOpTime = now
	}
}

// Restore reloads the schedule from a snapshot.
func (fs *FeeSchedule) Restore(rate fpmath.Fixed, lastFeeOpTime time.Time) {
	fs.baseRate = rate
	fs.lastFeeOpTime = lastFeeOpTime
}

// BorrowingRate is min(floor + baseRate, maxBorrowingFee).
func BorrowingRate(p *Params, baseRate fpmath.Fixed) fpmath.Fixed {
	r, err := fpmath.Add(p.BorrowingFeeFloor, baseRate)
	if err != nil {
		return p.MaxBorrowingFee
	}
	return fpmath.Min(r, p.MaxBorrowingFee)
}

// RedemptionRate is min(floor + baseRate, 100%).
func RedemptionRate(p *Params, baseRate fpmath.Fixed) fpmath.Fixed {
	r, err := fpmath.Add(p.RedemptionFeeFloor, baseRate)
	if err != nil {
		return fpmath.One
	}
	return fpmath.Min(r, fpmath.One)
}

// FeeWithinBound reports whether fee/amount <= maxFee. A zero amount always
// passes.
func FeeWithinBound(fee, amount, maxFee fpmath.Fixed) (bool, error) {
	if amount.IsZero() {
		return true, nil
	}
	pct, err := fpmath.Div(fee, amount)
	if err != nil {
		return false, err
	}
	return pct.Lte(maxFee), nil
}
