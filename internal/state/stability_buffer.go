package state

import (
	"fmt"
	"sort"

	fpmath "CDPLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// ScaleFactor is applied to P whenever it would fall below 1e9 raw, and to S
// when a gain straddles a scale change.
var ScaleFactor = fpmath.Raw(1_000_000_000)

// DepositSnapshot is the global state observed when a deposit was last touched.
type DepositSnapshot struct {
	P     fpmath.Fixed
	S     fpmath.Fixed
	Epoch uint64
	Scale uint64
}

// Deposit is one depositor's stake in the buffer.
type Deposit struct {
	InitialValue fpmath.Fixed
	Snapshot     DepositSnapshot
}

// BufferState is the global part of the buffer, exposed for snapshots.
type BufferState struct {
	P                 fpmath.Fixed
	CurrentEpoch      uint64
	CurrentScale      uint64
	TotalDeposits     fpmath.Fixed
	CollBalance       fpmath.Fixed
	LastCollError     fpmath.Fixed
	LastDebtLossError fpmath.Fixed
	Sums              []SumEntry
}

// SumEntry is S for one (epoch, scale).
type SumEntry struct {
	Epoch uint64
	Scale uint64
	S     fpmath.Fixed
}

// StabilityBuffer pools debt-token deposits that absorb liquidated debt in
// exchange for the liquidated collateral.
//
// Each depositor's share is tracked with two accumulators instead of a loop
// over depositors:
//
//	P  running product of (1 - loss per unit) over all offsets; a deposit is
//	   worth initial * P / P_snapshot
//	S  running sum of (gain per unit * P); a deposit has earned
//	   initial * (S - S_snapshot) / P_snapshot
//
// P is rescaled by 1e9 each time it would drop below 1e9 (a new scale) and
// reset to 1 when an offset empties the buffer (a new epoch). Deposits older
// than the current epoch are worth zero. S is kept per (epoch, scale).
type StabilityBuffer struct {
	p             fpmath.Fixed
	currentEpoch  uint64
	currentScale  uint64
	totalDeposits fpmath.Fixed
	collBalance   fpmath.Fixed

	lastCollError     fpmath.Fixed
	lastDebtLossError fpmath.Fixed

	sums     map[uint64]map[uint64]fpmath.Fixed // epoch -> scale -> S
	deposits map[common.Address]*Deposit
}

func NewStabilityBuffer() *StabilityBuffer {
	return &StabilityBuffer{
		p:        fpmath.One,
		sums:     make(map[uint64]map[uint64]fpmath.Fixed),
		deposits: make(map[common.Address]*Deposit),
	}
}

func (sb *StabilityBuffer) P() fpmath.Fixed             { return sb.p }
func (sb *StabilityBuffer) CurrentEpoch() uint64        { return sb.currentEpoch }
func (sb *StabilityBuffer) CurrentScale() uint64        { return sb.currentScale }
func (sb *StabilityBuffer) TotalDeposits() fpmath.Fixed { return sb.totalDeposits }
func (sb *StabilityBuffer) CollBalance() fpmath.Fixed   { return sb.collBalance }

// Sum returns S for (epoch, scale); unset entries are zero.
func (sb *StabilityBuffer) Sum(epoch, scale uint64) fpmath.Fixed {
	return sb.sums[epoch][scale]
}

func (sb *StabilityBuffer) setSum(epoch, scale uint64, s fpmath.Fixed) {
	m := sb.sums[epoch]
	if m == nil {
		m = make(map[uint64]fpmath.Fixed)
		sb.sums[epoch] = m
	}
	m[scale] = s
}

// GetDeposit returns the depositor's record or nil.
func (sb *StabilityBuffer) GetDeposit(owner common.Address) *Deposit {
	return sb.deposits[owner]
}

// Depositors returns owners with a deposit record, ordered by address.
func (sb *StabilityBuffer) Depositors() []common.Address {
	out := make([]common.Address, 0, len(sb.deposits))
	for owner := range sb.deposits {
		out = append(out, owner)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// ============================================================================
// Offset
// ============================================================================

// Offset cancels debt against deposits and credits coll to depositors.
// debt must not exceed total deposits.
func (sb *StabilityBuffer) Offset(debt, coll fpmath.Fixed) error {
	if sb.totalDeposits.IsZero() || debt.IsZero() {
		return nil
	}
	if debt.Gt(sb.totalDeposits) {
		return fmt.Errorf("%w: offset %s exceeds deposits %s", ErrState, debt, sb.totalDeposits)
	}

	var c fpmath.Calc
	d := sb.totalDeposits

	// Gain per unit staked, remainder carried forward.
	collNumerator := c.Add(c.MulRaw(coll, fpmath.One), sb.lastCollError)
	collGainPerUnit := c.DivRaw(collNumerator, d)
	lastCollError := c.Sub(collNumerator, c.MulRaw(collGainPerUnit, d))

	// Loss per unit staked. Rounded up so depositors are never credited
	// more than the buffer still holds; the overshoot is carried forward.
	var debtLossPerUnit, lastDebtLossError fpmath.Fixed
	if debt.Eq(d) {
		debtLossPerUnit = fpmath.One
	} else {
		lossNumerator := c.Sub(c.MulRaw(debt, fpmath.One), sb.lastDebtLossError)
		debtLossPerUnit = c.Add(c.DivRaw(lossNumerator, d), fpmath.Raw(1))
		lastDebtLossError = c.Sub(c.MulRaw(debtLossPerUnit, d), lossNumerator)
	}
	if c.Err() != nil {
		return fmt.Errorf("offset rewards per unit: %w", c.Err())
	}
	if debtLossPerUnit.Gt(fpmath.One) {
		return fmt.Errorf("%w: loss per unit %s exceeds one", ErrArithmetic, debtLossPerUnit.RawString())
	}

	// S accumulates in the current (epoch, scale) before P moves.
	newS := c.Add(sb.Sum(sb.currentEpoch, sb.currentScale), c.MulRaw(collGainPerUnit, sb.p))

	factor := fpmath.SubOrZero(fpmath.One, debtLossPerUnit)
	epoch, scale := sb.currentEpoch, sb.currentScale
	var newP fpmath.Fixed
	switch {
	case factor.IsZero():
		epoch++
		scale = 0
		newP = fpmath.One
	case c.Mul(sb.p, factor).Lt(ScaleFactor):
		newP = c.DivRaw(c.MulRaw(c.MulRaw(sb.p, factor), ScaleFactor), fpmath.One)
		scale++
	default:
		newP = c.Mul(sb.p, factor)
	}
	newTotal := c.Sub(sb.totalDeposits, debt)
	newCollBalance := c.Add(sb.collBalance, coll)
	if c.Err() != nil {
		return fmt.Errorf("offset: %w", c.Err())
	}
	if newP.IsZero() {
		return fmt.Errorf("%w: product P reached zero", ErrArithmetic)
	}

	sb.setSum(sb.currentEpoch, sb.currentScale, newS)
	sb.p = newP
	sb.currentEpoch, sb.currentScale = epoch, scale
	sb.totalDeposits = newTotal
	sb.collBalance = newCollBalance
	sb.lastCollError = lastCollError
	sb.lastDebtLossError = lastDebtLossError
	return nil
}

// ============================================================================
// Depositor reads
// ============================================================================

// CompoundedDeposit returns the current value of owner's deposit.
func (sb *StabilityBuffer) CompoundedDeposit(owner common.Address) (fpmath.Fixed, error) {
	dep := sb.deposits[owner]
	if dep == nil || dep.InitialValue.IsZero() {
		return fpmath.Zero, nil
	}
	snap := dep.Snapshot
	if snap.Epoch < sb.currentEpoch {
		return fpmath.Zero, nil
	}

	var compounded fpmath.Fixed
	var err error
	switch sb.currentScale - snap.Scale {
	case 0:
		compounded, err = fpmath.MulDiv(dep.InitialValue, sb.p, snap.P)
	case 1:
		var c fpmath.Calc
		compounded = c.DivRaw(c.MulDiv(dep.InitialValue, sb.p, snap.P), ScaleFactor)
		err = c.Err()
	default:
		return fpmath.Zero, nil
	}
	if err != nil {
		return fpmath.Zero, fmt.Errorf("compounded deposit of %s: %w", owner.Hex(), err)
	}

	// Below a billionth of the original the value is rounding noise.
	floor, _ := fpmath.DivRaw(dep.InitialValue, ScaleFactor)
	if compounded.Lt(floor) {
		return fpmath.Zero, nil
	}
	return compounded, nil
}

// CollateralGain returns the collateral owner has earned since the deposit
// snapshot. A gain can straddle at most one scale change; anything earned
// two or more scales later is below precision.
func (sb *StabilityBuffer) CollateralGain(owner common.Address) (fpmath.Fixed, error) {
	dep := sb.deposits[owner]
	if dep == nil || dep.InitialValue.IsZero() {
		return fpmath.Zero, nil
	}
	snap := dep.Snapshot

	var c fpmath.Calc
	first := c.Sub(sb.Sum(snap.Epoch, snap.Scale), snap.S)
	second := c.DivRaw(sb.Sum(snap.Epoch, snap.Scale+1), ScaleFactor)
	gain := c.DivRaw(c.MulDiv(dep.InitialValue, c.Add(first, second), snap.P), fpmath.One)
	if c.Err() != nil {
		return fpmath.Zero, fmt.Errorf("collateral gain of %s: %w", owner.Hex(), c.Err())
	}
	return gain, nil
}

// ============================================================================
// Depositor writes
// ============================================================================

// SetDeposit records owner's new deposit value and snapshots the current
// P, S, epoch and scale. A zero value deletes the record. The caller must
// already have paid out the pending gain.
func (sb *StabilityBuffer) SetDeposit(owner common.Address, value fpmath.Fixed) {
	if value.IsZero() {
		delete(sb.deposits, owner)
		return
	}
	sb.ResnapshotDeposit(owner, value)
}

// ResnapshotDeposit is SetDeposit without the delete: a deposit compounded
// down to zero keeps its record until the owner withdraws.
func (sb *StabilityBuffer) ResnapshotDeposit(owner common.Address, value fpmath.Fixed) {
	sb.deposits[owner] = &Deposit{
		InitialValue: value,
		Snapshot: DepositSnapshot{
			P:     sb.p,
			S:     sb.Sum(sb.currentEpoch, sb.currentScale),
			Epoch: sb.currentEpoch,
			Scale: sb.currentScale,
		},
	}
}

// AddTotalDeposits adjusts the pool total by +amount.
func (sb *StabilityBuffer) AddTotalDeposits(amount fpmath.Fixed) error {
	v, err := fpmath.Add(sb.totalDeposits, amount)
	if err != nil {
		return fmt.Errorf("total deposits: %w", err)
	}
	sb.totalDeposits = v
	return nil
}

// SubTotalDeposits adjusts the pool total by -amount.
func (sb *StabilityBuffer) SubTotalDeposits(amount fpmath.Fixed) error {
	v, err := fpmath.Sub(sb.totalDeposits, amount)
	if err != nil {
		return fmt.Errorf("total deposits: %w", err)
	}
	sb.totalDeposits = v
	return nil
}

// SendCollateral reduces the collateral held for depositors. Rounding in the
// gain formula always favours the buffer, so a shortfall is an error.
func (sb *StabilityBuffer) SendCollateral(amount fpmath.Fixed) error {
	v, err := fpmath.Sub(sb.collBalance, amount)
	if err != nil {
		return fmt.Errorf("buffer collateral: %w", err)
	}
	sb.collBalance = v
	return nil
}

// ============================================================================
// Snapshot support
// ============================================================================

// State returns the globals in a deterministic order.
func (sb *StabilityBuffer) State() BufferState {
	st := BufferState{
		P:                 sb.p,
		CurrentEpoch:      sb.currentEpoch,
		CurrentScale:      sb.currentScale,
		TotalDeposits:     sb.totalDeposits,
		CollBalance:       sb.collBalance,
		LastCollError:     sb.lastCollError,
		LastDebtLossError: sb.lastDebtLossError,
	}
	for epoch, scales := range sb.sums {
		for scale, s := range scales {
			st.Sums = append(st.Sums, SumEntry{Epoch: epoch, Scale: scale, S: s})
		}
	}
	sort.Slice(st.Sums, func(i, j int) bool {
		if st.Sums[i].Epoch != st.Sums[j].Epoch {
			return st.Sums[i].Epoch < st.Sums[j].Epoch
		}
		return st.Sums[i].Scale < st.Sums[j].Scale
	})
	return st
}

// Restore replaces the globals.
func (sb *StabilityBuffer) Restore(st BufferState) {
	sb.p = st.P
	if sb.p.IsZero() {
		sb.p = fpmath.One
	}
	sb.currentEpoch = st.CurrentEpoch
	sb.currentScale = st.CurrentScale
	sb.totalDeposits = st.TotalDeposits
	sb.collBalance = st.CollBalance
	sb.lastCollError = st.LastCollError
	sb.lastDebtLossError = st.LastDebtLossError
	sb.sums = make(map[uint64]map[uint64]fpmath.Fixed)
	for _, e := range st.Sums {
		sb.setSum(e.Epoch, e.Scale, e.S)
	}
}

// RestoreDeposit reloads one deposit record.
func (sb *StabilityBuffer) RestoreDeposit(owner common.Address, dep Deposit) {
	d := dep
	sb.deposits[owner] = &d
}
