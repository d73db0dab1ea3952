package state

import (
	"fmt"
	"sort"

	fpmath "CDPLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// RewardState is the global redistribution accounting.
type RewardState struct {
	TotalStakes             fpmath.Fixed
	TotalStakesSnapshot     fpmath.Fixed
	TotalCollateralSnapshot fpmath.Fixed

	// Cumulative redistributed collateral / debt per unit staked (1e18 scaled).
	// Never decrease.
	LColl fpmath.Fixed
	LDebt fpmath.Fixed

	// Remainders of the last per-unit divisions, fed into the next one.
	LastCollError fpmath.Fixed
	LastDebtError fpmath.Fixed
}

// PositionManager owns the position table and the stake/redistribution
// accounting that goes with it.
type PositionManager struct {
	positions map[common.Address]*Position
	nextIndex int64
	rewards   RewardState
}

func NewPositionManager() *PositionManager {
	return &PositionManager{
		positions: make(map[common.Address]*Position),
	}
}

// GetPosition returns existing position or nil
func (pm *PositionManager) GetPosition(owner common.Address) *Position {
	return pm.positions[owner]
}

// GetOrCreatePosition returns the owner's record, creating a NonExistent one
// if the owner has never held a position.
func (pm *PositionManager) GetOrCreatePosition(owner common.Address) *Position {
	pos := pm.positions[owner]
	if pos == nil {
		pos = &Position{
			Owner:      owner,
			Status:     StatusNonExistent,
			ArrayIndex: pm.nextIndex,
		}
		pm.nextIndex++
		pm.positions[owner] = pos
	}
	return pos
}

// SetPosition restores a position from a snapshot.
func (pm *PositionManager) SetPosition(pos *Position) {
	pm.positions[pos.Owner] = pos
	if pos.ArrayIndex >= pm.nextIndex {
		pm.nextIndex = pos.ArrayIndex + 1
	}
}

// GetAllPositions returns every record in insertion order.
func (pm *PositionManager) GetAllPositions() []*Position {
	result := make([]*Position, 0, len(pm.positions))
	for _, pos := range pm.positions {
		result = append(result, pos)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ArrayIndex < result[j].ArrayIndex
	})
	return result
}

// ActiveCount returns the number of Active positions.
func (pm *PositionManager) ActiveCount() int {
	n := 0
	for _, pos := range pm.positions {
		if pos.IsActive() {
			n++
		}
	}
	return n
}

// Rewards returns a copy of the redistribution state.
func (pm *PositionManager) Rewards() RewardState {
	return pm.rewards
}

// RestoreRewards restores the redistribution state from a snapshot.
func (pm *PositionManager) RestoreRewards(r RewardState) {
	pm.rewards = r
}

// ============================================================================
// Pending rewards
// ============================================================================

// PendingRewards returns the collateral and debt redistributed to pos since
// its snapshots were last taken.
func (pm *PositionManager) PendingRewards(pos *Position) (coll, debt fpmath.Fixed, err error) {
	if !pos.IsActive() {
		return fpmath.Zero, fpmath.Zero, nil
	}

	var c fpmath.Calc
	if pm.rewards.LColl.Gt(pos.SnapshotColl) {
		coll = c.Mul(pos.Stake, c.Sub(pm.rewards.LColl, pos.SnapshotColl))
	}
	if pm.rewards.LDebt.Gt(pos.SnapshotDebt) {
		debt = c.Mul(pos.Stake, c.Sub(pm.rewards.LDebt, pos.SnapshotDebt))
	}
	if c.Err() != nil {
		return fpmath.Zero, fpmath.Zero, fmt.Errorf("pending rewards for %s: %w", pos.Owner.Hex(), c.Err())
	}
	return coll, debt, nil
}

// EntireDebtAndColl returns recorded values plus pending rewards.
func (pm *PositionManager) EntireDebtAndColl(pos *Position) (debt, coll fpmath.Fixed, err error) {
	pendingColl, pendingDebt, err := pm.PendingRewards(pos)
	if err != nil {
		return fpmath.Zero, fpmath.Zero, err
	}
	var c fpmath.Calc
	debt = c.Add(pos.Debt, pendingDebt)
	coll = c.Add(pos.Coll, pendingColl)
	return debt, coll, c.Err()
}

// ApplyPendingRewards folds pending rewards into the recorded values and
// refreshes the snapshots. The caller moves the same amounts from the
// DefaultPool to the ActivePool.
func (pm *PositionManager) ApplyPendingRewards(pos *Position) (coll, debt fpmath.Fixed, err error) {
	coll, debt, err = pm.PendingRewards(pos)
	if err != nil {
		return fpmath.Zero, fpmath.Zero, err
	}

	if !coll.IsZero() || !debt.IsZero() {
		var c fpmath.Calc
		newColl := c.Add(pos.Coll, coll)
		newDebt := c.Add(pos.Debt, debt)
		if c.Err() != nil {
			return fpmath.Zero, fpmath.Zero, c.Err()
		}
		pos.Coll = newColl
		pos.Debt = newDebt
		pos.Version++
	}

	pm.UpdateRewardSnapshots(pos)
	return coll, debt, nil
}

// UpdateRewardSnapshots marks pos as having received all rewards to date.
func (pm *PositionManager) UpdateRewardSnapshots(pos *Position) {
	pos.SnapshotColl = pm.rewards.LColl
	pos.SnapshotDebt = pm.rewards.LDebt
}

// ============================================================================
// Stakes
// ============================================================================

// ComputeStake converts collateral into stake using the snapshot ratio taken
// at the last liquidation, so that new stakes do not share in rewards
// distributed before they existed.
func (pm *PositionManager) ComputeStake(coll fpmath.Fixed) (fpmath.Fixed, error) {
	if pm.rewards.TotalCollateralSnapshot.IsZero() {
		return coll, nil
	}
	return fpmath.MulDiv(coll, pm.rewards.TotalStakesSnapshot, pm.rewards.TotalCollateralSnapshot)
}

// UpdateStakeAndTotalStakes recomputes pos.Stake from its recorded collateral.
func (pm *PositionManager) UpdateStakeAndTotalStakes(pos *Position) (fpmath.Fixed, error) {
	newStake, err := pm.ComputeStake(pos.Coll)
	if err != nil {
		return fpmath.Zero, err
	}

	var c fpmath.Calc
	total := c.Add(c.Sub(pm.rewards.TotalStakes, pos.Stake), newStake)
	if c.Err() != nil {
		return fpmath.Zero, fmt.Errorf("total stakes: %w", c.Err())
	}

	pos.Stake = newStake
	pm.rewards.TotalStakes = total
	return newStake, nil
}

// RemoveStake takes pos out of future redistributions.
func (pm *PositionManager) RemoveStake(pos *Position) error {
	total, err := fpmath.Sub(pm.rewards.TotalStakes, pos.Stake)
	if err != nil {
		return fmt.Errorf("remove stake of %s: %w", pos.Owner.Hex(), err)
	}
	pm.rewards.TotalStakes = total
	pos.Stake = fpmath.Zero
	return nil
}

// ============================================================================
// Redistribution
// ============================================================================

// Redistribute spreads debt and coll over all remaining stakes by raising
// LColl and LDebt. Division remainders carry into the next call so nothing
// is lost to truncation over time.
func (pm *PositionManager) Redistribute(debt, coll fpmath.Fixed) error {
	if debt.IsZero() {
		return nil
	}
	if pm.rewards.TotalStakes.IsZero() {
		return fmt.Errorf("%w: no stakes left to absorb redistributed debt", ErrState)
	}

	r := pm.rewards
	var c fpmath.Calc

	collNumerator := c.Add(c.MulRaw(coll, fpmath.One), r.LastCollError)
	debtNumerator := c.Add(c.MulRaw(debt, fpmath.One), r.LastDebtError)

	collPerUnit := c.DivRaw(collNumerator, r.TotalStakes)
	debtPerUnit := c.DivRaw(debtNumerator, r.TotalStakes)

	r.LastCollError = c.Sub(collNumerator, c.MulRaw(collPerUnit, r.TotalStakes))
	r.LastDebtError = c.Sub(debtNumerator, c.MulRaw(debtPerUnit, r.TotalStakes))

	r.LColl = c.Add(r.LColl, collPerUnit)
	r.LDebt = c.Add(r.LDebt, debtPerUnit)

	if c.Err() != nil {
		return fmt.Errorf("redistribute: %w", c.Err())
	}
	pm.rewards = r
	return nil
}

// UpdateSystemSnapshots records the stake/collateral ratio after a
// liquidation. collRemainder is collateral still in the ActivePool that is
// about to leave as gas compensation.
func (pm *PositionManager) UpdateSystemSnapshots(activeColl, defaultColl, collRemainder fpmath.Fixed) error {
	var c fpmath.Calc
	total := c.Add(c.Sub(activeColl, collRemainder), defaultColl)
	if c.Err() != nil {
		return fmt.Errorf("system snapshots: %w", c.Err())
	}
	pm.rewards.TotalStakesSnapshot = pm.rewards.TotalStakes
	pm.rewards.TotalCollateralSnapshot = total
	return nil
}

// ClosePosition zeroes pos and moves it to a closed status. The stake must
// already have been removed.
func (pm *PositionManager) ClosePosition(pos *Position, status Status) error {
	if !pos.Status.CanTransitionTo(status) || !status.IsClosed() {
		return fmt.Errorf("%w: cannot move %s from %s to %s", ErrState, pos.Owner.Hex(), pos.Status, status)
	}
	pos.Status = status
	pos.Coll = fpmath.Zero
	pos.Debt = fpmath.Zero
	pos.Stake = fpmath.Zero
	pos.SnapshotColl = fpmath.Zero
	pos.SnapshotDebt = fpmath.Zero
	pos.Version++
	return nil
}

// NICR returns the nominal ratio of the owner's entire collateral and debt.
// It satisfies NICRProvider for the sorted index.
func (pm *PositionManager) NICR(owner common.Address) fpmath.Fixed {
	pos := pm.positions[owner]
	if pos == nil {
		return fpmath.Zero
	}
	debt, coll, err := pm.EntireDebtAndColl(pos)
	if err != nil {
		return fpmath.Zero
	}
	return fpmath.ComputeNICR(coll, debt)
}

// ICR returns the price-weighted ratio of the owner's entire collateral and debt.
func (pm *PositionManager) ICR(owner common.Address, price fpmath.Fixed) (fpmath.Fixed, error) {
	pos := pm.positions[owner]
	if pos == nil {
		return fpmath.Zero, fmt.Errorf("%w: no position for %s", ErrState, owner.Hex())
	}
	debt, coll, err := pm.EntireDebtAndColl(pos)
	if err != nil {
		return fpmath.Zero, err
	}
	return fpmath.ComputeCR(coll, debt, price), nil
}
