package core

import (
	"fmt"

	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// liquidationPlan is the precomputed outcome of a liquidation call. Nothing
// in it has been applied yet.
type liquidationPlan struct {
	price    fpmath.Fixed
	recovery bool
	values   []state.LiquidationValues
	pending  []pendingReward
	stakes   fpmath.Fixed // Stakes removed by the plan
	totals   state.LiquidationTotals
}

type pendingReward struct {
	coll fpmath.Fixed
	debt fpmath.Fixed
}

// liquidationRun tracks system totals as a walk liquidates positions, so
// recovery mode can be re-evaluated after each one.
type liquidationRun struct {
	l            *Ledger
	plan         *liquidationPlan
	p            state.Params
	systemColl   fpmath.Fixed
	systemDebt   fpmath.Fixed
	bufferLeft   fpmath.Fixed
	remaining    int // Listed positions not yet planned for liquidation
	backToNormal bool
}

func (l *Ledger) newLiquidationRun() (*liquidationRun, error) {
	price, err := l.price()
	if err != nil {
		return nil, err
	}
	recovery, err := l.margin.CheckRecoveryMode(price)
	if err != nil {
		return nil, err
	}
	systemColl, err := l.vaults.SystemColl()
	if err != nil {
		return nil, err
	}
	systemDebt, err := l.vaults.SystemDebt()
	if err != nil {
		return nil, err
	}
	return &liquidationRun{
		l:            l,
		plan:         &liquidationPlan{price: price, recovery: recovery},
		p:            l.params.Get(),
		systemColl:   systemColl,
		systemDebt:   systemDebt,
		bufferLeft:   l.buffer.TotalDeposits(),
		remaining:    l.index.Size(),
		backToNormal: !recovery,
	}, nil
}

// outcome of considering one position.
type stepOutcome int

const (
	stepLiquidated stepOutcome = iota
	stepSkipped                // not eligible
	stepStop                   // not eligible and nothing further along the walk can be
)

// step decides whether owner is liquidated and, if so, adds it to the plan.
func (r *liquidationRun) step(owner common.Address) (stepOutcome, error) {
	pos := r.l.positions.GetPosition(owner)
	if !pos.IsActive() {
		return stepSkipped, nil
	}
	if r.remaining <= 1 {
		return stepStop, nil
	}

	pendingColl, pendingDebt, err := r.l.positions.PendingRewards(pos)
	if err != nil {
		return stepStop, err
	}
	debt, coll, err := r.l.positions.EntireDebtAndColl(pos)
	if err != nil {
		return stepStop, err
	}
	icr := fpmath.ComputeCR(coll, debt, r.plan.price)

	var v state.LiquidationValues
	if !r.backToNormal {
		if icr.Gte(r.p.MCR) && r.bufferLeft.IsZero() {
			return stepStop, nil
		}
		tcr := fpmath.ComputeCR(r.systemColl, r.systemDebt, r.plan.price)
		var ok bool
		v, ok, err = r.l.liquidations.RecoveryModeValues(owner, icr, debt, coll, r.bufferLeft, tcr, r.plan.price)
		if err != nil {
			return stepStop, err
		}
		if !ok {
			return stepStop, nil
		}

		var c fpmath.Calc
		r.systemDebt = c.Sub(r.systemDebt, v.DebtToOffset)
		r.systemColl = c.Sub(c.Sub(c.Sub(r.systemColl, v.CollToSendToBuffer), v.CollGasCompensation), v.CollSurplus)
		if c.Err() != nil {
			return stepStop, fmt.Errorf("recovery running totals: %w", c.Err())
		}
		r.backToNormal = !fpmath.ComputeCR(r.systemColl, r.systemDebt, r.plan.price).Lt(r.p.CCR)
	} else {
		if icr.Gte(r.p.MCR) {
			return stepSkipped, nil
		}
		v, err = r.l.liquidations.NormalModeValues(owner, debt, coll, r.bufferLeft)
		if err != nil {
			return stepStop, err
		}
	}

	var c fpmath.Calc
	r.bufferLeft = c.Sub(r.bufferLeft, v.DebtToOffset)
	r.plan.stakes = c.Add(r.plan.stakes, pos.Stake)
	if c.Err() != nil {
		return stepStop, fmt.Errorf("liquidation plan: %w", c.Err())
	}
	if err := r.plan.totals.Add(v); err != nil {
		return stepStop, err
	}
	r.plan.values = append(r.plan.values, v)
	r.plan.pending = append(r.plan.pending, pendingReward{coll: pendingColl, debt: pendingDebt})
	r.remaining--
	return stepLiquidated, nil
}

// Liquidate liquidates the target position if it is eligible at the current
// price. An eligible-but-healthy target yields an empty result and no error.
func (l *Ledger) Liquidate(cmd *event.Liquidate) (*LiquidationResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cmd.Sender == (common.Address{}) {
		return nil, fmt.Errorf("%w: liquidator is the zero address", ErrValidation)
	}
	if !l.positions.GetPosition(cmd.Target).IsActive() {
		return nil, fmt.Errorf("%w: %s has no active position", ErrState, cmd.Target.Hex())
	}
	if l.index.Size() <= 1 {
		return nil, fmt.Errorf("%w: cannot liquidate the last position", ErrState)
	}

	run, err := l.newLiquidationRun()
	if err != nil {
		return nil, err
	}
	if _, err := run.step(cmd.Target); err != nil {
		return nil, err
	}
	return l.executeLiquidation(&cmd.Header, run.plan)
}

// LiquidateBatch liquidates an explicit owner list, or walks from the tail
// liquidating up to MaxCount positions. The walk stops at the first position
// that is not liquidatable.
func (l *Ledger) LiquidateBatch(cmd *event.LiquidateBatch) (*LiquidationResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cmd.Sender == (common.Address{}) {
		return nil, fmt.Errorf("%w: liquidator is the zero address", ErrValidation)
	}
	if len(cmd.Owners) == 0 && cmd.MaxCount <= 0 {
		return nil, fmt.Errorf("%w: batch liquidation needs owners or a positive max count", ErrValidation)
	}

	run, err := l.newLiquidationRun()
	if err != nil {
		return nil, err
	}

	if len(cmd.Owners) > 0 {
		seen := make(map[common.Address]bool, len(cmd.Owners))
		for _, owner := range cmd.Owners {
			if seen[owner] {
				continue
			}
			seen[owner] = true
			if _, err := run.step(owner); err != nil {
				return nil, err
			}
		}
	} else {
		cur := l.index.Last()
		for i := 0; i < cmd.MaxCount && cur != (common.Address{}); i++ {
			prev := l.index.Prev(cur)
			outcome, err := run.step(cur)
			if err != nil {
				return nil, err
			}
			if outcome != stepLiquidated {
				break
			}
			cur = prev
		}
	}

	return l.executeLiquidation(&cmd.Header, run.plan)
}

// executeLiquidation applies a plan: offsets against the buffer,
// redistributes the remainder, parks surplus, and pays gas compensation.
func (l *Ledger) executeLiquidation(h *event.Header, plan *liquidationPlan) (*LiquidationResult, error) {
	result := &LiquidationResult{
		Liquidator:   h.Sender,
		RecoveryMode: plan.recovery,
		Price:        plan.price,
		Positions:    []LiquidatedPosition{},
		Totals:       plan.totals,
	}
	if len(plan.values) == 0 {
		result.Batch = l.newBatch(h)
		return result, nil
	}

	t := plan.totals
	if !t.DebtToRedistribute.IsZero() {
		rewards := l.positions.Rewards()
		left, err := fpmath.Sub(rewards.TotalStakes, plan.stakes)
		if err != nil || left.IsZero() {
			return nil, fmt.Errorf("%w: no stakes left to absorb redistributed debt", ErrState)
		}
	}
	if t.DebtToOffset.Gt(l.buffer.TotalDeposits()) {
		return nil, fmt.Errorf("%w: offset %s exceeds buffer deposits", ErrState, t.DebtToOffset)
	}

	var pendingColl, pendingDebt fpmath.Fixed
	var c fpmath.Calc
	for _, pr := range plan.pending {
		pendingColl = c.Add(pendingColl, pr.coll)
		pendingDebt = c.Add(pendingDebt, pr.debt)
	}
	if c.Err() != nil {
		return nil, fmt.Errorf("pending rewards: %w", c.Err())
	}
	if err := l.requireDefaultCovers(pendingColl, pendingDebt); err != nil {
		return nil, err
	}

	batch := l.newBatch(h)
	for _, pr := range plan.pending {
		batch.AddCollateralMove(ledger.DefaultPoolAddress, ledger.ActivePoolAddress, pr.coll)
	}
	batch.AddBurn(ledger.StabilityBufferAddress, t.DebtToOffset)
	batch.AddCollateralMove(ledger.ActivePoolAddress, ledger.StabilityBufferAddress, t.CollToSendToBuffer)
	batch.AddCollateralMove(ledger.ActivePoolAddress, ledger.DefaultPoolAddress, t.CollToRedistribute)
	batch.AddCollateralMove(ledger.ActivePoolAddress, ledger.SurplusPoolAddress, t.CollSurplus)
	batch.AddDebtTransfer(ledger.GasPoolAddress, h.Sender, t.DebtGasCompensation)
	batch.AddCollateralMove(ledger.ActivePoolAddress, h.Sender, t.CollGasCompensation)
	if err := l.checkBatch(batch); err != nil {
		return nil, err
	}

	// Commit
	for i, v := range plan.values {
		pos := l.positions.GetPosition(v.Owner)
		_, _, err := l.positions.ApplyPendingRewards(pos)
		mustCommit(err, "liquidation apply rewards")
		mustCommit(l.vaults.MoveDefaultToActive(plan.pending[i].coll, plan.pending[i].debt), "liquidation move rewards")
		mustCommit(l.positions.RemoveStake(pos), "liquidation stake")
		mustCommit(l.positions.ClosePosition(pos, state.StatusClosedByLiquidation), "liquidation status")
		mustCommit(l.index.Remove(v.Owner), "liquidation index")
		if !v.CollSurplus.IsZero() {
			mustCommit(l.vaults.AddSurplus(v.Owner, v.CollSurplus), "liquidation surplus")
		}

		result.Positions = append(result.Positions, LiquidatedPosition{
			Owner:              v.Owner,
			Mode:               v.Mode.String(),
			Debt:               v.EntireDebt,
			Coll:               v.EntireColl,
			DebtToOffset:       v.DebtToOffset,
			DebtToRedistribute: v.DebtToRedistribute,
			CollSurplus:        v.CollSurplus,
		})
	}

	if !t.DebtToOffset.IsZero() {
		mustCommit(l.buffer.Offset(t.DebtToOffset, t.CollToSendToBuffer), "buffer offset")
		mustCommit(l.vaults.SubActive(t.CollToSendToBuffer, t.DebtToOffset), "offset vault")
	}
	mustCommit(l.positions.Redistribute(t.DebtToRedistribute, t.CollToRedistribute), "redistribute")
	mustCommit(l.vaults.MoveActiveToDefault(t.CollToRedistribute, t.DebtToRedistribute), "redistribute vault")
	mustCommit(l.vaults.SubActive(t.CollSurplus, fpmath.Zero), "surplus vault")

	mustCommit(l.positions.UpdateSystemSnapshots(l.vaults.Active.Coll, l.vaults.Default.Coll, t.CollGasCompensation), "system snapshots")
	mustCommit(l.vaults.SubActive(t.CollGasCompensation, fpmath.Zero), "gas compensation vault")
	mustCommit(l.vaults.SubGasReserve(t.DebtGasCompensation), "gas reserve")
	l.settle(batch)

	result.Batch = batch

	l.logger.Info().
		Int("count", t.Count).
		Bool("recovery_mode", plan.recovery).
		Str("debt", t.DebtInSequence.String()).
		Str("offset", t.DebtToOffset.String()).
		Str("redistributed", t.DebtToRedistribute.String()).
		Msg("liquidation executed")

	return result, nil
}
