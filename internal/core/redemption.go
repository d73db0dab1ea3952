package core

import (
	"fmt"

	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

type redemptionStep struct {
	owner      common.Address
	pending    pendingReward
	entireDebt fpmath.Fixed
	entireColl fpmath.Fixed
	lot        fpmath.Fixed // Debt redeemed
	collLot    fpmath.Fixed // Collateral drawn
	newDebt    fpmath.Fixed
	newColl    fpmath.Fixed
	closed     bool
	newNICR    fpmath.Fixed
	underwater bool // ICR below 100%: face-value redemption would overdraw it
}

// validFirstHint reports whether hint is the riskiest position at or above
// MCR: listed, ICR >= MCR, and its tail-side neighbour (if any) below MCR.
func (l *Ledger) validFirstHint(hint common.Address, price fpmath.Fixed, mcr fpmath.Fixed) bool {
	if hint == (common.Address{}) || !l.index.Contains(hint) {
		return false
	}
	icr, err := l.positions.ICR(hint, price)
	if err != nil || icr.Lt(mcr) {
		return false
	}
	next := l.index.Next(hint)
	if next == (common.Address{}) {
		return true
	}
	nextICR, err := l.positions.ICR(next, price)
	return err == nil && nextICR.Lt(mcr)
}

// redeemFrom computes the lot drawn from one position. ok is false when
// nothing can be drawn without taking the position below the minimum net
// debt, or when the position is underwater.
func (l *Ledger) redeemFrom(owner common.Address, remaining, price fpmath.Fixed, p *state.Params) (step redemptionStep, ok bool, err error) {
	pos := l.positions.GetPosition(owner)
	pendingColl, pendingDebt, err := l.positions.PendingRewards(pos)
	if err != nil {
		return step, false, err
	}
	debt, coll, err := l.positions.EntireDebtAndColl(pos)
	if err != nil {
		return step, false, err
	}
	step = redemptionStep{
		owner:      owner,
		pending:    pendingReward{coll: pendingColl, debt: pendingDebt},
		entireDebt: debt,
		entireColl: coll,
	}
	if fpmath.ComputeCR(coll, debt, price).Lt(fpmath.One) {
		step.underwater = true
		return step, false, nil
	}

	var c fpmath.Calc
	netDebt := c.Sub(debt, p.GasCompensation)
	step.lot = fpmath.Min(remaining, netDebt)
	if step.lot.Lt(netDebt) {
		// Partial: keep at least the minimum net debt.
		maxPartial := fpmath.SubOrZero(netDebt, p.MinNetDebt)
		step.lot = fpmath.Min(step.lot, maxPartial)
	}
	if c.Err() != nil {
		return step, false, fmt.Errorf("redemption lot: %w", c.Err())
	}
	if step.lot.IsZero() {
		return step, false, nil
	}

	step.collLot = c.Div(step.lot, price)
	if !step.collLot.Lt(coll) {
		step.underwater = true
		return step, false, c.Err()
	}
	step.newDebt = c.Sub(debt, step.lot)
	step.newColl = c.Sub(coll, step.collLot)
	if c.Err() != nil {
		return step, false, fmt.Errorf("redemption lot: %w", c.Err())
	}
	step.closed = step.newDebt.Eq(p.GasCompensation)
	if !step.closed && step.newColl.IsZero() {
		// A partial lot must leave collateral behind to reinsert by NICR.
		step.underwater = true
		return step, false, nil
	}
	if !step.closed {
		step.newNICR = fpmath.ComputeNICR(step.newColl, step.newDebt)
	}
	return step, true, nil
}

// Redeem exchanges debt tokens for collateral, drawing from the lowest-NICR
// positions first. Fully redeemed positions close with their remaining
// collateral parked as surplus; the walk ends at the first partial lot.
func (l *Ledger) Redeem(cmd *event.Redeem) (*RedemptionResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	redeemer := cmd.Sender
	if err := requireSender(&cmd.Header); err != nil {
		return nil, err
	}
	if cmd.Amount.IsZero() {
		return nil, fmt.Errorf("%w: redemption amount must be positive", ErrValidation)
	}
	if cmd.MaxIterations < 0 {
		return nil, fmt.Errorf("%w: negative max iterations", ErrValidation)
	}

	p := l.params.Get()
	if cmd.MaxFee.Lt(p.RedemptionFeeFloor) || cmd.MaxFee.Gt(fpmath.One) {
		return nil, fmt.Errorf("%w: max fee %s outside [%s, 1]", ErrValidation, cmd.MaxFee, p.RedemptionFeeFloor)
	}
	if have := l.debtToken.BalanceOf(redeemer); have.Lt(cmd.Amount) {
		return nil, fmt.Errorf("%w: debt token balance %s below %s", ErrValidation, have, cmd.Amount)
	}

	price, err := l.price()
	if err != nil {
		return nil, err
	}
	tcr, err := l.margin.TCR(price)
	if err != nil {
		return nil, err
	}
	if tcr.Lt(p.MCR) {
		return nil, fmt.Errorf("%w: redemptions are blocked while TCR %s is below MCR", ErrState, tcr)
	}

	cur := l.index.Last()
	if l.validFirstHint(cmd.FirstHint, price, p.MCR) {
		cur = cmd.FirstHint
	}

	var (
		steps          []redemptionStep
		remaining      = cmd.Amount
		totalDebt      fpmath.Fixed
		totalColl      fpmath.Fixed
		c              fpmath.Calc
		listedAfterRun = l.index.Size()
	)
	for i := 0; cur != (common.Address{}) && !remaining.IsZero(); i++ {
		if cmd.MaxIterations > 0 && i >= cmd.MaxIterations {
			break
		}
		next := l.index.Prev(cur)

		step, ok, err := l.redeemFrom(cur, remaining, price, &p)
		if err != nil {
			return nil, err
		}
		if step.underwater {
			cur = next
			continue
		}
		if !ok {
			break
		}
		if step.closed && listedAfterRun <= 1 {
			break
		}

		steps = append(steps, step)
		remaining = c.Sub(remaining, step.lot)
		totalDebt = c.Add(totalDebt, step.lot)
		totalColl = c.Add(totalColl, step.collLot)
		if c.Err() != nil {
			return nil, fmt.Errorf("redemption totals: %w", c.Err())
		}
		if !step.closed {
			break
		}
		listedAfterRun--
		cur = next
	}
	if totalDebt.IsZero() {
		return nil, fmt.Errorf("%w: unable to redeem any amount", ErrState)
	}

	now := cmd.EventTime()
	newBaseRate, err := l.fees.RedemptionBaseRate(&p, totalColl, price, l.debtToken.TotalSupply(), now)
	if err != nil {
		return nil, err
	}
	fee, err := fpmath.Mul(totalColl, state.RedemptionRate(&p, newBaseRate))
	if err != nil {
		return nil, fmt.Errorf("redemption fee: %w", err)
	}
	if ok, err := state.FeeWithinBound(fee, totalColl, cmd.MaxFee); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("%w: fee %s exceeds max fee %s", ErrSlippage, fee, cmd.MaxFee)
	}
	if !fee.Lt(totalColl) {
		return nil, fmt.Errorf("%w: fee would consume all redeemed collateral", ErrState)
	}
	collToRedeemer, err := fpmath.Sub(totalColl, fee)
	if err != nil {
		return nil, err
	}

	var pendingColl, pendingDebt fpmath.Fixed
	for _, s := range steps {
		pendingColl = c.Add(pendingColl, s.pending.coll)
		pendingDebt = c.Add(pendingDebt, s.pending.debt)
	}
	if c.Err() != nil {
		return nil, fmt.Errorf("pending rewards: %w", c.Err())
	}
	if err := l.requireDefaultCovers(pendingColl, pendingDebt); err != nil {
		return nil, err
	}

	batch := l.newBatch(&cmd.Header)
	for _, s := range steps {
		batch.AddCollateralMove(ledger.DefaultPoolAddress, ledger.ActivePoolAddress, s.pending.coll)
	}
	batch.AddBurn(redeemer, totalDebt)
	for _, s := range steps {
		if s.closed {
			batch.AddBurn(ledger.GasPoolAddress, p.GasCompensation)
			batch.AddCollateralMove(ledger.ActivePoolAddress, ledger.SurplusPoolAddress, s.newColl)
		}
	}
	batch.AddCollateralMove(ledger.ActivePoolAddress, ledger.FeeRecipientAddress, fee)
	batch.AddCollateralMove(ledger.ActivePoolAddress, redeemer, collToRedeemer)
	if err := l.checkBatch(batch); err != nil {
		return nil, err
	}

	// Commit
	result := &RedemptionResult{
		Redeemer:  redeemer,
		Requested: cmd.Amount,
		Redeemed:  totalDebt,
		CollDrawn: totalColl,
		Fee:       fee,
		BaseRate:  newBaseRate,
	}
	for _, s := range steps {
		pos := l.positions.GetPosition(s.owner)
		_, _, err := l.positions.ApplyPendingRewards(pos)
		mustCommit(err, "redemption apply rewards")
		mustCommit(l.vaults.MoveDefaultToActive(s.pending.coll, s.pending.debt), "redemption move rewards")

		rp := RedeemedPosition{
			Owner:        s.owner,
			DebtRedeemed: s.lot,
			CollDrawn:    s.collLot,
			Closed:       s.closed,
			NewNICR:      s.newNICR,
		}
		if s.closed {
			mustCommit(l.positions.RemoveStake(pos), "redemption stake")
			mustCommit(l.positions.ClosePosition(pos, state.StatusClosedByRedemption), "redemption status")
			mustCommit(l.index.Remove(s.owner), "redemption index")
			mustCommit(l.vaults.SubActive(s.entireColl, s.entireDebt), "redemption vault")
			mustCommit(l.vaults.SubGasReserve(p.GasCompensation), "redemption gas reserve")
			if !s.newColl.IsZero() {
				mustCommit(l.vaults.AddSurplus(s.owner, s.newColl), "redemption surplus")
			}
			rp.CollSurplus = s.newColl
		} else {
			if !cmd.PartialNICR.IsZero() && !cmd.PartialNICR.Eq(s.newNICR) {
				l.logger.Debug().
					Str("expected", cmd.PartialNICR.String()).
					Str("actual", s.newNICR.String()).
					Msg("stale partial redemption hint")
			}
			pos.Coll = s.newColl
			pos.Debt = s.newDebt
			pos.Version++
			_, err = l.positions.UpdateStakeAndTotalStakes(pos)
			mustCommit(err, "redemption stake")
			mustCommit(l.index.ReInsert(l.positions, s.owner, s.newNICR, cmd.PartialHint, cmd.PartialHint), "redemption index")
			mustCommit(l.vaults.SubActive(s.collLot, s.lot), "redemption vault")
		}
		result.Positions = append(result.Positions, rp)
	}
	l.fees.Commit(newBaseRate, now)
	l.settle(batch)
	result.Batch = batch

	l.logger.Info().
		Str("redeemer", redeemer.Hex()).
		Str("redeemed", totalDebt.String()).
		Str("coll", totalColl.String()).
		Str("fee", fee.String()).
		Int("positions", len(steps)).
		Msg("redemption executed")

	return result, nil
}

// RedemptionHints simulates a redemption of amount at price, starting from
// the riskiest position with ICR >= MCR. It returns that position as the
// first hint, the NICR the partially redeemed position would end at (zero if
// none), and the amount that can actually be redeemed.
func (l *Ledger) RedemptionHints(amount, price fpmath.Fixed, maxIterations int) (firstHint common.Address, partialNICR, truncated fpmath.Fixed, err error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if price.IsZero() {
		return common.Address{}, fpmath.Zero, fpmath.Zero, fmt.Errorf("%w: price is zero", ErrValidation)
	}
	p := l.params.Get()

	cur := l.index.Last()
	for cur != (common.Address{}) {
		icr, err := l.positions.ICR(cur, price)
		if err != nil {
			return common.Address{}, fpmath.Zero, fpmath.Zero, err
		}
		if icr.Gte(p.MCR) {
			break
		}
		cur = l.index.Prev(cur)
	}
	firstHint = cur

	remaining := amount
	for i := 0; cur != (common.Address{}) && !remaining.IsZero(); i++ {
		if maxIterations > 0 && i >= maxIterations {
			break
		}
		step, ok, err := l.redeemFrom(cur, remaining, price, &p)
		if err != nil {
			return common.Address{}, fpmath.Zero, fpmath.Zero, err
		}
		if step.underwater {
			cur = l.index.Prev(cur)
			continue
		}
		if !ok {
			break
		}
		remaining = fpmath.SubOrZero(remaining, step.lot)
		if !step.closed {
			partialNICR = step.newNICR
			break
		}
		cur = l.index.Prev(cur)
	}

	truncated, err = fpmath.Sub(amount, remaining)
	return firstHint, partialNICR, truncated, err
}
