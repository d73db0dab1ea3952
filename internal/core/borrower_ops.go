package core

import (
	"fmt"

	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/state"
)

// OpenPosition opens a position for the sender. The composite debt is the
// requested debt plus the borrowing fee plus the gas reserve.
func (l *Ledger) OpenPosition(cmd *event.OpenPosition) (*PositionResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	owner := cmd.Sender
	if err := requireSender(&cmd.Header); err != nil {
		return nil, err
	}
	if cmd.Coll.IsZero() || cmd.Debt.IsZero() {
		return nil, fmt.Errorf("%w: collateral and debt must be positive", ErrValidation)
	}
	if pos := l.positions.GetPosition(owner); pos.IsActive() {
		return nil, fmt.Errorf("%w: %s already has an active position", ErrState, owner.Hex())
	}
	if l.index.IsFull() {
		return nil, fmt.Errorf("%w: position index is full", ErrState)
	}

	p := l.params.Get()
	price, err := l.price()
	if err != nil {
		return nil, err
	}
	recovery, err := l.margin.CheckRecoveryMode(price)
	if err != nil {
		return nil, err
	}
	if err := requireMaxFee(&p, cmd.MaxFee, recovery); err != nil {
		return nil, err
	}

	now := cmd.EventTime()
	baseRate, err := l.fees.DecayedBaseRate(&p, now)
	if err != nil {
		return nil, err
	}
	fee, err := fpmath.Mul(cmd.Debt, state.BorrowingRate(&p, baseRate))
	if err != nil {
		return nil, fmt.Errorf("borrowing fee: %w", err)
	}
	if ok, err := state.FeeWithinBound(fee, cmd.Debt, cmd.MaxFee); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("%w: fee %s exceeds max fee %s", ErrSlippage, fee, cmd.MaxFee)
	}

	var c fpmath.Calc
	netDebt := c.Add(cmd.Debt, fee)
	compositeDebt := c.Add(netDebt, p.GasCompensation)
	if c.Err() != nil {
		return nil, fmt.Errorf("composite debt: %w", c.Err())
	}
	if netDebt.Lt(p.MinNetDebt) {
		return nil, fmt.Errorf("%w: net debt %s below minimum %s", ErrValidation, netDebt, p.MinNetDebt)
	}

	icr := fpmath.ComputeCR(cmd.Coll, compositeDebt, price)
	nicr := fpmath.ComputeNICR(cmd.Coll, compositeDebt)
	if recovery {
		if icr.Lt(p.CCR) {
			return nil, fmt.Errorf("%w: ICR %s below CCR %s", ErrRecoveryMode, icr, p.CCR)
		}
	} else {
		if icr.Lt(p.MCR) {
			return nil, fmt.Errorf("%w: ICR %s below MCR %s", ErrValidation, icr, p.MCR)
		}
		newTCR, err := l.margin.NewTCR(price, cmd.Coll, true, compositeDebt, true)
		if err != nil {
			return nil, err
		}
		if newTCR.Lt(p.CCR) {
			return nil, fmt.Errorf("%w: operation would leave TCR at %s", ErrRecoveryMode, newTCR)
		}
	}

	if have := l.collateral.CollateralOf(owner); have.Lt(cmd.Coll) {
		return nil, fmt.Errorf("%w: collateral balance %s below %s", ErrValidation, have, cmd.Coll)
	}

	batch := l.newBatch(&cmd.Header)
	batch.AddCollateralMove(owner, ledger.ActivePoolAddress, cmd.Coll)
	batch.AddMint(owner, cmd.Debt)
	batch.AddMint(ledger.FeeRecipientAddress, fee)
	batch.AddMint(ledger.GasPoolAddress, p.GasCompensation)
	if err := l.checkBatch(batch); err != nil {
		return nil, err
	}

	// Commit
	pos := l.positions.GetOrCreatePosition(owner)
	if !pos.Status.CanTransitionTo(state.StatusActive) {
		mustCommit(fmt.Errorf("status %s cannot reopen", pos.Status), "open position")
	}
	pos.Status = state.StatusActive
	pos.Coll = cmd.Coll
	pos.Debt = compositeDebt
	pos.Version++
	l.positions.UpdateRewardSnapshots(pos)
	_, err = l.positions.UpdateStakeAndTotalStakes(pos)
	mustCommit(err, "open position stake")
	mustCommit(l.index.Insert(l.positions, owner, nicr, cmd.PrevHint, cmd.NextHint), "open position index")
	mustCommit(l.vaults.AddActive(cmd.Coll, compositeDebt), "open position vault")
	mustCommit(l.vaults.AddGasReserve(p.GasCompensation), "open position gas reserve")
	l.fees.Commit(baseRate, now)
	l.settle(batch)

	l.logger.Debug().
		Str("owner", owner.Hex()).
		Str("coll", cmd.Coll.String()).
		Str("debt", compositeDebt.String()).
		Str("fee", fee.String()).
		Msg("position opened")

	return &PositionResult{
		Owner:  owner,
		Status: pos.Status.String(),
		Coll:   pos.Coll,
		Debt:   pos.Debt,
		Stake:  pos.Stake,
		ICR:    icr,
		NICR:   nicr,
		Fee:    fee,
		Batch:  batch,
	}, nil
}

// AdjustPosition changes the sender's collateral and/or debt. Pending
// redistribution rewards are applied first.
func (l *Ledger) AdjustPosition(cmd *event.AdjustPosition) (*PositionResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	owner := cmd.Sender
	if err := requireSender(&cmd.Header); err != nil {
		return nil, err
	}
	if cmd.CollDelta.IsZero() && cmd.DebtDelta.IsZero() {
		return nil, fmt.Errorf("%w: adjustment changes nothing", ErrValidation)
	}
	pos := l.positions.GetPosition(owner)
	if !pos.IsActive() {
		return nil, fmt.Errorf("%w: %s has no active position", ErrState, owner.Hex())
	}

	p := l.params.Get()
	price, err := l.price()
	if err != nil {
		return nil, err
	}
	recovery, err := l.margin.CheckRecoveryMode(price)
	if err != nil {
		return nil, err
	}

	borrowing := cmd.IsDebtIncrease && !cmd.DebtDelta.IsZero()
	repaying := !cmd.IsDebtIncrease && !cmd.DebtDelta.IsZero()
	withdrawing := !cmd.IsCollIncrease && !cmd.CollDelta.IsZero()

	now := cmd.EventTime()
	var baseRate, fee fpmath.Fixed
	if borrowing {
		if err := requireMaxFee(&p, cmd.MaxFee, recovery); err != nil {
			return nil, err
		}
		if baseRate, err = l.fees.DecayedBaseRate(&p, now); err != nil {
			return nil, err
		}
		if fee, err = fpmath.Mul(cmd.DebtDelta, state.BorrowingRate(&p, baseRate)); err != nil {
			return nil, fmt.Errorf("borrowing fee: %w", err)
		}
		if ok, err := state.FeeWithinBound(fee, cmd.DebtDelta, cmd.MaxFee); err != nil {
			return nil, err
		} else if !ok {
			return nil, fmt.Errorf("%w: fee %s exceeds max fee %s", ErrSlippage, fee, cmd.MaxFee)
		}
	}

	pendingColl, pendingDebt, err := l.positions.PendingRewards(pos)
	if err != nil {
		return nil, err
	}
	if err := l.requireDefaultCovers(pendingColl, pendingDebt); err != nil {
		return nil, err
	}
	entireDebt, entireColl, err := l.positions.EntireDebtAndColl(pos)
	if err != nil {
		return nil, err
	}

	var c fpmath.Calc
	debtChange := cmd.DebtDelta
	if borrowing {
		debtChange = c.Add(cmd.DebtDelta, fee)
	}

	newColl := entireColl
	if cmd.IsCollIncrease {
		newColl = c.Add(entireColl, cmd.CollDelta)
	} else if cmd.CollDelta.Gt(entireColl) {
		return nil, fmt.Errorf("%w: withdrawal %s exceeds collateral %s", ErrValidation, cmd.CollDelta, entireColl)
	} else {
		newColl = c.Sub(entireColl, cmd.CollDelta)
	}

	newDebt := entireDebt
	if cmd.IsDebtIncrease {
		newDebt = c.Add(entireDebt, debtChange)
	} else {
		maxRepay := fpmath.SubOrZero(entireDebt, p.MinDebt())
		if cmd.DebtDelta.Gt(maxRepay) {
			return nil, fmt.Errorf("%w: repayment %s would take net debt below %s", ErrValidation, cmd.DebtDelta, p.MinNetDebt)
		}
		newDebt = c.Sub(entireDebt, cmd.DebtDelta)
	}
	if c.Err() != nil {
		return nil, fmt.Errorf("adjust position: %w", c.Err())
	}
	if newColl.IsZero() {
		return nil, fmt.Errorf("%w: adjustment leaves no collateral", ErrValidation)
	}
	if newDebt.Lt(p.MinDebt()) {
		return nil, fmt.Errorf("%w: net debt below minimum %s", ErrValidation, p.MinNetDebt)
	}

	oldICR := fpmath.ComputeCR(entireColl, entireDebt, price)
	newICR := fpmath.ComputeCR(newColl, newDebt, price)
	if recovery {
		if (withdrawing || borrowing) && !(newICR.Gt(oldICR) && newICR.Gte(p.CCR)) {
			return nil, fmt.Errorf("%w: adjustment must raise ICR to at least CCR (old %s, new %s)", ErrRecoveryMode, oldICR, newICR)
		}
	} else {
		if newICR.Lt(p.MCR) {
			return nil, fmt.Errorf("%w: ICR %s below MCR %s", ErrValidation, newICR, p.MCR)
		}
		newTCR, err := l.margin.NewTCR(price, cmd.CollDelta, cmd.IsCollIncrease, debtChange, cmd.IsDebtIncrease)
		if err != nil {
			return nil, err
		}
		if newTCR.Lt(p.CCR) {
			return nil, fmt.Errorf("%w: operation would leave TCR at %s", ErrRecoveryMode, newTCR)
		}
	}

	if repaying {
		if have := l.debtToken.BalanceOf(owner); have.Lt(cmd.DebtDelta) {
			return nil, fmt.Errorf("%w: debt token balance %s below repayment %s", ErrValidation, have, cmd.DebtDelta)
		}
	}
	if cmd.IsCollIncrease && !cmd.CollDelta.IsZero() {
		if have := l.collateral.CollateralOf(owner); have.Lt(cmd.CollDelta) {
			return nil, fmt.Errorf("%w: collateral balance %s below %s", ErrValidation, have, cmd.CollDelta)
		}
	}

	nicr := fpmath.ComputeNICR(newColl, newDebt)

	batch := l.newBatch(&cmd.Header)
	batch.AddCollateralMove(ledger.DefaultPoolAddress, ledger.ActivePoolAddress, pendingColl)
	if cmd.IsCollIncrease {
		batch.AddCollateralMove(owner, ledger.ActivePoolAddress, cmd.CollDelta)
	} else {
		batch.AddCollateralMove(ledger.ActivePoolAddress, owner, cmd.CollDelta)
	}
	if borrowing {
		batch.AddMint(owner, cmd.DebtDelta)
		batch.AddMint(ledger.FeeRecipientAddress, fee)
	} else {
		batch.AddBurn(owner, cmd.DebtDelta)
	}
	if err := l.checkBatch(batch); err != nil {
		return nil, err
	}

	// Commit
	_, _, err = l.positions.ApplyPendingRewards(pos)
	mustCommit(err, "adjust apply rewards")
	mustCommit(l.vaults.MoveDefaultToActive(pendingColl, pendingDebt), "adjust move rewards")
	pos.Coll = newColl
	pos.Debt = newDebt
	pos.Version++
	_, err = l.positions.UpdateStakeAndTotalStakes(pos)
	mustCommit(err, "adjust stake")
	mustCommit(l.index.ReInsert(l.positions, owner, nicr, cmd.PrevHint, cmd.NextHint), "adjust index")

	if cmd.IsCollIncrease {
		mustCommit(l.vaults.AddActive(cmd.CollDelta, fpmath.Zero), "adjust vault coll")
	} else {
		mustCommit(l.vaults.SubActive(cmd.CollDelta, fpmath.Zero), "adjust vault coll")
	}
	if cmd.IsDebtIncrease {
		mustCommit(l.vaults.AddActive(fpmath.Zero, debtChange), "adjust vault debt")
	} else {
		mustCommit(l.vaults.SubActive(fpmath.Zero, cmd.DebtDelta), "adjust vault debt")
	}
	if borrowing {
		l.fees.Commit(baseRate, now)
	}
	l.settle(batch)

	return &PositionResult{
		Owner:  owner,
		Status: pos.Status.String(),
		Coll:   pos.Coll,
		Debt:   pos.Debt,
		Stake:  pos.Stake,
		ICR:    newICR,
		NICR:   nicr,
		Fee:    fee,
		Batch:  batch,
	}, nil
}

// ClosePosition burns the sender's net debt, releases the gas reserve and
// returns all collateral to the sender.
func (l *Ledger) ClosePosition(cmd *event.ClosePosition) (*PositionResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	owner := cmd.Sender
	if err := requireSender(&cmd.Header); err != nil {
		return nil, err
	}
	pos := l.positions.GetPosition(owner)
	if !pos.IsActive() {
		return nil, fmt.Errorf("%w: %s has no active position", ErrState, owner.Hex())
	}
	if l.index.Size() <= 1 {
		return nil, fmt.Errorf("%w: cannot close the last position", ErrState)
	}

	p := l.params.Get()
	price, err := l.price()
	if err != nil {
		return nil, err
	}
	recovery, err := l.margin.CheckRecoveryMode(price)
	if err != nil {
		return nil, err
	}
	if recovery {
		return nil, fmt.Errorf("%w: positions cannot be closed in recovery mode", ErrRecoveryMode)
	}

	pendingColl, pendingDebt, err := l.positions.PendingRewards(pos)
	if err != nil {
		return nil, err
	}
	if err := l.requireDefaultCovers(pendingColl, pendingDebt); err != nil {
		return nil, err
	}
	entireDebt, entireColl, err := l.positions.EntireDebtAndColl(pos)
	if err != nil {
		return nil, err
	}
	netDebt, err := fpmath.Sub(entireDebt, p.GasCompensation)
	if err != nil {
		return nil, fmt.Errorf("close position: %w", err)
	}

	newTCR, err := l.margin.NewTCR(price, entireColl, false, entireDebt, false)
	if err != nil {
		return nil, err
	}
	if newTCR.Lt(p.CCR) {
		return nil, fmt.Errorf("%w: closing would leave TCR at %s", ErrRecoveryMode, newTCR)
	}
	if have := l.debtToken.BalanceOf(owner); have.Lt(netDebt) {
		return nil, fmt.Errorf("%w: debt token balance %s below net debt %s", ErrValidation, have, netDebt)
	}

	batch := l.newBatch(&cmd.Header)
	batch.AddCollateralMove(ledger.DefaultPoolAddress, ledger.ActivePoolAddress, pendingColl)
	batch.AddBurn(owner, netDebt)
	batch.AddBurn(ledger.GasPoolAddress, p.GasCompensation)
	batch.AddCollateralMove(ledger.ActivePoolAddress, owner, entireColl)
	if err := l.checkBatch(batch); err != nil {
		return nil, err
	}

	// Commit
	_, _, err = l.positions.ApplyPendingRewards(pos)
	mustCommit(err, "close apply rewards")
	mustCommit(l.vaults.MoveDefaultToActive(pendingColl, pendingDebt), "close move rewards")
	mustCommit(l.positions.RemoveStake(pos), "close stake")
	mustCommit(l.positions.ClosePosition(pos, state.StatusClosedByOwner), "close status")
	mustCommit(l.index.Remove(owner), "close index")
	mustCommit(l.vaults.SubActive(entireColl, entireDebt), "close vault")
	mustCommit(l.vaults.SubGasReserve(p.GasCompensation), "close gas reserve")
	l.settle(batch)

	l.logger.Debug().Str("owner", owner.Hex()).Msg("position closed")

	return &PositionResult{
		Owner:  owner,
		Status: pos.Status.String(),
		Coll:   entireColl,
		Debt:   entireDebt,
		Batch:  batch,
	}, nil
}

// ClaimSurplus moves the sender's surplus collateral to their custody
// balance.
func (l *Ledger) ClaimSurplus(cmd *event.ClaimSurplus) (*CollateralResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	owner := cmd.Sender
	if err := requireSender(&cmd.Header); err != nil {
		return nil, err
	}
	amount := l.vaults.SurplusOf(owner)
	if amount.IsZero() {
		return nil, fmt.Errorf("%w: no surplus collateral for %s", ErrState, owner.Hex())
	}

	batch := l.newBatch(&cmd.Header)
	batch.AddCollateralMove(ledger.SurplusPoolAddress, owner, amount)
	if err := l.checkBatch(batch); err != nil {
		return nil, err
	}

	_, err := l.vaults.TakeSurplus(owner)
	mustCommit(err, "claim surplus")
	l.settle(batch)

	return &CollateralResult{
		Owner:   owner,
		Amount:  amount,
		Balance: l.collateral.CollateralOf(owner),
		Batch:   batch,
	}, nil
}

// DepositCollateral credits collateral entering custody to the sender.
func (l *Ledger) DepositCollateral(cmd *event.DepositCollateral) (*CollateralResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	owner := cmd.Sender
	if err := requireSender(&cmd.Header); err != nil {
		return nil, err
	}
	if cmd.Amount.IsZero() {
		return nil, fmt.Errorf("%w: deposit amount must be positive", ErrValidation)
	}
	if l.gate() == nil {
		return nil, fmt.Errorf("%w: collateral custody has no external gate", ErrState)
	}

	batch := l.newBatch(&cmd.Header)
	batch.AddCollateralDeposit(owner, cmd.Amount)
	if err := l.checkBatch(batch); err != nil {
		return nil, err
	}
	l.settle(batch)

	return &CollateralResult{
		Owner:   owner,
		Amount:  cmd.Amount,
		Balance: l.collateral.CollateralOf(owner),
		Batch:   batch,
	}, nil
}

// WithdrawCollateral releases free collateral out of custody.
func (l *Ledger) WithdrawCollateral(cmd *event.WithdrawCollateral) (*CollateralResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	owner := cmd.Sender
	if err := requireSender(&cmd.Header); err != nil {
		return nil, err
	}
	if cmd.Amount.IsZero() {
		return nil, fmt.Errorf("%w: withdrawal amount must be positive", ErrValidation)
	}
	if l.gate() == nil {
		return nil, fmt.Errorf("%w: collateral custody has no external gate", ErrState)
	}
	if have := l.collateral.CollateralOf(owner); have.Lt(cmd.Amount) {
		return nil, fmt.Errorf("%w: collateral balance %s below %s", ErrValidation, have, cmd.Amount)
	}

	batch := l.newBatch(&cmd.Header)
	batch.AddCollateralWithdrawal(owner, cmd.Amount)
	if err := l.checkBatch(batch); err != nil {
		return nil, err
	}
	l.settle(batch)

	return &CollateralResult{
		Owner:   owner,
		Amount:  cmd.Amount,
		Balance: l.collateral.CollateralOf(owner),
		Batch:   batch,
	}, nil
}
