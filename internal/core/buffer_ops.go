package core

import (
	"fmt"

	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// ProvideToBuffer adds debt tokens to the sender's buffer deposit. Any
// pending collateral gain is paid out first.
func (l *Ledger) ProvideToBuffer(cmd *event.ProvideToBuffer) (*BufferResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	owner := cmd.Sender
	if err := requireSender(&cmd.Header); err != nil {
		return nil, err
	}
	if cmd.Amount.IsZero() {
		return nil, fmt.Errorf("%w: deposit amount must be positive", ErrValidation)
	}
	if have := l.debtToken.BalanceOf(owner); have.Lt(cmd.Amount) {
		return nil, fmt.Errorf("%w: debt token balance %s below %s", ErrValidation, have, cmd.Amount)
	}

	gain, err := l.buffer.CollateralGain(owner)
	if err != nil {
		return nil, err
	}
	compounded, err := l.buffer.CompoundedDeposit(owner)
	if err != nil {
		return nil, err
	}
	newDeposit, err := fpmath.Add(compounded, cmd.Amount)
	if err != nil {
		return nil, fmt.Errorf("buffer deposit: %w", err)
	}

	batch := l.newBatch(&cmd.Header)
	batch.AddDebtTransfer(owner, ledger.StabilityBufferAddress, cmd.Amount)
	batch.AddCollateralMove(ledger.StabilityBufferAddress, owner, gain)
	if err := l.checkBatch(batch); err != nil {
		return nil, err
	}

	mustCommit(l.buffer.SendCollateral(gain), "provide gain")
	mustCommit(l.buffer.AddTotalDeposits(cmd.Amount), "provide deposits")
	l.buffer.SetDeposit(owner, newDeposit)
	l.settle(batch)

	return &BufferResult{
		Depositor:      owner,
		Deposit:        newDeposit,
		Provided:       cmd.Amount,
		CollateralGain: gain,
		Batch:          batch,
	}, nil
}

// WithdrawFromBuffer withdraws up to Amount of the sender's compounded
// deposit and pays out the collateral gain. Withdrawals are blocked while any
// position sits below MCR so depositors cannot dodge a pending liquidation.
func (l *Ledger) WithdrawFromBuffer(cmd *event.WithdrawFromBuffer) (*BufferResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	owner := cmd.Sender
	if err := requireSender(&cmd.Header); err != nil {
		return nil, err
	}
	if l.buffer.GetDeposit(owner) == nil {
		return nil, fmt.Errorf("%w: %s has no buffer deposit", ErrState, owner.Hex())
	}

	if !cmd.Amount.IsZero() {
		if err := l.requireNoUndercollateralized(); err != nil {
			return nil, err
		}
	}

	gain, err := l.buffer.CollateralGain(owner)
	if err != nil {
		return nil, err
	}
	compounded, err := l.buffer.CompoundedDeposit(owner)
	if err != nil {
		return nil, err
	}
	withdrawn := fpmath.Min(cmd.Amount, compounded)
	newDeposit, err := fpmath.Sub(compounded, withdrawn)
	if err != nil {
		return nil, err
	}

	batch := l.newBatch(&cmd.Header)
	batch.AddDebtTransfer(ledger.StabilityBufferAddress, owner, withdrawn)
	batch.AddCollateralMove(ledger.StabilityBufferAddress, owner, gain)
	if err := l.checkBatch(batch); err != nil {
		return nil, err
	}

	mustCommit(l.buffer.SendCollateral(gain), "withdraw gain")
	mustCommit(l.buffer.SubTotalDeposits(withdrawn), "withdraw deposits")
	l.buffer.SetDeposit(owner, newDeposit)
	l.settle(batch)

	return &BufferResult{
		Depositor:      owner,
		Deposit:        newDeposit,
		Withdrawn:      withdrawn,
		CollateralGain: gain,
		Batch:          batch,
	}, nil
}

// requireNoUndercollateralized rejects when the riskiest listed position is
// below MCR at the current price.
func (l *Ledger) requireNoUndercollateralized() error {
	last := l.index.Last()
	if last == (common.Address{}) {
		return nil
	}
	price, err := l.price()
	if err != nil {
		return err
	}
	icr, err := l.positions.ICR(last, price)
	if err != nil {
		return err
	}
	p := l.params.Get()
	if icr.Lt(p.MCR) {
		return fmt.Errorf("%w: cannot withdraw while a position is below MCR", ErrState)
	}
	return nil
}

// ClaimCollateralGain pays out the sender's collateral gain, to the sender or
// into the sender's Active position. The deposit is re-snapshotted at its
// compounded value either way.
func (l *Ledger) ClaimCollateralGain(cmd *event.ClaimCollateralGain) (*BufferResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	owner := cmd.Sender
	if err := requireSender(&cmd.Header); err != nil {
		return nil, err
	}
	if l.buffer.GetDeposit(owner) == nil {
		return nil, fmt.Errorf("%w: %s has no buffer deposit", ErrState, owner.Hex())
	}

	gain, err := l.buffer.CollateralGain(owner)
	if err != nil {
		return nil, err
	}
	compounded, err := l.buffer.CompoundedDeposit(owner)
	if err != nil {
		return nil, err
	}

	batch := l.newBatch(&cmd.Header)
	if !cmd.ToPosition {
		batch.AddCollateralMove(ledger.StabilityBufferAddress, owner, gain)
		if err := l.checkBatch(batch); err != nil {
			return nil, err
		}
		mustCommit(l.buffer.SendCollateral(gain), "claim gain")
		l.buffer.ResnapshotDeposit(owner, compounded)
		l.settle(batch)
		return &BufferResult{
			Depositor:      owner,
			Deposit:        compounded,
			CollateralGain: gain,
			Batch:          batch,
		}, nil
	}

	pos := l.positions.GetPosition(owner)
	if !pos.IsActive() {
		return nil, fmt.Errorf("%w: %s has no active position", ErrState, owner.Hex())
	}
	if gain.IsZero() {
		return nil, fmt.Errorf("%w: no collateral gain to move", ErrState)
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
	newColl, err := fpmath.Add(entireColl, gain)
	if err != nil {
		return nil, fmt.Errorf("gain to position: %w", err)
	}
	nicr := fpmath.ComputeNICR(newColl, entireDebt)

	batch.AddCollateralMove(ledger.DefaultPoolAddress, ledger.ActivePoolAddress, pendingColl)
	batch.AddCollateralMove(ledger.StabilityBufferAddress, ledger.ActivePoolAddress, gain)
	if err := l.checkBatch(batch); err != nil {
		return nil, err
	}

	mustCommit(l.buffer.SendCollateral(gain), "claim gain")
	l.buffer.ResnapshotDeposit(owner, compounded)
	_, _, err = l.positions.ApplyPendingRewards(pos)
	mustCommit(err, "gain apply rewards")
	mustCommit(l.vaults.MoveDefaultToActive(pendingColl, pendingDebt), "gain move rewards")
	pos.Coll = newColl
	pos.Version++
	_, err = l.positions.UpdateStakeAndTotalStakes(pos)
	mustCommit(err, "gain stake")
	mustCommit(l.index.ReInsert(l.positions, owner, nicr, cmd.PrevHint, cmd.NextHint), "gain index")
	mustCommit(l.vaults.AddActive(gain, fpmath.Zero), "gain vault")
	l.settle(batch)

	return &BufferResult{
		Depositor:      owner,
		Deposit:        compounded,
		CollateralGain: gain,
		ToPosition:     true,
		Batch:          batch,
	}, nil
}
