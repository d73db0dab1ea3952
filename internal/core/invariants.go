package core

import (
	"fmt"

	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// requireDefaultCovers rejects when the DefaultPool cannot fund pending
// rewards about to move out of it. Per-unit truncation can only ever leave
// a few raw units of dust, so this trips on corrupted state, not in practice.
func (l *Ledger) requireDefaultCovers(coll, debt fpmath.Fixed) error {
	if coll.Gt(l.vaults.Default.Coll) || debt.Gt(l.vaults.Default.Debt) {
		return fmt.Errorf("%w: default pool (%s coll, %s debt) short of pending rewards (%s coll, %s debt)",
			ErrArithmetic, l.vaults.Default.Coll, l.vaults.Default.Debt, coll, debt)
	}
	return nil
}

// CheckInvariants verifies the accounting identities that must hold between
// operations. The cheap checks always run; full adds the O(n) scans over
// positions and the index.
func (l *Ledger) CheckInvariants(full bool) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	systemDebt, err := l.vaults.SystemDebt()
	if err != nil {
		return err
	}
	if supply := l.debtToken.TotalSupply(); !supply.Eq(systemDebt) {
		return fmt.Errorf("debt token supply %s != active+default debt %s", supply, systemDebt)
	}

	custody := []struct {
		name     string
		got      fpmath.Fixed
		expected fpmath.Fixed
	}{
		{"active pool collateral", l.collateral.CollateralOf(ledger.ActivePoolAddress), l.vaults.Active.Coll},
		{"default pool collateral", l.collateral.CollateralOf(ledger.DefaultPoolAddress), l.vaults.Default.Coll},
		{"surplus pool collateral", l.collateral.CollateralOf(ledger.SurplusPoolAddress), l.vaults.SurplusTotal},
		{"buffer collateral", l.collateral.CollateralOf(ledger.StabilityBufferAddress), l.buffer.CollBalance()},
		{"buffer deposits", l.debtToken.BalanceOf(ledger.StabilityBufferAddress), l.buffer.TotalDeposits()},
		{"gas pool", l.debtToken.BalanceOf(ledger.GasPoolAddress), l.vaults.GasPool},
	}
	for _, c := range custody {
		if !c.got.Eq(c.expected) {
			return fmt.Errorf("%s: custody holds %s, accounted %s", c.name, c.got, c.expected)
		}
	}

	if !full {
		return nil
	}

	var sumColl, sumDebt, sumStakes fpmath.Fixed
	var calc fpmath.Calc
	active := 0
	for _, pos := range l.positions.GetAllPositions() {
		if !pos.IsActive() {
			continue
		}
		active++
		sumColl = calc.Add(sumColl, pos.Coll)
		sumDebt = calc.Add(sumDebt, pos.Debt)
		sumStakes = calc.Add(sumStakes, pos.Stake)
		if !l.index.Contains(pos.Owner) {
			return fmt.Errorf("active position %s is not listed", pos.Owner.Hex())
		}
	}
	if calc.Err() != nil {
		return calc.Err()
	}
	if !sumColl.Eq(l.vaults.Active.Coll) || !sumDebt.Eq(l.vaults.Active.Debt) {
		return fmt.Errorf("positions hold %s coll / %s debt, active pool %s / %s",
			sumColl, sumDebt, l.vaults.Active.Coll, l.vaults.Active.Debt)
	}
	if rewards := l.positions.Rewards(); !sumStakes.Eq(rewards.TotalStakes) {
		return fmt.Errorf("stakes sum to %s, total stakes %s", sumStakes, rewards.TotalStakes)
	}
	if active != l.index.Size() {
		return fmt.Errorf("%d active positions, %d listed", active, l.index.Size())
	}

	prev := fpmath.Max
	for cur := l.index.First(); cur != (common.Address{}); cur = l.index.Next(cur) {
		nicr := l.positions.NICR(cur)
		if nicr.Gt(prev) {
			return fmt.Errorf("index out of order at %s: %s after %s", cur.Hex(), nicr, prev)
		}
		prev = nicr
	}
	return nil
}
