package core_test

import (
	"errors"
	"math/rand"
	"testing"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test: Position lifecycle
// ============================================================================

func TestOpenPosition_CompositeDebtAndICR(t *testing.T) {
	f := newFixture(t, testParams(), "2000")

	res := f.open(alice, "2", "1800")

	requireFixed(t, "2000", res.Debt)
	requireFixed(t, "2", res.Coll)
	requireFixed(t, "2", res.ICR)
	requireFixed(t, "0", res.Fee)
	require.Equal(t, state.StatusActive.String(), res.Status)

	require.True(t, f.book.BalanceOf(alice).Eq(fpmath.Units(1800)))
	require.True(t, f.book.CollateralOf(alice).IsZero())

	sys := f.ledger.System()
	requireFixed(t, "2", sys.ActiveColl)
	requireFixed(t, "2000", sys.ActiveDebt)
	requireFixed(t, "200", sys.GasPool)
	require.Equal(t, 1, sys.PositionCount)
	f.requireInvariants()
}

func TestOpenPosition_Rejections(t *testing.T) {
	f := newFixture(t, testParams(), "2000")
	f.open(alice, "2", "1800")

	tests := []struct {
		name    string
		cmd     *event.OpenPosition
		wantErr error
	}{
		{
			name:    "already active",
			cmd:     &event.OpenPosition{Header: f.header(alice), MaxFee: fpmath.One, Debt: fpmath.Units(1800), Coll: fpmath.Units(2)},
			wantErr: core.ErrState,
		},
		{
			name:    "below min net debt",
			cmd:     &event.OpenPosition{Header: f.header(bob), MaxFee: fpmath.One, Debt: fpmath.Units(100), Coll: fpmath.Units(2)},
			wantErr: core.ErrValidation,
		},
		{
			name:    "below MCR",
			cmd:     &event.OpenPosition{Header: f.header(bob), MaxFee: fpmath.One, Debt: fpmath.Units(1800), Coll: fpmath.MustParse("1.05")},
			wantErr: core.ErrValidation,
		},
		{
			name:    "no custody balance",
			cmd:     &event.OpenPosition{Header: f.header(bob), MaxFee: fpmath.One, Debt: fpmath.Units(1800), Coll: fpmath.Units(5)},
			wantErr: core.ErrValidation,
		},
		{
			name:    "zero collateral",
			cmd:     &event.OpenPosition{Header: f.header(bob), MaxFee: fpmath.One, Debt: fpmath.Units(1800)},
			wantErr: core.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := f.ledger.System()
			_, err := f.ledger.OpenPosition(tt.cmd)
			require.ErrorIs(t, err, tt.wantErr)
			require.Equal(t, before, f.ledger.System(), "rejected open must not change state")
		})
	}
	f.requireInvariants()
}

func TestAdjustAndClosePosition(t *testing.T) {
	f := newFixture(t, testParams(), "2000")
	f.open(alice, "2", "1800")
	f.open(bob, "10", "1800")

	require.NoError(t, f.book.Fund(alice, fpmath.Units(1)))
	res, err := f.ledger.AdjustPosition(&event.AdjustPosition{
		Header:         f.header(alice),
		MaxFee:         fpmath.One,
		CollDelta:      fpmath.Units(1),
		IsCollIncrease: true,
		DebtDelta:      fpmath.Units(500),
		IsDebtIncrease: true,
	})
	require.NoError(t, err)
	requireFixed(t, "3", res.Coll)
	requireFixed(t, "2500", res.Debt)
	require.True(t, f.book.BalanceOf(alice).Eq(fpmath.Units(2300)))

	// Repaying below the minimum net debt is refused.
	_, err = f.ledger.AdjustPosition(&event.AdjustPosition{
		Header:    f.header(alice),
		MaxFee:    fpmath.One,
		DebtDelta: fpmath.Units(600),
	})
	require.ErrorIs(t, err, core.ErrValidation)

	// Alice needs 2300 to close and holds exactly that.
	closed, err := f.ledger.ClosePosition(&event.ClosePosition{Header: f.header(alice)})
	require.NoError(t, err)
	require.Equal(t, state.StatusClosedByOwner.String(), closed.Status)
	require.True(t, f.book.BalanceOf(alice).IsZero())
	requireFixed(t, "3", f.book.CollateralOf(alice))

	// The last position cannot be closed.
	_, err = f.ledger.ClosePosition(&event.ClosePosition{Header: f.header(bob)})
	require.ErrorIs(t, err, core.ErrState)

	sys := f.ledger.System()
	requireFixed(t, "10", sys.ActiveColl)
	requireFixed(t, "2000", sys.ActiveDebt)
	requireFixed(t, "200", sys.GasPool)
	f.requireInvariants()
}

func TestRecoveryMode_RestrictsOperations(t *testing.T) {
	f := newFixture(t, testParams(), "2000")
	f.open(alice, "2", "1800")
	f.open(bob, "3", "2800")

	f.setPrice("1400")
	recovery, err := f.ledger.RecoveryMode(fpmath.Units(1400))
	require.NoError(t, err)
	require.True(t, recovery)

	_, err = f.ledger.ClosePosition(&event.ClosePosition{Header: f.header(bob)})
	require.ErrorIs(t, err, core.ErrRecoveryMode)

	require.NoError(t, f.book.Fund(dave, fpmath.Units(2)))
	_, err = f.ledger.OpenPosition(&event.OpenPosition{
		Header: f.header(dave),
		MaxFee: fpmath.One,
		Debt:   fpmath.Units(1800),
		Coll:   fpmath.Units(2),
	})
	require.ErrorIs(t, err, core.ErrRecoveryMode)

	// Above CCR is still allowed and pulls the system out of recovery.
	require.NoError(t, f.book.Fund(dave, fpmath.Units(8)))
	_, err = f.ledger.OpenPosition(&event.OpenPosition{
		Header: f.header(dave),
		MaxFee: fpmath.One,
		Debt:   fpmath.Units(1800),
		Coll:   fpmath.Units(10),
	})
	require.NoError(t, err)
	f.requireInvariants()
}
func TestAdjustPosition_RecoveryModeRequiresICRAtCCR(t *testing.T) {
	f := newFixture(t, testParams(), "2000")
	f.open(alice, "2.4", "1800")
	f.open(carol, "5.6", "3800")

	f.setPrice("1000")
	recovery, err := f.ledger.RecoveryMode(fpmath.Units(1000))
	require.NoError(t, err)
	require.True(t, recovery)

	_, err = f.ledger.AdjustPosition(&event.AdjustPosition{
		Header:    f.header(alice),
		MaxFee:    fpmath.One,
		CollDelta: fpmath.MustParse("0.1"),
	})
	require.ErrorIs(t, err, core.ErrRecoveryMode, "withdrawal lowers ICR")

	// Raises ICR from 1.2 to about 1.44, still short of CCR.
	require.NoError(t, f.book.Fund(alice, fpmath.Units(1)))
	_, err = f.ledger.AdjustPosition(&event.AdjustPosition{
		Header:         f.header(alice),
		MaxFee:         fpmath.One,
		CollDelta:      fpmath.MustParse("0.5"),
		IsCollIncrease: true,
		DebtDelta:      fpmath.Units(10),
		IsDebtIncrease: true,
	})
	require.ErrorIs(t, err, core.ErrRecoveryMode)

	res, err := f.ledger.AdjustPosition(&event.AdjustPosition{
		Header:         f.header(alice),
		MaxFee:         fpmath.One,
		CollDelta:      fpmath.Units(1),
		IsCollIncrease: true,
		DebtDelta:      fpmath.Units(100),
		IsDebtIncrease: true,
	})
	require.NoError(t, err)
	requireFixed(t, "3.4", res.Coll)
	requireFixed(t, "2100", res.Debt)
	icr, err := f.ledger.ICR(alice, fpmath.Units(1000))
	require.NoError(t, err)
	require.True(t, icr.Gte(fpmath.MustParse("1.5")), "ICR %s", icr)

	// A pure top-up is always allowed, even below CCR.
	require.NoError(t, f.book.Fund(carol, fpmath.MustParse("0.1")))
	res, err = f.ledger.AdjustPosition(&event.AdjustPosition{
		Header:         f.header(carol),
		CollDelta:      fpmath.MustParse("0.1"),
		IsCollIncrease: true,
	})
	require.NoError(t, err)
	requireFixed(t, "5.7", res.Coll)
	f.requireInvariants()
}


// ============================================================================
// Test: Liquidation
// ============================================================================

func TestLiquidate_FullyOffsetByBuffer(t *testing.T) {
	f := newFixture(t, testParams(), "2000")
	f.open(alice, "2", "1800")
	f.open(carol, "100", "3800")
	f.provide(carol, "3000")

	f.setPrice("1050")
	icr, err := f.ledger.ICR(alice, fpmath.Units(1050))
	require.NoError(t, err)
	requireFixed(t, "1.05", icr)

	// Depositors cannot leave ahead of a pending liquidation.
	_, err = f.ledger.WithdrawFromBuffer(&event.WithdrawFromBuffer{Header: f.header(carol), Amount: fpmath.Units(100)})
	require.ErrorIs(t, err, core.ErrState)

	res := f.liquidate(dave, alice)
	require.Len(t, res.Positions, 1)
	require.False(t, res.RecoveryMode)
	lp := res.Positions[0]
	require.Equal(t, alice, lp.Owner)
	requireFixed(t, "2000", lp.DebtToOffset)
	require.True(t, lp.DebtToRedistribute.IsZero())
	requireFixed(t, "0.01", res.Totals.CollGasCompensation)
	requireFixed(t, "1.99", res.Totals.CollToSendToBuffer)

	view, err := f.ledger.Position(alice)
	require.NoError(t, err)
	require.Equal(t, state.StatusClosedByLiquidation.String(), view.Status)

	requireFixed(t, "200", f.book.BalanceOf(dave))
	requireFixed(t, "0.01", f.book.CollateralOf(dave))

	sys := f.ledger.System()
	require.True(t, sys.LColl.IsZero())
	require.True(t, sys.LDebt.IsZero())
	requireFixed(t, "1000", sys.BufferDeposits)
	require.Equal(t, uint64(0), sys.BufferEpoch)
	wantP, err := fpmath.ParseRaw("333333333333333333")
	require.NoError(t, err)
	require.True(t, sys.BufferP.Eq(wantP), "P = %s", sys.BufferP.RawString())

	deposit, err := f.ledger.CompoundedDeposit(carol)
	require.NoError(t, err)
	requireApprox(t, "1000", deposit, 1000)
	gain, err := f.ledger.CollateralGain(carol)
	require.NoError(t, err)
	requireApprox(t, "1.99", gain, 10_000)
	require.True(t, gain.Lte(fpmath.MustParse("1.99")), "gain must never exceed the collateral absorbed")
	f.requireInvariants()
}

func TestLiquidate_PartialOffsetRedistributes(t *testing.T) {
	f := newFixture(t, testParams(), "2000")
	f.open(alice, "2", "1800")
	f.open(bob, "10", "1800")
	f.open(carol, "20", "3800")
	f.provide(carol, "500")

	f.setPrice("1050")
	res := f.liquidate(dave, alice)
	require.Len(t, res.Positions, 1)
	requireFixed(t, "500", res.Totals.DebtToOffset)
	requireFixed(t, "0.4975", res.Totals.CollToSendToBuffer)
	requireFixed(t, "1500", res.Totals.DebtToRedistribute)
	requireFixed(t, "1.4925", res.Totals.CollToRedistribute)

	sys := f.ledger.System()
	requireFixed(t, "50", sys.LDebt)
	requireFixed(t, "0.04975", sys.LColl)
	requireFixed(t, "1500", sys.DefaultDebt)
	requireFixed(t, "1.4925", sys.DefaultColl)
	require.True(t, sys.BufferDeposits.IsZero())
	require.Equal(t, uint64(1), sys.BufferEpoch)

	debt, coll := f.entire(bob)
	requireFixed(t, "2500", debt)
	requireFixed(t, "10.4975", coll)
	debt, coll = f.entire(carol)
	requireFixed(t, "5000", debt)
	requireFixed(t, "20.995", coll)

	deposit, err := f.ledger.CompoundedDeposit(carol)
	require.NoError(t, err)
	require.True(t, deposit.IsZero())
	gain, err := f.ledger.CollateralGain(carol)
	require.NoError(t, err)
	requireApprox(t, "0.4975", gain, 1000)
	f.requireInvariants()

	// A fresh deposit after the epoch change starts at face value and pays
	// out the old gain.
	provided := f.provide(carol, "1000")
	requireApprox(t, "0.4975", provided.CollateralGain, 1000)
	requireFixed(t, "1000", provided.Deposit)
	deposit, err = f.ledger.CompoundedDeposit(carol)
	require.NoError(t, err)
	requireFixed(t, "1000", deposit)
	f.requireInvariants()
}

func TestLiquidate_PendingRewardsFeedNextLiquidation(t *testing.T) {
	f := newFixture(t, testParams(), "2000")
	f.open(alice, "2", "1800")
	f.open(frank, "2", "1800")
	f.open(bob, "10", "1800")
	f.open(carol, "20", "3800")
	f.provide(carol, "500")

	f.setPrice("1050")
	f.liquidate(dave, alice)

	sys := f.ledger.System()
	requireFixed(t, "46.875", sys.LDebt)
	requireFixed(t, "0.046640625", sys.LColl)

	debt, coll := f.entire(frank)
	requireFixed(t, "2093.75", debt)
	requireFixed(t, "2.09328125", coll)

	f.provide(carol, "3000")
	res := f.liquidate(dave, frank)
	require.Len(t, res.Positions, 1)
	requireFixed(t, "2093.75", res.Positions[0].DebtToOffset)
	require.True(t, res.Positions[0].DebtToRedistribute.IsZero())

	sys = f.ledger.System()
	require.Equal(t, uint64(1), sys.BufferEpoch)
	deposit, err := f.ledger.CompoundedDeposit(carol)
	require.NoError(t, err)
	requireApprox(t, "906.25", deposit, 1000)
	f.requireInvariants()
}

func TestLiquidate_HealthyTargetIsNoop(t *testing.T) {
	f := newFixture(t, testParams(), "2000")
	f.open(alice, "2", "1800")
	f.open(carol, "100", "3800")

	before := f.ledger.System()
	res := f.liquidate(dave, carol)
	require.True(t, res.IsEmpty())
	require.Equal(t, before, f.ledger.System())
}

func TestLiquidateBatch_WalksFromTail(t *testing.T) {
	f := newFixture(t, testParams(), "2000")
	f.open(alice, "2", "1800")
	f.open(frank, "2.05", "1800")
	f.open(carol, "100", "3800")
	f.provide(carol, "3500")

	f.setPrice("1050")
	res, err := f.ledger.LiquidateBatch(&event.LiquidateBatch{Header: f.header(dave), MaxCount: 10})
	require.NoError(t, err)
	require.Len(t, res.Positions, 2)
	require.Equal(t, 2, res.Totals.Count)
	require.Equal(t, []common.Address{carol}, f.ledger.SortedOwners())
	requireFixed(t, "400", f.book.BalanceOf(dave))
	f.requireInvariants()
}
// ============================================================================
// Test: Recovery mode liquidation
// ============================================================================

func TestLiquidate_RecoveryModeCapsAtMCR(t *testing.T) {
	f := newFixture(t, testParams(), "2000")
	f.open(alice, "2.4", "1800")
	f.open(carol, "5.6", "3800")
	f.provide(carol, "3000")

	// TCR 1.33, alice at 1.2: above MCR but below TCR.
	f.setPrice("1000")
	res := f.liquidate(dave, alice)
	require.True(t, res.RecoveryMode)
	require.Len(t, res.Positions, 1)
	lp := res.Positions[0]
	require.Equal(t, state.LiquidationModeCapped.String(), lp.Mode)
	requireFixed(t, "2000", lp.DebtToOffset)
	require.True(t, lp.DebtToRedistribute.IsZero())
	requireFixed(t, "0.2", lp.CollSurplus)
	requireFixed(t, "0.011", res.Totals.CollGasCompensation)
	requireFixed(t, "2.189", res.Totals.CollToSendToBuffer)
	require.True(t, res.Totals.CollToRedistribute.IsZero())

	view, err := f.ledger.Position(alice)
	require.NoError(t, err)
	require.Equal(t, state.StatusClosedByLiquidation.String(), view.Status)
	requireFixed(t, "200", f.book.BalanceOf(dave))
	requireFixed(t, "0.011", f.book.CollateralOf(dave))

	sys := f.ledger.System()
	requireFixed(t, "1000", sys.BufferDeposits)
	require.True(t, sys.DefaultDebt.IsZero())
	gain, err := f.ledger.CollateralGain(carol)
	require.NoError(t, err)
	requireApprox(t, "2.189", gain, 10_000)

	// Collateral above MCR stays with the owner.
	requireFixed(t, "0.2", f.ledger.SurplusOf(alice))
	claimed, err := f.ledger.ClaimSurplus(&event.ClaimSurplus{Header: f.header(alice)})
	require.NoError(t, err)
	requireFixed(t, "0.2", claimed.Amount)
	require.True(t, f.ledger.SurplusOf(alice).IsZero())
	f.requireInvariants()
}

func TestLiquidateBatch_RecoveryModeStopsWhenBackToNormal(t *testing.T) {
	f := newFixture(t, testParams(), "2000")
	f.open(alice, "2.3", "1800")
	f.open(bob, "2.4", "1800")
	f.open(carol, "10", "5800")
	f.provide(carol, "5000")

	// TCR 1.47. Liquidating alice lifts it to 1.55, so bob (ICR 1.2, still
	// below TCR and covered by the buffer) is judged under normal rules.
	f.setPrice("1000")
	res, err := f.ledger.LiquidateBatch(&event.LiquidateBatch{Header: f.header(dave), MaxCount: 10})
	require.NoError(t, err)
	require.True(t, res.RecoveryMode)
	require.Len(t, res.Positions, 1)
	require.Equal(t, alice, res.Positions[0].Owner)
	require.Equal(t, state.LiquidationModeCapped.String(), res.Positions[0].Mode)
	requireFixed(t, "0.1", res.Positions[0].CollSurplus)

	require.Equal(t, []common.Address{carol, bob}, f.ledger.SortedOwners())
	recovery, err := f.ledger.RecoveryMode(fpmath.Units(1000))
	require.NoError(t, err)
	require.False(t, recovery)
	requireFixed(t, "3000", f.ledger.System().BufferDeposits)
	f.requireInvariants()
}

func TestLiquidate_RecoveryModeNeedsBufferToCoverDebt(t *testing.T) {
	f := newFixture(t, testParams(), "2000")
	f.open(alice, "2.4", "1800")
	f.open(carol, "5.6", "3800")

	f.setPrice("1000")
	before := f.ledger.System()
	res := f.liquidate(dave, alice)
	require.True(t, res.RecoveryMode)
	require.True(t, res.IsEmpty(), "ICR above MCR with an empty buffer")
	batch, err := f.ledger.LiquidateBatch(&event.LiquidateBatch{Header: f.header(dave), MaxCount: 10})
	require.NoError(t, err)
	require.True(t, batch.IsEmpty())
	require.Equal(t, before, f.ledger.System())

	f.provide(carol, "1000")
	res = f.liquidate(dave, alice)
	require.True(t, res.IsEmpty(), "buffer smaller than the debt")

	f.provide(carol, "1000")
	res = f.liquidate(dave, alice)
	require.Len(t, res.Positions, 1)
	require.Equal(t, state.LiquidationModeCapped.String(), res.Positions[0].Mode)
	require.True(t, f.ledger.System().BufferDeposits.IsZero())
	f.requireInvariants()
}

func TestLiquidate_RecoveryModeRedistributesUnderwater(t *testing.T) {
	f := newFixture(t, testParams(), "2000")
	f.open(alice, "2", "1800")
	f.open(bob, "3", "1800")
	f.open(carol, "8", "3800")
	f.provide(carol, "3000")

	// TCR 1.46, alice at 0.9.
	f.setPrice("900")
	res := f.liquidate(dave, alice)
	require.True(t, res.RecoveryMode)
	require.Len(t, res.Positions, 1)
	lp := res.Positions[0]
	require.Equal(t, state.LiquidationModeRedistribute.String(), lp.Mode)
	require.True(t, lp.DebtToOffset.IsZero(), "the buffer never absorbs an underwater position")
	requireFixed(t, "2000", lp.DebtToRedistribute)
	require.True(t, lp.CollSurplus.IsZero())
	requireFixed(t, "0.01", res.Totals.CollGasCompensation)
	requireFixed(t, "1.99", res.Totals.CollToRedistribute)

	sys := f.ledger.System()
	requireFixed(t, "3000", sys.BufferDeposits)
	requireFixed(t, "2000", sys.DefaultDebt)
	requireFixed(t, "1.99", sys.DefaultColl)
	require.True(t, f.ledger.SurplusOf(alice).IsZero())

	debtB, _ := f.entire(bob)
	debtC, _ := f.entire(carol)
	total, err := fpmath.Add(debtB, debtC)
	require.NoError(t, err)
	requireApprox(t, "8000", total, 10)
	f.requireInvariants()
}


// ============================================================================
// Test: Redemption
// ============================================================================

func TestRedeem_ClosesThenPartiallyRedeems(t *testing.T) {
	p := testParams()
	p.MinNetDebt = fpmath.Units(200)
	f := newFixture(t, p, "2000")

	posA, posB, posC := alice, bob, carol
	f.open(posA, "0.63", "400")
	f.open(posB, "1.2", "800")
	f.open(posC, "100", "1800")
	requireFixed(t, "3600", f.ledger.System().TotalSupply)

	f.setPrice("1000")
	res, err := f.ledger.Redeem(&event.Redeem{
		Header: f.header(posC),
		Amount: fpmath.Units(1000),
		MaxFee: fpmath.One,
	})
	require.NoError(t, err)
	requireFixed(t, "1000", res.Redeemed)
	requireFixed(t, "1", res.CollDrawn)
	require.Len(t, res.Positions, 2)

	first := res.Positions[0]
	require.Equal(t, posA, first.Owner)
	require.True(t, first.Closed)
	requireFixed(t, "400", first.DebtRedeemed)
	requireFixed(t, "0.4", first.CollDrawn)
	requireFixed(t, "0.23", first.CollSurplus)

	second := res.Positions[1]
	require.Equal(t, posB, second.Owner)
	require.False(t, second.Closed)
	requireFixed(t, "600", second.DebtRedeemed)

	view, err := f.ledger.Position(posA)
	require.NoError(t, err)
	require.Equal(t, state.StatusClosedByRedemption.String(), view.Status)
	debt, coll := f.entire(posB)
	requireFixed(t, "400", debt)
	requireFixed(t, "0.6", coll)

	require.True(t, res.Fee.Gt(fpmath.Zero))
	require.True(t, res.BaseRate.Gt(fpmath.Zero))
	requireFixed(t, "800", f.book.BalanceOf(posC))
	toRedeemer, err := fpmath.Sub(res.CollDrawn, res.Fee)
	require.NoError(t, err)
	require.True(t, f.book.CollateralOf(posC).Eq(toRedeemer))

	// Surplus is claimable exactly once.
	requireFixed(t, "0.23", f.ledger.SurplusOf(posA))
	claimed, err := f.ledger.ClaimSurplus(&event.ClaimSurplus{Header: f.header(posA)})
	require.NoError(t, err)
	requireFixed(t, "0.23", claimed.Amount)
	requireFixed(t, "0.23", f.book.CollateralOf(posA))
	_, err = f.ledger.ClaimSurplus(&event.ClaimSurplus{Header: f.header(posA)})
	require.ErrorIs(t, err, core.ErrState)
	f.requireInvariants()
}

func TestRedeem_Rejections(t *testing.T) {
	f := newFixture(t, testParams(), "2000")
	f.open(alice, "2", "1800")
	f.open(bob, "10", "1800")

	_, err := f.ledger.Redeem(&event.Redeem{Header: f.header(alice), Amount: fpmath.Units(5000), MaxFee: fpmath.One})
	require.ErrorIs(t, err, core.ErrValidation, "redeemer lacks the tokens")

	_, err = f.ledger.Redeem(&event.Redeem{Header: f.header(alice), Amount: fpmath.Units(100), MaxFee: fpmath.MustParse("0.001")})
	require.ErrorIs(t, err, core.ErrValidation, "max fee below the floor")

	// Every position sits at the minimum net debt, so nothing can be drawn
	// without closing the last position or breaking the minimum.
	_, err = f.ledger.Redeem(&event.Redeem{Header: f.header(alice), Amount: fpmath.Units(100), MaxFee: fpmath.One})
	require.ErrorIs(t, err, core.ErrState)
	f.requireInvariants()
}
func TestRedeem_SkipsUnderwaterPositions(t *testing.T) {
	p := testParams()
	p.MinNetDebt = fpmath.Units(200)
	f := newFixture(t, p, "2000")
	f.open(alice, "3", "2800")
	f.open(bob, "50", "1800")
	f.open(carol, "100", "1800")

	// Alice sits at ICR 0.25: redeeming from her at face value would draw
	// more collateral than her debt is worth.
	f.setPrice("250")
	res, err := f.ledger.Redeem(&event.Redeem{
		Header: f.header(carol),
		Amount: fpmath.Units(100),
		MaxFee: fpmath.One,
	})
	require.NoError(t, err)
	require.Len(t, res.Positions, 1)
	require.Equal(t, bob, res.Positions[0].Owner)
	requireFixed(t, "0.4", res.CollDrawn)

	// 750 at 250 is exactly alice's collateral.
	firstHint, partialNICR, truncated, err := f.ledger.RedemptionHints(fpmath.Units(750), fpmath.Units(250), 0)
	require.NoError(t, err)
	require.Equal(t, bob, firstHint)
	requireFixed(t, "750", truncated)

	res, err = f.ledger.Redeem(&event.Redeem{
		Header: f.header(carol),
		Amount: fpmath.Units(750),
		MaxFee: fpmath.One,
	})
	require.NoError(t, err)
	requireFixed(t, "750", res.Redeemed)
	requireFixed(t, "3", res.CollDrawn)
	require.Len(t, res.Positions, 1)
	require.Equal(t, bob, res.Positions[0].Owner)
	require.False(t, res.Positions[0].Closed)
	require.True(t, res.Positions[0].NewNICR.Eq(partialNICR))

	debt, coll := f.entire(alice)
	requireFixed(t, "3000", debt)
	requireFixed(t, "3", coll)
	debt, coll = f.entire(bob)
	requireFixed(t, "1150", debt)
	requireFixed(t, "46.6", coll)
	require.Equal(t, []common.Address{carol, bob, alice}, f.ledger.SortedOwners())
	f.requireInvariants()
}


// ============================================================================
// Test: Stability buffer
// ============================================================================

func TestClaimCollateralGain_SecondClaimPaysNothing(t *testing.T) {
	f := newFixture(t, testParams(), "2000")
	f.open(alice, "2", "1800")
	f.open(carol, "100", "3800")
	f.provide(carol, "3000")
	f.setPrice("1050")
	f.liquidate(dave, alice)

	first, err := f.ledger.ClaimCollateralGain(&event.ClaimCollateralGain{Header: f.header(carol)})
	require.NoError(t, err)
	requireApprox(t, "1.99", first.CollateralGain, 10_000)
	require.True(t, f.book.CollateralOf(carol).Eq(first.CollateralGain))

	second, err := f.ledger.ClaimCollateralGain(&event.ClaimCollateralGain{Header: f.header(carol)})
	require.NoError(t, err)
	require.True(t, second.CollateralGain.IsZero())
	require.True(t, second.Deposit.Eq(first.Deposit))
	f.requireInvariants()
}

func TestClaimCollateralGain_ToPosition(t *testing.T) {
	f := newFixture(t, testParams(), "2000")
	f.open(alice, "2", "1800")
	f.open(carol, "100", "3800")
	f.provide(carol, "3000")
	f.setPrice("1050")
	f.liquidate(dave, alice)

	_, collBefore := f.entire(carol)
	res, err := f.ledger.ClaimCollateralGain(&event.ClaimCollateralGain{Header: f.header(carol), ToPosition: true})
	require.NoError(t, err)
	require.True(t, res.ToPosition)
	_, collAfter := f.entire(carol)
	want, err := fpmath.Add(collBefore, res.CollateralGain)
	require.NoError(t, err)
	require.True(t, collAfter.Eq(want))
	require.True(t, f.book.CollateralOf(carol).IsZero())
	f.requireInvariants()
}
func TestClaimCollateralGain_DepletedDepositKeepsRecord(t *testing.T) {
	f := newFixture(t, testParams(), "2000")
	f.open(alice, "2", "1800")
	f.open(bob, "10", "1800")
	f.open(carol, "20", "3800")
	f.provide(carol, "500")
	f.setPrice("1050")
	f.liquidate(dave, alice)

	first, err := f.ledger.ClaimCollateralGain(&event.ClaimCollateralGain{Header: f.header(carol)})
	require.NoError(t, err)
	requireApprox(t, "0.4975", first.CollateralGain, 1000)
	require.True(t, first.Deposit.IsZero())

	second, err := f.ledger.ClaimCollateralGain(&event.ClaimCollateralGain{Header: f.header(carol)})
	require.NoError(t, err)
	require.True(t, second.CollateralGain.IsZero())
	require.True(t, second.Deposit.IsZero())
	require.True(t, f.book.CollateralOf(carol).Eq(first.CollateralGain))

	// A withdrawal clears the empty record.
	_, err = f.ledger.WithdrawFromBuffer(&event.WithdrawFromBuffer{Header: f.header(carol)})
	require.NoError(t, err)
	_, err = f.ledger.ClaimCollateralGain(&event.ClaimCollateralGain{Header: f.header(carol)})
	require.ErrorIs(t, err, core.ErrState)
	f.requireInvariants()
}


func TestWithdrawFromBuffer_CapsAtCompoundedDeposit(t *testing.T) {
	f := newFixture(t, testParams(), "2000")
	f.open(alice, "2", "1800")
	f.open(carol, "100", "3800")
	f.provide(carol, "3000")

	res, err := f.ledger.WithdrawFromBuffer(&event.WithdrawFromBuffer{Header: f.header(carol), Amount: fpmath.Units(5000)})
	require.NoError(t, err)
	requireFixed(t, "3000", res.Withdrawn)
	require.True(t, res.Deposit.IsZero())
	requireFixed(t, "3800", f.book.BalanceOf(carol))
	f.requireInvariants()
}

// ============================================================================
// Test: Ordering and accounting properties
// ============================================================================

func TestSortedOwners_DescendingNICRUnderChurn(t *testing.T) {
	f := newFixture(t, testParams(), "2000")
	rng := rand.New(rand.NewSource(7))

	var owners []common.Address
	for i := 0; i < 40; i++ {
		owner := addr(byte(i + 1))
		coll := fpmath.Units(uint64(5 + rng.Intn(30)))
		require.NoError(t, f.book.Fund(owner, coll))
		_, err := f.ledger.OpenPosition(&event.OpenPosition{
			Header: f.header(owner),
			MaxFee: fpmath.One,
			Debt:   fpmath.Units(uint64(1800 + rng.Intn(2000))),
			Coll:   coll,
		})
		require.NoError(t, err)
		owners = append(owners, owner)
	}

	// Close every third position. With a zero fee each owner holds exactly
	// its net debt.
	for i := 0; i < len(owners); i += 3 {
		owner := owners[i]
		_, err := f.ledger.ClosePosition(&event.ClosePosition{Header: f.header(owner)})
		require.NoError(t, err)
	}

	sorted := f.ledger.SortedOwners()
	require.Len(t, sorted, f.ledger.System().PositionCount)
	for i := 1; i < len(sorted); i++ {
		require.True(t, f.ledger.NICR(sorted[i-1]).Gte(f.ledger.NICR(sorted[i])),
			"position %d ranks above a higher NICR", i-1)
	}
	f.requireInvariants()
}

func TestRewards_NeverDecrease(t *testing.T) {
	f := newFixture(t, testParams(), "2000")
	f.open(alice, "2", "1800")
	f.open(frank, "2", "1800")
	f.open(bob, "10", "1800")
	f.open(carol, "20", "3800")

	f.setPrice("1050")
	prev := f.ledger.System()
	for _, target := range []common.Address{alice, frank} {
		f.liquidate(dave, target)
		sys := f.ledger.System()
		require.True(t, sys.LColl.Gte(prev.LColl))
		require.True(t, sys.LDebt.Gte(prev.LDebt))
		prev = sys
		f.requireInvariants()
	}
}

func TestErrors_RejectReasonClasses(t *testing.T) {
	require.Equal(t, "validation", core.RejectReason(core.ErrValidation))
	require.Equal(t, "state", core.RejectReason(errors.Join(errors.New("ctx"), core.ErrState)))
	require.Equal(t, "recovery_mode", core.RejectReason(core.ErrRecoveryMode))
	require.Equal(t, "sequence", core.RejectReason(core.ErrSequence))
	require.Equal(t, "", core.RejectReason(nil))
}
