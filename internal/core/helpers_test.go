package core_test

import (
	"testing"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var (
	alice = addr(0xA1)
	bob   = addr(0xB0)
	carol = addr(0xC0)
	dave  = addr(0xD0)
	frank = addr(0xF0)
)

func addr(n byte) common.Address {
	var a common.Address
	a[19] = n
	return a
}

// testParams are the launch parameters with a zero borrowing fee floor, so
// composite debt is requested debt plus the gas reserve.
func testParams() state.Params {
	p := state.DefaultParams()
	p.BorrowingFeeFloor = fpmath.Zero
	return p
}

type fixture struct {
	t      *testing.T
	book   *ledger.BalanceTracker
	feed   *core.StaticPriceFeed
	ledger *core.Ledger
	clock  int64
}

func newFixture(t *testing.T, p state.Params, price string) *fixture {
	t.Helper()
	book := ledger.NewBalanceTracker()
	feed := core.NewStaticPriceFeed(fpmath.MustParse(price))
	l, err := core.NewLedgerWithBook(p, feed, book)
	require.NoError(t, err)
	return &fixture{t: t, book: book, feed: feed, ledger: l, clock: 1_700_000_000_000_000}
}

// header advances the clock one minute per command.
func (f *fixture) header(sender common.Address) event.Header {
	f.clock += 60_000_000
	return event.Header{CommandID: uuid.New(), Sender: sender, Timestamp: f.clock}
}

func (f *fixture) setPrice(price string) {
	f.feed.SetPrice(fpmath.MustParse(price))
}

func (f *fixture) open(owner common.Address, coll, debt string) *core.PositionResult {
	f.t.Helper()
	c := fpmath.MustParse(coll)
	require.NoError(f.t, f.book.Fund(owner, c))
	res, err := f.ledger.OpenPosition(&event.OpenPosition{
		Header: f.header(owner),
		MaxFee: fpmath.One,
		Debt:   fpmath.MustParse(debt),
		Coll:   c,
	})
	require.NoError(f.t, err)
	return res
}

func (f *fixture) provide(owner common.Address, amount string) *core.BufferResult {
	f.t.Helper()
	res, err := f.ledger.ProvideToBuffer(&event.ProvideToBuffer{
		Header: f.header(owner),
		Amount: fpmath.MustParse(amount),
	})
	require.NoError(f.t, err)
	return res
}

func (f *fixture) liquidate(liquidator, target common.Address) *core.LiquidationResult {
	f.t.Helper()
	res, err := f.ledger.Liquidate(&event.Liquidate{Header: f.header(liquidator), Target: target})
	require.NoError(f.t, err)
	return res
}

func (f *fixture) entire(owner common.Address) (debt, coll fpmath.Fixed) {
	f.t.Helper()
	debt, coll, err := f.ledger.EntireDebtAndColl(owner)
	require.NoError(f.t, err)
	return debt, coll
}

func (f *fixture) requireInvariants() {
	f.t.Helper()
	require.NoError(f.t, f.ledger.CheckInvariants(true))
}

func requireFixed(t *testing.T, want string, got fpmath.Fixed, msgAndArgs ...interface{}) {
	t.Helper()
	require.Equal(t, fpmath.MustParse(want).String(), got.String(), msgAndArgs...)
}

// requireApprox allows tol raw units (1e-18 each) of rounding.
func requireApprox(t *testing.T, want string, got fpmath.Fixed, tol uint64) {
	t.Helper()
	w := fpmath.MustParse(want)
	diff := fpmath.SubOrZero(w, got)
	if got.Gt(w) {
		diff = fpmath.SubOrZero(got, w)
	}
	require.True(t, diff.Lte(fpmath.Raw(tol)), "got %s, want %s (tolerance %d raw)", got, want, tol)
}
