package query_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/projection"
	"CDPLedger/internal/query"
	"CDPLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// inline runs reads on the caller's goroutine.
type inline struct{}

func (inline) Exec(_ context.Context, fn func()) error { fn(); return nil }

// busy never gets a turn on the processor.
type busy struct{}

func (busy) Exec(ctx context.Context, _ func()) error {
	<-ctx.Done()
	return ctx.Err()
}

// memProjection is a canned read model.
type memProjection struct {
	positions map[common.Address]core.PositionView
	system    projection.SystemState
	history   []projection.HistoryEntry
}

func (m *memProjection) Position(_ context.Context, owner common.Address) (*core.PositionView, error) {
	v, ok := m.positions[owner]
	if !ok {
		return nil, projection.ErrNotProjected
	}
	return &v, nil
}

func (m *memProjection) System(context.Context) (*projection.SystemState, error) {
	return &m.system, nil
}

func (m *memProjection) Riskiest(_ context.Context, n int64) ([]common.Address, error) {
	var out []common.Address
	for o := range m.positions {
		if int64(len(out)) < n {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memProjection) History(_ context.Context, _ common.Address, n int64) ([]projection.HistoryEntry, error) {
	if int64(len(m.history)) > n {
		return m.history[:n], nil
	}
	return m.history, nil
}

func (m *memProjection) Watermark(context.Context) (int64, error) { return m.system.Sequence, nil }

// memLog serves persisted rows.
type memLog struct {
	rows     []persistence.EventRow
	journals []persistence.JournalRow
}

func (l *memLog) LoadEventsFrom(_ context.Context, from int64, limit int) ([]persistence.EventRow, error) {
	var out []persistence.EventRow
	for _, r := range l.rows {
		if r.Sequence >= from && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (l *memLog) LatestSequence(context.Context) (int64, error) {
	if len(l.rows) == 0 {
		return -1, nil
	}
	return l.rows[len(l.rows)-1].Sequence, nil
}

func (l *memLog) AccountJournals(_ context.Context, path string, limit int) ([]persistence.JournalRow, error) {
	var out []persistence.JournalRow
	for _, j := range l.journals {
		if (j.DebitAccount == path || j.CreditAccount == path) && len(out) < limit {
			out = append(out, j)
		}
	}
	return out, nil
}

var (
	alice = common.BytesToAddress([]byte{0xA1})
	bob   = common.BytesToAddress([]byte{0xB2})
)

// setup opens two positions at price 2000 and logs every output.
func setup(t *testing.T) (*core.Processor, *memLog) {
	t.Helper()
	persist := make(chan core.CoreOutput, 16)
	p, err := core.NewProcessor(state.DefaultParams(), 0, persist, nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	seqs := map[common.Address]int64{}
	hdr := func(who common.Address) event.Header {
		h := event.Header{CommandID: uuid.New(), Sender: who, Sequence: seqs[who], Timestamp: 1_700_000_000_000_000}
		seqs[who]++
		return h
	}
	cmds := []event.Event{
		&event.PriceUpdate{Source: "oracle", Price: fpmath.Units(2000), PriceSequence: 1, PriceTimestamp: 1_700_000_000_000_000},
		&event.DepositCollateral{Header: hdr(alice), Amount: fpmath.Units(10)},
		&event.OpenPosition{Header: hdr(alice), MaxFee: fpmath.One, Debt: fpmath.Units(4000), Coll: fpmath.Units(4)},
		&event.DepositCollateral{Header: hdr(bob), Amount: fpmath.Units(10)},
		&event.OpenPosition{Header: hdr(bob), MaxFee: fpmath.One, Debt: fpmath.Units(4000), Coll: fpmath.Units(8)},
	}
	for _, cmd := range cmds {
		_, err := p.ProcessEvent(cmd)
		require.NoError(t, err)
	}
	close(persist)

	log := &memLog{}
	for out := range persist {
		rec := persistence.NewRecord(out)
		log.rows = append(log.rows, rec.Event)
		log.journals = append(log.journals, rec.Journals...)
	}
	return p, log
}

// ============================================================================
// Test: Live reads
// ============================================================================

func TestQueryService_LivePosition(t *testing.T) {
	p, _ := setup(t)
	qs := query.NewQueryService(inline{}, p, nil, zerolog.Nop())

	resp, err := qs.GetPosition(context.Background(), alice)
	require.NoError(t, err)
	require.Equal(t, query.SourceLive, resp.Source)
	require.Equal(t, int64(4), resp.AsOfSequence)
	require.Equal(t, "4", resp.Coll.String())
	require.NotNil(t, resp.ICR)
	require.True(t, resp.ICR.GreaterThan(p.Ledger().Params().MCR.Decimal()))

	_, err = qs.GetPosition(context.Background(), common.BytesToAddress([]byte{0xEE}))
	require.ErrorIs(t, err, query.ErrNotFound)
}

func TestQueryService_RiskiestFirst(t *testing.T) {
	p, _ := setup(t)
	qs := query.NewQueryService(inline{}, p, nil, zerolog.Nop())

	out, err := qs.GetRiskiest(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, alice.Hex(), out[0].Owner)
}

func TestQueryService_SystemAndBalance(t *testing.T) {
	p, _ := setup(t)
	qs := query.NewQueryService(inline{}, p, nil, zerolog.Nop())
	ctx := context.Background()

	sys, err := qs.GetSystem(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, sys.PositionCount)
	require.False(t, sys.RecoveryMode)
	require.NotNil(t, sys.TCR)
	require.NotNil(t, sys.BorrowingRate)
	require.Equal(t, "12", sys.ActiveColl.String())

	bal, err := qs.GetBalance(ctx, bob)
	require.NoError(t, err)
	require.Equal(t, "2", bal.FreeCollateral.String())
	require.Equal(t, "4000", bal.DebtTokens.String())
	require.True(t, bal.BufferDeposit.IsZero())

	fee, err := qs.GetBorrowingFee(ctx, fpmath.Units(1000))
	require.NoError(t, err)
	require.True(t, fee.Fee.IsPositive())
}

func TestQueryService_Hints(t *testing.T) {
	p, _ := setup(t)
	qs := query.NewQueryService(inline{}, p, nil, zerolog.Nop())
	ctx := context.Background()

	// A NICR between alice's and bob's lands between them.
	nicr := fpmath.ComputeNICR(fpmath.Units(6), fpmath.Units(4200))
	hint, err := qs.GetInsertHint(ctx, nicr, common.Address{}, common.Address{})
	require.NoError(t, err)
	require.Equal(t, bob.Hex(), hint.Prev)
	require.Equal(t, alice.Hex(), hint.Next)

	red, err := qs.GetRedemptionHints(ctx, fpmath.Units(100), 0)
	require.NoError(t, err)
	require.Equal(t, alice.Hex(), red.FirstHint)
	require.Equal(t, "100", red.TruncatedAmount.String())
}

// ============================================================================
// Test: Projection fallback
// ============================================================================

func TestQueryService_FallsBackToProjection(t *testing.T) {
	p, _ := setup(t)
	view, err := p.Ledger().Position(alice)
	require.NoError(t, err)

	proj := &memProjection{
		positions: map[common.Address]core.PositionView{alice: view},
		system: projection.SystemState{
			SystemView: p.Ledger().System(),
			Price:      fpmath.Units(2000),
			TCR:        fpmath.Units(2),
			Sequence:   3,
		},
	}
	qs := query.NewQueryService(busy{}, p, nil, zerolog.Nop())
	qs.SetLiveTimeout(5 * time.Millisecond)
	qs.SetProjection(proj)
	ctx := context.Background()

	resp, err := qs.GetPosition(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, query.SourceProjection, resp.Source)
	require.Equal(t, int64(3), resp.AsOfSequence)
	require.NotNil(t, resp.ICR)

	_, err = qs.GetPosition(ctx, bob)
	require.ErrorIs(t, err, query.ErrNotFound)

	sys, err := qs.GetSystem(ctx)
	require.NoError(t, err)
	require.Equal(t, query.SourceProjection, sys.Source)
	require.Equal(t, "2", sys.TCR.String())
	require.Nil(t, sys.BorrowingRate)

	_, err = qs.GetBalance(ctx, alice)
	require.ErrorIs(t, err, query.ErrUnavailable)
}

func TestQueryService_NoProjectionIsUnavailable(t *testing.T) {
	p, _ := setup(t)
	qs := query.NewQueryService(busy{}, p, nil, zerolog.Nop())
	qs.SetLiveTimeout(time.Millisecond)

	_, err := qs.GetSystem(context.Background())
	require.True(t, errors.Is(err, query.ErrUnavailable))
}

// ============================================================================
// Test: Event log reads
// ============================================================================

func TestQueryService_JournalHistory(t *testing.T) {
	p, log := setup(t)
	qs := query.NewQueryService(inline{}, p, nil, zerolog.Nop())
	qs.SetEventLog(log)

	entries, err := qs.GetJournalHistory(context.Background(), alice, ledger.AssetDebtToken, 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	for _, e := range entries {
		require.Equal(t, int64(2), e.Sequence)
		require.True(t, e.Amount.IsPositive())
	}
}

func TestQueryService_VerifyIntegrity(t *testing.T) {
	p, log := setup(t)
	qs := query.NewQueryService(inline{}, p, nil, zerolog.Nop())
	qs.SetEventLog(log)
	ctx := context.Background()

	report, err := qs.VerifyIntegrity(ctx, 0, 100)
	require.NoError(t, err)
	require.True(t, report.IsHealthy)
	require.Equal(t, int64(5), report.Checked)
	require.Equal(t, int64(4), report.LastSequence)

	log.rows[3].PrevHash[0] ^= 0xff
	report, err = qs.VerifyIntegrity(ctx, 0, 100)
	require.NoError(t, err)
	require.False(t, report.IsHealthy)
	require.Equal(t, []int64{3}, report.HashChainBreaks)

	info, err := qs.GetEventLogInfo(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(4), info.PersistedSequence)
	require.Equal(t, int64(4), info.AppliedSequence)
	require.Len(t, info.StateHash, 64)
}
