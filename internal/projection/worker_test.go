package projection_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/projection"
	"CDPLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// memStore records every update it is asked to apply.
type memStore struct {
	mu      sync.Mutex
	updates []*projection.Update
}

func (m *memStore) Apply(_ context.Context, u *projection.Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, u)
	return nil
}

var owner = common.BytesToAddress([]byte{0xB0})

func run(t *testing.T, proj chan core.CoreOutput) *core.Processor {
	t.Helper()
	p, err := core.NewProcessor(state.DefaultParams(), 0, nil, proj, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	hdr := func(seq int64) event.Header {
		return event.Header{CommandID: uuid.New(), Sender: owner, Sequence: seq, Timestamp: 1_700_000_000_000_000 + seq}
	}
	cmds := []event.Event{
		&event.PriceUpdate{Source: "oracle", Price: fpmath.Units(2000), PriceSequence: 1, PriceTimestamp: 1_700_000_000_000_000},
		&event.DepositCollateral{Header: hdr(0), Amount: fpmath.Units(4)},
		&event.OpenPosition{Header: hdr(1), MaxFee: fpmath.One, Debt: fpmath.Units(3000), Coll: fpmath.Units(4)},
	}
	for _, cmd := range cmds {
		_, err := p.ProcessEvent(cmd)
		require.NoError(t, err)
	}
	return p
}

// ============================================================================
// Test: Worker
// ============================================================================

func TestWorker_AppliesOutputsInOrder(t *testing.T) {
	proj := make(chan core.CoreOutput, 8)
	run(t, proj)
	close(proj)

	store := &memStore{}
	w := projection.NewWorker(store, proj, nil, zerolog.Nop())
	require.NoError(t, w.Run(context.Background()))
	require.Equal(t, int64(2), w.LastSequence())

	require.Len(t, store.updates, 3)
	for i, u := range store.updates {
		require.Equal(t, int64(i), u.Sequence)
		require.False(t, u.Reset)
	}

	last := store.updates[2]
	require.Equal(t, event.EventTypeOpenPosition, last.EventType)
	require.Len(t, last.Positions, 1)
	require.Equal(t, owner, last.Positions[0].Owner)
	require.Equal(t, state.StatusActive.String(), last.Positions[0].Status)
	require.True(t, last.System.Price.Eq(fpmath.Units(2000)))
	require.True(t, last.System.TCR.Lt(fpmath.Max))
	require.True(t, last.System.TCR.Gt(fpmath.One))
}

func TestWorker_GapTriggersRebuild(t *testing.T) {
	proj := make(chan core.CoreOutput, 8)
	p := run(t, proj)
	close(proj)

	var outs []core.CoreOutput
	for out := range proj {
		outs = append(outs, out)
	}

	// Seq 1 is dropped.
	in := make(chan core.CoreOutput, 2)
	in <- outs[0]
	in <- outs[2]
	close(in)

	store := &memStore{}
	w := projection.NewWorker(store, in, nil, zerolog.Nop())
	w.SetResyncer(func(context.Context) (*projection.Update, error) {
		return projection.FullUpdate(p), nil
	})
	require.NoError(t, w.Run(context.Background()))

	require.Len(t, store.updates, 2)
	rebuilt := store.updates[1]
	require.True(t, rebuilt.Reset)
	require.Equal(t, int64(2), rebuilt.Sequence)
	require.Len(t, rebuilt.Positions, 1)
	require.Equal(t, int64(2), w.LastSequence())
}

func TestWorker_StopsOnCancel(t *testing.T) {
	in := make(chan core.CoreOutput)
	w := projection.NewWorker(&memStore{}, in, nil, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, w.Run(ctx), context.DeadlineExceeded)
}

// ============================================================================
// Test: History
// ============================================================================

func TestHistoryEntries_Liquidation(t *testing.T) {
	liquidator := common.BytesToAddress([]byte{0xC0})
	out := core.CoreOutput{
		Envelope: &event.EventEnvelope{Sequence: 9, Timestamp: time.UnixMicro(1_700_000_000_000_000)},
		Result: &core.LiquidationResult{
			Liquidator: liquidator,
			Price:      fpmath.Units(1000),
			Positions: []core.LiquidatedPosition{
				{Owner: owner, Mode: "offset", Debt: fpmath.Units(1800), Coll: fpmath.Units(2)},
			},
		},
	}

	entries := projection.HistoryEntries(out)
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, projection.HistoryLiquidated, e.Kind)
	require.Equal(t, owner, e.Owner)
	require.Equal(t, liquidator, e.Initiator)
	require.True(t, e.Closed)
	require.Equal(t, int64(9), e.Sequence)
}

func TestHistoryEntries_RejectedYieldsNothing(t *testing.T) {
	out := core.CoreOutput{
		Envelope: &event.EventEnvelope{Sequence: 3, Rejection: "state error: nothing to redeem"},
	}
	require.Empty(t, projection.HistoryEntries(out))
}
