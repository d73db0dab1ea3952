package persistence_test

import (
	"context"
	"testing"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newProcessor(t *testing.T) *core.Processor {
	t.Helper()
	p, err := core.NewProcessor(state.DefaultParams(), 0, nil, nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	return p
}

// populate prices the system and opens one position.
func populate(t *testing.T, p *core.Processor) common.Address {
	t.Helper()
	owner := common.BytesToAddress([]byte{0xA1})
	hdr := func(seq int64) event.Header {
		return event.Header{CommandID: uuid.New(), Sender: owner, Sequence: seq, Timestamp: 1_700_000_000_000_000 + seq}
	}
	cmds := []event.Event{
		&event.PriceUpdate{Source: "oracle", Price: fpmath.Units(2000), PriceSequence: 1, PriceTimestamp: 1_700_000_000_000_000},
		&event.DepositCollateral{Header: hdr(0), Amount: fpmath.Units(3)},
		&event.OpenPosition{Header: hdr(1), MaxFee: fpmath.One, Debt: fpmath.Units(2000), Coll: fpmath.Units(3)},
	}
	for _, cmd := range cmds {
		_, err := p.ProcessEvent(cmd)
		require.NoError(t, err)
	}
	return owner
}

// ============================================================================
// Test: Snapshot stores
// ============================================================================

func TestSQLiteSnapshotStore_RestoresProcessor(t *testing.T) {
	ctx := context.Background()
	store, err := persistence.OpenSQLiteSnapshotStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	latest, err := store.LoadLatest(ctx)
	require.NoError(t, err)
	require.Nil(t, latest)

	original := newProcessor(t)
	owner := populate(t, original)

	size, err := store.Save(ctx, original.CreateSnapshotState())
	require.NoError(t, err)
	require.Positive(t, size)

	loaded, err := store.LoadLatest(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, int64(2), loaded.Sequence)

	restored := newProcessor(t)
	require.NoError(t, restored.RestoreFromSnapshot(loaded))
	require.Equal(t, original.GetStateHash(), restored.GetStateHash())
	require.Equal(t, original.GetSequence(), restored.GetSequence())

	wantDebt, wantColl, err := original.Ledger().EntireDebtAndColl(owner)
	require.NoError(t, err)
	gotDebt, gotColl, err := restored.Ledger().EntireDebtAndColl(owner)
	require.NoError(t, err)
	require.True(t, wantDebt.Eq(gotDebt))
	require.True(t, wantColl.Eq(gotColl))
}

func TestSQLiteSnapshotStore_PruneAndVerify(t *testing.T) {
	ctx := context.Background()
	store, err := persistence.OpenSQLiteSnapshotStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	p := newProcessor(t)
	for i := int64(0); i < 3; i++ {
		_, err := p.ProcessEvent(&event.PriceUpdate{
			Source: "oracle", Price: fpmath.Units(uint64(1000 + i)), PriceSequence: i, PriceTimestamp: 1_700_000_000_000_000 + i,
		})
		require.NoError(t, err)
		_, err = store.Save(ctx, p.CreateSnapshotState())
		require.NoError(t, err)
	}

	require.NoError(t, store.MarkVerified(ctx, 2))
	ok, err := store.Verified(ctx, 2)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.Prune(ctx, 1))
	latest, err := store.LoadLatest(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), latest.Sequence)
	require.True(t, latest.Price.Eq(fpmath.Units(1002)))

	ok, err = store.Verified(ctx, 0)
	require.NoError(t, err)
	require.False(t, ok, "pruned snapshot")
}

func TestSnapshotCodec_RejectsGarbage(t *testing.T) {
	_, err := persistence.DecodeSnapshot([]byte{0xc1})
	require.Error(t, err)
}
