package persistence_test

import (
	"context"
	"testing"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/recovery"
	"CDPLedger/internal/state"
	"CDPLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test: Postgres event log (integration)
// ============================================================================

func TestEventLog_PostgresRoundTrip(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	pool, err := persistence.Connect(ctx, testutil.TestPostgresDSN(), 4)
	require.NoError(t, err)
	defer pool.Close()
	log := persistence.NewEventLog(pool)

	owner := testutil.Addr(0xA1)
	persist := make(chan core.CoreOutput, 16)
	proc, err := core.NewProcessor(state.DefaultParams(), 0, persist, nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	hdr := func(seq int64) event.Header {
		return event.Header{CommandID: uuid.New(), Sender: owner, Sequence: seq, Timestamp: testutil.Timestamp(seq)}
	}
	deposit := &event.DepositCollateral{Header: hdr(0), Amount: testutil.Amount("4")}
	cmds := []event.Event{
		&event.PriceUpdate{Source: "oracle", Price: testutil.Amount("2000"), PriceSequence: 1, PriceTimestamp: testutil.Timestamp(0)},
		deposit,
		&event.OpenPosition{Header: hdr(1), MaxFee: testutil.Amount("1"), Debt: testutil.Amount("3000"), Coll: testutil.Amount("4")},
	}
	for _, cmd := range cmds {
		_, err := proc.ProcessEvent(cmd)
		require.NoError(t, err)
	}
	close(persist)

	w := persistence.NewPersistenceWorker(log, persist, 10, time.Hour, nil, zerolog.Nop())
	require.NoError(t, w.Run(ctx))

	latest, err := log.LatestSequence(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), latest)

	row, err := log.GetEvent(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Equal(t, proc.GetStateHash(), row.StateHash)

	path := ledger.NewAccountKey(owner, ledger.AssetCollateral).AccountPath()
	journals, err := log.AccountJournals(ctx, path, 10)
	require.NoError(t, err)
	require.NotEmpty(t, journals)

	dup, err := persistence.NewPostgresIdempotencyChecker(db).IsDuplicate(deposit.EventType().String(), deposit.IdempotencyKey())
	require.NoError(t, err)
	require.True(t, dup)

	// Writing the same batch again is a no-op.
	rows, err := log.LoadEventsFrom(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.NoError(t, log.WriteBatch(ctx, rows, nil))
	rows, err = log.LoadEventsFrom(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	// A Postgres snapshot plus the log restores the same state.
	snaps := persistence.NewSnapshotManager(db)
	_, err = snaps.Save(ctx, proc.CreateSnapshotState())
	require.NoError(t, err)

	restored, res, err := recovery.New(snaps, log, nil, zerolog.Nop()).Restore(ctx, func() (*core.Processor, error) {
		return core.NewProcessor(state.DefaultParams(), 0, nil, nil, nil, nil, zerolog.Nop())
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), res.SnapshotSequence)
	require.Equal(t, proc.GetStateHash(), restored.GetStateHash())
}
