package recovery_test

import (
	"context"
	"testing"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/recovery"
	"CDPLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// memLog is an in-memory event log.
type memLog struct {
	rows []persistence.EventRow
}

func (m *memLog) LoadEventsFrom(_ context.Context, from int64, limit int) ([]persistence.EventRow, error) {
	var out []persistence.EventRow
	for _, r := range m.rows {
		if r.Sequence >= from && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memLog) GetEvent(_ context.Context, seq int64) (*persistence.EventRow, error) {
	for i := range m.rows {
		if m.rows[i].Sequence == seq {
			r := m.rows[i]
			return &r, nil
		}
	}
	return nil, nil
}

func factory() (*core.Processor, error) {
	return core.NewProcessor(state.DefaultParams(), 0, nil, nil, nil, nil, zerolog.Nop())
}

var owner = common.BytesToAddress([]byte{0xA1})

func header(seq int64) event.Header {
	return event.Header{CommandID: uuid.New(), Sender: owner, Sequence: seq, Timestamp: 1_700_000_000_000_000 + seq*60_000_000}
}

// history runs a short session, including one rejected command, and
// returns the live processor with its log.
func history(t *testing.T) (*core.Processor, *memLog) {
	t.Helper()
	persist := make(chan core.CoreOutput, 64)
	live, err := core.NewProcessor(state.DefaultParams(), 0, persist, nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	cmds := []event.Event{
		&event.PriceUpdate{Source: "oracle", Price: fpmath.Units(2000), PriceSequence: 0, PriceTimestamp: 1_700_000_000_000_000},
		&event.DepositCollateral{Header: header(0), Amount: fpmath.Units(10)},
		&event.OpenPosition{Header: header(1), MaxFee: fpmath.One, Debt: fpmath.Units(5000), Coll: fpmath.Units(5)},
		&event.WithdrawCollateral{Header: header(2), Amount: fpmath.Units(50)}, // rejected
		&event.ProvideToBuffer{Header: header(3), Amount: fpmath.Units(1000)},
		&event.AdjustPosition{Header: header(4), MaxFee: fpmath.One, CollDelta: fpmath.Units(1), IsCollIncrease: true},
	}
	for _, cmd := range cmds {
		_, err := live.ProcessEvent(cmd)
		require.True(t, err == nil || core.IsRejection(err))
	}
	close(persist)

	log := &memLog{}
	for out := range persist {
		log.rows = append(log.rows, persistence.NewRecord(out).Event)
	}
	require.Len(t, log.rows, len(cmds))
	require.NotEmpty(t, log.rows[3].Rejection)
	return live, log
}

// ============================================================================
// Test: Restore
// ============================================================================

func TestRestore_FullReplay(t *testing.T) {
	live, log := history(t)
	snaps, err := persistence.OpenSQLiteSnapshotStore(":memory:")
	require.NoError(t, err)
	defer snaps.Close()

	proc, res, err := recovery.New(snaps, log, nil, zerolog.Nop()).Restore(context.Background(), factory)
	require.NoError(t, err)
	require.Equal(t, int64(-1), res.SnapshotSequence)
	require.Equal(t, int64(len(log.rows)), res.Replayed)
	require.Equal(t, live.GetSequence(), proc.GetSequence())
	require.Equal(t, live.GetStateHash(), proc.GetStateHash())
}

func TestRestore_SnapshotPlusTail(t *testing.T) {
	_, log := history(t)
	ctx := context.Background()

	// Snapshot a processor that only saw the first three commands.
	partial, err := factory()
	require.NoError(t, err)
	_, _, err = recovery.New(nil, &memLog{rows: log.rows[:3]}, nil, zerolog.Nop()).Restore(ctx, func() (*core.Processor, error) {
		return partial, nil
	})
	require.NoError(t, err)

	snaps, err := persistence.OpenSQLiteSnapshotStore(":memory:")
	require.NoError(t, err)
	defer snaps.Close()
	_, err = snaps.Save(ctx, partial.CreateSnapshotState())
	require.NoError(t, err)

	proc, res, err := recovery.New(snaps, log, nil, zerolog.Nop()).Restore(ctx, factory)
	require.NoError(t, err)
	require.Equal(t, int64(2), res.SnapshotSequence)
	require.Equal(t, int64(3), res.Replayed)
	require.Equal(t, log.rows[len(log.rows)-1].StateHash, proc.GetStateHash())

	verified, err := snaps.Verified(ctx, 2)
	require.NoError(t, err)
	require.True(t, verified)
}

func TestRestore_MismatchedSnapshotFallsBack(t *testing.T) {
	_, log := history(t)
	ctx := context.Background()

	snapProc, err := factory()
	require.NoError(t, err)
	snap := snapProc.CreateSnapshotState()
	snap.Sequence = 1 // claims a position in the log it does not match

	snaps, err := persistence.OpenSQLiteSnapshotStore(":memory:")
	require.NoError(t, err)
	defer snaps.Close()
	_, err = snaps.Save(ctx, snap)
	require.NoError(t, err)

	proc, res, err := recovery.New(snaps, log, nil, zerolog.Nop()).Restore(ctx, factory)
	require.NoError(t, err)
	require.Equal(t, int64(-1), res.SnapshotSequence)
	require.Equal(t, log.rows[len(log.rows)-1].StateHash, proc.GetStateHash())
}

func TestRestore_TamperedLogDiverges(t *testing.T) {
	_, log := history(t)
	log.rows[4].StateHash[0] ^= 0xff

	_, _, err := recovery.New(nil, log, nil, zerolog.Nop()).Restore(context.Background(), factory)
	require.ErrorIs(t, err, recovery.ErrDiverged)
}

// ============================================================================
// Test: Snapshotter
// ============================================================================

func TestSnapshotter_TakeAndRestore(t *testing.T) {
	live, log := history(t)
	ctx := context.Background()

	snaps, err := persistence.OpenSQLiteSnapshotStore(":memory:")
	require.NoError(t, err)
	defer snaps.Close()

	s := recovery.NewSnapshotter(recovery.Direct{}, live, snaps, 10, 1, nil, zerolog.Nop())
	seq, size, err := s.Take(ctx)
	require.NoError(t, err)
	require.Equal(t, live.AppliedSequence(), seq)
	require.Positive(t, size)

	proc, res, err := recovery.New(snaps, log, nil, zerolog.Nop()).Restore(ctx, factory)
	require.NoError(t, err)
	require.Equal(t, seq, res.SnapshotSequence)
	require.Zero(t, res.Replayed)
	require.Equal(t, live.GetStateHash(), proc.GetStateHash())
}

func TestSnapshotter_NothingApplied(t *testing.T) {
	proc, err := factory()
	require.NoError(t, err)
	snaps, err := persistence.OpenSQLiteSnapshotStore(":memory:")
	require.NoError(t, err)
	defer snaps.Close()

	_, _, err = recovery.NewSnapshotter(recovery.Direct{}, proc, snaps, 10, 1, nil, zerolog.Nop()).Take(context.Background())
	require.ErrorIs(t, err, recovery.ErrNothingApplied)
}
