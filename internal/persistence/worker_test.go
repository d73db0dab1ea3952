package persistence_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/persistence"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// flakyWriter fails the first failures calls and records every batch it
// accepts.
type flakyWriter struct {
	mu       sync.Mutex
	failures int
	calls    int
	events   []persistence.EventRow
	journals []persistence.JournalRow
}

func (w *flakyWriter) WriteBatch(_ context.Context, events []persistence.EventRow, journals []persistence.JournalRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.calls <= w.failures {
		return errors.New("connection reset")
	}
	w.events = append(w.events, events...)
	w.journals = append(w.journals, journals...)
	return nil
}

func (w *flakyWriter) sequences() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]int64, 0, len(w.events))
	for _, e := range w.events {
		out = append(out, e.Sequence)
	}
	return out
}

func output(seq int64, withJournal bool) core.CoreOutput {
	env := &event.EventEnvelope{
		Sequence:       seq,
		IdempotencyKey: uuid.NewString(),
		EventType:      event.EventTypeDepositCollateral,
		Partition:      "sender:0x01",
		SourceSequence: seq,
		Payload:        []byte(`{}`),
		Result:         []byte(`{}`),
		Timestamp:      time.UnixMicro(1_700_000_000_000_000 + seq),
	}
	out := core.CoreOutput{Envelope: env}
	if withJournal {
		owner := common.BytesToAddress([]byte{0x01})
		out.Batch = &ledger.Batch{
			BatchID: uuid.New(),
			Journals: []ledger.Journal{{
				JournalID:     uuid.New(),
				EventRef:      env.IdempotencyKey,
				Sequence:      seq,
				DebitAccount:  ledger.NewAccountKey(owner, ledger.AssetCollateral),
				CreditAccount: ledger.NewExternalAccountKey(ledger.AssetCollateral),
				AssetID:       ledger.AssetCollateral,
				Amount:        fpmath.MustParse("1.25"),
				JournalType:   ledger.JournalTypeCollateralDeposit,
				Timestamp:     1_700_000_000_000_000 + seq,
			}},
		}
		out.Batch.Journals[0].BatchID = out.Batch.BatchID
	}
	return out
}

// ============================================================================
// Test: Persistence worker
// ============================================================================

func TestPersistenceWorker_RetriesUntilWritten(t *testing.T) {
	in := make(chan core.CoreOutput, 8)
	writer := &flakyWriter{failures: 2}
	w := persistence.NewPersistenceWorker(writer, in, 3, time.Hour, nil, zerolog.Nop())
	w.SetMaxBackoff(time.Millisecond)

	var published []int64
	w.SetOnPersisted(func(out core.CoreOutput) {
		published = append(published, out.Envelope.Sequence)
	})

	for seq := int64(0); seq < 3; seq++ {
		in <- output(seq, seq == 1)
	}
	close(in)

	require.NoError(t, w.Run(context.Background()))
	require.Equal(t, []int64{0, 1, 2}, writer.sequences())
	require.Equal(t, []int64{0, 1, 2}, published)
	require.Equal(t, 3, writer.calls)

	require.Len(t, writer.journals, 1)
	j := writer.journals[0]
	require.Equal(t, "1.25", j.Amount)
	require.Equal(t, "collateral_deposit", j.JournalType)
	require.Equal(t, int64(1), j.Sequence)
}

func TestPersistenceWorker_FlushesOnTimeout(t *testing.T) {
	in := make(chan core.CoreOutput, 8)
	writer := &flakyWriter{}
	w := persistence.NewPersistenceWorker(writer, in, 100, 5*time.Millisecond, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	in <- output(0, false)
	require.Eventually(t, func() bool {
		return len(writer.sequences()) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestPersistenceWorker_ShutdownFlushesBuffered(t *testing.T) {
	in := make(chan core.CoreOutput, 8)
	writer := &flakyWriter{}
	w := persistence.NewPersistenceWorker(writer, in, 100, time.Hour, nil, zerolog.Nop())

	in <- output(0, false)
	in <- output(1, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, w.Run(ctx), context.Canceled)
	require.Equal(t, []int64{0, 1}, writer.sequences())
}

func TestNewRecord_RejectedCommand(t *testing.T) {
	out := output(4, false)
	out.Envelope.Result = nil
	out.Envelope.Rejection = "validation error: debt below minimum"

	rec := persistence.NewRecord(out)
	require.Equal(t, "DepositCollateral", rec.Event.EventType)
	require.Equal(t, "validation error: debt below minimum", rec.Event.Rejection)
	require.Nil(t, rec.Event.Result)
	require.Empty(t, rec.Journals)
}
