// Package recovery rebuilds processor state at startup from the latest
// snapshot plus the event log tail.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/ingestion"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/persistence"

	"github.com/rs/zerolog"
)

const replayBatchSize = 1000

// ErrDiverged means replaying the log did not reproduce a stored state
// hash. The node must not serve traffic from such a state.
var ErrDiverged = errors.New("replay diverged from event log")

// EventSource is the persisted event log.
type EventSource interface {
	LoadEventsFrom(ctx context.Context, from int64, limit int) ([]persistence.EventRow, error)
	GetEvent(ctx context.Context, sequence int64) (*persistence.EventRow, error)
}

// ProcessorFactory builds an empty processor.
type ProcessorFactory func() (*core.Processor, error)

// Result summarizes a restore.
type Result struct {
	SnapshotSequence int64 // -1 without a snapshot
	Replayed         int64
	NextSequence     int64
	Duration         time.Duration
}

type Recovery struct {
	snapshots persistence.SnapshotStore
	events    EventSource
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func New(snapshots persistence.SnapshotStore, events EventSource, metrics *observability.Metrics, logger zerolog.Logger) *Recovery {
	return &Recovery{snapshots: snapshots, events: events, metrics: metrics, logger: logger}
}

// Restore returns a processor positioned at the head of the event log.
// A snapshot that fails to load or verify is skipped in favor of a full
// replay; a replay that diverges is fatal.
func (r *Recovery) Restore(ctx context.Context, newProc ProcessorFactory) (*core.Processor, Result, error) {
	start := time.Now()
	res := Result{SnapshotSequence: -1}

	proc, err := newProc()
	if err != nil {
		return nil, res, err
	}

	if r.snapshots != nil {
		restored, seq, err := r.restoreSnapshot(ctx, proc)
		if err != nil {
			r.logger.Warn().Err(err).Msg("snapshot unusable, replaying full log")
			if proc, err = newProc(); err != nil {
				return nil, res, err
			}
		} else if restored {
			res.SnapshotSequence = seq
		}
	}

	replayed, err := r.replay(ctx, proc)
	res.Replayed = replayed
	if err != nil {
		return nil, res, err
	}

	res.NextSequence = proc.GetSequence()
	res.Duration = time.Since(start)
	if r.metrics != nil {
		r.metrics.ReplayEventsTotal.Add(float64(replayed))
		r.metrics.ReplayDuration.Set(res.Duration.Seconds())
	}
	r.logger.Info().
		Int64("snapshot_seq", res.SnapshotSequence).
		Int64("replayed", replayed).
		Int64("next_seq", res.NextSequence).
		Dur("took", res.Duration).
		Msg("state restored")
	return proc, res, nil
}

func (r *Recovery) restoreSnapshot(ctx context.Context, proc *core.Processor) (bool, int64, error) {
	snap, err := r.snapshots.LoadLatest(ctx)
	if err != nil {
		return false, 0, err
	}
	if snap == nil {
		r.logger.Info().Msg("no snapshot found, cold start")
		return false, 0, nil
	}

	// The snapshot must agree with the log it claims to summarize.
	row, err := r.events.GetEvent(ctx, snap.Sequence)
	if err != nil {
		return false, 0, err
	}
	if row == nil {
		return false, 0, fmt.Errorf("snapshot sequence %d is not in the event log", snap.Sequence)
	}
	if row.StateHash != snap.StateHash {
		return false, 0, fmt.Errorf("snapshot %d state hash %x does not match log %x", snap.Sequence, snap.StateHash, row.StateHash)
	}

	if err := proc.RestoreFromSnapshot(snap); err != nil {
		return false, 0, err
	}
	if err := r.snapshots.MarkVerified(ctx, snap.Sequence); err != nil {
		r.logger.Warn().Err(err).Int64("seq", snap.Sequence).Msg("mark snapshot verified failed")
	}
	r.logger.Info().Int64("seq", snap.Sequence).Msg("snapshot restored")
	return true, snap.Sequence, nil
}

// replay re-applies every logged command after the processor's position and
// checks each resulting envelope against the stored one.
func (r *Recovery) replay(ctx context.Context, proc *core.Processor) (int64, error) {
	var replayed int64
	from := proc.GetSequence()

	for {
		rows, err := r.events.LoadEventsFrom(ctx, from, replayBatchSize)
		if err != nil {
			return replayed, fmt.Errorf("load events from seq %d: %w", from, err)
		}
		if len(rows) == 0 {
			return replayed, nil
		}

		for i := range rows {
			if err := ctx.Err(); err != nil {
				return replayed, err
			}
			if err := replayOne(proc, &rows[i]); err != nil {
				return replayed, err
			}
			replayed++
		}
		from = rows[len(rows)-1].Sequence + 1
	}
}

func replayOne(proc *core.Processor, row *persistence.EventRow) error {
	if row.Sequence != proc.GetSequence() {
		return fmt.Errorf("%w: log has sequence %d, processor expects %d", ErrDiverged, row.Sequence, proc.GetSequence())
	}

	evt, err := ingestion.ParseRawEvent(ingestion.RawEvent{Subject: "replay", EventType: row.EventType, Data: row.Payload}, row.EventType)
	if err != nil {
		return fmt.Errorf("%w: parse seq %d: %v", ErrDiverged, row.Sequence, err)
	}

	out, err := proc.ProcessEvent(evt)
	if err != nil && !core.IsRejection(err) {
		return fmt.Errorf("%w: seq %d: %v", ErrDiverged, row.Sequence, err)
	}
	if out == nil {
		return fmt.Errorf("%w: seq %d was dropped on replay", ErrDiverged, row.Sequence)
	}
	if out.Envelope.Rejection != row.Rejection {
		return fmt.Errorf("%w: seq %d rejection %q, log has %q", ErrDiverged, row.Sequence, out.Envelope.Rejection, row.Rejection)
	}
	if out.Envelope.StateHash != row.StateHash {
		return fmt.Errorf("%w: seq %d state hash %x, log has %x", ErrDiverged, row.Sequence, out.Envelope.StateHash, row.StateHash)
	}
	return nil
}
