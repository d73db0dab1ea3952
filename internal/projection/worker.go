// Package projection keeps eventually consistent read models in Redis.
// The processor feeds it through a non-blocking channel; when outputs are
// dropped the worker rebuilds from a consistent view of the ledger.
package projection

import (
	"context"
	"fmt"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/observability"

	"github.com/rs/zerolog"
)

// SystemState is the projected protocol summary.
type SystemState struct {
	core.SystemView
	Price     fpmath.Fixed `json:"price"`
	TCR       fpmath.Fixed `json:"tcr"`
	Sequence  int64        `json:"sequence"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Update is one write to the read model.
type Update struct {
	Sequence  int64
	EventType event.EventType
	Positions []core.PositionView
	System    SystemState
	History   []HistoryEntry
	Reset     bool // Replace the whole model instead of patching it
}

// Store applies updates atomically.
type Store interface {
	Apply(ctx context.Context, u *Update) error
}

// Resyncer captures the full current ledger view, e.g. by running
// FullUpdate on the sequencer goroutine.
type Resyncer func(ctx context.Context) (*Update, error)

// Worker updates the read model from processed outputs.
type Worker struct {
	store     Store
	inputChan <-chan core.CoreOutput
	resync    Resyncer
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewWorker(store Store, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *Worker {
	return &Worker{
		store:     store,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
		lastSeq:   -1,
	}
}

// SetResyncer installs the full rebuild used after a sequence gap.
func (w *Worker) SetResyncer(r Resyncer) { w.resync = r }

// LastSequence returns the last applied sequence, -1 before the first.
func (w *Worker) LastSequence() int64 { return w.lastSeq }

// Run consumes outputs until ctx is done or the channel closes. Failed
// updates are logged and skipped; the next gap triggers a rebuild.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-w.inputChan:
			if !ok {
				return nil
			}
			if out.Envelope == nil {
				continue
			}
			seq := out.Envelope.Sequence
			if seq <= w.lastSeq {
				continue
			}

			if w.lastSeq >= 0 && seq != w.lastSeq+1 && w.resync != nil {
				w.logger.Warn().Int64("last_seq", w.lastSeq).Int64("seq", seq).Msg("projection gap, rebuilding")
				if err := w.Rebuild(ctx); err != nil {
					w.logger.Error().Err(err).Msg("projection rebuild failed")
				}
				continue
			}

			start := time.Now()
			if err := w.store.Apply(ctx, NewUpdate(out)); err != nil {
				w.logger.Warn().Err(err).Int64("seq", seq).Msg("projection update failed")
				continue
			}
			w.observe("incremental", start)
			w.lastSeq = seq
		}
	}
}

// Rebuild replaces the read model with the resyncer's view.
func (w *Worker) Rebuild(ctx context.Context) error {
	if w.resync == nil {
		return fmt.Errorf("projection: no resyncer configured")
	}
	start := time.Now()
	u, err := w.resync(ctx)
	if err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	u.Reset = true
	if err := w.store.Apply(ctx, u); err != nil {
		return fmt.Errorf("apply rebuild: %w", err)
	}
	w.observe("rebuild", start)
	w.lastSeq = u.Sequence
	w.logger.Info().Int64("seq", u.Sequence).Int("positions", len(u.Positions)).Msg("projection rebuilt")
	return nil
}

func (w *Worker) observe(kind string, start time.Time) {
	if w.metrics != nil {
		w.metrics.ProjectionUpdateDur.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
}

// NewUpdate converts one processed output into a read-model patch.
func NewUpdate(out core.CoreOutput) *Update {
	return &Update{
		Sequence:  out.Envelope.Sequence,
		EventType: out.Envelope.EventType,
		Positions: out.Positions,
		System:    newSystemState(out.System, out.Price, out.Envelope.Sequence, out.Envelope.Timestamp),
		History:   HistoryEntries(out),
	}
}

// FullUpdate builds a rebuild update from the ledger. The caller must hold
// the processor still, i.e. call it from the sequencer goroutine.
func FullUpdate(proc *core.Processor) *Update {
	l := proc.Ledger()
	price, err := l.Price()
	if err != nil {
		price = fpmath.Zero
	}
	seq := proc.GetSequence() - 1
	return &Update{
		Sequence:  seq,
		Positions: l.PositionViews(l.SortedOwners()),
		System:    newSystemState(l.System(), price, seq, time.Now()),
		Reset:     true,
	}
}

func newSystemState(sys core.SystemView, price fpmath.Fixed, seq int64, ts time.Time) SystemState {
	var c fpmath.Calc
	coll := c.Add(sys.ActiveColl, sys.DefaultColl)
	debt := c.Add(sys.ActiveDebt, sys.DefaultDebt)
	tcr := fpmath.Max
	if c.Err() == nil && !price.IsZero() {
		tcr = fpmath.ComputeCR(coll, debt, price)
	}
	return SystemState{
		SystemView: sys,
		Price:      price,
		TCR:        tcr,
		Sequence:   seq,
		UpdatedAt:  ts,
	}
}
