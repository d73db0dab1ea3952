package persistence

import (
	"context"
	"fmt"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/observability"

	"github.com/rs/zerolog"
)

// BatchWriter persists a batch of event-log rows atomically.
type BatchWriter interface {
	WriteBatch(ctx context.Context, events []EventRow, journals []JournalRow) error
}

// OnPersisted is called with every record once it is durable, in sequence
// order. The shell uses it to publish outbound events.
type OnPersisted func(out core.CoreOutput)

// PersistenceWorker drains the persist channel and batch-writes to the event
// log. The processor sends on that channel with a blocking send, so if this
// worker falls behind the processor stalls and no output is lost.
type PersistenceWorker struct {
	writer       BatchWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	maxBackoff   time.Duration
	onPersisted  OnPersisted
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	writer BatchWriter,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &PersistenceWorker{
		writer:       writer,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		maxBackoff:   30 * time.Second,
		metrics:      metrics,
		logger:       logger,
	}
}

// SetOnPersisted registers the durability callback. Call before Run.
func (pw *PersistenceWorker) SetOnPersisted(fn OnPersisted) {
	pw.onPersisted = fn
}

// SetMaxBackoff caps the retry delay.
func (pw *PersistenceWorker) SetMaxBackoff(d time.Duration) {
	pw.maxBackoff = d
}

type pending struct {
	outputs  []core.CoreOutput
	events   []EventRow
	journals []JournalRow
}

func (p *pending) add(out core.CoreOutput) {
	rec := NewRecord(out)
	p.outputs = append(p.outputs, out)
	p.events = append(p.events, rec.Event)
	p.journals = append(p.journals, rec.Journals...)
}

func (p *pending) reset() {
	p.outputs = p.outputs[:0]
	p.events = p.events[:0]
	p.journals = p.journals[:0]
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. On cancellation or a closed channel it flushes what
// it holds and returns.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := &pending{
		events:   make([]EventRow, 0, pw.batchSize),
		journals: make([]JournalRow, 0, pw.batchSize*4),
	}

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			pw.drain(batch)
			if len(batch.events) > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					pw.logger.Error().Err(err).Int("events", len(batch.events)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if len(batch.events) > 0 {
					if err := pw.flush(context.Background(), batch); err != nil {
						pw.logger.Error().Err(err).Int("events", len(batch.events)).Msg("final flush failed")
					}
				}
				return nil
			}

			batch.add(output)
			if len(batch.events) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch.reset()
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(batch.events) > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch.reset()
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// drain pulls whatever is already buffered so shutdown persists it.
func (pw *PersistenceWorker) drain(batch *pending) {
	for {
		select {
		case output, ok := <-pw.inputChan:
			if !ok {
				return
			}
			batch.add(output)
		default:
			return
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, then makes one last attempt.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch *pending) error {
	backoff := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(batch.events)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > pw.maxBackoff {
				backoff = pw.maxBackoff
			}
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Warn().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch *pending) error {
	start := time.Now()

	if err := pw.writer.WriteBatch(ctx, batch.events, batch.journals); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_batch").Inc()
		}
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(batch.events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(batch.events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(batch.journals)))
		pw.metrics.PersistLastSequence.Set(float64(batch.events[len(batch.events)-1].Sequence))
		pw.metrics.SetChannelMetrics("persist", len(pw.inputChan), cap(pw.inputChan))
	}

	if pw.onPersisted != nil {
		for _, out := range batch.outputs {
			pw.onPersisted(out)
		}
	}
	return nil
}
