package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/observability"

	"github.com/rs/zerolog"
)

// CommandProcessor applies one command at a time. *core.Processor
// implements it.
type CommandProcessor interface {
	ProcessEvent(evt event.Event) (*core.CoreOutput, error)
}

// SubmitResult is what the processor returned for one submission.
type SubmitResult struct {
	Output *core.CoreOutput
	Err    error
}

type submission struct {
	evt      event.Event
	fn       func()
	source   string
	enqueued time.Time
	reply    chan SubmitResult
}

// Sequencer owns the processor goroutine. NATS consumers, gRPC calls and
// maintenance tasks (snapshots) all go through its queue, so the processor
// never sees two callers at once.
type Sequencer struct {
	proc    CommandProcessor
	queue   chan submission
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewSequencer(proc CommandProcessor, capacity int, metrics *observability.Metrics, logger zerolog.Logger) *Sequencer {
	return &Sequencer{
		proc:    proc,
		queue:   make(chan submission, capacity),
		metrics: metrics,
		logger:  logger,
	}
}

// Run drains the queue until ctx is cancelled.
func (s *Sequencer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sub := <-s.queue:
			s.handle(sub)
		}
	}
}

func (s *Sequencer) handle(sub submission) {
	if sub.fn != nil {
		sub.fn()
		sub.reply <- SubmitResult{}
		return
	}

	out, err := s.proc.ProcessEvent(sub.evt)
	if s.metrics != nil {
		eventType := sub.evt.EventType().String()
		s.metrics.IngestToApply.WithLabelValues(eventType).Observe(time.Since(sub.enqueued).Seconds())
		s.metrics.IngestMessages.WithLabelValues(sub.source, outcome(out, err)).Inc()
		s.metrics.SetChannelMetrics("sequencer", len(s.queue), cap(s.queue))
	}
	if err != nil && !core.IsRejection(err) {
		s.logger.Debug().Err(err).
			Str("event_type", sub.evt.EventType().String()).
			Str("partition", sub.evt.Partition()).
			Msg("command out of sequence")
	}
	sub.reply <- SubmitResult{Output: out, Err: err}
}

func outcome(out *core.CoreOutput, err error) string {
	switch {
	case err != nil && !core.IsRejection(err):
		return "sequence"
	case err != nil:
		return "rejected"
	case out == nil:
		return "dropped"
	default:
		return "applied"
	}
}

// Submit queues evt and waits for the processor's answer. A nil output
// with a nil error means the command was a duplicate or a stale price.
func (s *Sequencer) Submit(ctx context.Context, evt event.Event, source string) (*core.CoreOutput, error) {
	reply := make(chan SubmitResult, 1)
	select {
	case s.queue <- submission{evt: evt, source: source, enqueued: time.Now(), reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Once queued the command will be processed; wait for it even if the
	// caller gives up, so the reply tells the truth about state.
	res := <-reply
	return res.Output, res.Err
}

// Exec runs fn on the processor goroutine between two commands.
func (s *Sequencer) Exec(ctx context.Context, fn func()) error {
	reply := make(chan SubmitResult, 1)
	select {
	case s.queue <- submission{fn: fn, enqueued: time.Now(), reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	<-reply
	return nil
}

// ConsumeRaw parses NATS messages and submits them. Messages are acked once
// the processor has answered: applied, rejected, duplicate and stale
// commands are all final. A command ahead of its predecessor is NAKed for
// redelivery; anything that cannot be parsed is terminated.
func (s *Sequencer) ConsumeRaw(ctx context.Context, rawChan <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-rawChan:
			if !ok {
				return nil
			}
			s.consumeOne(ctx, raw)
		}
	}
}

func (s *Sequencer) consumeOne(ctx context.Context, raw RawEvent) {
	evt, err := ParseRawEvent(raw, raw.EventType)
	if err != nil {
		s.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("unparseable command terminated")
		if s.metrics != nil {
			s.metrics.IngestMessages.WithLabelValues("nats", "invalid").Inc()
		}
		call(raw.TermFunc)
		return
	}
	if err := checkSubjectSender(raw.Subject, evt); err != nil {
		s.logger.Warn().Err(err).Msg("command sender mismatch terminated")
		if s.metrics != nil {
			s.metrics.IngestMessages.WithLabelValues("nats", "invalid").Inc()
		}
		call(raw.TermFunc)
		return
	}

	_, err = s.Submit(ctx, evt, "nats")
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		call(raw.NakFunc)
	case errors.Is(err, core.ErrSequenceGap):
		call(raw.NakFunc)
	default:
		call(raw.AckFunc)
	}
}

// checkSubjectSender enforces that account commands published on
// cdp.commands.<token>.<sender> carry the same sender in their payload.
func checkSubjectSender(subject string, evt event.Event) error {
	if !strings.HasPrefix(subject, "cdp.commands.") {
		return nil
	}
	parts := strings.Split(subject, ".")
	if len(parts) < 4 {
		return nil
	}
	want := strings.ToLower(parts[3])
	partition := strings.ToLower(evt.Partition())
	if !strings.HasSuffix(partition, want) {
		return fmt.Errorf("subject %s does not match %s", subject, evt.Partition())
	}
	return nil
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}
