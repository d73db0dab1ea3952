package ingestion_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"CDPLedger/internal/core"
	"CDPLedger/internal/ingestion"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ackRecorder struct {
	acks, naks, terms int
}

func (r *ackRecorder) raw(subject, eventType string, payload interface{}) ingestion.RawEvent {
	data, _ := json.Marshal(payload)
	return ingestion.RawEvent{
		Subject:   subject,
		EventType: eventType,
		Data:      data,
		AckFunc:   func() { r.acks++ },
		NakFunc:   func() { r.naks++ },
		TermFunc:  func() { r.terms++ },
	}
}

func startSequencer(t *testing.T) (*ingestion.Sequencer, *core.Processor) {
	t.Helper()
	proc, err := core.NewProcessor(state.DefaultParams(), 0, nil, nil, nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	seq := ingestion.NewSequencer(proc, 16, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go seq.Run(ctx)
	return seq, proc
}

func deposit(seq int64, amount string) map[string]interface{} {
	return map[string]interface{}{
		"command_id":   uuid.NewString(),
		"sender":       senderHex,
		"sequence":     seq,
		"timestamp_us": int64(1700000000000000) + seq,
		"amount":       amount,
	}
}

func TestSequencer_AcksAfterProcessing(t *testing.T) {
	seqr, proc := startSequencer(t)
	rec := &ackRecorder{}
	rawChan := make(chan ingestion.RawEvent, 8)
	subject := fmt.Sprintf("cdp.commands.coll_deposit.%s", senderHex)

	rawChan <- rec.raw(subject, "DepositCollateral", deposit(0, "5"))
	rawChan <- rec.raw(subject, "DepositCollateral", deposit(2, "1")) // ahead of sequence 1
	rawChan <- rec.raw(subject, "DepositCollateral", map[string]interface{}{"command_id": "bad"})
	rawChan <- rec.raw("cdp.commands.coll_deposit.0x00000000000000000000000000000000000000ff", "DepositCollateral", deposit(1, "1"))
	close(rawChan)

	if err := seqr.ConsumeRaw(context.Background(), rawChan); err != nil {
		t.Fatalf("consume: %v", err)
	}

	if rec.acks != 1 || rec.naks != 1 || rec.terms != 2 {
		t.Errorf("acks=%d naks=%d terms=%d, want 1/1/2", rec.acks, rec.naks, rec.terms)
	}
	if proc.GetSequence() != 1 {
		t.Errorf("sequence: got %d, want 1", proc.GetSequence())
	}
}

func TestSequencer_RejectionIsFinal(t *testing.T) {
	seqr, proc := startSequencer(t)
	rec := &ackRecorder{}
	rawChan := make(chan ingestion.RawEvent, 1)

	// Withdrawing more than the custody balance is rejected, acked, and
	// still consumes the sender's sequence.
	withdraw := deposit(0, "3")
	rawChan <- rec.raw("cdp.commands.coll_withdraw."+senderHex, "WithdrawCollateral", withdraw)
	close(rawChan)

	if err := seqr.ConsumeRaw(context.Background(), rawChan); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if rec.acks != 1 {
		t.Errorf("acks: got %d, want 1", rec.acks)
	}
	if proc.GetSequence() != 1 {
		t.Errorf("sequence: got %d, want 1", proc.GetSequence())
	}
}

func TestGRPCIngest_SubmitJSON(t *testing.T) {
	seqr, proc := startSequencer(t)
	svc := ingestion.NewGRPCIngestService(seqr)

	data, _ := json.Marshal(deposit(0, "2.5"))
	out, err := svc.SubmitJSON(context.Background(), "DepositCollateral", data)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out == nil || !out.Envelope.Applied() {
		t.Fatalf("expected applied output, got %+v", out)
	}

	var snapshotSeq int64
	if err := seqr.Exec(context.Background(), func() {
		snapshotSeq = proc.CreateSnapshotState().Sequence
	}); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if snapshotSeq != 0 {
		t.Errorf("snapshot sequence: got %d, want 0", snapshotSeq)
	}

	if _, err := svc.SubmitJSON(context.Background(), "Teleport", data); err == nil {
		t.Error("expected error for unknown event type")
	}
}
