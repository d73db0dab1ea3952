package ingestion

import (
	"context"
	"fmt"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
)

// GRPCIngestService submits commands that arrive over the API rather than
// NATS. It is meant for operators and integration tests; producers with
// volume should publish to the command stream.
type GRPCIngestService struct {
	sequencer *Sequencer
}

func NewGRPCIngestService(sequencer *Sequencer) *GRPCIngestService {
	return &GRPCIngestService{sequencer: sequencer}
}

// SubmitJSON parses a command in its NATS wire format and waits for the
// processor's answer.
func (s *GRPCIngestService) SubmitJSON(ctx context.Context, eventType string, data []byte) (*core.CoreOutput, error) {
	if _, ok := event.ParseEventType(eventType); !ok {
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
	evt, err := ParseRawEvent(RawEvent{Subject: "grpc", EventType: eventType, Data: data}, eventType)
	if err != nil {
		return nil, err
	}
	return s.Submit(ctx, evt)
}

// Submit hands a typed command to the processor and waits for its answer.
func (s *GRPCIngestService) Submit(ctx context.Context, evt event.Event) (*core.CoreOutput, error) {
	return s.sequencer.Submit(ctx, evt, "grpc")
}
