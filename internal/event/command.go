package event

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Header carries the fields every account-issued command shares. Commands
// from one sender are ordered by Sequence within the sender's partition.
type Header struct {
	CommandID uuid.UUID      `json:"command_id"`   // Idempotency key
	Sender    common.Address `json:"sender"`       // Account issuing the command
	Sequence  int64          `json:"sequence"`     // Per-sender source sequence
	Timestamp int64          `json:"timestamp_us"` // Epoch microseconds (versioned input)
}

func (h *Header) IdempotencyKey() string {
	return h.CommandID.String()
}

func (h *Header) Partition() string {
	return fmt.Sprintf("sender:%s", h.Sender.Hex())
}

func (h *Header) SourceSequence() int64 {
	return h.Sequence
}

func (h *Header) EventTime() time.Time {
	return time.UnixMicro(h.Timestamp)
}
