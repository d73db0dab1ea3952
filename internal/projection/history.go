package projection

import (
	"time"

	"CDPLedger/internal/core"
	fpmath "CDPLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

const (
	HistoryLiquidated = "liquidated"
	HistoryRedeemed   = "redeemed"
)

// HistoryEntry records a liquidation or redemption that hit one position.
type HistoryEntry struct {
	Sequence  int64          `json:"sequence"`
	Kind      string         `json:"kind"`
	Owner     common.Address `json:"owner"`
	Initiator common.Address `json:"initiator"`
	Mode      string         `json:"mode,omitempty"` // Liquidation mode
	Debt      fpmath.Fixed   `json:"debt"`
	Coll      fpmath.Fixed   `json:"coll"`
	Surplus   fpmath.Fixed   `json:"surplus"`
	Closed    bool           `json:"closed"`
	Price     fpmath.Fixed   `json:"price"`
	Timestamp time.Time      `json:"timestamp"`
}

// HistoryEntries extracts per-position history from an applied output. Other
// results yield nothing.
func HistoryEntries(out core.CoreOutput) []HistoryEntry {
	if out.Envelope == nil || !out.Envelope.Applied() {
		return nil
	}
	seq, ts := out.Envelope.Sequence, out.Envelope.Timestamp

	switch r := out.Result.(type) {
	case *core.LiquidationResult:
		entries := make([]HistoryEntry, 0, len(r.Positions))
		for _, p := range r.Positions {
			entries = append(entries, HistoryEntry{
				Sequence:  seq,
				Kind:      HistoryLiquidated,
				Owner:     p.Owner,
				Initiator: r.Liquidator,
				Mode:      p.Mode,
				Debt:      p.Debt,
				Coll:      p.Coll,
				Surplus:   p.CollSurplus,
				Closed:    true,
				Price:     r.Price,
				Timestamp: ts,
			})
		}
		return entries

	case *core.RedemptionResult:
		entries := make([]HistoryEntry, 0, len(r.Positions))
		for _, p := range r.Positions {
			entries = append(entries, HistoryEntry{
				Sequence:  seq,
				Kind:      HistoryRedeemed,
				Owner:     p.Owner,
				Initiator: r.Redeemer,
				Debt:      p.DebtRedeemed,
				Coll:      p.CollDrawn,
				Surplus:   p.CollSurplus,
				Closed:    p.Closed,
				Price:     out.Price,
				Timestamp: ts,
			})
		}
		return entries
	}
	return nil
}
