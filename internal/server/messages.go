package server

import (
	"encoding/json"

	"CDPLedger/internal/query"
)

// Request and response messages of cdp.v1.Ledger. Amounts travel as
// decimal strings.

type SubmitRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type SubmitResponse struct {
	Accepted  bool            `json:"accepted"` // False for duplicates and stale prices
	Sequence  int64           `json:"sequence"` // -1 when not accepted
	Rejection string          `json:"rejection,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	StateHash string          `json:"state_hash,omitempty"`
}

type OwnerRequest struct {
	Owner string `json:"owner"`
	Limit int    `json:"limit,omitempty"`
	Asset string `json:"asset,omitempty"` // COLL or DEBT, for journals
}

type LimitRequest struct {
	Limit int `json:"limit"`
}

type Empty struct{}

type InsertHintRequest struct {
	NICR string `json:"nicr"`
	Prev string `json:"prev,omitempty"`
	Next string `json:"next,omitempty"`
}

type RedemptionHintRequest struct {
	Amount        string `json:"amount"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

type FeeRequest struct {
	Debt string `json:"debt"`
}

type PositionsResponse struct {
	Positions []query.PositionResponse `json:"positions"`
}

type HistoryListResponse struct {
	Entries []query.HistoryResponse `json:"entries"`
}

type JournalListResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

type VerifyIntegrityRequest struct {
	FromSequence int64 `json:"from_sequence"`
	Limit        int   `json:"limit"`
}

type SnapshotResponse struct {
	Sequence  int64 `json:"sequence"`
	SizeBytes int   `json:"size_bytes"`
}

type RebuildResponse struct {
	Started bool `json:"started"`
}
