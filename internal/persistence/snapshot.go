package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"CDPLedger/internal/core"

	"github.com/vmihailenco/msgpack/v5"
)

// SnapshotStore persists processor snapshots for warm restarts. A snapshot
// only shortens recovery: the event log stays the source of truth.
type SnapshotStore interface {
	Save(ctx context.Context, snap *core.SnapshotState) (int, error)
	// LoadLatest returns the newest snapshot, or nil when there is none.
	LoadLatest(ctx context.Context) (*core.SnapshotState, error)
	MarkVerified(ctx context.Context, sequence int64) error
	// Prune keeps the newest keep snapshots.
	Prune(ctx context.Context, keep int) error
}

// EncodeSnapshot serializes a snapshot with msgpack.
func EncodeSnapshot(snap *core.SnapshotState) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(snap); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeSnapshot reverses EncodeSnapshot.
func DecodeSnapshot(data []byte) (*core.SnapshotState, error) {
	var snap core.SnapshotState
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// SnapshotManager stores snapshots in event_log.snapshots on Postgres.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// Save persists a snapshot and returns its encoded size. Saving the same
// sequence twice overwrites the row.
func (sm *SnapshotManager) Save(ctx context.Context, snap *core.SnapshotState) (int, error) {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return 0, err
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots (sequence, format_version, state_hash, state)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (sequence) DO UPDATE
		SET format_version = EXCLUDED.format_version,
		    state_hash     = EXCLUDED.state_hash,
		    state          = EXCLUDED.state,
		    verified       = FALSE,
		    created_at     = NOW()`,
		snap.Sequence, snap.Version, snap.StateHash[:], data,
	)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	return len(data), nil
}

// LoadLatest returns the newest snapshot in the current format.
func (sm *SnapshotManager) LoadLatest(ctx context.Context) (*core.SnapshotState, error) {
	var data []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT state FROM event_log.snapshots
		WHERE format_version = $1
		ORDER BY sequence DESC
		LIMIT 1`, core.SnapshotVersion,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return DecodeSnapshot(data)
}

// MarkVerified flags a snapshot whose state hash matched the event log.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx,
		`UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1`, sequence)
	return err
}

func (sm *SnapshotManager) Prune(ctx context.Context, keep int) error {
	if keep <= 0 {
		return nil
	}
	_, err := sm.db.ExecContext(ctx, `
		DELETE FROM event_log.snapshots
		WHERE sequence NOT IN (
			SELECT sequence FROM event_log.snapshots ORDER BY sequence DESC LIMIT $1
		)`, keep)
	return err
}
