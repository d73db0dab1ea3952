package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"CDPLedger/internal/core"

	_ "modernc.org/sqlite"
)

// SQLiteSnapshotStore keeps snapshots in a local SQLite file. It lets a
// node warm-start from its own disk when Postgres is shared or remote.
type SQLiteSnapshotStore struct {
	db *sql.DB
}

// OpenSQLiteSnapshotStore opens (or creates) the snapshot database at path.
// ":memory:" gives a throwaway store.
func OpenSQLiteSnapshotStore(path string) (*SQLiteSnapshotStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases alive and serializes
	// writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			sequence       INTEGER PRIMARY KEY,
			format_version INTEGER NOT NULL,
			state_hash     BLOB    NOT NULL,
			state          BLOB    NOT NULL,
			verified       INTEGER NOT NULL DEFAULT 0
		)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite snapshot schema: %w", err)
	}
	return &SQLiteSnapshotStore{db: db}, nil
}

func (s *SQLiteSnapshotStore) Save(ctx context.Context, snap *core.SnapshotState) (int, error) {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return 0, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (sequence, format_version, state_hash, state, verified)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(sequence) DO UPDATE SET
			format_version = excluded.format_version,
			state_hash     = excluded.state_hash,
			state          = excluded.state,
			verified       = 0`,
		snap.Sequence, snap.Version, snap.StateHash[:], data,
	)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	return len(data), nil
}

func (s *SQLiteSnapshotStore) LoadLatest(ctx context.Context) (*core.SnapshotState, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT state FROM snapshots
		WHERE format_version = ?
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

func (s *SQLiteSnapshotStore) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE snapshots SET verified = 1 WHERE sequence = ?`, sequence)
	return err
}

// Verified reports whether the snapshot at sequence was marked verified.
func (s *SQLiteSnapshotStore) Verified(ctx context.Context, sequence int64) (bool, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT verified FROM snapshots WHERE sequence = ?`, sequence).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return v == 1, err
}

func (s *SQLiteSnapshotStore) Prune(ctx context.Context, keep int) error {
	if keep <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE sequence NOT IN (
			SELECT sequence FROM snapshots ORDER BY sequence DESC LIMIT ?
		)`, keep)
	return err
}

func (s *SQLiteSnapshotStore) Close() error {
	return s.db.Close()
}

var (
	_ SnapshotStore = (*SnapshotManager)(nil)
	_ SnapshotStore = (*SQLiteSnapshotStore)(nil)
)
