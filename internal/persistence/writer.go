package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"CDPLedger/internal/core"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventRow represents a row in event_log.events.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Partition      string
	SourceSequence int64
	Payload        []byte // JSON-encoded command
	Result         []byte // JSON-encoded result, nil when rejected
	Rejection      string
	StateHash      [32]byte
	PrevHash       [32]byte
	EventTime      time.Time
}

// JournalRow represents a row in event_log.journal. Amount is the decimal
// string of an 18-decimal fixed-point value.
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        string
	JournalType   string
	EventTime     time.Time
}

// Record is one processor output flattened into rows.
type Record struct {
	Event    EventRow
	Journals []JournalRow
}

// NewRecord converts a processor output into its event-log rows.
func NewRecord(out core.CoreOutput) Record {
	env := out.Envelope
	rec := Record{
		Event: EventRow{
			Sequence:       env.Sequence,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Partition:      env.Partition,
			SourceSequence: env.SourceSequence,
			Payload:        env.Payload,
			Result:         env.Result,
			Rejection:      env.Rejection,
			StateHash:      env.StateHash,
			PrevHash:       env.PrevHash,
			EventTime:      env.Timestamp,
		},
	}

	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			rec.Journals = append(rec.Journals, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				AssetID:       uint16(j.AssetID),
				Amount:        j.Amount.String(),
				JournalType:   j.JournalType.String(),
				EventTime:     time.UnixMicro(j.Timestamp),
			})
		}
	}
	return rec
}

// EventLog reads and writes the Postgres event log through a pgx pool.
// Batches are COPYed into temporary staging tables and moved into place
// with ON CONFLICT DO NOTHING, so rewriting an already persisted batch
// (after a retry or a replay) is a no-op.
type EventLog struct {
	pool *pgxpool.Pool
}

func NewEventLog(pool *pgxpool.Pool) *EventLog {
	return &EventLog{pool: pool}
}

// Connect opens a pgx pool and pings it.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

var eventColumns = []string{
	"sequence", "event_type", "idempotency_key", "partition", "source_sequence",
	"payload", "result", "rejection", "state_hash", "prev_hash", "event_time",
}

var journalColumns = []string{
	"journal_id", "batch_id", "event_ref", "sequence", "debit_account",
	"credit_account", "asset_id", "amount", "journal_type", "event_time",
}

// WriteBatch writes events and their journals in one transaction.
func (l *EventLog) WriteBatch(ctx context.Context, events []EventRow, journals []JournalRow) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		CREATE TEMP TABLE events_stage (
			sequence        BIGINT,
			event_type      TEXT,
			idempotency_key TEXT,
			partition       TEXT,
			source_sequence BIGINT,
			payload         TEXT,
			result          TEXT,
			rejection       TEXT,
			state_hash      BYTEA,
			prev_hash       BYTEA,
			event_time      TIMESTAMPTZ
		) ON COMMIT DROP`); err != nil {
		return fmt.Errorf("create events stage: %w", err)
	}

	eventRows := make([][]any, 0, len(events))
	for i := range events {
		e := &events[i]
		eventRows = append(eventRows, []any{
			e.Sequence, e.EventType, e.IdempotencyKey, e.Partition, e.SourceSequence,
			string(e.Payload), nullableText(e.Result), nullableString(e.Rejection),
			e.StateHash[:], e.PrevHash[:], e.EventTime,
		})
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"events_stage"}, eventColumns, pgx.CopyFromRows(eventRows)); err != nil {
		return fmt.Errorf("copy events: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO event_log.events
			(sequence, event_type, idempotency_key, partition, source_sequence,
			 payload, result, rejection, state_hash, prev_hash, event_time)
		SELECT sequence, event_type, idempotency_key, partition, source_sequence,
			payload::JSONB, result::JSONB, rejection, state_hash, prev_hash, event_time
		FROM events_stage
		ON CONFLICT DO NOTHING`); err != nil {
		return fmt.Errorf("insert events: %w", err)
	}

	if len(journals) > 0 {
		if _, err := tx.Exec(ctx, `
			CREATE TEMP TABLE journal_stage (
				journal_id     TEXT,
				batch_id       TEXT,
				event_ref      TEXT,
				sequence       BIGINT,
				debit_account  TEXT,
				credit_account TEXT,
				asset_id       SMALLINT,
				amount         TEXT,
				journal_type   TEXT,
				event_time     TIMESTAMPTZ
			) ON COMMIT DROP`); err != nil {
			return fmt.Errorf("create journal stage: %w", err)
		}

		journalRows := make([][]any, 0, len(journals))
		for i := range journals {
			j := &journals[i]
			journalRows = append(journalRows, []any{
				j.JournalID, j.BatchID, j.EventRef, j.Sequence, j.DebitAccount,
				j.CreditAccount, int16(j.AssetID), j.Amount, j.JournalType, j.EventTime,
			})
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"journal_stage"}, journalColumns, pgx.CopyFromRows(journalRows)); err != nil {
			return fmt.Errorf("copy journals: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO event_log.journal
				(journal_id, batch_id, event_ref, sequence, debit_account,
				 credit_account, asset_id, amount, journal_type, event_time)
			SELECT journal_id::UUID, batch_id::UUID, event_ref, sequence, debit_account,
				credit_account, asset_id, amount::NUMERIC, journal_type, event_time
			FROM journal_stage
			ON CONFLICT DO NOTHING`); err != nil {
			return fmt.Errorf("insert journals: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func nullableText(b []byte) *string {
	if len(b) == 0 {
		return nil
	}
	s := string(b)
	return &s
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// LoadEventsFrom returns up to limit events with sequence >= from, in order.
func (l *EventLog) LoadEventsFrom(ctx context.Context, from int64, limit int) ([]EventRow, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT sequence, event_type, idempotency_key, partition, source_sequence,
			payload::TEXT, COALESCE(result::TEXT, ''), COALESCE(rejection, ''),
			state_hash, prev_hash, event_time
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence
		LIMIT $2`, from, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetEvent returns one event, or nil when the sequence is not persisted.
func (l *EventLog) GetEvent(ctx context.Context, sequence int64) (*EventRow, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT sequence, event_type, idempotency_key, partition, source_sequence,
			payload::TEXT, COALESCE(result::TEXT, ''), COALESCE(rejection, ''),
			state_hash, prev_hash, event_time
		FROM event_log.events
		WHERE sequence = $1`, sequence)
	if err != nil {
		return nil, fmt.Errorf("query event %d: %w", sequence, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	e, err := scanEvent(rows)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanEvent(rows pgx.Rows) (EventRow, error) {
	var (
		e                   EventRow
		payload, result     string
		stateHash, prevHash []byte
	)
	if err := rows.Scan(
		&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Partition, &e.SourceSequence,
		&payload, &result, &e.Rejection, &stateHash, &prevHash, &e.EventTime,
	); err != nil {
		return EventRow{}, fmt.Errorf("scan event: %w", err)
	}
	e.Payload = []byte(payload)
	if result != "" {
		e.Result = []byte(result)
	}
	copy(e.StateHash[:], stateHash)
	copy(e.PrevHash[:], prevHash)
	return e, nil
}

// LatestSequence returns the highest persisted sequence, or -1 for an
// empty log.
func (l *EventLog) LatestSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := l.pool.QueryRow(ctx, `SELECT COALESCE(MAX(sequence), -1) FROM event_log.events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest sequence: %w", err)
	}
	return seq, nil
}

// AccountJournals returns the newest journal lines touching an account
// path, newest first.
func (l *EventLog) AccountJournals(ctx context.Context, accountPath string, limit int) ([]JournalRow, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT journal_id::TEXT, batch_id::TEXT, event_ref, sequence, debit_account,
			credit_account, asset_id, amount::TEXT, journal_type, event_time
		FROM event_log.journal
		WHERE debit_account = $1 OR credit_account = $1
		ORDER BY sequence DESC, journal_id
		LIMIT $2`, accountPath, limit)
	if err != nil {
		return nil, fmt.Errorf("query journals: %w", err)
	}
	defer rows.Close()

	var out []JournalRow
	for rows.Next() {
		var (
			j       JournalRow
			assetID int16
		)
		if err := rows.Scan(&j.JournalID, &j.BatchID, &j.EventRef, &j.Sequence, &j.DebitAccount,
			&j.CreditAccount, &assetID, &j.Amount, &j.JournalType, &j.EventTime); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		j.AssetID = uint16(assetID)
		out = append(out, j)
	}
	return out, rows.Err()
}

// Ping reports whether the pool can reach Postgres.
func (l *EventLog) Ping(ctx context.Context) error {
	if l.pool == nil {
		return errors.New("no pool")
	}
	return l.pool.Ping(ctx)
}
