package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// migrationLockID keys the advisory lock that serializes migrators across
// nodes sharing one database.
const migrationLockID int64 = 0x0cd9_1ed6

// ErrMigrationDrift means an applied migration file changed on disk.
var ErrMigrationDrift = errors.New("applied migration was modified")

// Migrator applies the SQL files in migrationsDir, named
// {version}_{name}.up.sql and {version}_{name}.down.sql.
type Migrator struct {
	db            *sql.DB
	migrationsDir string
	logger        zerolog.Logger
}

// MigrationStatus is one migration file and whether it has been applied.
type MigrationStatus struct {
	Version  string
	Filename string
	Applied  bool
	Drifted  bool
}

type migration struct {
	version  string
	upFile   string
	checksum string
}

type appliedMigration struct {
	filename string
	checksum string
}

func NewMigrator(db *sql.DB, migrationsDir string, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, migrationsDir: migrationsDir, logger: logger}
}

// Up applies pending migrations in version order, each in its own
// transaction together with its schema_migrations row. It refuses to run
// when an applied file has changed.
func (m *Migrator) Up(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		all, applied, err := m.plan(ctx, conn)
		if err != nil {
			return err
		}
		for _, mig := range all {
			if a, ok := applied[mig.version]; ok && a.checksum != "" && a.checksum != mig.checksum {
				return fmt.Errorf("%w: %s", ErrMigrationDrift, mig.upFile)
			}
		}

		for _, mig := range all {
			if _, ok := applied[mig.version]; ok {
				continue
			}
			body, err := os.ReadFile(filepath.Join(m.migrationsDir, mig.upFile))
			if err != nil {
				return fmt.Errorf("read migration %s: %w", mig.upFile, err)
			}
			err = inTx(ctx, conn, func(tx *sql.Tx) error {
				if _, err := tx.ExecContext(ctx, string(body)); err != nil {
					return fmt.Errorf("exec migration %s: %w", mig.upFile, err)
				}
				_, err := tx.ExecContext(ctx,
					`INSERT INTO public.schema_migrations (version, filename, checksum) VALUES ($1, $2, $3)`,
					mig.version, mig.upFile, mig.checksum)
				return err
			})
			if err != nil {
				return err
			}
			m.logger.Info().Str("migration", mig.upFile).Msg("applied migration")
		}
		return nil
	})
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		var version, filename string
		err := conn.QueryRowContext(ctx,
			`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version, &filename)
		if errors.Is(err, sql.ErrNoRows) {
			m.logger.Info().Msg("no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest migration: %w", err)
		}

		downFile := strings.TrimSuffix(filename, ".up.sql") + ".down.sql"
		body, err := os.ReadFile(filepath.Join(m.migrationsDir, downFile))
		if err != nil {
			return fmt.Errorf("read down migration %s: %w", downFile, err)
		}
		err = inTx(ctx, conn, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(body)); err != nil {
				return fmt.Errorf("exec down migration %s: %w", downFile, err)
			}
			_, err := tx.ExecContext(ctx, `DELETE FROM public.schema_migrations WHERE version = $1`, version)
			return err
		})
		if err != nil {
			return err
		}
		m.logger.Info().Str("migration", downFile).Msg("rolled back migration")
		return nil
	})
}

// Status lists every up-migration on disk with its applied and drift flags.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	var out []MigrationStatus
	err := m.locked(ctx, func(conn *sql.Conn) error {
		all, applied, err := m.plan(ctx, conn)
		if err != nil {
			return err
		}
		out = make([]MigrationStatus, 0, len(all))
		for _, mig := range all {
			a, ok := applied[mig.version]
			out = append(out, MigrationStatus{
				Version:  mig.version,
				Filename: mig.upFile,
				Applied:  ok,
				Drifted:  ok && a.checksum != "" && a.checksum != mig.checksum,
			})
		}
		return nil
	})
	return out, err
}

// locked runs fn on a single connection holding the migration advisory lock.
func (m *Migrator) locked(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockID); err != nil {
			m.logger.Warn().Err(err).Msg("release migration lock")
		}
	}()

	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return fn(conn)
}

// plan returns the migrations on disk in version order and the applied set.
func (m *Migrator) plan(ctx context.Context, conn *sql.Conn) ([]migration, map[string]appliedMigration, error) {
	all, err := m.load()
	if err != nil {
		return nil, nil, fmt.Errorf("list migrations: %w", err)
	}

	rows, err := conn.QueryContext(ctx, `SELECT version, filename, checksum FROM public.schema_migrations`)
	if err != nil {
		return nil, nil, fmt.Errorf("applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]appliedMigration)
	for rows.Next() {
		var v string
		var a appliedMigration
		if err := rows.Scan(&v, &a.filename, &a.checksum); err != nil {
			return nil, nil, err
		}
		applied[v] = a
	}
	return all, applied, rows.Err()
}

func (m *Migrator) load() ([]migration, error) {
	entries, err := os.ReadDir(m.migrationsDir)
	if err != nil {
		return nil, err
	}

	var out []migration
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		body, err := os.ReadFile(filepath.Join(m.migrationsDir, name))
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(body)
		out = append(out, migration{
			version:  migrationVersion(name),
			upFile:   name,
			checksum: hex.EncodeToString(sum[:]),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func inTx(ctx context.Context, conn *sql.Conn, fn func(tx *sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// migrationVersion returns the numeric prefix of a migration filename,
// e.g. "000001_event_log.up.sql" -> "000001".
func migrationVersion(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}
