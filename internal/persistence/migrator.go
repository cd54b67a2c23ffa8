package persistence

import (
	"LendLedger/internal/observability"
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

// migrationLockKey is the pg_advisory_lock key shared by every process that
// migrates this database. The ledger and the mirror both migrate on start.
const migrationLockKey int64 = 0x4c454e44 // "LEND"

// ErrMigrationModified is returned when an applied migration file no longer
// matches the checksum recorded when it ran.
var ErrMigrationModified = errors.New("applied migration was modified")

// Migrator applies {version}_{name}.up.sql / .down.sql files in version order.
type Migrator struct {
	db            *sql.DB
	migrationsDir string
	logger        zerolog.Logger
}

func NewMigrator(db *sql.DB, migrationsDir string) *Migrator {
	return &Migrator{db: db, migrationsDir: migrationsDir, logger: observability.NewLogger("migrator")}
}

// MigrationStatus is one migration file and whether it has been applied.
// Modified is set when the file on disk differs from the applied version.
type MigrationStatus struct {
	Version  string
	Filename string
	Applied  bool
	Modified bool
}

type migrationFile struct {
	version  string
	filename string
	sql      string
	checksum string
}

type appliedMigration struct {
	filename string
	checksum string
}

// Up applies all pending up-migrations in order. Concurrent callers are
// serialized on an advisory lock, and an applied file whose content changed
// stops the run before anything new is applied.
func (m *Migrator) Up(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := m.applied(ctx, conn)
		if err != nil {
			return fmt.Errorf("get applied versions: %w", err)
		}

		files, err := m.load(".up.sql")
		if err != nil {
			return fmt.Errorf("list migrations: %w", err)
		}

		for _, f := range files {
			if prev, ok := applied[f.version]; ok {
				if prev.checksum != "" && prev.checksum != f.checksum {
					return fmt.Errorf("%w: %s", ErrMigrationModified, f.filename)
				}
				continue
			}

			m.logger.Info().Str("file", f.filename).Msg("applying migration")
			err := inTx(ctx, conn, func(tx *sql.Tx) error {
				if _, err := tx.ExecContext(ctx, f.sql); err != nil {
					return fmt.Errorf("exec migration %s: %w", f.filename, err)
				}
				_, err := tx.ExecContext(ctx,
					`INSERT INTO public.schema_migrations (version, filename, checksum) VALUES ($1, $2, $3)`,
					f.version, f.filename, f.checksum,
				)
				if err != nil {
					return fmt.Errorf("record migration %s: %w", f.filename, err)
				}
				return nil
			})
			if err != nil {
				return err
			}
			m.logger.Info().Str("file", f.filename).Str("checksum", f.checksum[:12]).Msg("applied migration")
		}
		return nil
	})
}

// Down rolls back the last applied migration.
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
			return fmt.Errorf("get latest migration: %w", err)
		}

		downFile := strings.Replace(filename, ".up.sql", ".down.sql", 1)
		content, err := os.ReadFile(filepath.Join(m.migrationsDir, downFile))
		if err != nil {
			return fmt.Errorf("read down migration %s: %w", downFile, err)
		}

		err = inTx(ctx, conn, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(content)); err != nil {
				return fmt.Errorf("exec down migration %s: %w", downFile, err)
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM public.schema_migrations WHERE version = $1`, version,
			); err != nil {
				return fmt.Errorf("remove migration record %s: %w", version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}

		m.logger.Info().Str("file", downFile).Msg("rolled back migration")
		return nil
	})
}

// Status lists every up-migration with its applied and modified flags.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := ensureMigrationTable(ctx, conn); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx, conn)
	if err != nil {
		return nil, err
	}
	files, err := m.load(".up.sql")
	if err != nil {
		return nil, err
	}
	return statusOf(files, applied), nil
}

func statusOf(files []migrationFile, applied map[string]appliedMigration) []MigrationStatus {
	out := make([]MigrationStatus, 0, len(files))
	for _, f := range files {
		prev, ok := applied[f.version]
		out = append(out, MigrationStatus{
			Version:  f.version,
			Filename: f.filename,
			Applied:  ok,
			Modified: ok && prev.checksum != "" && prev.checksum != f.checksum,
		})
	}
	return out
}

// locked runs fn on a dedicated connection holding the migration advisory
// lock. Session-level locks belong to a connection, so everything inside fn
// must use conn rather than the pool.
func (m *Migrator) locked(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockKey); err != nil {
			m.logger.Warn().Err(err).Msg("release migration lock")
		}
	}()

	if err := ensureMigrationTable(ctx, conn); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return fn(conn)
}

func inTx(ctx context.Context, conn *sql.Conn, fn func(tx *sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func ensureMigrationTable(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		ALTER TABLE public.schema_migrations ADD COLUMN IF NOT EXISTS checksum TEXT NOT NULL DEFAULT ''
	`)
	return err
}

func (m *Migrator) applied(ctx context.Context, conn *sql.Conn) (map[string]appliedMigration, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, filename, checksum FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]appliedMigration)
	for rows.Next() {
		var v string
		var a appliedMigration
		if err := rows.Scan(&v, &a.filename, &a.checksum); err != nil {
			return nil, err
		}
		applied[v] = a
	}
	return applied, rows.Err()
}

// load reads every migration file with the given suffix, sorted by name.
func (m *Migrator) load(suffix string) ([]migrationFile, error) {
	entries, err := os.ReadDir(m.migrationsDir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	files := make([]migrationFile, 0, len(names))
	seen := make(map[string]string, len(names))
	for _, name := range names {
		content, err := os.ReadFile(filepath.Join(m.migrationsDir, name))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		v := extractVersion(name)
		if other, dup := seen[v]; dup {
			return nil, fmt.Errorf("duplicate migration version %s: %s and %s", v, other, name)
		}
		seen[v] = name
		sum := sha256.Sum256(content)
		files = append(files, migrationFile{
			version:  v,
			filename: name,
			sql:      string(content),
			checksum: hex.EncodeToString(sum[:]),
		})
	}
	return files, nil
}

// extractVersion returns the numeric prefix from a migration filename.
// e.g. "000001_ledger.up.sql" gives "000001"
func extractVersion(filename string) string {
	parts := strings.SplitN(filename, "_", 2)
	if len(parts) > 0 {
		return parts[0]
	}
	return filename
}
