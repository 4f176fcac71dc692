// Package migrate owns the local metadata database's connection and schema
// evolution: opening the single SQLite file every other local store
// (registry, filestate) shares, and applying versioned, additive-only
// migrations against it. It follows the WAL/pragma/integrity-check
// conventions internal/graphstore's SQLite database uses, since this is
// the same "one writer, pure-Go driver, durable local state" shape.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	_ "modernc.org/sqlite"
)

// Migration is one forward schema step. Version must be unique and
// increasing; migrations run in ascending version order inside their own
// transaction, and a version already recorded in schema_migrations is
// skipped. There is no Down: spec rules out destructive auto-migration, so
// rollback is a restore-from-backup operation, not a code path here.
type Migration struct {
	Version int
	Name    string
	Apply   func(tx *sql.Tx) error
}

// validateIntegrity mirrors graphstore's validateGraphIntegrity: a corrupted
// metadata database is detected and cleared rather than opened, since a
// half-written WAL is worse than starting the local store over.
func validateIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}
	return nil
}

// Open opens (creating if needed) the metadata database at path, applying
// the WAL/busy-timeout/single-writer pragmas the rest of the local store
// stack depends on. path == "" opens an in-memory database for tests.
func Open(path string) (*sql.DB, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create metadata directory: %w", err)
		}

		if err := validateIntegrity(path); err != nil {
			slog.Warn("metadata_db_corrupted", slog.String("path", path), slog.String("error", err.Error()))
			if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
				return nil, fmt.Errorf("metadata db corrupted at %s and cannot remove: %w (original: %v)", path, removeErr, err)
			}
			_ = os.Remove(path + "-wal")
			_ = os.Remove(path + "-shm")
			slog.Info("metadata_db_cleared", slog.String("path", path), slog.String("reason", "corruption detected, re-bootstrapping"))
		}

		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open metadata db: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", p, err)
		}
	}

	return db, nil
}

// Migrate applies every migration in migrations whose version is not yet
// recorded in schema_migrations, in ascending version order, each inside
// its own transaction. It is safe to call on every startup.
func Migrate(ctx context.Context, db *sql.DB, migrations []Migration) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`); err != nil {
		return fmt.Errorf("bootstrap schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	ordered := make([]Migration, len(migrations))
	copy(ordered, migrations)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Version < ordered[j].Version })

	for _, m := range ordered {
		if applied[m.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d (%s): %w", m.Version, m.Name, err)
		}

		if err := m.Apply(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, m.Version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d (%s): %w", m.Version, m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d (%s): %w", m.Version, m.Name, err)
		}

		slog.Info("schema_migration_applied", slog.Int("version", m.Version), slog.String("name", m.Name))
	}

	return nil
}

// CoreMigrations is the ordered set of migrations the composition root
// applies on startup, covering the tables internal/registry and
// internal/filestate operate on. Columns added by a later version must
// have defaults, per spec: no destructive migration runs automatically.
var CoreMigrations = []Migration{
	{
		Version: 1,
		Name:    "create_projects",
		Apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS projects (
					id               TEXT PRIMARY KEY,
					path             TEXT NOT NULL UNIQUE,
					name             TEXT NOT NULL,
					collection_name  TEXT NOT NULL,
					space_name       TEXT NOT NULL,
					created_at       TEXT NOT NULL,
					updated_at       TEXT NOT NULL,
					last_indexed_at  TEXT,
					status           TEXT NOT NULL DEFAULT 'pending',
					settings         TEXT NOT NULL DEFAULT '{}'
				)
			`)
			return err
		},
	},
	{
		Version: 2,
		Name:    "create_file_index_states",
		Apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS file_index_states (
					id               TEXT PRIMARY KEY,
					project_id       TEXT NOT NULL REFERENCES projects(id),
					relative_path    TEXT NOT NULL,
					content_hash     TEXT NOT NULL,
					file_size        INTEGER NOT NULL,
					last_modified    TEXT NOT NULL,
					last_indexed     TEXT NOT NULL,
					indexing_version INTEGER NOT NULL DEFAULT 1,
					chunk_count      INTEGER NOT NULL DEFAULT 0,
					language         TEXT NOT NULL DEFAULT '',
					status           TEXT NOT NULL DEFAULT 'indexed',
					error_message    TEXT NOT NULL DEFAULT '',
					UNIQUE (project_id, relative_path)
				);
				CREATE INDEX IF NOT EXISTS idx_file_index_states_project
					ON file_index_states(project_id);
			`)
			return err
		},
	},
	{
		Version: 3,
		Name:    "create_file_change_history",
		Apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS file_change_history (
					id            INTEGER PRIMARY KEY AUTOINCREMENT,
					project_id    TEXT NOT NULL REFERENCES projects(id),
					relative_path TEXT NOT NULL,
					change_type   TEXT NOT NULL,
					previous_hash TEXT NOT NULL DEFAULT '',
					current_hash  TEXT NOT NULL DEFAULT '',
					timestamp     TEXT NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_file_change_history_project
					ON file_change_history(project_id, relative_path);
			`)
			return err
		},
	},
}
