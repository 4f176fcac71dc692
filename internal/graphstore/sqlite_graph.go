package graphstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"

	_ "modernc.org/sqlite" // pure Go SQLite driver, no CGO
)

// SQLiteGraphStore implements GraphStore as a SQLite-backed adjacency list,
// one entities/relationships table pair shared across spaces (partitioned
// by a space column), with a Bleve index over entity names for FindByName.
// It uses WAL mode, an integrity check before opening, and the pure-Go
// SQLite driver.
type SQLiteGraphStore struct {
	mu         sync.RWMutex
	db         *sql.DB
	nameIndex  bleve.Index
	path       string
	closed     bool
	spacesSeen map[string]bool
}

// nameDoc is the Bleve document shape for the entity-name secondary index.
type nameDoc struct {
	Space string `json:"space"`
	Name  string `json:"name"`
}

// NewSQLiteGraphStore opens (or creates) a graph store rooted at dir. The
// SQLite database holds entities/relationships; a sibling "entity-names"
// Bleve index provides FindByName. An empty dir creates both in-memory,
// for tests.
func NewSQLiteGraphStore(dir string) (*SQLiteGraphStore, error) {
	var dsn, dbPath, namePath string
	if dir == "" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create graph store directory: %w", err)
		}
		dbPath = filepath.Join(dir, "graph.db")
		namePath = filepath.Join(dir, "entity-names.bleve")

		if validErr := validateGraphIntegrity(dbPath); validErr != nil {
			slog.Warn("graphstore_corrupted", slog.String("path", dbPath), slog.String("error", validErr.Error()))
			_ = os.Remove(dbPath)
			_ = os.Remove(dbPath + "-wal")
			_ = os.Remove(dbPath + "-shm")
			slog.Info("graphstore_cleared", slog.String("path", dbPath), slog.String("reason", "corruption detected, please reindex"))
		}

		dsn = dbPath
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open graph database: %w", err)
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
			return nil, fmt.Errorf("failed to set pragma %q: %w", p, err)
		}
	}

	if err := bootstrapGraphSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	var nameIdx bleve.Index
	if namePath == "" {
		nameIdx, err = bleve.NewMemOnly(bleve.NewIndexMapping())
	} else {
		nameIdx, err = bleve.Open(namePath)
		if err == bleve.ErrorIndexPathDoesNotExist {
			nameIdx, err = bleve.New(namePath, bleve.NewIndexMapping())
		}
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open entity-name index: %w", err)
	}

	return &SQLiteGraphStore{
		db:         db,
		nameIndex:  nameIdx,
		path:       dir,
		spacesSeen: make(map[string]bool),
	}, nil
}

// validateGraphIntegrity detects corruption with
// a quick PRAGMA integrity_check against a read-only connection before the
// real connection is opened.
func validateGraphIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}
	return nil
}

func bootstrapGraphSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS entities (
			space          TEXT NOT NULL,
			id             TEXT NOT NULL,
			kind           TEXT NOT NULL,
			qualified_name TEXT NOT NULL,
			name           TEXT NOT NULL,
			file_path      TEXT NOT NULL,
			start_line     INTEGER NOT NULL,
			end_line       INTEGER NOT NULL,
			chunk_id       TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,
			PRIMARY KEY (space, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_file ON entities(space, file_path)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_name ON entities(space, name)`,
		`CREATE TABLE IF NOT EXISTS relationships (
			space      TEXT NOT NULL,
			id         TEXT NOT NULL,
			from_id    TEXT NOT NULL,
			to_id      TEXT NOT NULL,
			type       TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (space, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rel_from ON relationships(space, from_id, type)`,
		`CREATE INDEX IF NOT EXISTS idx_rel_to ON relationships(space, to_id, type)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}

	var version int
	row := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`)
	if err := row.Scan(&version); err == sql.ErrNoRows {
		if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (1)`); err != nil {
			return fmt.Errorf("seed schema_version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	return nil
}

// EnsureSpace is a no-op beyond bookkeeping: the shared schema above is
// already space-partitioned via the "space" column, so no per-space DDL is
// required. The call still matters to callers as the documented point
// where a space is considered initialized.
func (s *SQLiteGraphStore) EnsureSpace(ctx context.Context, space string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spacesSeen[space] = true
	return nil
}

func (s *SQLiteGraphStore) UpsertEntities(ctx context.Context, space string, entities []*Entity) error {
	if len(entities) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("graph store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO entities (space, id, kind, qualified_name, name, file_path, start_line, end_line, chunk_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(space, id) DO UPDATE SET
			kind=excluded.kind, qualified_name=excluded.qualified_name, name=excluded.name,
			file_path=excluded.file_path, start_line=excluded.start_line, end_line=excluded.end_line,
			chunk_id=excluded.chunk_id, updated_at=excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("prepare entity upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	nameBatch := s.nameIndex.NewBatch()
	for _, e := range entities {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		createdAt := now
		if !e.CreatedAt.IsZero() {
			createdAt = e.CreatedAt.UTC().Format(time.RFC3339Nano)
		}
		if _, err := stmt.ExecContext(ctx, space, e.ID, string(e.Kind), e.QualifiedName, e.Name, e.FilePath, e.StartLine, e.EndLine, e.ChunkID, createdAt, now); err != nil {
			return fmt.Errorf("upsert entity %s: %w", e.ID, err)
		}
		if err := nameBatch.Index(space+":"+e.ID, nameDoc{Space: space, Name: e.Name}); err != nil {
			return fmt.Errorf("index entity name %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit entity upsert: %w", err)
	}
	if err := s.nameIndex.Batch(nameBatch); err != nil {
		return fmt.Errorf("commit name index batch: %w", err)
	}

	return nil
}

func (s *SQLiteGraphStore) UpsertRelationships(ctx context.Context, space string, rels []*Relationship) error {
	if len(rels) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("graph store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO relationships (space, id, from_id, to_id, type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(space, id) DO UPDATE SET from_id=excluded.from_id, to_id=excluded.to_id, type=excluded.type
	`)
	if err != nil {
		return fmt.Errorf("prepare relationship upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range rels {
		createdAt := time.Now().UTC().Format(time.RFC3339Nano)
		if !r.CreatedAt.IsZero() {
			createdAt = r.CreatedAt.UTC().Format(time.RFC3339Nano)
		}
		if _, err := stmt.ExecContext(ctx, space, r.ID, r.FromID, r.ToID, string(r.Type), createdAt); err != nil {
			return fmt.Errorf("upsert relationship %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteGraphStore) DeleteEntitiesByFile(ctx context.Context, space, filePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("graph store is closed")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM entities WHERE space = ? AND file_path = ?`, space, filePath)
	if err != nil {
		return fmt.Errorf("query entities for file %s: %w", filePath, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan entity id: %w", err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate entities: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, space)
	for _, id := range ids {
		args = append(args, id)
	}

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM relationships WHERE space = ? AND (from_id IN (%s) OR to_id IN (%s))`, placeholders, placeholders),
		append(append([]any{space}, toAnySlice(ids)...), toAnySlice(ids)...)...,
	); err != nil {
		return fmt.Errorf("delete relationships for file %s: %w", filePath, err)
	}

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM entities WHERE space = ? AND id IN (%s)`, placeholders), args...,
	); err != nil {
		return fmt.Errorf("delete entities for file %s: %w", filePath, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete for file %s: %w", filePath, err)
	}

	for _, id := range ids {
		_ = s.nameIndex.Delete(space + ":" + id)
	}

	return nil
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func (s *SQLiteGraphStore) FindByName(ctx context.Context, space, name string, limit int) ([]*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("graph store is closed")
	}
	if limit <= 0 {
		limit = 20
	}

	nameQuery := bleve.NewMatchQuery(name)
	nameQuery.SetField("name")
	spaceQuery := bleve.NewTermQuery(space)
	spaceQuery.SetField("space")
	conj := bleve.NewConjunctionQuery(nameQuery, spaceQuery)

	req := bleve.NewSearchRequest(conj)
	req.Size = limit
	result, err := s.nameIndex.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("name search: %w", err)
	}

	entities := make([]*Entity, 0, len(result.Hits))
	for _, hit := range result.Hits {
		// hit.ID is "space:entityID"
		id := strings.TrimPrefix(hit.ID, space+":")
		e, err := s.GetEntity(ctx, space, id)
		if err != nil || e == nil {
			continue
		}
		entities = append(entities, e)
	}
	return entities, nil
}

func (s *SQLiteGraphStore) GetEntity(ctx context.Context, space, id string) (*Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, qualified_name, name, file_path, start_line, end_line, chunk_id, created_at, updated_at
		FROM entities WHERE space = ? AND id = ?
	`, space, id)
	return scanEntity(row)
}

func scanEntity(row *sql.Row) (*Entity, error) {
	var e Entity
	var kind, createdAt, updatedAt string
	if err := row.Scan(&e.ID, &kind, &e.QualifiedName, &e.Name, &e.FilePath, &e.StartLine, &e.EndLine, &e.ChunkID, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan entity: %w", err)
	}
	e.Kind = EntityKind(kind)
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &e, nil
}

func (s *SQLiteGraphStore) Neighbors(ctx context.Context, space, id string, relType RelationshipType, dir NeighborDirection) ([]*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("graph store is closed")
	}
	if dir == "" {
		dir = DirectionOut
	}

	var ids []string
	collect := func(query string, args ...any) error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	}

	typeClause := ""
	args := []any{space, id}
	if relType != "" {
		typeClause = " AND type = ?"
	}

	if dir == DirectionOut || dir == DirectionBoth {
		a := append(append([]any{}, args...))
		if relType != "" {
			a = append(a, string(relType))
		}
		if err := collect(`SELECT to_id FROM relationships WHERE space = ? AND from_id = ?`+typeClause, a...); err != nil {
			return nil, fmt.Errorf("query outgoing neighbors: %w", err)
		}
	}
	if dir == DirectionIn || dir == DirectionBoth {
		a := append(append([]any{}, args...))
		if relType != "" {
			a = append(a, string(relType))
		}
		if err := collect(`SELECT from_id FROM relationships WHERE space = ? AND to_id = ?`+typeClause, a...); err != nil {
			return nil, fmt.Errorf("query incoming neighbors: %w", err)
		}
	}

	entities := make([]*Entity, 0, len(ids))
	for _, nid := range ids {
		e, err := s.GetEntity(ctx, space, nid)
		if err != nil || e == nil {
			continue
		}
		entities = append(entities, e)
	}
	return entities, nil
}

func (s *SQLiteGraphStore) DropSpace(ctx context.Context, space string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("graph store is closed")
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM relationships WHERE space = ?`, space); err != nil {
		return fmt.Errorf("drop space relationships: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE space = ?`, space); err != nil {
		return fmt.Errorf("drop space entities: %w", err)
	}
	delete(s.spacesSeen, space)
	return nil
}

func (s *SQLiteGraphStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []string
	if err := s.nameIndex.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("close graph store: %s", strings.Join(errs, "; "))
	}
	return nil
}

var _ GraphStore = (*SQLiteGraphStore)(nil)
