// Package registry is the project registry (C12): it tracks which
// projects the core knows about, mapping a project id to its root path,
// vector collection name and graph space name. It persists that mapping
// twice, per spec §6 — once in the metadata database's projects table
// (queryable, joined against by C11) and once in a project-mapping.json
// file at the registry root (a human-inspectable, grep-able source of
// truth that survives a corrupted database) — using the same
// temp-file-then-atomic-rename idiom store/hnsw.go's Save uses for its own
// durability.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Project is one registered project's mapping entry.
type Project struct {
	ID             string
	Path           string
	Name           string
	CollectionName string
	SpaceName      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastIndexedAt  time.Time
	Status         string
}

// mappingEntry is project-mapping.json's per-project shape.
type mappingEntry struct {
	Path           string `json:"path"`
	CollectionName string `json:"collectionName"`
	SpaceName      string `json:"spaceName"`
	CreatedAt      string `json:"createdAt"`
	LastIndexedAt  string `json:"lastIndexedAt,omitempty"`
}

// Store is the C12 project registry.
type Store struct {
	mu          sync.Mutex
	db          *sql.DB
	mappingPath string
}

// NewStore wraps an already-migrated metadata database. mappingPath is the
// project-mapping.json location (typically alongside the metadata db).
func NewStore(db *sql.DB, mappingPath string) *Store {
	return &Store{db: db, mappingPath: mappingPath}
}

// Register inserts or updates a project's registry entry in both the
// projects table and project-mapping.json. The two writes are not a single
// distributed transaction; the SQL row is committed first since it is the
// source later reads query, then the JSON mirror is rewritten — if the
// process dies between the two, the next Register or Unregister rebuilds
// the mirror from the SQL table.
func (s *Store) Register(ctx context.Context, p *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = "pending"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, path, name, collection_name, space_name, created_at, updated_at, last_indexed_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			path            = excluded.path,
			name            = excluded.name,
			collection_name = excluded.collection_name,
			space_name      = excluded.space_name,
			updated_at      = excluded.updated_at,
			last_indexed_at = excluded.last_indexed_at,
			status          = excluded.status
	`,
		p.ID, p.Path, p.Name, p.CollectionName, p.SpaceName,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt), formatTimePtr(p.LastIndexedAt), p.Status,
	)
	if err != nil {
		return fmt.Errorf("register project %s: %w", p.ID, err)
	}

	return s.rewriteMapping(ctx)
}

// Get returns one project's registry entry, or (nil, nil) if unknown.
func (s *Store) Get(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, path, name, collection_name, space_name, created_at, updated_at, last_indexed_at, status
		FROM projects WHERE id = ?
	`, id)

	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return p, nil
}

// GetByPath looks up a project by its root path.
func (s *Store) GetByPath(ctx context.Context, path string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, path, name, collection_name, space_name, created_at, updated_at, last_indexed_at, status
		FROM projects WHERE path = ?
	`, path)

	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project by path %s: %w", path, err)
	}
	return p, nil
}

// List returns every registered project.
func (s *Store) List(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, name, collection_name, space_name, created_at, updated_at, last_indexed_at, status
		FROM projects ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Unregister removes a project from both the SQL table and the JSON
// mirror, used when a project is dropped.
func (s *Store) Unregister(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id); err != nil {
		return fmt.Errorf("unregister project %s: %w", id, err)
	}
	return s.rewriteMapping(ctx)
}

// rewriteMapping regenerates project-mapping.json from the projects table,
// caller must hold s.mu.
func (s *Store) rewriteMapping(ctx context.Context) error {
	if s.mappingPath == "" {
		return nil
	}

	projects, err := s.List(ctx)
	if err != nil {
		return fmt.Errorf("rebuild mapping: %w", err)
	}

	mapping := make(map[string]mappingEntry, len(projects))
	for _, p := range projects {
		entry := mappingEntry{
			Path:           p.Path,
			CollectionName: p.CollectionName,
			SpaceName:      p.SpaceName,
			CreatedAt:      formatTime(p.CreatedAt),
		}
		if !p.LastIndexedAt.IsZero() {
			entry.LastIndexedAt = formatTime(p.LastIndexedAt)
		}
		mapping[p.ID] = entry
	}

	data, err := json.MarshalIndent(mapping, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal project mapping: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.mappingPath), 0755); err != nil {
		return fmt.Errorf("create registry directory: %w", err)
	}

	tmpPath := s.mappingPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write project mapping: %w", err)
	}
	if err := os.Rename(tmpPath, s.mappingPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename project mapping: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*Project, error) {
	var p Project
	var createdAt, updatedAt string
	var lastIndexedAt sql.NullString
	if err := row.Scan(&p.ID, &p.Path, &p.Name, &p.CollectionName, &p.SpaceName,
		&createdAt, &updatedAt, &lastIndexedAt, &p.Status); err != nil {
		return nil, err
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	if lastIndexedAt.Valid {
		p.LastIndexedAt = parseTime(lastIndexedAt.String)
	}
	return &p, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
