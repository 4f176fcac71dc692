// Package filestate persists the per-file index state the incremental
// planner (C15) diffs against: one row per (projectId, relativePath)
// recording the content hash and indexing outcome last observed for that
// file, plus a change-history trail for diagnostics. It operates on the
// file_index_states / file_change_history tables internal/migrate
// bootstraps, using parameterized queries; each write is a single statement.
package filestate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// State is one file's persisted index record.
type State struct {
	ID              string
	ProjectID       string
	RelativePath    string
	ContentHash     string
	FileSize        int64
	LastModified    time.Time
	LastIndexed     time.Time
	IndexingVersion int
	ChunkCount      int
	Language        string
	Status          string
	ErrorMessage    string
}

// ChangeType enumerates the file_change_history change_type values.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
	ChangeRenamed  ChangeType = "renamed"
)

// Store is the C11 file-state store: get/upsert/delete/listByProject/
// deleteByProject/batchGet per spec §4.11, keyed by (projectId,
// relativePath). Callers serialize writes per projectId themselves; Store
// does not impose its own per-project lock beyond the single-writer SQLite
// connection already in effect.
type Store struct {
	db *sql.DB
}

// NewStore wraps an already-migrated metadata database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func stateID(projectID, relativePath string) string {
	return projectID + ":" + relativePath
}

// Get returns the state for one file, or (nil, nil) if no record exists.
func (s *Store) Get(ctx context.Context, projectID, relativePath string) (*State, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, relative_path, content_hash, file_size,
		       last_modified, last_indexed, indexing_version, chunk_count,
		       language, status, error_message
		FROM file_index_states
		WHERE project_id = ? AND relative_path = ?
	`, projectID, relativePath)

	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get file state %s/%s: %w", projectID, relativePath, err)
	}
	return st, nil
}

// Upsert inserts or replaces a file's state.
func (s *Store) Upsert(ctx context.Context, st *State) error {
	if st.ID == "" {
		st.ID = stateID(st.ProjectID, st.RelativePath)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_index_states (
			id, project_id, relative_path, content_hash, file_size,
			last_modified, last_indexed, indexing_version, chunk_count,
			language, status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, relative_path) DO UPDATE SET
			content_hash     = excluded.content_hash,
			file_size        = excluded.file_size,
			last_modified    = excluded.last_modified,
			last_indexed     = excluded.last_indexed,
			indexing_version = excluded.indexing_version,
			chunk_count      = excluded.chunk_count,
			language         = excluded.language,
			status           = excluded.status,
			error_message    = excluded.error_message
	`,
		st.ID, st.ProjectID, st.RelativePath, st.ContentHash, st.FileSize,
		formatTime(st.LastModified), formatTime(st.LastIndexed), st.IndexingVersion,
		st.ChunkCount, st.Language, st.Status, st.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("upsert file state %s/%s: %w", st.ProjectID, st.RelativePath, err)
	}
	return nil
}

// Delete removes one file's state.
func (s *Store) Delete(ctx context.Context, projectID, relativePath string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM file_index_states WHERE project_id = ? AND relative_path = ?
	`, projectID, relativePath)
	if err != nil {
		return fmt.Errorf("delete file state %s/%s: %w", projectID, relativePath, err)
	}
	return nil
}

// ListByProject returns every file state recorded for a project.
func (s *Store) ListByProject(ctx context.Context, projectID string) ([]*State, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, relative_path, content_hash, file_size,
		       last_modified, last_indexed, indexing_version, chunk_count,
		       language, status, error_message
		FROM file_index_states
		WHERE project_id = ?
		ORDER BY relative_path
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list file states for project %s: %w", projectID, err)
	}
	defer rows.Close()

	var out []*State
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// DeleteByProject removes every file state recorded for a project, used
// when a project is dropped from the registry.
func (s *Store) DeleteByProject(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM file_index_states WHERE project_id = ?`, projectID)
	if err != nil {
		return fmt.Errorf("delete file states for project %s: %w", projectID, err)
	}
	return nil
}

// BatchGet returns the states for the given relative paths, keyed by path.
// Paths with no stored state are simply absent from the result.
func (s *Store) BatchGet(ctx context.Context, projectID string, relativePaths []string) (map[string]*State, error) {
	out := make(map[string]*State, len(relativePaths))
	if len(relativePaths) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(relativePaths))
	args := make([]any, 0, len(relativePaths)+1)
	args = append(args, projectID)
	for i, p := range relativePaths {
		placeholders[i] = "?"
		args = append(args, p)
	}

	query := fmt.Sprintf(`
		SELECT id, project_id, relative_path, content_hash, file_size,
		       last_modified, last_indexed, indexing_version, chunk_count,
		       language, status, error_message
		FROM file_index_states
		WHERE project_id = ? AND relative_path IN (%s)
	`, joinPlaceholders(placeholders))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("batch get file states for project %s: %w", projectID, err)
	}
	defer rows.Close()

	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file state: %w", err)
		}
		out[st.RelativePath] = st
	}
	return out, rows.Err()
}

// RecordChange appends a row to file_change_history. It is best-effort
// diagnostic history, not read back by any C11 operation, so a failure
// here is logged by the caller rather than treated as fatal to indexing.
func (s *Store) RecordChange(ctx context.Context, projectID, relativePath string, changeType ChangeType, previousHash, currentHash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_change_history (project_id, relative_path, change_type, previous_hash, current_hash, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, projectID, relativePath, string(changeType), previousHash, currentHash, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("record file change %s/%s: %w", projectID, relativePath, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (*State, error) {
	var st State
	var lastModified, lastIndexed string
	if err := row.Scan(
		&st.ID, &st.ProjectID, &st.RelativePath, &st.ContentHash, &st.FileSize,
		&lastModified, &lastIndexed, &st.IndexingVersion, &st.ChunkCount,
		&st.Language, &st.Status, &st.ErrorMessage,
	); err != nil {
		return nil, err
	}
	st.LastModified = parseTime(lastModified)
	st.LastIndexed = parseTime(lastIndexed)
	return &st, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
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

func joinPlaceholders(ps []string) string {
	out := ps[0]
	for _, p := range ps[1:] {
		out += "," + p
	}
	return out
}
