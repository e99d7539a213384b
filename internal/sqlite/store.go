package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ospy/ospy/internal/repository"
)

// Store implements repository.Store for SQLite
type Store struct {
	db *DB
}

var _ repository.Store = (*Store)(nil)

// NewStore creates a new Store
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// LoadProject retrieves a published project by ID
func (s *Store) LoadProject(ctx context.Context, id string) (*repository.ProjectRecord, error) {
	query := `
		SELECT id, created_at
		FROM projects
		WHERE id = ?
	`

	var rec repository.ProjectRecord
	err := s.db.QueryRowContext(ctx, query, id).Scan(&rec.ID, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project: %w", err)
	}

	return &rec, nil
}

// InsertProject records a project as published
func (s *Store) InsertProject(ctx context.Context, rec repository.ProjectRecord) error {
	query := `
		INSERT INTO projects (id, created_at)
		VALUES (?, ?)
	`

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query, rec.ID, createdAt)
	if cerr := constraintError(err); cerr != nil {
		return cerr
	}
	if err != nil {
		return fmt.Errorf("failed to insert project: %w", err)
	}

	return nil
}

// LoadApplicationState retrieves the state document of one application
func (s *Store) LoadApplicationState(ctx context.Context, projectID, applicationID string) ([]byte, error) {
	query := `
		SELECT state
		FROM application_states
		WHERE project_id = ? AND application_id = ?
	`

	var doc []byte
	err := s.db.QueryRowContext(ctx, query, projectID, applicationID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load application state: %w", err)
	}

	return doc, nil
}

// SaveApplicationState replaces the state document of one application
func (s *Store) SaveApplicationState(ctx context.Context, projectID, applicationID string, doc []byte) error {
	query := `
		INSERT INTO application_states (project_id, application_id, state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (project_id, application_id)
		DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query, projectID, applicationID, doc, time.Now())
	if cerr := constraintError(err); cerr != nil {
		return fmt.Errorf("project %s: %w", projectID, cerr)
	}
	if err != nil {
		return fmt.Errorf("failed to save application state: %w", err)
	}

	return nil
}
