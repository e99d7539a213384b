package repository

import (
	"context"
	"time"
)

// ProjectRecord is the durable record of a published project.
type ProjectRecord struct {
	ID        string
	CreatedAt time.Time
}

// Store persists projects and their per-application state documents.
type Store interface {
	// LoadProject returns ErrNotFound for unknown ids.
	LoadProject(ctx context.Context, id string) (*ProjectRecord, error)
	// InsertProject returns ErrAlreadyExists when the id is taken.
	InsertProject(ctx context.Context, rec ProjectRecord) error
	// LoadApplicationState returns ErrNotFound when no document was saved.
	LoadApplicationState(ctx context.Context, projectID, applicationID string) ([]byte, error)
	SaveApplicationState(ctx context.Context, projectID, applicationID string, doc []byte) error
}
