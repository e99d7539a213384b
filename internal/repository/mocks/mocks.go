package mocks

import (
	"context"

	"github.com/ospy/ospy/internal/repository"
	"github.com/stretchr/testify/mock"
)

// Store is a mock for repository.Store.
type Store struct {
	mock.Mock
}

var _ repository.Store = (*Store)(nil)

func (m *Store) LoadProject(ctx context.Context, id string) (*repository.ProjectRecord, error) {
	args := m.Called(ctx, id)
	if rec, ok := args.Get(0).(*repository.ProjectRecord); ok {
		return rec, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *Store) InsertProject(ctx context.Context, rec repository.ProjectRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *Store) LoadApplicationState(ctx context.Context, projectID, applicationID string) ([]byte, error) {
	args := m.Called(ctx, projectID, applicationID)
	if doc, ok := args.Get(0).([]byte); ok {
		return doc, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *Store) SaveApplicationState(ctx context.Context, projectID, applicationID string, doc []byte) error {
	args := m.Called(ctx, projectID, applicationID, doc)
	return args.Error(0)
}
