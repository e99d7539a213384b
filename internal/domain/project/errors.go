package project

import "errors"

var (
	// ErrNotPublished indicates a save was requested for an ephemeral project.
	ErrNotPublished = errors.New("not published")
	// ErrSaveFailed indicates at least one part of a project save failed.
	ErrSaveFailed = errors.New("save failed")
	// ErrLoadFailed indicates at least one application failed to load.
	ErrLoadFailed = errors.New("load failed")
	// ErrSuspended indicates the project was evicted and can no longer be joined.
	ErrSuspended = errors.New("project suspended")
)

// AlreadyPublished is the +error message for a repeated .publish.
const AlreadyPublished = "already published"
