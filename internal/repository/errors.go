package repository

import "errors"

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when inserting a record whose key is taken
	ErrAlreadyExists = errors.New("already exists")
)
