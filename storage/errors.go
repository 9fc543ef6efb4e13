package storage

import "errors"

var (
	// ErrNotFound is returned by storage implementations when a resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned by Create* methods when the resource's key is taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrCASConflict is returned by Update* methods when the row changed between read and
	// write; callers should retry the updater.
	ErrCASConflict = errors.New("compare-and-swap conflict")
)
