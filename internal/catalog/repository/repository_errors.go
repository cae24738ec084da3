package repository

import "errors"

var (
	ErrProductNotFound = errors.New("product not found")

	// ErrVersionConflict means the row changed since it was read. Callers
	// reload and retry instead of overwriting.
	ErrVersionConflict = errors.New("stale product version")
)
