package store

import "errors"

var (
	// ErrNotFound maps the document store's "no documents" result.
	ErrNotFound = errors.New("document not found")

	// ErrDuplicateKey is returned when an insert violates a unique index.
	ErrDuplicateKey = errors.New("duplicate key")
)
