package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrVersionConflict is returned when a compare-and-swap update lost
	// the race against a concurrent writer. Callers retry with a fresh read.
	ErrVersionConflict = errors.New("storage: version conflict")

	// ErrDuplicateEvent is returned when the (message_id, fragment_index)
	// pair has already been applied. Not a failure — the caller reports a
	// duplicate outcome and moves on.
	ErrDuplicateEvent = errors.New("storage: event already applied")
)
