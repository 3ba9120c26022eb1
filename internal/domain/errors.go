package domain

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist or is not visible.
	ErrNotFound = errors.New("not found")
	// ErrSessionBusy is returned when another run holds the session lease.
	ErrSessionBusy = errors.New("session is busy")
	// ErrNoModel is returned when no model id can be resolved for a run.
	ErrNoModel = errors.New("no model configured")
	// ErrInvalidModel is returned for malformed or unknown model identifiers.
	ErrInvalidModel = errors.New("invalid model identifier")
	// ErrToolConflict is returned when a caller-supplied tool reuses a reserved name.
	ErrToolConflict = errors.New("tool name conflicts with a reserved tool")
	// ErrSequenceConflict is returned when an explicit sequence number is already taken.
	ErrSequenceConflict = errors.New("sequence already assigned")
)
