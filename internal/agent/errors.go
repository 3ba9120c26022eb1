package agent

import (
	"errors"

	"github.com/xiaot623/agentloop/internal/domain"
)

// Wire error codes carried by error events.
const (
	CodeModelNotConfigured = "MODEL_NOT_CONFIGURED"
	CodeInvalidModel       = "INVALID_MODEL"
	CodeToolConfig         = "TOOL_CONFIG_ERROR"
	CodeSessionBusy        = "SESSION_BUSY"
	CodeStream             = "STREAM_ERROR"
	CodePersistence        = "PERSISTENCE_ERROR"
	CodeInternal           = "INTERNAL_ERROR"
)

// PersistError marks a failed write the run cannot continue without.
type PersistError struct {
	Op  string
	Err error
}

func (e *PersistError) Error() string {
	return "persist " + e.Op + ": " + e.Err.Error()
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// ErrorCode maps err to its wire code, using fallback for unclassified errors.
func ErrorCode(err error, fallback string) string {
	var persistErr *PersistError
	switch {
	case errors.Is(err, domain.ErrNoModel):
		return CodeModelNotConfigured
	case errors.Is(err, domain.ErrInvalidModel):
		return CodeInvalidModel
	case errors.Is(err, domain.ErrToolConflict):
		return CodeToolConfig
	case errors.Is(err, domain.ErrSessionBusy):
		return CodeSessionBusy
	case errors.As(err, &persistErr):
		return CodePersistence
	default:
		return fallback
	}
}
