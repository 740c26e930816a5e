package engine

import (
	"errors"

	"perftrack/internal/hierarchy"
)

var (
	// ErrUnknownScope is returned for scope kinds the orchestrator cannot plan.
	ErrUnknownScope = errors.New("unknown recompute scope")
	// ErrScopeNotFound is returned when a scoped entity is absent from the snapshot.
	ErrScopeNotFound = errors.New("scope entity not found")
)

// IsRetryable reports whether err is worth retrying against a fresh snapshot.
func IsRetryable(err error) bool {
	return errors.Is(err, hierarchy.ErrStaleSnapshot)
}
