package orchestrator

import "errors"

// Failure taxonomy. Results wrap one of these with %w; match with errors.Is.
var (
	ErrLockUnavailable = errors.New("lock unavailable")
	// ErrDuplicateTick marks a tick whose key was already recorded. It is
	// not a failure.
	ErrDuplicateTick       = errors.New("duplicate tick")
	ErrRiskBlocked         = errors.New("risk blocked")
	ErrCollaboratorTimeout = errors.New("collaborator timeout")
	ErrCollaboratorFailure = errors.New("collaborator failure")
	ErrPersistence         = errors.New("persistence failure")
	ErrExecution           = errors.New("execution failure")
)

// Abort reasons reported on ABORTED results.
const (
	reasonLockUnavailable = "lock_unavailable"
	reasonCollaborator    = "collaborator_failure"
	reasonTimeout         = "collaborator_timeout"
	reasonPersistence     = "persistence"
	reasonExecution       = "execution"
)

func abortReason(err error) string {
	switch {
	case errors.Is(err, ErrPersistence):
		return reasonPersistence
	case errors.Is(err, ErrExecution):
		return reasonExecution
	case errors.Is(err, ErrCollaboratorTimeout):
		return reasonTimeout
	case errors.Is(err, ErrLockUnavailable):
		return reasonLockUnavailable
	}
	return reasonCollaborator
}
