package core

import "errors"

// Failure taxonomy for task operations. Stores and the sync service
// return these (possibly wrapped); callers match with errors.Is and
// map them onto HTTP status codes or drop the triggering event.
var (
	// ErrNotFound means the task or user does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized means the actor lacks the required relationship
	// to the task (not its owner, or not a collaborator).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden means the action is structurally disallowed, such as
	// a non-participant deleting a task or an owner sharing a task with
	// themself.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict means the write collides with existing state, such as
	// a duplicate task title for the same owner.
	ErrConflict = errors.New("conflict")
)
