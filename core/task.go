package core

import (
	"context"
	"time"
)

// Status is the task lifecycle state. A task is always in exactly one
// of the two states; there is no terminal state.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusCompleted Status = "Completed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusPending || s == StatusCompleted
}

type (
	// Task is the projection of a task record the service operates on.
	// The owner is immutable after creation; SharedWith holds the
	// collaborator ids, order irrelevant.
	Task struct {
		ID         string    `json:"id"`
		Title      string    `json:"title"`
		Status     Status    `json:"status"`
		OwnerID    string    `json:"owner"`
		SharedWith []string  `json:"sharedWith"`
		CreatedAt  time.Time `json:"createdAt"`
		UpdatedAt  time.Time `json:"updatedAt"`
	}

	// TaskDetail is the task view sent to clients, enriched with the
	// owner's display name.
	TaskDetail struct {
		ID         string    `json:"id"`
		Title      string    `json:"title"`
		Status     Status    `json:"status"`
		OwnerID    string    `json:"owner"`
		OwnerName  string    `json:"name"`
		SharedWith []string  `json:"sharedWith"`
		CreatedAt  time.Time `json:"createdAt"`
		UpdatedAt  time.Time `json:"updatedAt"`
	}

	// TaskFilter narrows and pages a task listing.
	TaskFilter struct {
		Search string
		Page   int
		Limit  int
	}

	// TaskUpdate carries the mutable task fields for an update. Nil
	// fields are left unchanged.
	TaskUpdate struct {
		Title  *string
		Status *Status
	}

	// TaskStore defines the persistence layer for tasks. Mutating
	// operations take the acting user and enforce the authorization
	// predicate at write time, so callers get ErrUnauthorized,
	// ErrForbidden or ErrNotFound from the commit itself even if the
	// task changed between fetch and write.
	TaskStore interface {
		// CreateTask persists a new task, assigning its ID and timestamps.
		CreateTask(ctx context.Context, task *Task) error

		// FindTask returns a task by id.
		FindTask(ctx context.Context, id string) (*Task, error)

		// ListTasks returns the page of tasks visible to userID (owner or
		// collaborator) matching the filter, plus the total match count.
		ListTasks(ctx context.Context, userID string, filter TaskFilter) ([]*Task, int, error)

		// UpdateTask applies upd if actorID is the owner or a collaborator.
		UpdateTask(ctx context.Context, id, actorID string, upd TaskUpdate) (*Task, error)

		// DeleteTask removes the task if actorID is the owner.
		DeleteTask(ctx context.Context, id, actorID string) error

		// ShareTask adds targetID to the task's collaborators if actorID
		// is the owner. Adding an existing collaborator is a no-op that
		// still returns the task.
		ShareTask(ctx context.Context, id, actorID, targetID string) (*Task, error)

		// UnshareTask removes actorID from the task's collaborators.
		// Fails with ErrUnauthorized if actorID is not a collaborator.
		UnshareTask(ctx context.Context, id, actorID string) (*Task, error)
	}
)

// Detail builds the client-facing view of a task.
func (t *Task) Detail(ownerName string) *TaskDetail {
	shared := t.SharedWith
	if shared == nil {
		shared = []string{}
	}
	return &TaskDetail{
		ID:         t.ID,
		Title:      t.Title,
		Status:     t.Status,
		OwnerID:    t.OwnerID,
		OwnerName:  ownerName,
		SharedWith: shared,
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
	}
}

// SharedWithUser reports whether userID is a collaborator on t.
func (t *Task) SharedWithUser(userID string) bool {
	for _, id := range t.SharedWith {
		if id == userID {
			return true
		}
	}
	return false
}
