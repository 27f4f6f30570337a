package realtime

import (
	"context"
	"fmt"

	"taskmaster/core"

	"github.com/sirupsen/logrus"
)

// Store is the slice of persistence the sync protocol needs.
type Store interface {
	core.TaskStore
	core.UserStore
}

// ShareMailer sends the best-effort email that accompanies a share.
type ShareMailer interface {
	SendTaskShared(ctx context.Context, to, from *core.User, task *core.Task) error
}

// Service implements the task synchronization protocol: it validates
// the actor's relationship to the task, commits the mutation, and
// only then fans out notifications. Storage writes re-check the
// authorization predicate at commit time, so a task re-owned or
// deleted while a request was in flight fails the write rather than
// acting on stale state.
type Service struct {
	store      Store
	dispatcher *Dispatcher
	mailer     ShareMailer
}

// NewService creates the protocol service. mailer may be nil, in
// which case share emails are skipped.
func NewService(store Store, dispatcher *Dispatcher, mailer ShareMailer) *Service {
	return &Service{store: store, dispatcher: dispatcher, mailer: mailer}
}

// Share adds targetID as a collaborator on the task. Only the owner
// may share, the target must exist, and a task cannot be shared with
// its own owner. Re-sharing with an existing collaborator has no
// effect beyond re-notifying. The taskShared unicast and the email
// are dispatched only after the storage commit succeeds.
func (s *Service) Share(ctx context.Context, taskID, actorID, targetID string) (*core.TaskDetail, error) {
	task, err := s.store.FindTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.OwnerID != actorID {
		return nil, fmt.Errorf("share task %s: %w", taskID, core.ErrUnauthorized)
	}
	if targetID == task.OwnerID {
		return nil, fmt.Errorf("share task %s with its owner: %w", taskID, core.ErrForbidden)
	}

	target, err := s.store.FindUser(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("share target: %w", err)
	}

	task, err = s.store.ShareTask(ctx, taskID, actorID, targetID)
	if err != nil {
		return nil, err
	}

	detail := task.Detail(s.ownerName(ctx, task.OwnerID))
	s.dispatcher.Dispatch(TaskShared(targetID, detail))
	s.sendShareMail(ctx, actorID, target, task)

	return detail, nil
}

// Reject removes the acting collaborator from the task. Only a
// collaborator may reject; an owner cannot reject their own task,
// that is a delete. The owner is unicast a taskRejected notification.
func (s *Service) Reject(ctx context.Context, taskID, actorID string) (*core.Task, error) {
	actor, err := s.store.FindUser(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("rejecting user: %w", err)
	}

	task, err := s.store.UnshareTask(ctx, taskID, actorID)
	if err != nil {
		return nil, err
	}

	s.dispatcher.Dispatch(TaskRejected(task.OwnerID, actor.Name, task.Title, task.ID))
	return task, nil
}

// UpdateStatus toggles the task status. Owner and collaborators are
// both authorized. The change is broadcast to every registered
// connection, not just participants, since any session may be
// displaying a stale copy of a shared list.
func (s *Service) UpdateStatus(ctx context.Context, taskID, actorID string, status core.Status) (*core.Task, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status %q: %w", status, core.ErrForbidden)
	}

	task, err := s.store.UpdateTask(ctx, taskID, actorID, core.TaskUpdate{Status: &status})
	if err != nil {
		return nil, err
	}

	s.dispatcher.Dispatch(TaskStatusUpdated(task.ID, task.Status))
	return task, nil
}

// Update applies a title/status change on behalf of actorID and
// broadcasts the resulting status so stale task lists refresh.
func (s *Service) Update(ctx context.Context, taskID, actorID string, upd core.TaskUpdate) (*core.Task, error) {
	if upd.Status != nil && !upd.Status.Valid() {
		return nil, fmt.Errorf("invalid status %q: %w", *upd.Status, core.ErrForbidden)
	}

	task, err := s.store.UpdateTask(ctx, taskID, actorID, upd)
	if err != nil {
		return nil, err
	}

	s.dispatcher.Dispatch(TaskStatusUpdated(task.ID, task.Status))
	return task, nil
}

// Delete removes the task when the actor is its owner, broadcasting
// taskDeleted to all sessions. When the actor is a collaborator the
// call degrades to a self-unshare, notifying only the owner. Any
// other actor is forbidden. The returned flag reports whether the
// task was actually destroyed.
func (s *Service) Delete(ctx context.Context, taskID, actorID string) (bool, error) {
	task, err := s.store.FindTask(ctx, taskID)
	if err != nil {
		return false, err
	}

	if task.SharedWithUser(actorID) {
		if _, err := s.Reject(ctx, taskID, actorID); err != nil {
			return false, err
		}
		return false, nil
	}

	if task.OwnerID != actorID {
		return false, fmt.Errorf("delete task %s: %w", taskID, core.ErrForbidden)
	}

	if err := s.store.DeleteTask(ctx, taskID, actorID); err != nil {
		return false, err
	}

	s.dispatcher.Dispatch(TaskDeleted(taskID))
	return true, nil
}

func (s *Service) ownerName(ctx context.Context, ownerID string) string {
	owner, err := s.store.FindUser(ctx, ownerID)
	if err != nil {
		return "Unknown"
	}
	return owner.Name
}

// sendShareMail fires the share notification email without blocking
// the protocol operation; failures are logged and swallowed.
func (s *Service) sendShareMail(ctx context.Context, actorID string, target *core.User, task *core.Task) {
	if s.mailer == nil {
		return
	}
	actor, err := s.store.FindUser(ctx, actorID)
	if err != nil {
		actor = &core.User{ID: actorID, Name: "Unknown"}
	}

	go func() {
		if err := s.mailer.SendTaskShared(context.Background(), target, actor, task); err != nil {
			logrus.WithFields(logrus.Fields{
				"task_id": task.ID,
				"to":      target.Email,
			}).WithError(err).Warn("Failed to send share notification email")
		}
	}()
}
