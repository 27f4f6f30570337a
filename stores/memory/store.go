package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"taskmaster/core"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// memStore keeps tasks and users in process memory. It is the default
// store and the one the sync protocol tests run against.
type memStore struct {
	mu    sync.RWMutex
	tasks map[string]*core.Task
	users map[string]*core.User
}

// NewStore creates an empty in-memory store.
func NewStore() *memStore {
	return &memStore{
		tasks: make(map[string]*core.Task),
		users: make(map[string]*core.User),
	}
}

// TaskStore implementation

func (s *memStore) CreateTask(ctx context.Context, task *core.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.tasks {
		if existing.OwnerID == task.OwnerID && existing.Title == task.Title {
			return fmt.Errorf("task %q already exists: %w", task.Title, core.ErrConflict)
		}
	}

	now := time.Now()
	task.ID = ulid.Make().String()
	task.Status = core.StatusPending
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.SharedWith == nil {
		task.SharedWith = []string{}
	}
	s.tasks[task.ID] = cloneTask(task)

	logrus.WithFields(logrus.Fields{
		"task_id": task.ID,
		"owner":   task.OwnerID,
	}).Info("Task created")
	return nil
}

func (s *memStore) FindTask(ctx context.Context, id string) (*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, core.ErrNotFound)
	}
	return cloneTask(task), nil
}

func (s *memStore) ListTasks(ctx context.Context, userID string, filter core.TaskFilter) ([]*core.Task, int, error) {
	s.mu.RLock()
	var visible []*core.Task
	for _, task := range s.tasks {
		if task.OwnerID != userID && !task.SharedWithUser(userID) {
			continue
		}
		if filter.Search != "" && !strings.Contains(strings.ToLower(task.Title), strings.ToLower(filter.Search)) {
			continue
		}
		visible = append(visible, cloneTask(task))
	}
	s.mu.RUnlock()

	sort.Slice(visible, func(i, j int) bool {
		return visible[i].CreatedAt.Before(visible[j].CreatedAt)
	})

	total := len(visible)
	page, limit := normalizePage(filter)
	start := (page - 1) * limit
	if start >= total {
		return []*core.Task{}, total, nil
	}
	end := start + limit
	if end > total {
		end = total
	}
	return visible[start:end], total, nil
}

func (s *memStore) UpdateTask(ctx context.Context, id, actorID string, upd core.TaskUpdate) (*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, core.ErrNotFound)
	}
	if task.OwnerID != actorID && !task.SharedWithUser(actorID) {
		return nil, fmt.Errorf("update task %s: %w", id, core.ErrUnauthorized)
	}

	if upd.Title != nil {
		task.Title = *upd.Title
	}
	if upd.Status != nil {
		task.Status = *upd.Status
	}
	task.UpdatedAt = time.Now()
	return cloneTask(task), nil
}

func (s *memStore) DeleteTask(ctx context.Context, id, actorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, core.ErrNotFound)
	}
	if task.OwnerID != actorID {
		return fmt.Errorf("delete task %s: %w", id, core.ErrForbidden)
	}
	delete(s.tasks, id)

	logrus.WithField("task_id", id).Info("Task deleted")
	return nil
}

func (s *memStore) ShareTask(ctx context.Context, id, actorID, targetID string) (*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, core.ErrNotFound)
	}
	if task.OwnerID != actorID {
		return nil, fmt.Errorf("share task %s: %w", id, core.ErrUnauthorized)
	}

	if !task.SharedWithUser(targetID) {
		task.SharedWith = append(task.SharedWith, targetID)
		task.UpdatedAt = time.Now()
	}
	return cloneTask(task), nil
}

func (s *memStore) UnshareTask(ctx context.Context, id, actorID string) (*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, core.ErrNotFound)
	}
	if !task.SharedWithUser(actorID) {
		return nil, fmt.Errorf("unshare task %s: %w", id, core.ErrUnauthorized)
	}

	kept := make([]string, 0, len(task.SharedWith)-1)
	for _, uid := range task.SharedWith {
		if uid != actorID {
			kept = append(kept, uid)
		}
	}
	task.SharedWith = kept
	task.UpdatedAt = time.Now()
	return cloneTask(task), nil
}

// UserStore implementation

func (s *memStore) CreateUser(ctx context.Context, user *core.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if existing.Email == user.Email {
			return fmt.Errorf("user %s: %w", user.Email, core.ErrConflict)
		}
	}

	now := time.Now()
	user.ID = ulid.Make().String()
	user.CreatedAt = now
	user.UpdatedAt = now
	s.users[user.ID] = cloneUser(user)

	logrus.WithField("user_id", user.ID).Info("User created")
	return nil
}

func (s *memStore) FindUser(ctx context.Context, id string) (*core.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, core.ErrNotFound)
	}
	return cloneUser(user), nil
}

func (s *memStore) FindUserByEmail(ctx context.Context, email string) (*core.User, error) {
	return s.findUserBy(func(u *core.User) bool { return u.Email == email })
}

func (s *memStore) FindUserByRefreshToken(ctx context.Context, token string) (*core.User, error) {
	if token == "" {
		return nil, fmt.Errorf("empty refresh token: %w", core.ErrNotFound)
	}
	return s.findUserBy(func(u *core.User) bool { return u.RefreshToken == token })
}

func (s *memStore) FindUserByResetToken(ctx context.Context, token string) (*core.User, error) {
	if token == "" {
		return nil, fmt.Errorf("empty reset token: %w", core.ErrNotFound)
	}
	return s.findUserBy(func(u *core.User) bool { return u.ResetToken == token })
}

func (s *memStore) findUserBy(match func(*core.User) bool) (*core.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, user := range s.users {
		if match(user) {
			return cloneUser(user), nil
		}
	}
	return nil, fmt.Errorf("user: %w", core.ErrNotFound)
}

func (s *memStore) UpdateUser(ctx context.Context, user *core.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.ID]; !ok {
		return fmt.Errorf("user %s: %w", user.ID, core.ErrNotFound)
	}
	user.UpdatedAt = time.Now()
	s.users[user.ID] = cloneUser(user)
	return nil
}

func (s *memStore) ListUsers(ctx context.Context, excludeID string) ([]*core.User, error) {
	s.mu.RLock()
	users := make([]*core.User, 0, len(s.users))
	for _, user := range s.users {
		if user.ID == excludeID {
			continue
		}
		users = append(users, cloneUser(user))
	}
	s.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool { return users[i].Name < users[j].Name })
	return users, nil
}

func normalizePage(filter core.TaskFilter) (page, limit int) {
	page, limit = filter.Page, filter.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 5
	}
	return page, limit
}

func cloneTask(t *core.Task) *core.Task {
	c := *t
	c.SharedWith = append([]string(nil), t.SharedWith...)
	if c.SharedWith == nil {
		c.SharedWith = []string{}
	}
	return &c
}

func cloneUser(u *core.User) *core.User {
	c := *u
	return &c
}
