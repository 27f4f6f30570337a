package filesystem

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"taskmaster/core"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// fsStore keeps each task and user as a JSON file under the base
// path. A single store mutex serializes read-modify-write cycles;
// the record sets are small and every operation is one file touch
// plus at most one directory scan.
type fsStore struct {
	mu       sync.Mutex
	basePath string
}

// NewStore creates a new filesystem-based store.
func NewStore(basePath string) *fsStore {
	for _, dir := range []string{"tasks", "users"} {
		if err := os.MkdirAll(filepath.Join(basePath, dir), 0755); err != nil {
			log.Fatalf("failed to create %s directory: %v", dir, err)
		}
	}
	return &fsStore{basePath: basePath}
}

func (s *fsStore) taskPath(id string) string {
	return filepath.Join(s.basePath, "tasks", id+".json")
}

func (s *fsStore) userPath(id string) string {
	return filepath.Join(s.basePath, "users", id+".json")
}

func (s *fsStore) readTask(id string) (*core.Task, error) {
	data, err := os.ReadFile(s.taskPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("task %s: %w", id, core.ErrNotFound)
		}
		return nil, err
	}
	task := &core.Task{}
	if err := json.Unmarshal(data, task); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	if task.SharedWith == nil {
		task.SharedWith = []string{}
	}
	return task, nil
}

func (s *fsStore) writeTask(task *core.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return os.WriteFile(s.taskPath(task.ID), data, 0644)
}

func (s *fsStore) readUser(id string) (*core.User, error) {
	data, err := os.ReadFile(s.userPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("user %s: %w", id, core.ErrNotFound)
		}
		return nil, err
	}
	user := &storedUser{}
	if err := json.Unmarshal(data, user); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", id, err)
	}
	return user.toCore(), nil
}

func (s *fsStore) writeUser(user *core.User) error {
	data, err := json.Marshal(fromCore(user))
	if err != nil {
		return err
	}
	return os.WriteFile(s.userPath(user.ID), data, 0644)
}

// storedUser persists the fields core.User hides from JSON responses.
type storedUser struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Email             string    `json:"email"`
	PasswordHash      string    `json:"passwordHash"`
	RefreshToken      string    `json:"refreshToken"`
	ResetToken        string    `json:"resetToken"`
	ResetTokenExpires time.Time `json:"resetTokenExpires"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

func fromCore(u *core.User) *storedUser {
	return &storedUser{
		ID:                u.ID,
		Name:              u.Name,
		Email:             u.Email,
		PasswordHash:      u.PasswordHash,
		RefreshToken:      u.RefreshToken,
		ResetToken:        u.ResetToken,
		ResetTokenExpires: u.ResetTokenExpires,
		CreatedAt:         u.CreatedAt,
		UpdatedAt:         u.UpdatedAt,
	}
}

func (u *storedUser) toCore() *core.User {
	return &core.User{
		ID:                u.ID,
		Name:              u.Name,
		Email:             u.Email,
		PasswordHash:      u.PasswordHash,
		RefreshToken:      u.RefreshToken,
		ResetToken:        u.ResetToken,
		ResetTokenExpires: u.ResetTokenExpires,
		CreatedAt:         u.CreatedAt,
		UpdatedAt:         u.UpdatedAt,
	}
}

func (s *fsStore) eachTask(visit func(*core.Task) bool) error {
	files, err := os.ReadDir(filepath.Join(s.basePath, "tasks"))
	if err != nil {
		return err
	}
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}
		task, err := s.readTask(strings.TrimSuffix(file.Name(), ".json"))
		if err != nil {
			logrus.WithError(err).Warnf("Skipping unreadable task file %s", file.Name())
			continue
		}
		if !visit(task) {
			return nil
		}
	}
	return nil
}

func (s *fsStore) eachUser(visit func(*core.User) bool) error {
	files, err := os.ReadDir(filepath.Join(s.basePath, "users"))
	if err != nil {
		return err
	}
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}
		user, err := s.readUser(strings.TrimSuffix(file.Name(), ".json"))
		if err != nil {
			logrus.WithError(err).Warnf("Skipping unreadable user file %s", file.Name())
			continue
		}
		if !visit(user) {
			return nil
		}
	}
	return nil
}

// TaskStore implementation

func (s *fsStore) CreateTask(ctx context.Context, task *core.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	duplicate := false
	if err := s.eachTask(func(t *core.Task) bool {
		if t.OwnerID == task.OwnerID && t.Title == task.Title {
			duplicate = true
			return false
		}
		return true
	}); err != nil {
		return err
	}
	if duplicate {
		return fmt.Errorf("task %q already exists: %w", task.Title, core.ErrConflict)
	}

	now := time.Now()
	task.ID = ulid.Make().String()
	task.Status = core.StatusPending
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.SharedWith == nil {
		task.SharedWith = []string{}
	}
	return s.writeTask(task)
}

func (s *fsStore) FindTask(ctx context.Context, id string) (*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readTask(id)
}

func (s *fsStore) ListTasks(ctx context.Context, userID string, filter core.TaskFilter) ([]*core.Task, int, error) {
	s.mu.Lock()
	var visible []*core.Task
	err := s.eachTask(func(t *core.Task) bool {
		if t.OwnerID != userID && !t.SharedWithUser(userID) {
			return true
		}
		if filter.Search != "" && !strings.Contains(strings.ToLower(t.Title), strings.ToLower(filter.Search)) {
			return true
		}
		visible = append(visible, t)
		return true
	})
	s.mu.Unlock()
	if err != nil {
		return nil, 0, err
	}

	sort.Slice(visible, func(i, j int) bool {
		return visible[i].CreatedAt.Before(visible[j].CreatedAt)
	})

	page, limit := filter.Page, filter.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 5
	}
	total := len(visible)
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

func (s *fsStore) UpdateTask(ctx context.Context, id, actorID string, upd core.TaskUpdate) (*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.readTask(id)
	if err != nil {
		return nil, err
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
	if err := s.writeTask(task); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *fsStore) DeleteTask(ctx context.Context, id, actorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.readTask(id)
	if err != nil {
		return err
	}
	if task.OwnerID != actorID {
		return fmt.Errorf("delete task %s: %w", id, core.ErrForbidden)
	}
	return os.Remove(s.taskPath(id))
}

func (s *fsStore) ShareTask(ctx context.Context, id, actorID, targetID string) (*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.readTask(id)
	if err != nil {
		return nil, err
	}
	if task.OwnerID != actorID {
		return nil, fmt.Errorf("share task %s: %w", id, core.ErrUnauthorized)
	}

	if !task.SharedWithUser(targetID) {
		task.SharedWith = append(task.SharedWith, targetID)
		task.UpdatedAt = time.Now()
		if err := s.writeTask(task); err != nil {
			return nil, err
		}
	}
	return task, nil
}

func (s *fsStore) UnshareTask(ctx context.Context, id, actorID string) (*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.readTask(id)
	if err != nil {
		return nil, err
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
	if err := s.writeTask(task); err != nil {
		return nil, err
	}
	return task, nil
}

// UserStore implementation

func (s *fsStore) CreateUser(ctx context.Context, user *core.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	duplicate := false
	if err := s.eachUser(func(u *core.User) bool {
		if u.Email == user.Email {
			duplicate = true
			return false
		}
		return true
	}); err != nil {
		return err
	}
	if duplicate {
		return fmt.Errorf("user %s: %w", user.Email, core.ErrConflict)
	}

	now := time.Now()
	user.ID = ulid.Make().String()
	user.CreatedAt = now
	user.UpdatedAt = now
	return s.writeUser(user)
}

func (s *fsStore) FindUser(ctx context.Context, id string) (*core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readUser(id)
}

func (s *fsStore) FindUserByEmail(ctx context.Context, email string) (*core.User, error) {
	return s.findUserBy(func(u *core.User) bool { return u.Email == email })
}

func (s *fsStore) FindUserByRefreshToken(ctx context.Context, token string) (*core.User, error) {
	if token == "" {
		return nil, fmt.Errorf("empty refresh token: %w", core.ErrNotFound)
	}
	return s.findUserBy(func(u *core.User) bool { return u.RefreshToken == token })
}

func (s *fsStore) FindUserByResetToken(ctx context.Context, token string) (*core.User, error) {
	if token == "" {
		return nil, fmt.Errorf("empty reset token: %w", core.ErrNotFound)
	}
	return s.findUserBy(func(u *core.User) bool { return u.ResetToken == token })
}

func (s *fsStore) findUserBy(match func(*core.User) bool) (*core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *core.User
	if err := s.eachUser(func(u *core.User) bool {
		if match(u) {
			found = u
			return false
		}
		return true
	}); err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("user: %w", core.ErrNotFound)
	}
	return found, nil
}

func (s *fsStore) UpdateUser(ctx context.Context, user *core.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.readUser(user.ID); err != nil {
		return err
	}
	user.UpdatedAt = time.Now()
	return s.writeUser(user)
}

func (s *fsStore) ListUsers(ctx context.Context, excludeID string) ([]*core.User, error) {
	s.mu.Lock()
	users := []*core.User{}
	err := s.eachUser(func(u *core.User) bool {
		if u.ID != excludeID {
			users = append(users, u)
		}
		return true
	})
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	sort.Slice(users, func(i, j int) bool { return users[i].Name < users[j].Name })
	return users, nil
}
