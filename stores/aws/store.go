package aws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"time"

	"taskmaster/core"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/oklog/ulid/v2"
)

const (
	taskPrefix = "tasks/"
	userPrefix = "users/"
)

// s3Store keeps each task and user as a JSON object. Concurrent
// writers are not coordinated; the last storage write wins, which is
// the documented tie-break for uncoordinated share/delete races.
type s3Store struct {
	s3Client *s3.Client
	bucket   string
}

// NewStore creates a new S3-based store.
func NewStore(bucketName string) *s3Store {
	cfg, err := config.LoadDefaultConfig(context.TODO())
	if err != nil {
		log.Fatalf("unable to load SDK config, %v", err)
	}

	return &s3Store{
		s3Client: s3.NewFromConfig(cfg),
		bucket:   bucketName,
	}
}

func (s *s3Store) getObject(ctx context.Context, key string, out any) error {
	resp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return fmt.Errorf("object %s: %w", key, core.ErrNotFound)
		}
		return fmt.Errorf("failed to get object %s: %v", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read object %s: %v", key, err)
	}
	return json.Unmarshal(data, out)
}

func (s *s3Store) putObject(ctx context.Context, key string, in any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to upload object %s: %v", key, err)
	}
	return nil
}

func (s *s3Store) eachKey(ctx context.Context, prefix string, visit func(key string) error) error {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}
	for {
		output, err := s.s3Client.ListObjectsV2(ctx, input)
		if err != nil {
			return fmt.Errorf("failed to list objects under %s: %v", prefix, err)
		}
		for _, object := range output.Contents {
			if err := visit(*object.Key); err != nil {
				return err
			}
		}
		if output.NextContinuationToken == nil {
			return nil
		}
		input.ContinuationToken = output.NextContinuationToken
	}
}

func (s *s3Store) readTask(ctx context.Context, id string) (*core.Task, error) {
	task := &core.Task{}
	if err := s.getObject(ctx, taskPrefix+id, task); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("task %s: %w", id, core.ErrNotFound)
		}
		return nil, err
	}
	if task.SharedWith == nil {
		task.SharedWith = []string{}
	}
	return task, nil
}

func (s *s3Store) eachTask(ctx context.Context, visit func(*core.Task) bool) error {
	stop := errors.New("stop")
	err := s.eachKey(ctx, taskPrefix, func(key string) error {
		task, err := s.readTask(ctx, strings.TrimPrefix(key, taskPrefix))
		if err != nil {
			return nil // object deleted mid-scan, skip
		}
		if !visit(task) {
			return stop
		}
		return nil
	})
	if err == stop {
		return nil
	}
	return err
}

// s3User persists the fields core.User hides from JSON responses.
type s3User struct {
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

func (u *s3User) toCore() *core.User {
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

func userToS3(u *core.User) *s3User {
	return &s3User{
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

func (s *s3Store) readUser(ctx context.Context, id string) (*core.User, error) {
	user := &s3User{}
	if err := s.getObject(ctx, userPrefix+id, user); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("user %s: %w", id, core.ErrNotFound)
		}
		return nil, err
	}
	return user.toCore(), nil
}

func (s *s3Store) eachUser(ctx context.Context, visit func(*core.User) bool) error {
	stop := errors.New("stop")
	err := s.eachKey(ctx, userPrefix, func(key string) error {
		user, err := s.readUser(ctx, strings.TrimPrefix(key, userPrefix))
		if err != nil {
			return nil
		}
		if !visit(user) {
			return stop
		}
		return nil
	})
	if err == stop {
		return nil
	}
	return err
}

// TaskStore implementation

func (s *s3Store) CreateTask(ctx context.Context, task *core.Task) error {
	duplicate := false
	if err := s.eachTask(ctx, func(t *core.Task) bool {
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
	return s.putObject(ctx, taskPrefix+task.ID, task)
}

func (s *s3Store) FindTask(ctx context.Context, id string) (*core.Task, error) {
	return s.readTask(ctx, id)
}

func (s *s3Store) ListTasks(ctx context.Context, userID string, filter core.TaskFilter) ([]*core.Task, int, error) {
	var visible []*core.Task
	if err := s.eachTask(ctx, func(t *core.Task) bool {
		if t.OwnerID != userID && !t.SharedWithUser(userID) {
			return true
		}
		if filter.Search != "" && !strings.Contains(strings.ToLower(t.Title), strings.ToLower(filter.Search)) {
			return true
		}
		visible = append(visible, t)
		return true
	}); err != nil {
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

func (s *s3Store) UpdateTask(ctx context.Context, id, actorID string, upd core.TaskUpdate) (*core.Task, error) {
	task, err := s.readTask(ctx, id)
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
	if err := s.putObject(ctx, taskPrefix+id, task); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *s3Store) DeleteTask(ctx context.Context, id, actorID string) error {
	task, err := s.readTask(ctx, id)
	if err != nil {
		return err
	}
	if task.OwnerID != actorID {
		return fmt.Errorf("delete task %s: %w", id, core.ErrForbidden)
	}

	_, err = s.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(taskPrefix + id),
	})
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %v", id, err)
	}
	return nil
}

func (s *s3Store) ShareTask(ctx context.Context, id, actorID, targetID string) (*core.Task, error) {
	task, err := s.readTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.OwnerID != actorID {
		return nil, fmt.Errorf("share task %s: %w", id, core.ErrUnauthorized)
	}

	if !task.SharedWithUser(targetID) {
		task.SharedWith = append(task.SharedWith, targetID)
		task.UpdatedAt = time.Now()
		if err := s.putObject(ctx, taskPrefix+id, task); err != nil {
			return nil, err
		}
	}
	return task, nil
}

func (s *s3Store) UnshareTask(ctx context.Context, id, actorID string) (*core.Task, error) {
	task, err := s.readTask(ctx, id)
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
	if err := s.putObject(ctx, taskPrefix+id, task); err != nil {
		return nil, err
	}
	return task, nil
}

// UserStore implementation

func (s *s3Store) CreateUser(ctx context.Context, user *core.User) error {
	duplicate := false
	if err := s.eachUser(ctx, func(u *core.User) bool {
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
	return s.putObject(ctx, userPrefix+user.ID, userToS3(user))
}

func (s *s3Store) FindUser(ctx context.Context, id string) (*core.User, error) {
	return s.readUser(ctx, id)
}

func (s *s3Store) FindUserByEmail(ctx context.Context, email string) (*core.User, error) {
	return s.findUserBy(ctx, func(u *core.User) bool { return u.Email == email })
}

func (s *s3Store) FindUserByRefreshToken(ctx context.Context, token string) (*core.User, error) {
	if token == "" {
		return nil, fmt.Errorf("empty refresh token: %w", core.ErrNotFound)
	}
	return s.findUserBy(ctx, func(u *core.User) bool { return u.RefreshToken == token })
}

func (s *s3Store) FindUserByResetToken(ctx context.Context, token string) (*core.User, error) {
	if token == "" {
		return nil, fmt.Errorf("empty reset token: %w", core.ErrNotFound)
	}
	return s.findUserBy(ctx, func(u *core.User) bool { return u.ResetToken == token })
}

func (s *s3Store) findUserBy(ctx context.Context, match func(*core.User) bool) (*core.User, error) {
	var found *core.User
	if err := s.eachUser(ctx, func(u *core.User) bool {
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

func (s *s3Store) UpdateUser(ctx context.Context, user *core.User) error {
	if _, err := s.readUser(ctx, user.ID); err != nil {
		return err
	}
	user.UpdatedAt = time.Now()
	return s.putObject(ctx, userPrefix+user.ID, userToS3(user))
}

func (s *s3Store) ListUsers(ctx context.Context, excludeID string) ([]*core.User, error) {
	users := []*core.User{}
	if err := s.eachUser(ctx, func(u *core.User) bool {
		if u.ID != excludeID {
			users = append(users, u)
		}
		return true
	}); err != nil {
		return nil, err
	}

	sort.Slice(users, func(i, j int) bool { return users[i].Name < users[j].Name })
	return users, nil
}
