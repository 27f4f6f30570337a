package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"taskmaster/core"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	db *sql.DB
}

// NewStore creates a new SQLite-based store.
func NewStore(dataSourceName string) *sqliteStore {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		log.Fatalf("failed to open sqlite database: %v", err)
	}

	usersStmt := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		refresh_token TEXT NOT NULL DEFAULT '',
		reset_token TEXT NOT NULL DEFAULT '',
		reset_token_expires DATETIME,
		created_at DATETIME,
		updated_at DATETIME
	);`
	if _, err = db.Exec(usersStmt); err != nil {
		log.Fatalf("failed to create users table: %v", err)
	}

	tasksStmt := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		status TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		created_at DATETIME,
		updated_at DATETIME
	);`
	if _, err = db.Exec(tasksStmt); err != nil {
		log.Fatalf("failed to create tasks table: %v", err)
	}

	sharesStmt := `
	CREATE TABLE IF NOT EXISTS task_shares (
		task_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		PRIMARY KEY (task_id, user_id)
	);`
	if _, err = db.Exec(sharesStmt); err != nil {
		log.Fatalf("failed to create task_shares table: %v", err)
	}

	return &sqliteStore{db}
}

// TaskStore implementation

func (s *sqliteStore) CreateTask(ctx context.Context, task *core.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM tasks WHERE owner_id = ? AND title = ?", task.OwnerID, task.Title).Scan(&exists)
	if err == nil {
		return fmt.Errorf("task %q already exists: %w", task.Title, core.ErrConflict)
	}
	if err != sql.ErrNoRows {
		return err
	}

	now := time.Now()
	task.ID = ulid.Make().String()
	task.Status = core.StatusPending
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err = tx.ExecContext(ctx,
		"INSERT INTO tasks (id, title, status, owner_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		task.ID, task.Title, task.Status, task.OwnerID, now, now)
	if err != nil {
		return err
	}

	for _, userID := range task.SharedWith {
		if _, err = tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO task_shares (task_id, user_id) VALUES (?, ?)",
			task.ID, userID); err != nil {
			return err
		}
	}
	if task.SharedWith == nil {
		task.SharedWith = []string{}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"task_id": task.ID,
		"owner":   task.OwnerID,
	}).Info("Task created")
	return nil
}

func (s *sqliteStore) FindTask(ctx context.Context, id string) (*core.Task, error) {
	task := &core.Task{ID: id}
	err := s.db.QueryRowContext(ctx,
		"SELECT title, status, owner_id, created_at, updated_at FROM tasks WHERE id = ?", id).
		Scan(&task.Title, &task.Status, &task.OwnerID, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("task %s: %w", id, core.ErrNotFound)
		}
		return nil, err
	}

	task.SharedWith, err = s.taskShares(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return task, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *sqliteStore) taskShares(ctx context.Context, q querier, taskID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, "SELECT user_id FROM task_shares WHERE task_id = ?", taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	shared := []string{}
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		shared = append(shared, userID)
	}
	return shared, rows.Err()
}

func (s *sqliteStore) ListTasks(ctx context.Context, userID string, filter core.TaskFilter) ([]*core.Task, int, error) {
	page, limit := filter.Page, filter.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 5
	}

	where := `(owner_id = ? OR id IN (SELECT task_id FROM task_shares WHERE user_id = ?))
		AND title LIKE ?`
	pattern := "%" + filter.Search + "%"

	var total int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tasks WHERE "+where, userID, userID, pattern).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, title, status, owner_id, created_at, updated_at FROM tasks WHERE "+where+
			" ORDER BY created_at LIMIT ? OFFSET ?",
		userID, userID, pattern, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	tasks := []*core.Task{}
	for rows.Next() {
		task := &core.Task{}
		if err := rows.Scan(&task.ID, &task.Title, &task.Status, &task.OwnerID, &task.CreatedAt, &task.UpdatedAt); err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	for _, task := range tasks {
		task.SharedWith, err = s.taskShares(ctx, s.db, task.ID)
		if err != nil {
			return nil, 0, err
		}
	}
	return tasks, total, nil
}

func (s *sqliteStore) UpdateTask(ctx context.Context, id, actorID string, upd core.TaskUpdate) (*core.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// The authorization predicate is part of the UPDATE itself so the
	// relationship is checked against the row state at commit time.
	authorized := `id = ? AND (owner_id = ? OR EXISTS (
		SELECT 1 FROM task_shares WHERE task_id = ? AND user_id = ?))`

	set := "updated_at = ?"
	args := []any{time.Now()}
	if upd.Title != nil {
		set += ", title = ?"
		args = append(args, *upd.Title)
	}
	if upd.Status != nil {
		set += ", status = ?"
		args = append(args, *upd.Status)
	}
	args = append(args, id, actorID, id, actorID)

	res, err := tx.ExecContext(ctx, "UPDATE tasks SET "+set+" WHERE "+authorized, args...)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, s.classifyMiss(ctx, tx, id, "update task")
	}

	task := &core.Task{ID: id}
	err = tx.QueryRowContext(ctx,
		"SELECT title, status, owner_id, created_at, updated_at FROM tasks WHERE id = ?", id).
		Scan(&task.Title, &task.Status, &task.OwnerID, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}
	task.SharedWith, err = s.taskShares(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	return task, tx.Commit()
}

func (s *sqliteStore) DeleteTask(ctx context.Context, id, actorID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE id = ? AND owner_id = ?", id, actorID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return s.classifyMiss(ctx, tx, id, "delete task")
	}

	if _, err = tx.ExecContext(ctx, "DELETE FROM task_shares WHERE task_id = ?", id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	logrus.WithField("task_id", id).Info("Task deleted")
	return nil
}

func (s *sqliteStore) ShareTask(ctx context.Context, id, actorID, targetID string) (*core.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var ownerID string
	err = tx.QueryRowContext(ctx, "SELECT owner_id FROM tasks WHERE id = ?", id).Scan(&ownerID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("task %s: %w", id, core.ErrNotFound)
		}
		return nil, err
	}
	if ownerID != actorID {
		return nil, fmt.Errorf("share task %s: %w", id, core.ErrUnauthorized)
	}

	// Idempotent set insert.
	if _, err = tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO task_shares (task_id, user_id) VALUES (?, ?)", id, targetID); err != nil {
		return nil, err
	}
	if _, err = tx.ExecContext(ctx, "UPDATE tasks SET updated_at = ? WHERE id = ?", time.Now(), id); err != nil {
		return nil, err
	}

	task, err := s.readTask(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	return task, tx.Commit()
}

func (s *sqliteStore) UnshareTask(ctx context.Context, id, actorID string) (*core.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"DELETE FROM task_shares WHERE task_id = ? AND user_id = ?", id, actorID)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, s.classifyMiss(ctx, tx, id, "unshare task")
	}

	if _, err = tx.ExecContext(ctx, "UPDATE tasks SET updated_at = ? WHERE id = ?", time.Now(), id); err != nil {
		return nil, err
	}

	task, err := s.readTask(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	return task, tx.Commit()
}

type rowQuerier interface {
	querier
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqliteStore) readTask(ctx context.Context, q rowQuerier, id string) (*core.Task, error) {
	task := &core.Task{ID: id}
	err := q.QueryRowContext(ctx,
		"SELECT title, status, owner_id, created_at, updated_at FROM tasks WHERE id = ?", id).
		Scan(&task.Title, &task.Status, &task.OwnerID, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("task %s: %w", id, core.ErrNotFound)
		}
		return nil, err
	}
	task.SharedWith, err = s.taskShares(ctx, q, id)
	return task, err
}

// classifyMiss distinguishes "task gone" from "task exists but the
// actor lacks the relationship" after a conditional write hit zero rows.
func (s *sqliteStore) classifyMiss(ctx context.Context, q rowQuerier, id, op string) error {
	var exists int
	err := q.QueryRowContext(ctx, "SELECT 1 FROM tasks WHERE id = ?", id).Scan(&exists)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%s %s: %w", op, id, core.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if op == "delete task" {
		return fmt.Errorf("%s %s: %w", op, id, core.ErrForbidden)
	}
	return fmt.Errorf("%s %s: %w", op, id, core.ErrUnauthorized)
}

// UserStore implementation

func (s *sqliteStore) CreateUser(ctx context.Context, user *core.User) error {
	now := time.Now()
	user.ID = ulid.Make().String()
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, password_hash, refresh_token, reset_token, reset_token_expires, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Name, user.Email, user.PasswordHash,
		user.RefreshToken, user.ResetToken, user.ResetTokenExpires, now, now)
	if err != nil {
		var exists int
		if dupErr := s.db.QueryRowContext(ctx, "SELECT 1 FROM users WHERE email = ?", user.Email).Scan(&exists); dupErr == nil {
			return fmt.Errorf("user %s: %w", user.Email, core.ErrConflict)
		}
		return err
	}

	logrus.WithField("user_id", user.ID).Info("User created")
	return nil
}

func (s *sqliteStore) FindUser(ctx context.Context, id string) (*core.User, error) {
	return s.findUserWhere(ctx, "id = ?", id)
}

func (s *sqliteStore) FindUserByEmail(ctx context.Context, email string) (*core.User, error) {
	return s.findUserWhere(ctx, "email = ?", email)
}

func (s *sqliteStore) FindUserByRefreshToken(ctx context.Context, token string) (*core.User, error) {
	if token == "" {
		return nil, fmt.Errorf("empty refresh token: %w", core.ErrNotFound)
	}
	return s.findUserWhere(ctx, "refresh_token = ?", token)
}

func (s *sqliteStore) FindUserByResetToken(ctx context.Context, token string) (*core.User, error) {
	if token == "" {
		return nil, fmt.Errorf("empty reset token: %w", core.ErrNotFound)
	}
	return s.findUserWhere(ctx, "reset_token = ?", token)
}

func (s *sqliteStore) findUserWhere(ctx context.Context, where string, arg any) (*core.User, error) {
	user := &core.User{}
	var resetExpires sql.NullTime
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, email, password_hash, refresh_token, reset_token, reset_token_expires, created_at, updated_at FROM users WHERE "+where, arg).
		Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash,
			&user.RefreshToken, &user.ResetToken, &resetExpires, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("user: %w", core.ErrNotFound)
		}
		return nil, err
	}
	if resetExpires.Valid {
		user.ResetTokenExpires = resetExpires.Time
	}
	return user, nil
}

func (s *sqliteStore) UpdateUser(ctx context.Context, user *core.User) error {
	user.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET name = ?, email = ?, password_hash = ?, refresh_token = ?, reset_token = ?, reset_token_expires = ?, updated_at = ?
		 WHERE id = ?`,
		user.Name, user.Email, user.PasswordHash,
		user.RefreshToken, user.ResetToken, user.ResetTokenExpires, user.UpdatedAt, user.ID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("user %s: %w", user.ID, core.ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) ListUsers(ctx context.Context, excludeID string) ([]*core.User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, email, created_at, updated_at FROM users WHERE id != ? ORDER BY name", excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []*core.User{}
	for rows.Next() {
		user := &core.User{}
		if err := rows.Scan(&user.ID, &user.Name, &user.Email, &user.CreatedAt, &user.UpdatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}
