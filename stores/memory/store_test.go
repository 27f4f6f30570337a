package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"taskmaster/core"
)

func seedUser(t *testing.T, s *memStore, name, email string) *core.User {
	t.Helper()
	u := &core.User{Name: name, Email: email, PasswordHash: "x"}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser(%s) failed: %v", name, err)
	}
	return u
}

func seedTask(t *testing.T, s *memStore, ownerID, title string) *core.Task {
	t.Helper()
	task := &core.Task{Title: title, OwnerID: ownerID}
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask(%s) failed: %v", title, err)
	}
	return task
}

func TestCreateTaskAssignsIDAndDefaults(t *testing.T) {
	s := NewStore()
	owner := seedUser(t, s, "Alice", "alice@example.com")
	task := seedTask(t, s, owner.ID, "Groceries")

	if task.ID == "" {
		t.Error("CreateTask did not assign an ID")
	}
	if task.Status != core.StatusPending {
		t.Errorf("New task status = %s, want %s", task.Status, core.StatusPending)
	}
	if task.CreatedAt.IsZero() || task.UpdatedAt.IsZero() {
		t.Error("CreateTask did not set timestamps")
	}
}

func TestCreateTaskRejectsDuplicateTitleForSameOwner(t *testing.T) {
	s := NewStore()
	owner := seedUser(t, s, "Alice", "alice@example.com")
	other := seedUser(t, s, "Bob", "bob@example.com")
	seedTask(t, s, owner.ID, "Groceries")

	err := s.CreateTask(context.Background(), &core.Task{Title: "Groceries", OwnerID: owner.ID})
	if !errors.Is(err, core.ErrConflict) {
		t.Fatalf("Duplicate title error = %v, want ErrConflict", err)
	}

	// A different owner may reuse the title.
	if err := s.CreateTask(context.Background(), &core.Task{Title: "Groceries", OwnerID: other.ID}); err != nil {
		t.Fatalf("Same title under another owner failed: %v", err)
	}
}

func TestFindTaskReturnsACopy(t *testing.T) {
	s := NewStore()
	owner := seedUser(t, s, "Alice", "alice@example.com")
	task := seedTask(t, s, owner.ID, "Groceries")

	got, err := s.FindTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("FindTask() failed: %v", err)
	}
	got.Title = "Mutated"
	got.SharedWith = append(got.SharedWith, "intruder")

	again, _ := s.FindTask(context.Background(), task.ID)
	if again.Title != "Groceries" || len(again.SharedWith) != 0 {
		t.Error("Mutating a returned task leaked into the store")
	}
}

func TestListTasksVisibilityAndPagination(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	owner := seedUser(t, s, "Alice", "alice@example.com")
	collab := seedUser(t, s, "Bob", "bob@example.com")

	for i := 0; i < 7; i++ {
		seedTask(t, s, owner.ID, fmt.Sprintf("Chore %d", i))
	}
	shared := seedTask(t, s, owner.ID, "Shared chore")
	if _, err := s.ShareTask(ctx, shared.ID, owner.ID, collab.ID); err != nil {
		t.Fatalf("ShareTask() failed: %v", err)
	}

	// Default page size is 5.
	page1, total, err := s.ListTasks(ctx, owner.ID, core.TaskFilter{})
	if err != nil {
		t.Fatalf("ListTasks() failed: %v", err)
	}
	if total != 8 {
		t.Errorf("Total = %d, want 8", total)
	}
	if len(page1) != 5 {
		t.Errorf("First page size = %d, want 5", len(page1))
	}

	page2, _, err := s.ListTasks(ctx, owner.ID, core.TaskFilter{Page: 2})
	if err != nil {
		t.Fatalf("ListTasks(page 2) failed: %v", err)
	}
	if len(page2) != 3 {
		t.Errorf("Second page size = %d, want 3", len(page2))
	}

	// A page past the end is empty but still reports the total.
	empty, total, err := s.ListTasks(ctx, owner.ID, core.TaskFilter{Page: 9})
	if err != nil {
		t.Fatalf("ListTasks(page 9) failed: %v", err)
	}
	if len(empty) != 0 || total != 8 {
		t.Errorf("Past-end page = %d tasks, total %d", len(empty), total)
	}

	// The collaborator only sees the task shared with them.
	got, total, err := s.ListTasks(ctx, collab.ID, core.TaskFilter{})
	if err != nil {
		t.Fatalf("ListTasks(collaborator) failed: %v", err)
	}
	if total != 1 || len(got) != 1 || got[0].ID != shared.ID {
		t.Errorf("Collaborator sees %d tasks (total %d), want the shared one only", len(got), total)
	}
}

func TestListTasksSearchIsCaseInsensitive(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	owner := seedUser(t, s, "Alice", "alice@example.com")
	seedTask(t, s, owner.ID, "Buy Groceries")
	seedTask(t, s, owner.ID, "Walk the dog")

	got, total, err := s.ListTasks(ctx, owner.ID, core.TaskFilter{Search: "groc"})
	if err != nil {
		t.Fatalf("ListTasks(search) failed: %v", err)
	}
	if total != 1 || len(got) != 1 || got[0].Title != "Buy Groceries" {
		t.Errorf("Search returned %d tasks (total %d)", len(got), total)
	}
}

func TestUpdateTaskAuthorization(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	owner := seedUser(t, s, "Alice", "alice@example.com")
	collab := seedUser(t, s, "Bob", "bob@example.com")
	outsider := seedUser(t, s, "Carol", "carol@example.com")
	task := seedTask(t, s, owner.ID, "Groceries")
	if _, err := s.ShareTask(ctx, task.ID, owner.ID, collab.ID); err != nil {
		t.Fatalf("ShareTask() failed: %v", err)
	}

	completed := core.StatusCompleted
	if _, err := s.UpdateTask(ctx, task.ID, collab.ID, core.TaskUpdate{Status: &completed}); err != nil {
		t.Errorf("Collaborator update failed: %v", err)
	}

	title := "Hijacked"
	_, err := s.UpdateTask(ctx, task.ID, outsider.ID, core.TaskUpdate{Title: &title})
	if !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("Outsider update error = %v, want ErrUnauthorized", err)
	}

	stored, _ := s.FindTask(ctx, task.ID)
	if stored.Title != "Groceries" {
		t.Error("Unauthorized update mutated the task")
	}
	if stored.Status != core.StatusCompleted {
		t.Errorf("Status = %s, want %s", stored.Status, core.StatusCompleted)
	}
}

func TestDeleteTaskOnlyByOwner(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	owner := seedUser(t, s, "Alice", "alice@example.com")
	collab := seedUser(t, s, "Bob", "bob@example.com")
	task := seedTask(t, s, owner.ID, "Groceries")
	if _, err := s.ShareTask(ctx, task.ID, owner.ID, collab.ID); err != nil {
		t.Fatalf("ShareTask() failed: %v", err)
	}

	if err := s.DeleteTask(ctx, task.ID, collab.ID); !errors.Is(err, core.ErrForbidden) {
		t.Fatalf("Collaborator delete error = %v, want ErrForbidden", err)
	}
	if err := s.DeleteTask(ctx, task.ID, owner.ID); err != nil {
		t.Fatalf("Owner delete failed: %v", err)
	}
	if _, err := s.FindTask(ctx, task.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("FindTask() after delete = %v, want ErrNotFound", err)
	}
	if err := s.DeleteTask(ctx, task.ID, owner.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Second delete error = %v, want ErrNotFound", err)
	}
}

func TestShareTaskIsIdempotent(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	owner := seedUser(t, s, "Alice", "alice@example.com")
	collab := seedUser(t, s, "Bob", "bob@example.com")
	task := seedTask(t, s, owner.ID, "Groceries")

	for i := 0; i < 2; i++ {
		if _, err := s.ShareTask(ctx, task.ID, owner.ID, collab.ID); err != nil {
			t.Fatalf("ShareTask() #%d failed: %v", i+1, err)
		}
	}

	stored, _ := s.FindTask(ctx, task.ID)
	if len(stored.SharedWith) != 1 {
		t.Errorf("sharedWith = %v, want a single entry", stored.SharedWith)
	}
}

func TestUnshareTaskRequiresMembership(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	owner := seedUser(t, s, "Alice", "alice@example.com")
	outsider := seedUser(t, s, "Carol", "carol@example.com")
	task := seedTask(t, s, owner.ID, "Groceries")

	if _, err := s.UnshareTask(ctx, task.ID, outsider.ID); !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("Unshare by non-member error = %v, want ErrUnauthorized", err)
	}
}

func TestCreateUserRejectsDuplicateEmail(t *testing.T) {
	s := NewStore()
	seedUser(t, s, "Alice", "alice@example.com")

	err := s.CreateUser(context.Background(), &core.User{Name: "Imposter", Email: "alice@example.com", PasswordHash: "y"})
	if !errors.Is(err, core.ErrConflict) {
		t.Fatalf("Duplicate email error = %v, want ErrConflict", err)
	}
}

func TestFindUserByTokenIgnoresEmptyToken(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	// A user with no refresh token must not match an empty search.
	seedUser(t, s, "Alice", "alice@example.com")

	if _, err := s.FindUserByRefreshToken(ctx, ""); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Empty refresh token lookup = %v, want ErrNotFound", err)
	}
	if _, err := s.FindUserByResetToken(ctx, ""); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Empty reset token lookup = %v, want ErrNotFound", err)
	}
}

func TestUpdateUserPersistsTokens(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	user := seedUser(t, s, "Alice", "alice@example.com")

	user.RefreshToken = "refresh-abc"
	if err := s.UpdateUser(ctx, user); err != nil {
		t.Fatalf("UpdateUser() failed: %v", err)
	}

	got, err := s.FindUserByRefreshToken(ctx, "refresh-abc")
	if err != nil {
		t.Fatalf("FindUserByRefreshToken() failed: %v", err)
	}
	if got.ID != user.ID {
		t.Errorf("Found user %s, want %s", got.ID, user.ID)
	}
}

func TestListUsersExcludesRequestedID(t *testing.T) {
	s := NewStore()
	alice := seedUser(t, s, "Alice", "alice@example.com")
	seedUser(t, s, "Bob", "bob@example.com")
	seedUser(t, s, "Carol", "carol@example.com")

	users, err := s.ListUsers(context.Background(), alice.ID)
	if err != nil {
		t.Fatalf("ListUsers() failed: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("ListUsers() returned %d users, want 2", len(users))
	}
	for _, u := range users {
		if u.ID == alice.ID {
			t.Error("ListUsers() included the excluded user")
		}
	}
	if users[0].Name != "Bob" || users[1].Name != "Carol" {
		t.Errorf("Users not sorted by name: %s, %s", users[0].Name, users[1].Name)
	}
}
