package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskmaster/core"
	"taskmaster/stores/memory"
)

type fixture struct {
	store  Store
	reg    *Registry
	disp   *Dispatcher
	svc    *Service
	owner  *core.User
	collab *core.User
	other  *core.User
}

func setupSync(t *testing.T, mailer ShareMailer) *fixture {
	t.Helper()
	store := memory.NewStore()
	reg := NewRegistry()
	disp := NewDispatcher(reg)
	svc := NewService(store, disp, mailer)

	f := &fixture{store: store, reg: reg, disp: disp, svc: svc}
	ctx := context.Background()

	f.owner = &core.User{Name: "Alice", Email: "alice@example.com", PasswordHash: "x"}
	f.collab = &core.User{Name: "Bob", Email: "bob@example.com", PasswordHash: "x"}
	f.other = &core.User{Name: "Carol", Email: "carol@example.com", PasswordHash: "x"}
	for _, u := range []*core.User{f.owner, f.collab, f.other} {
		if err := store.CreateUser(ctx, u); err != nil {
			t.Fatalf("CreateUser(%s) failed: %v", u.Name, err)
		}
	}
	return f
}

func (f *fixture) createTask(t *testing.T, title string) *core.Task {
	t.Helper()
	task := &core.Task{Title: title, OwnerID: f.owner.ID}
	if err := f.store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask(%s) failed: %v", title, err)
	}
	return task
}

func TestShareNotifiesOnlineTarget(t *testing.T) {
	f := setupSync(t, nil)
	task := f.createTask(t, "Groceries")

	conn := newFakeConn("socket-bob")
	f.reg.Register(f.collab.ID, conn)

	detail, err := f.svc.Share(context.Background(), task.ID, f.owner.ID, f.collab.ID)
	if err != nil {
		t.Fatalf("Share() failed: %v", err)
	}

	events := conn.received()
	if len(events) != 1 {
		t.Fatalf("Target received %d events, want exactly 1", len(events))
	}
	if events[0].event != "taskShared" {
		t.Errorf("Event name = %s, want taskShared", events[0].event)
	}
	got, ok := events[0].payload.(*core.TaskDetail)
	if !ok {
		t.Fatalf("Payload type = %T, want *core.TaskDetail", events[0].payload)
	}
	if got.OwnerName != "Alice" {
		t.Errorf("OwnerName = %s, want Alice", got.OwnerName)
	}
	found := false
	for _, id := range got.SharedWith {
		if id == f.collab.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("taskShared payload sharedWith %v does not include target %s", got.SharedWith, f.collab.ID)
	}
	if detail.ID != task.ID {
		t.Errorf("Returned detail id = %s, want %s", detail.ID, task.ID)
	}
}

func TestShareWithOfflineTargetCommitsWithoutNotification(t *testing.T) {
	f := setupSync(t, nil)
	task := f.createTask(t, "Groceries")

	if _, err := f.svc.Share(context.Background(), task.ID, f.owner.ID, f.collab.ID); err != nil {
		t.Fatalf("Share() failed: %v", err)
	}

	// The collaborator discovers the share on their next full fetch.
	stored, err := f.store.FindTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("FindTask() failed: %v", err)
	}
	if !stored.SharedWithUser(f.collab.ID) {
		t.Error("Share with offline target did not persist")
	}
}

func TestShareByNonOwnerFailsAndDoesNotMutate(t *testing.T) {
	f := setupSync(t, nil)
	task := f.createTask(t, "Groceries")

	_, err := f.svc.Share(context.Background(), task.ID, f.collab.ID, f.other.ID)
	if !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("Share() by non-owner error = %v, want ErrUnauthorized", err)
	}

	stored, _ := f.store.FindTask(context.Background(), task.ID)
	if len(stored.SharedWith) != 0 {
		t.Errorf("sharedWith mutated by unauthorized share: %v", stored.SharedWith)
	}
}

func TestShareWithOwnerIsForbidden(t *testing.T) {
	f := setupSync(t, nil)
	task := f.createTask(t, "Groceries")

	_, err := f.svc.Share(context.Background(), task.ID, f.owner.ID, f.owner.ID)
	if !errors.Is(err, core.ErrForbidden) {
		t.Fatalf("Share() with own owner error = %v, want ErrForbidden", err)
	}
}

func TestShareWithMissingUserFails(t *testing.T) {
	f := setupSync(t, nil)
	task := f.createTask(t, "Groceries")

	_, err := f.svc.Share(context.Background(), task.ID, f.owner.ID, "no-such-user")
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("Share() with unknown target error = %v, want ErrNotFound", err)
	}
}

func TestShareIsIdempotentAndRenotifies(t *testing.T) {
	f := setupSync(t, nil)
	task := f.createTask(t, "Groceries")

	conn := newFakeConn("socket-bob")
	f.reg.Register(f.collab.ID, conn)

	for i := 0; i < 2; i++ {
		if _, err := f.svc.Share(context.Background(), task.ID, f.owner.ID, f.collab.ID); err != nil {
			t.Fatalf("Share() #%d failed: %v", i+1, err)
		}
	}

	stored, _ := f.store.FindTask(context.Background(), task.ID)
	if len(stored.SharedWith) != 1 {
		t.Errorf("Expected 1 collaborator after duplicate share, got %d", len(stored.SharedWith))
	}
	if events := conn.received(); len(events) != 2 {
		t.Errorf("Expected re-notification on duplicate share, got %d events", len(events))
	}
}

func TestRejectRemovesOnlyActorAndNotifiesOwner(t *testing.T) {
	f := setupSync(t, nil)
	task := f.createTask(t, "Groceries")
	ctx := context.Background()

	if _, err := f.svc.Share(ctx, task.ID, f.owner.ID, f.collab.ID); err != nil {
		t.Fatalf("Share() failed: %v", err)
	}
	if _, err := f.svc.Share(ctx, task.ID, f.owner.ID, f.other.ID); err != nil {
		t.Fatalf("Share() failed: %v", err)
	}

	ownerConn := newFakeConn("socket-alice")
	f.reg.Register(f.owner.ID, ownerConn)

	if _, err := f.svc.Reject(ctx, task.ID, f.collab.ID); err != nil {
		t.Fatalf("Reject() failed: %v", err)
	}

	stored, _ := f.store.FindTask(ctx, task.ID)
	if stored.SharedWithUser(f.collab.ID) {
		t.Error("Rejecting user still present in sharedWith")
	}
	if !stored.SharedWithUser(f.other.ID) {
		t.Error("Reject removed an unrelated collaborator")
	}

	events := ownerConn.received()
	if len(events) != 1 || events[0].event != "taskRejected" {
		t.Fatalf("Owner events = %+v, want one taskRejected", events)
	}
	payload := events[0].payload.(TaskRejectedPayload)
	if payload.UserName != "Bob" || payload.TaskName != "Groceries" || payload.TaskID != task.ID {
		t.Errorf("taskRejected payload = %+v", payload)
	}
}

func TestRejectByOwnerIsUnauthorized(t *testing.T) {
	f := setupSync(t, nil)
	task := f.createTask(t, "Groceries")

	_, err := f.svc.Reject(context.Background(), task.ID, f.owner.ID)
	if !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("Reject() by owner error = %v, want ErrUnauthorized", err)
	}
}

func TestUpdateStatusBroadcastsToAllSessions(t *testing.T) {
	f := setupSync(t, nil)
	task := f.createTask(t, "Groceries")
	ctx := context.Background()

	if _, err := f.svc.Share(ctx, task.ID, f.owner.ID, f.collab.ID); err != nil {
		t.Fatalf("Share() failed: %v", err)
	}

	ownerConn := newFakeConn("s1")
	collabConn := newFakeConn("s2")
	bystanderConn := newFakeConn("s3")
	f.reg.Register(f.owner.ID, ownerConn)
	f.reg.Register(f.collab.ID, collabConn)
	f.reg.Register(f.other.ID, bystanderConn)

	if _, err := f.svc.UpdateStatus(ctx, task.ID, f.collab.ID, core.StatusCompleted); err != nil {
		t.Fatalf("UpdateStatus() by collaborator failed: %v", err)
	}

	// Broadcast reaches every session, including non-participants.
	for _, conn := range []*fakeConn{ownerConn, collabConn, bystanderConn} {
		events := conn.received()
		// Skip the taskShared unicast the collaborator also got.
		var statusEvents []emitted
		for _, ev := range events {
			if ev.event == "taskStatusUpdated" {
				statusEvents = append(statusEvents, ev)
			}
		}
		if len(statusEvents) != 1 {
			t.Fatalf("Connection %s received %d taskStatusUpdated events, want 1", conn.ID(), len(statusEvents))
		}
		payload := statusEvents[0].payload.(TaskStatusUpdatedPayload)
		if payload.TaskID != task.ID || payload.NewStatus != core.StatusCompleted {
			t.Errorf("taskStatusUpdated payload = %+v", payload)
		}
	}
}

func TestUpdateStatusByOutsiderIsUnauthorized(t *testing.T) {
	f := setupSync(t, nil)
	task := f.createTask(t, "Groceries")

	_, err := f.svc.UpdateStatus(context.Background(), task.ID, f.other.ID, core.StatusCompleted)
	if !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("UpdateStatus() by outsider error = %v, want ErrUnauthorized", err)
	}
}

func TestUpdateStatusToggleLandsOnLastValue(t *testing.T) {
	f := setupSync(t, nil)
	task := f.createTask(t, "Groceries")
	ctx := context.Background()

	for _, status := range []core.Status{core.StatusCompleted, core.StatusPending, core.StatusCompleted} {
		if _, err := f.svc.UpdateStatus(ctx, task.ID, f.owner.ID, status); err != nil {
			t.Fatalf("UpdateStatus(%s) failed: %v", status, err)
		}
	}

	stored, _ := f.store.FindTask(ctx, task.ID)
	if stored.Status != core.StatusCompleted {
		t.Errorf("Final status = %s, want %s", stored.Status, core.StatusCompleted)
	}
}

func TestUpdateStatusRejectsInvalidValue(t *testing.T) {
	f := setupSync(t, nil)
	task := f.createTask(t, "Groceries")

	_, err := f.svc.UpdateStatus(context.Background(), task.ID, f.owner.ID, core.Status("Archived"))
	if err == nil {
		t.Fatal("UpdateStatus() accepted an unknown status")
	}
}

func TestDeleteByOwnerBroadcastsTaskDeleted(t *testing.T) {
	f := setupSync(t, nil)
	task := f.createTask(t, "Groceries")
	ctx := context.Background()

	if _, err := f.svc.Share(ctx, task.ID, f.owner.ID, f.collab.ID); err != nil {
		t.Fatalf("Share() failed: %v", err)
	}

	conns := []*fakeConn{newFakeConn("s1"), newFakeConn("s2"), newFakeConn("s3")}
	f.reg.Register(f.owner.ID, conns[0])
	f.reg.Register(f.collab.ID, conns[1])
	f.reg.Register(f.other.ID, conns[2])

	removed, err := f.svc.Delete(ctx, task.ID, f.owner.ID)
	if err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if !removed {
		t.Error("Delete() by owner reported unshare instead of removal")
	}

	for _, conn := range conns {
		count := 0
		for _, ev := range conn.received() {
			if ev.event == "taskDeleted" {
				count++
				if ev.payload.(TaskDeletedPayload).TaskID != task.ID {
					t.Errorf("taskDeleted payload = %+v", ev.payload)
				}
			}
		}
		if count != 1 {
			t.Errorf("Connection %s received %d taskDeleted events, want exactly 1", conn.ID(), count)
		}
	}

	if _, err := f.store.FindTask(ctx, task.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Task still present after owner delete: %v", err)
	}
}

func TestDeleteByCollaboratorActsAsUnshare(t *testing.T) {
	f := setupSync(t, nil)
	task := f.createTask(t, "Groceries")
	ctx := context.Background()

	if _, err := f.svc.Share(ctx, task.ID, f.owner.ID, f.collab.ID); err != nil {
		t.Fatalf("Share() failed: %v", err)
	}

	ownerConn := newFakeConn("s1")
	f.reg.Register(f.owner.ID, ownerConn)

	removed, err := f.svc.Delete(ctx, task.ID, f.collab.ID)
	if err != nil {
		t.Fatalf("Delete() by collaborator failed: %v", err)
	}
	if removed {
		t.Error("Delete() by collaborator destroyed the task")
	}

	stored, err := f.store.FindTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("Task gone after collaborator delete: %v", err)
	}
	if stored.SharedWithUser(f.collab.ID) {
		t.Error("Collaborator still in sharedWith after delete-as-unshare")
	}

	events := ownerConn.received()
	if len(events) != 1 || events[0].event != "taskRejected" {
		t.Errorf("Owner events = %+v, want one taskRejected", events)
	}
}

func TestDeleteByOutsiderIsForbidden(t *testing.T) {
	f := setupSync(t, nil)
	task := f.createTask(t, "Groceries")

	_, err := f.svc.Delete(context.Background(), task.ID, f.other.ID)
	if !errors.Is(err, core.ErrForbidden) {
		t.Fatalf("Delete() by outsider error = %v, want ErrForbidden", err)
	}
}

func TestSecondTabReceivesUnicasts(t *testing.T) {
	f := setupSync(t, nil)
	task := f.createTask(t, "Groceries")
	ctx := context.Background()

	firstTab := newFakeConn("tab-1")
	secondTab := newFakeConn("tab-2")
	f.reg.Register(f.collab.ID, firstTab)
	f.reg.Register(f.collab.ID, secondTab)

	if _, err := f.svc.Share(ctx, task.ID, f.owner.ID, f.collab.ID); err != nil {
		t.Fatalf("Share() failed: %v", err)
	}

	if got := firstTab.received(); len(got) != 0 {
		t.Errorf("Superseded tab received %d events, want 0", len(got))
	}
	if got := secondTab.received(); len(got) != 1 {
		t.Errorf("Active tab received %d events, want 1", len(got))
	}
}

type recordingMailer struct {
	sent chan string
	err  error
}

func (m *recordingMailer) SendTaskShared(ctx context.Context, to, from *core.User, task *core.Task) error {
	m.sent <- to.Email
	return m.err
}

func TestShareSendsBestEffortEmail(t *testing.T) {
	mailer := &recordingMailer{sent: make(chan string, 1)}
	f := setupSync(t, mailer)
	task := f.createTask(t, "Groceries")

	if _, err := f.svc.Share(context.Background(), task.ID, f.owner.ID, f.collab.ID); err != nil {
		t.Fatalf("Share() failed: %v", err)
	}

	select {
	case to := <-mailer.sent:
		if to != "bob@example.com" {
			t.Errorf("Email sent to %s, want bob@example.com", to)
		}
	case <-time.After(time.Second):
		t.Fatal("Share email was never dispatched")
	}
}

func TestShareSucceedsWhenEmailFails(t *testing.T) {
	mailer := &recordingMailer{sent: make(chan string, 1), err: errors.New("smtp down")}
	f := setupSync(t, mailer)
	task := f.createTask(t, "Groceries")

	if _, err := f.svc.Share(context.Background(), task.ID, f.owner.ID, f.collab.ID); err != nil {
		t.Fatalf("Share() failed because of email error: %v", err)
	}
	<-mailer.sent
}
