package realtime

import "taskmaster/core"

// Kind enumerates every notification the server emits. The names are
// the socket.io event names clients subscribe to.
type Kind string

const (
	KindOnlineUsers       Kind = "onlineUsers"
	KindTaskShared        Kind = "taskShared"
	KindTaskRejected      Kind = "taskRejected"
	KindTaskStatusUpdated Kind = "taskStatusUpdated"
	KindTaskDeleted       Kind = "taskDeleted"
)

type (
	// Event is one outbound notification. An empty TargetUserID means
	// broadcast to every registered connection; otherwise the event is
	// unicast to the target's current connection, and silently dropped
	// if the target is offline.
	Event struct {
		Kind         Kind
		TargetUserID string
		Payload      any
	}

	TaskDeletedPayload struct {
		TaskID string `json:"taskId"`
	}

	TaskRejectedPayload struct {
		UserName string `json:"userName"`
		TaskName string `json:"taskName"`
		TaskID   string `json:"taskId"`
	}

	TaskStatusUpdatedPayload struct {
		TaskID    string      `json:"taskId"`
		NewStatus core.Status `json:"newStatus"`
	}
)

// OnlineUsers builds the presence broadcast carrying the full set of
// online user ids.
func OnlineUsers(userIDs []string) Event {
	return Event{Kind: KindOnlineUsers, Payload: userIDs}
}

// TaskShared builds the unicast informing a collaborator that a task
// was shared with them, carrying the enriched task view.
func TaskShared(targetUserID string, task *core.TaskDetail) Event {
	return Event{Kind: KindTaskShared, TargetUserID: targetUserID, Payload: task}
}

// TaskRejected builds the unicast informing a task's owner that a
// collaborator removed themself.
func TaskRejected(ownerID, userName, taskName, taskID string) Event {
	return Event{
		Kind:         KindTaskRejected,
		TargetUserID: ownerID,
		Payload: TaskRejectedPayload{
			UserName: userName,
			TaskName: taskName,
			TaskID:   taskID,
		},
	}
}

// TaskStatusUpdated builds the broadcast announcing a status change.
// Broadcast rather than unicast: any session showing a shared task
// list may hold a stale copy.
func TaskStatusUpdated(taskID string, status core.Status) Event {
	return Event{
		Kind:    KindTaskStatusUpdated,
		Payload: TaskStatusUpdatedPayload{TaskID: taskID, NewStatus: status},
	}
}

// TaskDeleted builds the broadcast announcing a task removal.
func TaskDeleted(taskID string) Event {
	return Event{Kind: KindTaskDeleted, Payload: TaskDeletedPayload{TaskID: taskID}}
}
