package realtime

import (
	"context"
	"sync"

	"taskmaster/core"

	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

// socketConn adapts a socket.io socket to the Conn handle the
// presence registry holds.
type socketConn struct {
	socket *socketio.Socket
}

func (c *socketConn) ID() string {
	return string(c.socket.Id())
}

func (c *socketConn) Emit(event string, data ...any) error {
	return c.socket.Emit(event, data...)
}

// session is the per-connection state. A connection starts
// unregistered; protocol events received before the client sends
// register are dropped without closing the connection.
type session struct {
	mu     sync.Mutex
	userID string
}

func (s *session) register(userID string) {
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
}

func (s *session) user() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.userID != ""
}

// SetupSocketIO builds the socket.io server and wires the task
// synchronization events onto each connection. Recipients of task
// events are derived from the stored task's owner and collaborator
// set, never from caller-supplied target ids.
func SetupSocketIO(registry *Registry, dispatcher *Dispatcher, store Store) *socketio.Server {
	opts := socketio.DefaultServerOptions()
	opts.SetMaxHttpBufferSize(5000000)
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	opts.SetCors(&types.Cors{
		Origin:      "*",
		Credentials: true,
	})
	srv := socketio.NewServer(nil, opts)

	srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}

		conn := &socketConn{socket: socket}
		sess := &session{}
		log := logrus.WithField("socket_id", conn.ID())
		log.Debug("Client connected")

		socket.On("register", func(datas ...any) {
			handleRegister(sess, conn, registry, dispatcher, log, datas)
		})

		socket.On("shareTask", func(datas ...any) {
			handleShareTaskRelay(sess, store, dispatcher, log, datas)
		})

		socket.On("rejectTask", func(datas ...any) {
			handleRejectTaskRelay(sess, store, dispatcher, log, datas)
		})

		socket.On("updateTaskStatus", func(datas ...any) {
			handleUpdateTaskStatusRelay(sess, store, dispatcher, log, datas)
		})

		socket.On("deleteTask", func(datas ...any) {
			handleDeleteTaskRelay(sess, store, dispatcher, log, datas)
		})

		socket.On("disconnect", func(datas ...any) {
			log.Debug("Client disconnected")
			registry.Unregister(conn)
			dispatcher.BroadcastOnlineUsers()
			socket.RemoveAllListeners("")
		})
	})

	return srv
}

func handleRegister(sess *session, conn Conn, registry *Registry, dispatcher *Dispatcher, log *logrus.Entry, datas []any) {
	userID, ok := stringArg(datas, 0)
	if !ok || userID == "" {
		log.Debug("Ignoring register without user id")
		return
	}
	sess.register(userID)
	registry.Register(userID, conn)
	dispatcher.BroadcastOnlineUsers()
}

func handleShareTaskRelay(sess *session, store Store, dispatcher *Dispatcher, log *logrus.Entry, datas []any) {
	userID, registered := sess.user()
	if !registered {
		log.Debug("Ignoring shareTask from unregistered session")
		return
	}
	taskID, _ := stringArg(datas, 0)
	targetID, _ := stringArg(datas, 1)
	if taskID == "" || targetID == "" {
		return
	}

	task, err := store.FindTask(context.Background(), taskID)
	if err != nil {
		// The task may have been deleted since the client acted;
		// a stale notification is ignorable, not an error.
		log.WithField("task_id", taskID).Debug("shareTask references unknown task, dropping")
		return
	}
	if !task.SharedWithUser(targetID) {
		log.WithFields(logrus.Fields{
			"task_id": taskID,
			"user_id": targetID,
		}).Debug("shareTask target is not a collaborator, dropping")
		return
	}

	detail := task.Detail(lookupName(store, task.OwnerID))
	dispatcher.Dispatch(TaskShared(targetID, detail))
	log.WithFields(logrus.Fields{
		"task_id": taskID,
		"user_id": userID,
		"target":  targetID,
	}).Debug("Relayed taskShared")
}

func handleRejectTaskRelay(sess *session, store Store, dispatcher *Dispatcher, log *logrus.Entry, datas []any) {
	userID, registered := sess.user()
	if !registered {
		log.Debug("Ignoring rejectTask from unregistered session")
		return
	}
	// Wire shape is (userName, userId, taskName, taskId); only the
	// task id is trusted, the rest is derived from storage.
	taskID, _ := stringArg(datas, 3)
	if taskID == "" {
		return
	}

	task, err := store.FindTask(context.Background(), taskID)
	if err != nil {
		log.WithField("task_id", taskID).Debug("rejectTask references unknown task, dropping")
		return
	}
	dispatcher.Dispatch(TaskRejected(task.OwnerID, lookupName(store, userID), task.Title, task.ID))
}

func handleUpdateTaskStatusRelay(sess *session, store Store, dispatcher *Dispatcher, log *logrus.Entry, datas []any) {
	userID, registered := sess.user()
	if !registered {
		log.Debug("Ignoring updateTaskStatus from unregistered session")
		return
	}
	taskID, _ := stringArg(datas, 0)
	rawStatus, _ := stringArg(datas, 1)
	status := core.Status(rawStatus)
	if taskID == "" || !status.Valid() {
		return
	}

	task, err := store.FindTask(context.Background(), taskID)
	if err != nil {
		log.WithField("task_id", taskID).Debug("updateTaskStatus references unknown task, dropping")
		return
	}
	if task.OwnerID != userID && !task.SharedWithUser(userID) {
		log.WithField("task_id", taskID).Debug("updateTaskStatus from non-participant, dropping")
		return
	}
	dispatcher.Dispatch(TaskStatusUpdated(taskID, status))
}

func handleDeleteTaskRelay(sess *session, store Store, dispatcher *Dispatcher, log *logrus.Entry, datas []any) {
	_, registered := sess.user()
	if !registered {
		log.Debug("Ignoring deleteTask from unregistered session")
		return
	}
	taskID, _ := stringArg(datas, 0)
	if taskID == "" {
		return
	}

	// A legitimate relay follows a committed delete, so the task must
	// already be gone. A task that still resolves means the delete
	// never happened and the announcement would be a lie.
	if _, err := store.FindTask(context.Background(), taskID); err == nil {
		log.WithField("task_id", taskID).Debug("deleteTask for a task that still exists, dropping")
		return
	}
	dispatcher.Dispatch(TaskDeleted(taskID))
}

func stringArg(datas []any, i int) (string, bool) {
	if i >= len(datas) {
		return "", false
	}
	s, ok := datas[i].(string)
	return s, ok
}

func lookupName(store Store, userID string) string {
	user, err := store.FindUser(context.Background(), userID)
	if err != nil {
		return "Unknown"
	}
	return user.Name
}
