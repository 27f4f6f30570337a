package realtime

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Conn is the minimal connection handle the presence layer needs: a
// stable identity for deregistration-by-connection, and a way to push
// an event to the client.
type Conn interface {
	ID() string
	Emit(event string, data ...any) error
}

// Registry tracks which users currently have a live connection. It is
// the single source of truth for "who is online and how do I reach
// them". At most one connection per user: a new registration for the
// same user replaces the previous entry, and the replaced connection
// simply stops receiving unicasts.
//
// All operations take the registry mutex; they are O(1) or O(n) map
// work and never block on I/O, so the whole registry is one critical
// section.
type Registry struct {
	mu    sync.Mutex
	conns map[string]Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// Register binds userID to conn, replacing any previous connection
// for that user.
func (r *Registry) Register(userID string, conn Conn) {
	r.mu.Lock()
	prev, replaced := r.conns[userID]
	r.conns[userID] = conn
	r.mu.Unlock()

	log := logrus.WithFields(logrus.Fields{
		"user_id":   userID,
		"socket_id": conn.ID(),
	})
	if replaced {
		log.WithField("replaced_socket_id", prev.ID()).Info("User re-registered, previous session superseded")
	} else {
		log.Info("User registered")
	}
}

// Unregister removes the entry holding conn. Deregistration happens
// by connection identity, not user identity, so a stale session that
// was already replaced disconnects without evicting the live one.
// Unknown connections are a no-op.
func (r *Registry) Unregister(conn Conn) {
	r.mu.Lock()
	var userID string
	found := false
	for id, c := range r.conns {
		if c.ID() == conn.ID() {
			userID = id
			found = true
			break
		}
	}
	if found {
		delete(r.conns, userID)
	}
	r.mu.Unlock()

	if found {
		logrus.WithFields(logrus.Fields{
			"user_id":   userID,
			"socket_id": conn.ID(),
		}).Info("User unregistered")
	}
}

// Resolve returns the current connection for userID. Absence means
// the user is offline, a normal condition; callers skip delivery.
func (r *Registry) Resolve(userID string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[userID]
	return conn, ok
}

// OnlineUserIDs returns the sorted set of currently registered user ids.
func (r *Registry) OnlineUserIDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Connections returns a snapshot of every registered connection.
func (r *Registry) Connections() []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}
