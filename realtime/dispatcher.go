package realtime

import "github.com/sirupsen/logrus"

// Dispatcher routes an outbound event either to one user's current
// connection or to every registered connection. Delivery is
// best-effort: nothing is queued, retried or persisted, and a
// recipient connecting after the event was sent never receives it.
type Dispatcher struct {
	registry *Registry
}

func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

// Dispatch delivers ev. Unicast events to an offline user are dropped
// silently; emit failures on individual connections are logged and do
// not affect other recipients.
func (d *Dispatcher) Dispatch(ev Event) {
	if ev.TargetUserID != "" {
		d.unicast(ev)
		return
	}
	d.broadcast(ev)
}

func (d *Dispatcher) unicast(ev Event) {
	log := logrus.WithFields(logrus.Fields{
		"event":   ev.Kind,
		"user_id": ev.TargetUserID,
	})

	conn, ok := d.registry.Resolve(ev.TargetUserID)
	if !ok {
		log.Debug("Recipient offline, dropping notification")
		return
	}
	if err := conn.Emit(string(ev.Kind), ev.Payload); err != nil {
		log.WithError(err).Warn("Failed to deliver notification")
		return
	}
	log.Debug("Notification delivered")
}

// broadcast delivers ev to every registered connection, including the
// connection of whoever triggered it. Clients ignore redundant echoes
// of their own action.
func (d *Dispatcher) broadcast(ev Event) {
	conns := d.registry.Connections()
	for _, conn := range conns {
		if err := conn.Emit(string(ev.Kind), ev.Payload); err != nil {
			logrus.WithFields(logrus.Fields{
				"event":     ev.Kind,
				"socket_id": conn.ID(),
			}).WithError(err).Warn("Failed to deliver broadcast")
		}
	}
	logrus.WithFields(logrus.Fields{
		"event":      ev.Kind,
		"recipients": len(conns),
	}).Debug("Broadcast dispatched")
}

// BroadcastOnlineUsers pushes the current online-user set to every
// registered connection.
func (d *Dispatcher) BroadcastOnlineUsers() {
	d.Dispatch(OnlineUsers(d.registry.OnlineUserIDs()))
}
