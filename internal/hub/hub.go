// Package hub tracks the single live WebSocket connection of each online
// user and pushes frames to it.
package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/PaulBabatuyi/secureChat/internal/lock"
	"github.com/PaulBabatuyi/secureChat/internal/protocol"
)

// Conn is the minimal interface the hub needs from a client connection.
type Conn interface {
	WriteFrame(protocol.Frame) error
	Ping() error
	Close(protocol.CloseReason) error
}

// ConnectionID identifies one registration. IDs are never reused.
type ConnectionID uint64

// State of a registered connection.
type State string

const (
	StateDraining State = "draining"
	StateLive     State = "live"
)

// Connection is a snapshot of a registered connection.
type Connection struct {
	ID              ConnectionID
	UserID          int64
	ConnectedAt     time.Time
	LastHeartbeatAt time.Time
	State           State
}

type entry struct {
	id          ConnectionID
	userID      int64
	conn        Conn
	connectedAt time.Time
	lastSeen    atomic.Int64 // unix nanos
	live        atomic.Bool
}

func (e *entry) snapshot() Connection {
	c := Connection{
		ID:              e.id,
		UserID:          e.userID,
		ConnectedAt:     e.connectedAt,
		LastHeartbeatAt: time.Unix(0, e.lastSeen.Load()).UTC(),
		State:           StateDraining,
	}
	if e.live.Load() {
		c.State = StateLive
	}
	return c
}

// Config controls the heartbeat sweeper.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Hub maps user ids to their current connection. At most one connection per
// user is registered; a new registration supersedes the old one.
type Hub struct {
	mu    sync.RWMutex
	users map[int64]*entry
	conns map[ConnectionID]*entry

	nextID atomic.Uint64
	locks  lock.Keyed
	cfg    Config
	log    logrus.FieldLogger
	now    func() time.Time
}

// New creates an empty hub.
func New(cfg Config, log logrus.FieldLogger) *Hub {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 2 * cfg.HeartbeatInterval
	}
	return &Hub{
		users: make(map[int64]*entry),
		conns: make(map[ConnectionID]*entry),
		cfg:   cfg,
		log:   log,
		now:   time.Now,
	}
}

// LockUser takes the per-user single-writer lock. Registration, sends to the
// user and the drain-to-live switch all run under it.
func (h *Hub) LockUser(userID int64) (unlock func()) {
	return h.locks.Lock(userID)
}

// Register installs c as userID's connection in the draining state. A prior
// connection is removed at once and closed as superseded in the background,
// so a close stuck behind a stalled write does not hold the caller's user
// lock.
func (h *Hub) Register(userID int64, c Conn) ConnectionID {
	now := h.now()
	e := &entry{
		id:          ConnectionID(h.nextID.Add(1)),
		userID:      userID,
		conn:        c,
		connectedAt: now.UTC(),
	}
	e.lastSeen.Store(now.UnixNano())

	h.mu.Lock()
	old := h.users[userID]
	if old != nil {
		delete(h.conns, old.id)
	}
	h.users[userID] = e
	h.conns[e.id] = e
	h.mu.Unlock()

	if old != nil {
		h.log.WithFields(logrus.Fields{"user_id": userID, "conn_id": old.id, "reason": protocol.CloseSuperseded}).
			Info("closing superseded connection")
		go func(c Conn) { _ = c.Close(protocol.CloseSuperseded) }(old.conn)
	}
	h.log.WithFields(logrus.Fields{"user_id": userID, "conn_id": e.id}).Debug("connection registered")
	return e.id
}

// remove unlinks id and reports the entry it held. The user mapping is only
// cleared when it still points at this connection.
func (h *Hub) remove(id ConnectionID) *entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.conns[id]
	if !ok {
		return nil
	}
	delete(h.conns, id)
	if h.users[e.userID] == e {
		delete(h.users, e.userID)
	}
	return e
}

// Deregister removes the connection. It returns false when id is no longer
// registered, e.g. after it was superseded.
func (h *Hub) Deregister(id ConnectionID) bool {
	return h.remove(id) != nil
}

// Close deregisters the connection and closes it with reason.
func (h *Hub) Close(id ConnectionID, reason protocol.CloseReason) {
	if e := h.remove(id); e != nil {
		h.log.WithFields(logrus.Fields{"user_id": e.userID, "conn_id": id, "reason": reason}).Info("closing connection")
		_ = e.conn.Close(reason)
	}
}

func (h *Hub) drop(e *entry, err error) {
	h.log.WithFields(logrus.Fields{"user_id": e.userID, "conn_id": e.id}).WithError(err).Warn("write failed, dropping connection")
	h.Close(e.id, protocol.CloseTransportError)
}

// Push writes f to userID's connection if it is live. A write error drops
// the connection; the caller falls back to the offline queue.
func (h *Hub) Push(userID int64, f protocol.Frame) bool {
	h.mu.RLock()
	e := h.users[userID]
	h.mu.RUnlock()
	if e == nil || !e.live.Load() {
		return false
	}
	if err := e.conn.WriteFrame(f); err != nil {
		h.drop(e, err)
		return false
	}
	return true
}

// PushTo writes f to a specific connection regardless of its state.
func (h *Hub) PushTo(id ConnectionID, f protocol.Frame) bool {
	h.mu.RLock()
	e := h.conns[id]
	h.mu.RUnlock()
	if e == nil {
		return false
	}
	if err := e.conn.WriteFrame(f); err != nil {
		h.drop(e, err)
		return false
	}
	return true
}

// MarkLive moves the connection from draining to live.
func (h *Hub) MarkLive(id ConnectionID) bool {
	h.mu.RLock()
	e := h.conns[id]
	h.mu.RUnlock()
	if e == nil {
		return false
	}
	e.live.Store(true)
	return true
}

// Touch records activity on the connection.
func (h *Hub) Touch(id ConnectionID) {
	h.mu.RLock()
	e := h.conns[id]
	h.mu.RUnlock()
	if e != nil {
		e.lastSeen.Store(h.now().UnixNano())
	}
}

// Lookup returns a snapshot of userID's connection.
func (h *Hub) Lookup(userID int64) (Connection, bool) {
	h.mu.RLock()
	e := h.users[userID]
	h.mu.RUnlock()
	if e == nil {
		return Connection{}, false
	}
	return e.snapshot(), true
}

// Len returns the number of registered connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Run sweeps for silent connections every heartbeat interval until ctx is
// done.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// sweep closes connections silent past the timeout and pings the rest.
func (h *Hub) sweep() {
	h.mu.RLock()
	entries := make([]*entry, 0, len(h.conns))
	for _, e := range h.conns {
		entries = append(entries, e)
	}
	h.mu.RUnlock()

	cutoff := h.now().Add(-h.cfg.HeartbeatTimeout).UnixNano()
	for _, e := range entries {
		if e.lastSeen.Load() < cutoff {
			h.Close(e.id, protocol.CloseHeartbeatTimeout)
			continue
		}
		if err := e.conn.Ping(); err != nil {
			h.drop(e, err)
		}
	}
}

// Shutdown closes every connection with reason.
func (h *Hub) Shutdown(reason protocol.CloseReason) {
	h.mu.Lock()
	entries := make([]*entry, 0, len(h.conns))
	for _, e := range h.conns {
		entries = append(entries, e)
	}
	h.users = make(map[int64]*entry)
	h.conns = make(map[ConnectionID]*entry)
	h.mu.Unlock()

	for _, e := range entries {
		_ = e.conn.Close(reason)
	}
	h.log.WithField("connections", len(entries)).Info("hub shut down")
}
