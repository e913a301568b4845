// Package memstore is an in-process data.Stores backend for development and
// tests. Nothing survives a restart.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/PaulBabatuyi/secureChat/internal/data"
	"github.com/PaulBabatuyi/secureChat/internal/normalize"
)

// Store holds every collection behind a single mutex.
type Store struct {
	mu       sync.Mutex
	nextUser int64
	users    map[int64]*data.User
	byName   map[string]int64
	keys     map[int64]*data.PublicKeyRecord
	messages map[string]*data.Message
	queue    map[string]*data.Message
}

// New returns an empty store.
func New() *Store {
	return &Store{
		users:    map[int64]*data.User{},
		byName:   map[string]int64{},
		keys:     map[int64]*data.PublicKeyRecord{},
		messages: map[string]*data.Message{},
		queue:    map[string]*data.Message{},
	}
}

// Stores exposes s through the data.Stores bundle.
func (s *Store) Stores() data.Stores {
	return data.Stores{
		Users:    users{s},
		Keys:     keys{s},
		Messages: messages{s},
		Queue:    queue{s},
		Ping:     func(context.Context) error { return nil },
		Close:    func(context.Context) error { return nil },
	}
}

func copyMessage(m *data.Message) *data.Message {
	c := *m
	if m.DeliveredAt != nil {
		at := *m.DeliveredAt
		c.DeliveredAt = &at
	}
	return &c
}

func sortMessages(ms []*data.Message) {
	slices.SortFunc(ms, func(a, b *data.Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

type users struct{ s *Store }

func (u users) CreateUser(_ context.Context, username, passwordHash string) (*data.User, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()

	name := normalize.Username(username)
	if _, ok := u.s.byName[name]; ok {
		return nil, data.ErrDuplicate
	}
	u.s.nextUser++
	now := time.Now().UTC()
	user := &data.User{ID: u.s.nextUser, Username: name, PasswordHash: passwordHash, CreatedAt: now, UpdatedAt: now}
	u.s.users[user.ID] = user
	u.s.byName[name] = user.ID
	c := *user
	return &c, nil
}

func (u users) GetUserByUsername(_ context.Context, username string) (*data.User, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()

	id, ok := u.s.byName[normalize.Username(username)]
	if !ok {
		return nil, data.ErrNotFound
	}
	c := *u.s.users[id]
	return &c, nil
}

func (u users) GetUserByID(_ context.Context, id int64) (*data.User, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()

	user, ok := u.s.users[id]
	if !ok {
		return nil, data.ErrNotFound
	}
	c := *user
	return &c, nil
}

func (u users) UserExists(_ context.Context, id int64) (bool, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	_, ok := u.s.users[id]
	return ok, nil
}

func (u users) ListUsers(_ context.Context) ([]*data.User, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()

	out := make([]*data.User, 0, len(u.s.users))
	for _, user := range u.s.users {
		c := *user
		c.PasswordHash = ""
		out = append(out, &c)
	}
	slices.SortFunc(out, func(a, b *data.User) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

type keys struct{ s *Store }

func (k keys) UpsertPublicKey(_ context.Context, rec *data.PublicKeyRecord) error {
	k.s.mu.Lock()
	defer k.s.mu.Unlock()
	c := *rec
	c.PublicKey = slices.Clone(rec.PublicKey)
	k.s.keys[rec.UserID] = &c
	return nil
}

func (k keys) GetPublicKey(_ context.Context, userID int64) (*data.PublicKeyRecord, error) {
	k.s.mu.Lock()
	defer k.s.mu.Unlock()
	rec, ok := k.s.keys[userID]
	if !ok {
		return nil, data.ErrNotFound
	}
	c := *rec
	c.PublicKey = slices.Clone(rec.PublicKey)
	return &c, nil
}

type messages struct{ s *Store }

func (m messages) SaveMessage(_ context.Context, msg *data.Message) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.messages[msg.ID]; ok {
		return data.ErrDuplicate
	}
	m.s.messages[msg.ID] = copyMessage(msg)
	return nil
}

func (m messages) GetMessage(_ context.Context, id string) (*data.Message, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	msg, ok := m.s.messages[id]
	if !ok {
		return nil, data.ErrNotFound
	}
	return copyMessage(msg), nil
}

func (m messages) MarkDelivered(_ context.Context, id string, at time.Time) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	msg, ok := m.s.messages[id]
	if !ok {
		return false, data.ErrNotFound
	}
	if msg.Delivered {
		return false, nil
	}
	at = at.UTC()
	msg.Delivered = true
	msg.DeliveredAt = &at
	return true, nil
}

func (m messages) GetMessageHistory(_ context.Context, user1, user2 int64, limit int64) ([]*data.Message, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	var out []*data.Message
	for _, msg := range m.s.messages {
		if (msg.SenderID == user1 && msg.ReceiverID == user2) || (msg.SenderID == user2 && msg.ReceiverID == user1) {
			out = append(out, copyMessage(msg))
		}
	}
	sortMessages(out)
	if limit > 0 && int64(len(out)) > limit {
		out = out[int64(len(out))-limit:]
	}
	return out, nil
}

func (m messages) ListUndelivered(_ context.Context, after data.Cursor, limit int) ([]*data.Message, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	var out []*data.Message
	for _, msg := range m.s.messages {
		if !msg.Delivered && after.After(msg) {
			out = append(out, copyMessage(msg))
		}
	}
	sortMessages(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type queue struct{ s *Store }

func (q queue) Enqueue(_ context.Context, msg *data.Message) error {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	if _, ok := q.s.queue[msg.ID]; !ok {
		q.s.queue[msg.ID] = copyMessage(msg)
	}
	return nil
}

func (q queue) NextBatch(_ context.Context, receiverID int64, after data.Cursor, limit int) ([]*data.Message, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()

	var out []*data.Message
	for _, msg := range q.s.queue {
		if msg.ReceiverID == receiverID && after.After(msg) {
			out = append(out, copyMessage(msg))
		}
	}
	sortMessages(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q queue) Remove(_ context.Context, messageID string) error {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	delete(q.s.queue, messageID)
	return nil
}

func (q queue) Count(_ context.Context, receiverID int64) (int64, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	var n int64
	for _, msg := range q.s.queue {
		if msg.ReceiverID == receiverID {
			n++
		}
	}
	return n, nil
}
