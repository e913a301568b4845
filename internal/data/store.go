// Package data provides DB models, store contracts and the MongoDB stores.
package data

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a lookup matches no record.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique constraint is violated.
	ErrDuplicate = errors.New("duplicate record")
)

// UserStore persists registered users.
type UserStore interface {
	CreateUser(ctx context.Context, username, passwordHash string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id int64) (*User, error)
	UserExists(ctx context.Context, id int64) (bool, error)
	ListUsers(ctx context.Context) ([]*User, error)
}

// KeyStore persists the single active public key per user.
type KeyStore interface {
	// UpsertPublicKey atomically replaces the user's key record.
	UpsertPublicKey(ctx context.Context, rec *PublicKeyRecord) error
	GetPublicKey(ctx context.Context, userID int64) (*PublicKeyRecord, error)
}

// MessageStore persists messages.
type MessageStore interface {
	// SaveMessage inserts msg. The caller assigns ID and CreatedAt.
	SaveMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	// MarkDelivered flips delivered false->true. It reports whether this
	// call made the transition; a second call is a no-op.
	MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error)
	GetMessageHistory(ctx context.Context, user1, user2 int64, limit int64) ([]*Message, error)
	// ListUndelivered scans delivered=false messages in (created_at, id)
	// order starting after the cursor.
	ListUndelivered(ctx context.Context, after Cursor, limit int) ([]*Message, error)
}

// QueueStore persists the per-receiver offline queue. Entries are copies of
// messages keyed by message id.
type QueueStore interface {
	// Enqueue is idempotent on msg.ID.
	Enqueue(ctx context.Context, msg *Message) error
	// NextBatch returns up to limit entries for receiverID ordered by
	// (created_at, id) strictly after the cursor.
	NextBatch(ctx context.Context, receiverID int64, after Cursor, limit int) ([]*Message, error)
	// Remove deletes an entry; removing a missing entry is not an error.
	Remove(ctx context.Context, messageID string) error
	Count(ctx context.Context, receiverID int64) (int64, error)
}

// Stores bundles one backend's store implementations.
type Stores struct {
	Users    UserStore
	Keys     KeyStore
	Messages MessageStore
	Queue    QueueStore

	// Ping reports backend health. Close releases the backend.
	Ping  func(ctx context.Context) error
	Close func(ctx context.Context) error
}
