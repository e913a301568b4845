// Package datatest holds the behavioural contract every data.Stores backend
// must satisfy. Backend packages call Run from their own tests.
package datatest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaulBabatuyi/secureChat/internal/data"
)

// Run exercises stores against the contract. newStores must return an empty
// backend on every call.
func Run(t *testing.T, newStores func(t *testing.T) data.Stores) {
	t.Run("Users", func(t *testing.T) { testUsers(t, newStores(t)) })
	t.Run("Keys", func(t *testing.T) { testKeys(t, newStores(t)) })
	t.Run("Messages", func(t *testing.T) { testMessages(t, newStores(t)) })
	t.Run("Queue", func(t *testing.T) { testQueue(t, newStores(t)) })
}

// NewMessage builds a message with a fresh UUIDv7 id and a millisecond
// timestamp, the precision every backend preserves.
func NewMessage(sender, receiver int64, content string, at time.Time) *data.Message {
	return &data.Message{
		ID:         uuid.Must(uuid.NewV7()).String(),
		SenderID:   sender,
		ReceiverID: receiver,
		Ciphertext: content,
		CreatedAt:  at.UTC().Truncate(time.Millisecond),
	}
}

func testUsers(t *testing.T, s data.Stores) {
	ctx := context.Background()

	alice, err := s.Users.CreateUser(ctx, "Alice", "hash-a")
	require.NoError(t, err)
	assert.Positive(t, alice.ID)
	assert.Equal(t, "alice", alice.Username)

	bob, err := s.Users.CreateUser(ctx, "bob", "hash-b")
	require.NoError(t, err)
	assert.NotEqual(t, alice.ID, bob.ID)

	_, err = s.Users.CreateUser(ctx, "ALICE", "other")
	assert.ErrorIs(t, err, data.ErrDuplicate)

	got, err := s.Users.GetUserByUsername(ctx, " alice ")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, got.ID)
	assert.Equal(t, "hash-a", got.PasswordHash)

	got, err = s.Users.GetUserByID(ctx, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", got.Username)

	_, err = s.Users.GetUserByID(ctx, 999999)
	assert.ErrorIs(t, err, data.ErrNotFound)
	_, err = s.Users.GetUserByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, data.ErrNotFound)

	ok, err := s.Users.UserExists(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Users.UserExists(ctx, 999999)
	require.NoError(t, err)
	assert.False(t, ok)

	all, err := s.Users.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, alice.ID, all[0].ID)
	assert.Equal(t, bob.ID, all[1].ID)
}

func testKeys(t *testing.T, s data.Stores) {
	ctx := context.Background()

	_, err := s.Keys.GetPublicKey(ctx, 1)
	assert.ErrorIs(t, err, data.ErrNotFound)

	first := &data.PublicKeyRecord{UserID: 1, PublicKey: []byte{1, 2, 3}, CreatedAt: time.Now().UTC().Truncate(time.Millisecond)}
	require.NoError(t, s.Keys.UpsertPublicKey(ctx, first))
	// same key twice leaves one record
	require.NoError(t, s.Keys.UpsertPublicKey(ctx, first))

	got, err := s.Keys.GetPublicKey(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got.PublicKey)

	second := &data.PublicKeyRecord{UserID: 1, PublicKey: []byte{9, 9}, CreatedAt: first.CreatedAt.Add(time.Second)}
	require.NoError(t, s.Keys.UpsertPublicKey(ctx, second))

	got, err = s.Keys.GetPublicKey(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9}, got.PublicKey)
	assert.True(t, second.CreatedAt.Equal(got.CreatedAt))
}

func testMessages(t *testing.T, s data.Stores) {
	ctx := context.Background()
	base := time.Now()

	m1 := NewMessage(1, 2, "c1", base)
	m2 := NewMessage(2, 1, "c2", base.Add(time.Second))
	m3 := NewMessage(1, 3, "c3", base.Add(2*time.Second))
	for _, m := range []*data.Message{m1, m2, m3} {
		require.NoError(t, s.Messages.SaveMessage(ctx, m))
	}
	assert.ErrorIs(t, s.Messages.SaveMessage(ctx, m1), data.ErrDuplicate)

	got, err := s.Messages.GetMessage(ctx, m1.ID)
	require.NoError(t, err)
	assert.False(t, got.Delivered)
	assert.Equal(t, "c1", got.Ciphertext)

	history, err := s.Messages.GetMessageHistory(ctx, 1, 2, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, m1.ID, history[0].ID)
	assert.Equal(t, m2.ID, history[1].ID)

	limited, err := s.Messages.GetMessageHistory(ctx, 2, 1, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, m2.ID, limited[0].ID)

	changed, err := s.Messages.MarkDelivered(ctx, m1.ID, base.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = s.Messages.MarkDelivered(ctx, m1.ID, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = s.Messages.MarkDelivered(ctx, "missing", base)
	assert.ErrorIs(t, err, data.ErrNotFound)

	got, err = s.Messages.GetMessage(ctx, m1.ID)
	require.NoError(t, err)
	assert.True(t, got.Delivered)
	require.NotNil(t, got.DeliveredAt)

	pending, err := s.Messages.ListUndelivered(ctx, data.Cursor{}, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, m2.ID, pending[0].ID)
	assert.Equal(t, m3.ID, pending[1].ID)

	rest, err := s.Messages.ListUndelivered(ctx, data.CursorOf(pending[0]), 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, m3.ID, rest[0].ID)

	_, err = s.Messages.GetMessage(ctx, "missing")
	assert.ErrorIs(t, err, data.ErrNotFound)
}

func testQueue(t *testing.T, s data.Stores) {
	ctx := context.Background()
	base := time.Now()

	// Same timestamp for the first three: order falls back to id.
	var msgs []*data.Message
	for i := 0; i < 5; i++ {
		at := base
		if i >= 3 {
			at = base.Add(time.Duration(i) * time.Second)
		}
		msgs = append(msgs, NewMessage(1, 2, fmt.Sprintf("q%d", i), at))
	}
	for _, m := range msgs {
		require.NoError(t, s.Queue.Enqueue(ctx, m))
	}
	require.NoError(t, s.Queue.Enqueue(ctx, msgs[0]))
	require.NoError(t, s.Queue.Enqueue(ctx, NewMessage(1, 3, "other receiver", base)))

	n, err := s.Queue.Count(ctx, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)

	page, err := s.Queue.NextBatch(ctx, 2, data.Cursor{}, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, msgs[0].ID, page[0].ID)
	assert.Equal(t, msgs[1].ID, page[1].ID)

	page, err = s.Queue.NextBatch(ctx, 2, data.CursorOf(page[1]), 10)
	require.NoError(t, err)
	require.Len(t, page, 3)
	for i, m := range page {
		assert.Equal(t, msgs[i+2].ID, m.ID)
		assert.Equal(t, int64(2), m.ReceiverID)
	}

	require.NoError(t, s.Queue.Remove(ctx, msgs[0].ID))
	require.NoError(t, s.Queue.Remove(ctx, msgs[0].ID))

	page, err = s.Queue.NextBatch(ctx, 2, data.Cursor{}, 10)
	require.NoError(t, err)
	require.Len(t, page, 4)
	assert.Equal(t, msgs[1].ID, page[0].ID)

	n, err = s.Queue.Count(ctx, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
