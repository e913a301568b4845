package data

import (
	"time"
)

// User maps to users collection (numeric id, username, password hash, timestamps)
type User struct {
	ID           int64     `bson:"_id" json:"id"`
	Username     string    `bson:"username" json:"username"`
	PasswordHash string    `bson:"password_hash" json:"-"`
	CreatedAt    time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at" json:"updated_at"`
}

// PublicKeyRecord maps to public_keys collection; one document per user
type PublicKeyRecord struct {
	UserID    int64     `bson:"_id" json:"user_id"`
	PublicKey []byte    `bson:"public_key" json:"public_key"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

// Message maps to messages collection. Ciphertext is opaque to the server.
type Message struct {
	ID          string     `bson:"_id" json:"message_id"`
	SenderID    int64      `bson:"sender_id" json:"sender_id"`
	ReceiverID  int64      `bson:"receiver_id" json:"receiver_id"`
	Ciphertext  string     `bson:"ciphertext" json:"content"`
	CreatedAt   time.Time  `bson:"created_at" json:"timestamp"`
	Delivered   bool       `bson:"delivered" json:"delivered"`
	DeliveredAt *time.Time `bson:"delivered_at,omitempty" json:"delivered_at,omitempty"`
}

// Cursor marks a position in a (created_at, id) ordered scan. The zero value
// starts at the beginning.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// After reports whether m sorts strictly after the cursor.
func (c Cursor) After(m *Message) bool {
	if m.CreatedAt.Equal(c.CreatedAt) {
		return m.ID > c.ID
	}
	return m.CreatedAt.After(c.CreatedAt)
}

// CursorOf returns the cursor positioned at m.
func CursorOf(m *Message) Cursor {
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}
