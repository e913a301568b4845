package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/PaulBabatuyi/secureChat/internal/data"
	"github.com/PaulBabatuyi/secureChat/internal/normalize"
)

// UsersRepo implements data.UserStore on the users table.
type UsersRepo struct{ db *sql.DB }

func (r *UsersRepo) CreateUser(ctx context.Context, username, passwordHash string) (*data.User, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	u := &data.User{Username: normalize.Username(username), PasswordHash: passwordHash, CreatedAt: now, UpdatedAt: now}

	res, err := r.db.ExecContext(ctx,
		"INSERT INTO users (username, password_hash, created_at, updated_at) VALUES (?,?,?,?)",
		u.Username, u.PasswordHash, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if isDuplicate(err) {
			return nil, data.ErrDuplicate
		}
		return nil, errors.Wrap(err, "usersRepo.CreateUser.Exec: ")
	}
	if u.ID, err = res.LastInsertId(); err != nil {
		return nil, errors.Wrap(err, "usersRepo.CreateUser.LastInsertId: ")
	}
	return u, nil
}

func (r *UsersRepo) getOne(ctx context.Context, where string, arg any) (*data.User, error) {
	var u data.User
	err := r.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, created_at, updated_at FROM users WHERE "+where+" LIMIT 1", arg).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, data.ErrNotFound
		}
		return nil, errors.Wrap(err, "usersRepo.getOne.Scan: ")
	}
	return &u, nil
}

func (r *UsersRepo) GetUserByUsername(ctx context.Context, username string) (*data.User, error) {
	return r.getOne(ctx, "username = ?", normalize.Username(username))
}

func (r *UsersRepo) GetUserByID(ctx context.Context, id int64) (*data.User, error) {
	return r.getOne(ctx, "id = ?", id)
}

func (r *UsersRepo) UserExists(ctx context.Context, id int64) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, "SELECT 1 FROM users WHERE id = ? LIMIT 1", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "usersRepo.UserExists.Scan: ")
	}
	return true, nil
}

func (r *UsersRepo) ListUsers(ctx context.Context) ([]*data.User, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id, username, created_at, updated_at FROM users ORDER BY id")
	if err != nil {
		return nil, errors.Wrap(err, "usersRepo.ListUsers.Query: ")
	}
	defer rows.Close()

	var out []*data.User
	for rows.Next() {
		var u data.User
		if err := rows.Scan(&u.ID, &u.Username, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "usersRepo.ListUsers.Scan: ")
		}
		out = append(out, &u)
	}
	return out, errors.Wrap(rows.Err(), "usersRepo.ListUsers.Rows: ")
}

// KeysRepo implements data.KeyStore on the public_keys table.
type KeysRepo struct{ db *sql.DB }

// UpsertPublicKey overwrites the single row for the user in one statement.
func (r *KeysRepo) UpsertPublicKey(ctx context.Context, rec *data.PublicKeyRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO public_keys (user_id, public_key, created_at) VALUES (?,?,?)
		 ON DUPLICATE KEY UPDATE public_key = VALUES(public_key), created_at = VALUES(created_at)`,
		rec.UserID, rec.PublicKey, rec.CreatedAt.UTC())
	return errors.Wrap(err, "keysRepo.UpsertPublicKey.Exec: ")
}

func (r *KeysRepo) GetPublicKey(ctx context.Context, userID int64) (*data.PublicKeyRecord, error) {
	rec := data.PublicKeyRecord{UserID: userID}
	err := r.db.QueryRowContext(ctx,
		"SELECT public_key, created_at FROM public_keys WHERE user_id = ?", userID).
		Scan(&rec.PublicKey, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, data.ErrNotFound
		}
		return nil, errors.Wrap(err, "keysRepo.GetPublicKey.Scan: ")
	}
	return &rec, nil
}

// MessagesRepo implements data.MessageStore on the messages table.
type MessagesRepo struct{ db *sql.DB }

func (r *MessagesRepo) SaveMessage(ctx context.Context, m *data.Message) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO messages ("+messageColumns+") VALUES (?,?,?,?,?,?,?)",
		m.ID, m.SenderID, m.ReceiverID, m.Ciphertext, m.CreatedAt.UTC(), m.Delivered, m.DeliveredAt)
	if err != nil {
		if isDuplicate(err) {
			return data.ErrDuplicate
		}
		return errors.Wrap(err, "messagesRepo.SaveMessage.Exec: ")
	}
	return nil
}

func (r *MessagesRepo) GetMessage(ctx context.Context, id string) (*data.Message, error) {
	m, err := scanMessage(r.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, data.ErrNotFound
		}
		return nil, errors.Wrap(err, "messagesRepo.GetMessage.Scan: ")
	}
	return m, nil
}

func (r *MessagesRepo) MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		"UPDATE messages SET delivered = TRUE, delivered_at = ? WHERE id = ? AND delivered = FALSE",
		at.UTC(), id)
	if err != nil {
		return false, errors.Wrap(err, "messagesRepo.MarkDelivered.Exec: ")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "messagesRepo.MarkDelivered.RowsAffected: ")
	}
	if n == 1 {
		return true, nil
	}
	if _, err := r.GetMessage(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *MessagesRepo) GetMessageHistory(ctx context.Context, user1, user2 int64, limit int64) ([]*data.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT * FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
			ORDER BY created_at DESC, id DESC LIMIT ?
		) recent ORDER BY created_at ASC, id ASC`,
		user1, user2, user2, user1, limit)
	if err != nil {
		return nil, errors.Wrap(err, "messagesRepo.GetMessageHistory.Query: ")
	}
	out, err := collectMessages(rows, scanMessage)
	return out, errors.Wrap(err, "messagesRepo.GetMessageHistory.Scan: ")
}

func (r *MessagesRepo) ListUndelivered(ctx context.Context, after data.Cursor, limit int) ([]*data.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE delivered = FALSE AND (created_at > ? OR (created_at = ? AND id > ?))
		 ORDER BY created_at, id LIMIT ?`,
		cursorTime(after), cursorTime(after), after.ID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "messagesRepo.ListUndelivered.Query: ")
	}
	out, err := collectMessages(rows, scanMessage)
	return out, errors.Wrap(err, "messagesRepo.ListUndelivered.Scan: ")
}

// QueueRepo implements data.QueueStore on the offline_queue table.
type QueueRepo struct{ db *sql.DB }

func scanQueued(row rowScanner) (*data.Message, error) {
	var m data.Message
	if err := row.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Ciphertext, &m.CreatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// Enqueue relies on the primary key: INSERT IGNORE keeps the first copy.
func (r *QueueRepo) Enqueue(ctx context.Context, m *data.Message) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT IGNORE INTO offline_queue (message_id, sender_id, receiver_id, ciphertext, created_at)
		 VALUES (?,?,?,?,?)`,
		m.ID, m.SenderID, m.ReceiverID, m.Ciphertext, m.CreatedAt.UTC())
	return errors.Wrap(err, "queueRepo.Enqueue.Exec: ")
}

func (r *QueueRepo) NextBatch(ctx context.Context, receiverID int64, after data.Cursor, limit int) ([]*data.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT message_id, sender_id, receiver_id, ciphertext, created_at FROM offline_queue
		 WHERE receiver_id = ? AND (created_at > ? OR (created_at = ? AND message_id > ?))
		 ORDER BY created_at, message_id LIMIT ?`,
		receiverID, cursorTime(after), cursorTime(after), after.ID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "queueRepo.NextBatch.Query: ")
	}
	out, err := collectMessages(rows, scanQueued)
	return out, errors.Wrap(err, "queueRepo.NextBatch.Scan: ")
}

func (r *QueueRepo) Remove(ctx context.Context, messageID string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM offline_queue WHERE message_id = ?", messageID)
	return errors.Wrap(err, "queueRepo.Remove.Exec: ")
}

func (r *QueueRepo) Count(ctx context.Context, receiverID int64) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM offline_queue WHERE receiver_id = ?", receiverID).Scan(&n)
	return n, errors.Wrap(err, "queueRepo.Count.Scan: ")
}
