// Package sqlstore is the MySQL backend for data.Stores, built on
// database/sql and go-sql-driver/mysql.
package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"github.com/PaulBabatuyi/secureChat/internal/data"
)

// mysqlDuplicateEntry is ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		username VARCHAR(64) NOT NULL,
		password_hash VARCHAR(255) NOT NULL,
		created_at DATETIME(3) NOT NULL,
		updated_at DATETIME(3) NOT NULL,
		UNIQUE KEY uq_users_username (username)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS public_keys (
		user_id BIGINT NOT NULL PRIMARY KEY,
		public_key VARBINARY(64) NOT NULL,
		created_at DATETIME(3) NOT NULL
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS messages (
		id CHAR(36) CHARACTER SET ascii COLLATE ascii_bin NOT NULL PRIMARY KEY,
		sender_id BIGINT NOT NULL,
		receiver_id BIGINT NOT NULL,
		ciphertext MEDIUMTEXT NOT NULL,
		created_at DATETIME(3) NOT NULL,
		delivered BOOLEAN NOT NULL DEFAULT FALSE,
		delivered_at DATETIME(3) NULL,
		KEY idx_messages_pair (sender_id, receiver_id, created_at),
		KEY idx_messages_undelivered (delivered, created_at, id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS offline_queue (
		message_id CHAR(36) CHARACTER SET ascii COLLATE ascii_bin NOT NULL PRIMARY KEY,
		sender_id BIGINT NOT NULL,
		receiver_id BIGINT NOT NULL,
		ciphertext MEDIUMTEXT NOT NULL,
		created_at DATETIME(3) NOT NULL,
		KEY idx_queue_receiver (receiver_id, created_at, message_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// DB wraps the MySQL pool.
type DB struct {
	db *sql.DB
}

// Open connects to MySQL and verifies the connection. The DSN is forced to
// parseTime=true and loc=UTC so DATETIME columns scan into UTC time.Time.
func Open(ctx context.Context, dsn string) (*DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.Open.ParseDSN: ")
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.Open.Open: ")
	}

	// Pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "sqlstore.Open.Ping: ")
	}
	return &DB{db: db}, nil
}

// Migrate creates the tables if they do not exist.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "sqlstore.Migrate.Exec: ")
		}
	}
	return nil
}

// Stores returns the MySQL-backed store bundle.
func (d *DB) Stores() data.Stores {
	return data.Stores{
		Users:    &UsersRepo{db: d.db},
		Keys:     &KeysRepo{db: d.db},
		Messages: &MessagesRepo{db: d.db},
		Queue:    &QueueRepo{db: d.db},
		Ping:     d.db.PingContext,
		Close:    func(context.Context) error { return d.db.Close() },
	}
}

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}

// cursorTime maps the zero cursor to a date below any stored row; the driver
// would otherwise send the zero time as 0000-00-00.
func cursorTime(c data.Cursor) time.Time {
	if c.CreatedAt.IsZero() {
		return time.Unix(0, 0).UTC()
	}
	return c.CreatedAt.UTC()
}

type rowScanner interface {
	Scan(dest ...any) error
}

const messageColumns = "id, sender_id, receiver_id, ciphertext, created_at, delivered, delivered_at"

func scanMessage(row rowScanner) (*data.Message, error) {
	var (
		m           data.Message
		deliveredAt sql.NullTime
	)
	if err := row.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Ciphertext, &m.CreatedAt, &m.Delivered, &deliveredAt); err != nil {
		return nil, err
	}
	if deliveredAt.Valid {
		at := deliveredAt.Time
		m.DeliveredAt = &at
	}
	return &m, nil
}

func collectMessages(rows *sql.Rows, scan func(rowScanner) (*data.Message, error)) ([]*data.Message, error) {
	defer rows.Close()
	var out []*data.Message
	for rows.Next() {
		m, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
