package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// SQLiteStore is the on-disk MessageStore used on devices.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the message database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open message database: %w", err)
	}

	// WAL mode for better concurrency between the retry scheduler and
	// the session read loops.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewSQLiteStore",
		"path":     dbPath,
	}).Info("Opened message store")

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pending_messages (
		id TEXT PRIMARY KEY,
		recipient_id TEXT NOT NULL,
		recipient_name TEXT NOT NULL DEFAULT '',
		payload BLOB NOT NULL,
		kind TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt_at INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending'
	);

	CREATE INDEX IF NOT EXISTS idx_pending_recipient ON pending_messages(recipient_id);
	CREATE INDEX IF NOT EXISTS idx_pending_expires ON pending_messages(expires_at);

	CREATE TABLE IF NOT EXISTS delivery_status (
		message_id TEXT PRIMARY KEY,
		recipient_id TEXT NOT NULL,
		status TEXT NOT NULL,
		delivered_at INTEGER NOT NULL DEFAULT 0,
		read_at INTEGER NOT NULL DEFAULT 0
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// SavePending inserts a pending message.
func (s *SQLiteStore) SavePending(msg *PendingMessage) error {
	_, err := s.db.Exec(
		`INSERT INTO pending_messages
		(id, recipient_id, recipient_name, payload, kind, created_at, expires_at, attempts, last_attempt_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.RecipientID, msg.RecipientName, msg.Payload, msg.Kind,
		msg.CreatedAt.Unix(), msg.ExpiresAt.Unix(), msg.Attempts,
		unixOrZero(msg.LastAttemptAt), msg.Status.String(),
	)
	if err != nil {
		return fmt.Errorf("save pending message: %w", err)
	}
	return nil
}

// GetPending loads one pending message by id.
func (s *SQLiteStore) GetPending(id string) (*PendingMessage, error) {
	row := s.db.QueryRow(
		`SELECT id, recipient_id, recipient_name, payload, kind, created_at, expires_at, attempts, last_attempt_at, status
		FROM pending_messages WHERE id = ?`, id)
	return scanPending(row.Scan)
}

// ListPending returns all pending messages ordered by creation time.
func (s *SQLiteStore) ListPending() ([]*PendingMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, recipient_id, recipient_name, payload, kind, created_at, expires_at, attempts, last_attempt_at, status
		FROM pending_messages ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list pending messages: %w", err)
	}
	defer rows.Close()

	var out []*PendingMessage
	for rows.Next() {
		msg, err := scanPending(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func scanPending(scan func(dest ...any) error) (*PendingMessage, error) {
	var (
		msg                               PendingMessage
		createdAt, expiresAt, lastAttempt int64
		status                            string
	)
	err := scan(&msg.ID, &msg.RecipientID, &msg.RecipientName, &msg.Payload, &msg.Kind,
		&createdAt, &expiresAt, &msg.Attempts, &lastAttempt, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan pending message: %w", err)
	}
	msg.CreatedAt = time.Unix(createdAt, 0)
	msg.ExpiresAt = time.Unix(expiresAt, 0)
	if lastAttempt > 0 {
		msg.LastAttemptAt = time.Unix(lastAttempt, 0)
	}
	msg.Status, _ = ParseStatus(status)
	return &msg, nil
}

// UpdatePending rewrites the mutable fields of a pending message.
func (s *SQLiteStore) UpdatePending(msg *PendingMessage) error {
	res, err := s.db.Exec(
		`UPDATE pending_messages SET attempts = ?, last_attempt_at = ?, status = ? WHERE id = ?`,
		msg.Attempts, unixOrZero(msg.LastAttemptAt), msg.Status.String(), msg.ID,
	)
	if err != nil {
		return fmt.Errorf("update pending message: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePending removes a pending message.
func (s *SQLiteStore) DeletePending(id string) error {
	_, err := s.db.Exec(`DELETE FROM pending_messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete pending message: %w", err)
	}
	return nil
}

// DeleteExpired removes pending messages past their TTL.
func (s *SQLiteStore) DeleteExpired(now time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM pending_messages WHERE expires_at > 0 AND expires_at < ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete expired messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "DeleteExpired",
			"count":    n,
		}).Info("Purged expired pending messages")
	}
	return int(n), nil
}

// SaveStatus inserts or replaces a delivery status record.
func (s *SQLiteStore) SaveStatus(rec *DeliveryStatusRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO delivery_status (message_id, recipient_id, status, delivered_at, read_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			status = excluded.status,
			delivered_at = excluded.delivered_at,
			read_at = excluded.read_at`,
		rec.MessageID, rec.RecipientID, rec.Status.String(),
		unixOrZero(rec.DeliveredAt), unixOrZero(rec.ReadAt),
	)
	if err != nil {
		return fmt.Errorf("save delivery status: %w", err)
	}
	return nil
}

// GetStatus loads a delivery status record by message id.
func (s *SQLiteStore) GetStatus(messageID string) (*DeliveryStatusRecord, error) {
	var (
		rec                    DeliveryStatusRecord
		status                 string
		deliveredAt, readAt    int64
	)
	err := s.db.QueryRow(
		`SELECT message_id, recipient_id, status, delivered_at, read_at FROM delivery_status WHERE message_id = ?`,
		messageID,
	).Scan(&rec.MessageID, &rec.RecipientID, &status, &deliveredAt, &readAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get delivery status: %w", err)
	}
	rec.Status, _ = ParseStatus(status)
	if deliveredAt > 0 {
		rec.DeliveredAt = time.Unix(deliveredAt, 0)
	}
	if readAt > 0 {
		rec.ReadAt = time.Unix(readAt, 0)
	}
	return &rec, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
