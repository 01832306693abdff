// Package store defines persistence for pending messages and delivery
// status records, with a SQLite implementation and an in-memory
// implementation for tests and embedders.
package store

import (
	"errors"
	"time"
)

// Status is the delivery status of a message.
type Status uint8

const (
	// StatusPending means no delivery path has succeeded yet.
	StatusPending Status = iota
	// StatusServerQueued means the directory server accepted the message
	// for later delivery. Retained locally until confirmed delivered.
	StatusServerQueued
	// StatusDelivered means the recipient confirmed receipt.
	StatusDelivered
	// StatusRead means the recipient confirmed reading.
	StatusRead
	// StatusExpired means the message TTL elapsed before delivery.
	StatusExpired
)

// String returns the status name used on the wire and in the database.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusServerQueued:
		return "server_queued"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ParseStatus maps a status name back to its value.
func ParseStatus(s string) (Status, bool) {
	switch s {
	case "pending":
		return StatusPending, true
	case "server_queued":
		return StatusServerQueued, true
	case "delivered":
		return StatusDelivered, true
	case "read":
		return StatusRead, true
	case "expired":
		return StatusExpired, true
	default:
		return StatusPending, false
	}
}

// IsForwardProgress reports whether moving from one status to another
// follows the pending -> server_queued -> delivered -> read progression.
// Status never regresses; EXPIRED is handled by the TTL sweep, not here.
func IsForwardProgress(from, to Status) bool {
	if to == StatusExpired {
		return false
	}
	return to > from
}

// PendingMessage is a message not yet confirmed delivered, persisted
// for retry.
type PendingMessage struct {
	ID            string
	RecipientID   string
	RecipientName string
	Payload       []byte
	Kind          string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	Attempts      int
	LastAttemptAt time.Time
	Status        Status
}

// Expired reports whether the message TTL has elapsed.
func (m *PendingMessage) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// DeliveryStatusRecord is the audit trail entry for a message. It
// outlives the PendingMessage so status queries keep working after the
// pending entry is purged.
type DeliveryStatusRecord struct {
	MessageID   string
	RecipientID string
	Status      Status
	DeliveredAt time.Time
	ReadAt      time.Time
}

// ErrNotFound is returned when a message or record does not exist.
var ErrNotFound = errors.New("store: not found")

// MessageStore persists PendingMessages and DeliveryStatusRecords.
// Implementations must be safe for concurrent use.
type MessageStore interface {
	SavePending(msg *PendingMessage) error
	GetPending(id string) (*PendingMessage, error)
	ListPending() ([]*PendingMessage, error)
	UpdatePending(msg *PendingMessage) error
	DeletePending(id string) error

	// DeleteExpired removes pending messages whose TTL elapsed before
	// now and returns how many were removed.
	DeleteExpired(now time.Time) (int, error)

	SaveStatus(rec *DeliveryStatusRecord) error
	GetStatus(messageID string) (*DeliveryStatusRecord, error)

	Close() error
}
