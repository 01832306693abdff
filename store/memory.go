package store

import (
	"sync"
	"time"
)

// MemoryStore is an in-memory MessageStore for tests and embedders that
// do not want SQLite.
type MemoryStore struct {
	mu      sync.RWMutex
	pending map[string]*PendingMessage
	status  map[string]*DeliveryStatusRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pending: make(map[string]*PendingMessage),
		status:  make(map[string]*DeliveryStatusRecord),
	}
}

// SavePending inserts a pending message.
func (s *MemoryStore) SavePending(msg *PendingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *msg
	s.pending[msg.ID] = &cp
	return nil
}

// GetPending loads one pending message by id.
func (s *MemoryStore) GetPending(id string) (*PendingMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.pending[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

// ListPending returns all pending messages ordered by creation time.
func (s *MemoryStore) ListPending() ([]*PendingMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PendingMessage, 0, len(s.pending))
	for _, msg := range s.pending {
		cp := *msg
		out = append(out, &cp)
	}
	sortByCreatedAt(out)
	return out, nil
}

func sortByCreatedAt(msgs []*PendingMessage) {
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && msgs[j].CreatedAt.Before(msgs[j-1].CreatedAt); j-- {
			msgs[j], msgs[j-1] = msgs[j-1], msgs[j]
		}
	}
}

// UpdatePending rewrites the mutable fields of a pending message.
func (s *MemoryStore) UpdatePending(msg *PendingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.pending[msg.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Attempts = msg.Attempts
	existing.LastAttemptAt = msg.LastAttemptAt
	existing.Status = msg.Status
	return nil
}

// DeletePending removes a pending message.
func (s *MemoryStore) DeletePending(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
	return nil
}

// DeleteExpired removes pending messages past their TTL.
func (s *MemoryStore) DeleteExpired(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, msg := range s.pending {
		if msg.Expired(now) {
			delete(s.pending, id)
			n++
		}
	}
	return n, nil
}

// SaveStatus inserts or replaces a delivery status record.
func (s *MemoryStore) SaveStatus(rec *DeliveryStatusRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.status[rec.MessageID] = &cp
	return nil
}

// GetStatus loads a delivery status record by message id.
func (s *MemoryStore) GetStatus(messageID string) (*DeliveryStatusRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.status[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
