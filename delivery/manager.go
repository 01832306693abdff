// Package delivery manages the pending-message lifecycle: queueing,
// direct delivery attempts, server offline-store fallback, tiered
// retry, expiration, and status reconciliation with the directory
// server.
package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Iriartelabs/survivalcomm/directory"
	"github.com/Iriartelabs/survivalcomm/store"
)

// TimeProvider abstracts time operations for testability.
type TimeProvider interface {
	Now() time.Time
}

// RealTimeProvider implements TimeProvider using the system clock.
type RealTimeProvider struct{}

// Now returns the current system time.
func (RealTimeProvider) Now() time.Time {
	return time.Now()
}

// Directory is the subset of the directory client the manager uses.
type Directory interface {
	Locate(ctx context.Context, username string) (*directory.PeerLocation, error)
	StoreOfflineMessage(ctx context.Context, senderID, recipient string, ciphertext []byte, kind string, timestamp time.Time) (bool, error)
	ConfirmReceived(ctx context.Context, messageID string) error
	MarkRead(ctx context.Context, messageID string) error
	CheckStatus(ctx context.Context, messageIDs []string) ([]directory.StatusEntry, error)
}

// PeerSender attempts a direct delivery to a located peer. A nil
// return means the recipient acknowledged receipt, not merely that the
// bytes were written; an error means the peer could not be reached or
// did not acknowledge in time.
type PeerSender interface {
	Send(ctx context.Context, loc *directory.PeerLocation, messageID string, payload []byte, kind string) error
}

// Config controls retry cadence and message lifetime.
type Config struct {
	// TTL is how long a message stays retryable before expiring.
	TTL time.Duration
	// RetryInterval is how often the retry sweep runs.
	RetryInterval time.Duration
	// ExpiryInterval is how often the expiration sweep runs.
	ExpiryInterval time.Duration
	// AttemptTimeout bounds a single delivery attempt.
	AttemptTimeout time.Duration
	// AttemptPause is the fixed pause between attempts in one sweep.
	AttemptPause time.Duration
	// Connectivity reports whether the network is usable. The retry
	// sweep is skipped entirely while it returns false. Nil means
	// always connected.
	Connectivity func() bool
	// TimeProvider abstracts time for testability. Nil means system
	// clock.
	TimeProvider TimeProvider
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 7 * 24 * time.Hour
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Minute
	}
	if c.ExpiryInterval <= 0 {
		c.ExpiryInterval = 6 * time.Hour
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	if c.AttemptPause <= 0 {
		c.AttemptPause = 250 * time.Millisecond
	}
	if c.TimeProvider == nil {
		c.TimeProvider = RealTimeProvider{}
	}
	return c
}

// Manager owns the outbound pending-message queue.
type Manager struct {
	localID string
	cfg     Config
	store   store.MessageStore
	dir     Directory
	sender  PeerSender

	mu          sync.RWMutex
	statusCache map[string]store.Status
	running     bool
	stopChan    chan struct{}
	wg          sync.WaitGroup
}

// NewManager creates a delivery manager. The sender may be nil, in
// which case every attempt goes straight to the offline store.
func NewManager(localID string, st store.MessageStore, dir Directory, sender PeerSender, cfg Config) *Manager {
	return &Manager{
		localID:     localID,
		cfg:         cfg.withDefaults(),
		store:       st,
		dir:         dir,
		sender:      sender,
		statusCache: make(map[string]store.Status),
	}
}

// Enqueue persists a message for delivery and kicks off an immediate
// asynchronous attempt. It never performs network I/O itself.
func (m *Manager) Enqueue(recipientID, recipientName string, payload []byte, kind string) (string, error) {
	now := m.cfg.TimeProvider.Now()
	msg := &store.PendingMessage{
		ID:            uuid.New().String(),
		RecipientID:   recipientID,
		RecipientName: recipientName,
		Payload:       payload,
		Kind:          kind,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.cfg.TTL),
		Status:        store.StatusPending,
	}

	if err := m.store.SavePending(msg); err != nil {
		return "", err
	}
	if err := m.store.SaveStatus(&store.DeliveryStatusRecord{
		MessageID:   msg.ID,
		RecipientID: recipientID,
		Status:      store.StatusPending,
	}); err != nil {
		return "", err
	}
	m.cacheStatus(msg.ID, store.StatusPending)

	logrus.WithFields(logrus.Fields{
		"function":  "Enqueue",
		"messageID": msg.ID,
		"recipient": recipientName,
	}).Debug("Message queued for delivery")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.AttemptTimeout)
		defer cancel()
		m.attempt(ctx, msg)
	}()

	return msg.ID, nil
}

// attempt runs the delivery pipeline once: locate, direct send, offline
// store fallback, then bookkeeping for whatever happened.
func (m *Manager) attempt(ctx context.Context, msg *store.PendingMessage) {
	log := logrus.WithFields(logrus.Fields{
		"function":  "attempt",
		"messageID": msg.ID,
		"recipient": msg.RecipientName,
		"attempts":  msg.Attempts,
	})

	loc, err := m.dir.Locate(ctx, msg.RecipientName)
	if err != nil {
		log.WithError(err).Debug("Directory lookup failed")
	}

	if loc != nil && m.sender != nil {
		sendErr := m.sender.Send(ctx, loc, msg.ID, msg.Payload, msg.Kind)
		if sendErr == nil {
			m.markDelivered(msg.ID, msg.RecipientID)
			log.Info("Message delivered directly")
			return
		}
		log.WithError(sendErr).Debug("Direct delivery failed")
	}

	accepted, err := m.dir.StoreOfflineMessage(ctx, m.localID, msg.RecipientName, msg.Payload, msg.Kind, msg.CreatedAt)
	if err != nil {
		log.WithError(err).Debug("Offline store failed")
	}

	// A server-accepted message is queued, not failed; it must not age
	// into slower retry tiers.
	msg.LastAttemptAt = m.cfg.TimeProvider.Now()
	if accepted {
		msg.Status = store.StatusServerQueued
	} else {
		msg.Attempts++
	}

	if err := m.store.UpdatePending(msg); err != nil {
		log.WithError(err).Warn("Failed to update pending message")
		return
	}
	if accepted && m.cachedStatus(msg.ID) < store.StatusServerQueued {
		m.recordStatus(&store.DeliveryStatusRecord{
			MessageID:   msg.ID,
			RecipientID: msg.RecipientID,
			Status:      store.StatusServerQueued,
		})
		log.Info("Message queued on server")
	}
}

// markDelivered finalizes a successful delivery: the pending entry is
// removed and the status record keeps the audit trail.
func (m *Manager) markDelivered(messageID, recipientID string) {
	if err := m.store.DeletePending(messageID); err != nil && err != store.ErrNotFound {
		logrus.WithFields(logrus.Fields{
			"function":  "markDelivered",
			"messageID": messageID,
		}).WithError(err).Warn("Failed to remove pending message")
	}
	m.recordStatus(&store.DeliveryStatusRecord{
		MessageID:   messageID,
		RecipientID: recipientID,
		Status:      store.StatusDelivered,
		DeliveredAt: m.cfg.TimeProvider.Now(),
	})
}

// AcknowledgeReceipt handles a delivery receipt from the recipient.
// Receipts for messages already marked delivered are no-ops.
func (m *Manager) AcknowledgeReceipt(messageID string) {
	if m.cachedStatus(messageID) >= store.StatusDelivered {
		return
	}
	rec, err := m.store.GetStatus(messageID)
	recipientID := ""
	if err == nil {
		if !store.IsForwardProgress(rec.Status, store.StatusDelivered) {
			return
		}
		recipientID = rec.RecipientID
	}
	m.markDelivered(messageID, recipientID)
}

// AcknowledgeRead handles a read receipt from the recipient.
func (m *Manager) AcknowledgeRead(messageID string) {
	rec, err := m.store.GetStatus(messageID)
	if err != nil {
		rec = &store.DeliveryStatusRecord{MessageID: messageID}
	}
	if !store.IsForwardProgress(rec.Status, store.StatusRead) {
		return
	}
	if err := m.store.DeletePending(messageID); err != nil && err != store.ErrNotFound {
		logrus.WithField("messageID", messageID).WithError(err).Warn("Failed to remove pending message")
	}
	rec.Status = store.StatusRead
	rec.ReadAt = m.cfg.TimeProvider.Now()
	if rec.DeliveredAt.IsZero() {
		rec.DeliveredAt = rec.ReadAt
	}
	m.recordStatus(rec)
}

// ConfirmReceived reports an incoming message back to the directory
// server so the sender's status queries see it as delivered.
func (m *Manager) ConfirmReceived(ctx context.Context, messageID string) error {
	return m.dir.ConfirmReceived(ctx, messageID)
}

// MarkRead reports a read event for an incoming message to the
// directory server.
func (m *Manager) MarkRead(ctx context.Context, messageID string) error {
	return m.dir.MarkRead(ctx, messageID)
}

// Status returns the best-known delivery status for a message,
// consulting the in-memory cache before the store.
func (m *Manager) Status(messageID string) (store.Status, error) {
	m.mu.RLock()
	s, ok := m.statusCache[messageID]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}
	rec, err := m.store.GetStatus(messageID)
	if err != nil {
		return store.StatusPending, err
	}
	m.cacheStatus(messageID, rec.Status)
	return rec.Status, nil
}

// SyncWithServer reconciles local status with the directory server.
// Server state is applied only when it moves a message forward; stale
// or duplicate reports are ignored. A nil id list syncs every pending
// message.
func (m *Manager) SyncWithServer(ctx context.Context, messageIDs []string) error {
	if messageIDs == nil {
		pending, err := m.store.ListPending()
		if err != nil {
			return err
		}
		for _, msg := range pending {
			messageIDs = append(messageIDs, msg.ID)
		}
	}
	if len(messageIDs) == 0 {
		return nil
	}

	entries, err := m.dir.CheckStatus(ctx, messageIDs)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		target, ok := store.ParseStatus(entry.Status)
		if !ok {
			logrus.WithFields(logrus.Fields{
				"function":  "SyncWithServer",
				"messageID": entry.MessageID,
				"status":    entry.Status,
			}).Debug("Ignoring unknown server status")
			continue
		}

		rec, err := m.store.GetStatus(entry.MessageID)
		if err != nil {
			rec = &store.DeliveryStatusRecord{MessageID: entry.MessageID}
		}
		if !store.IsForwardProgress(rec.Status, target) {
			continue
		}

		rec.Status = target
		if entry.DeliveredAt > 0 {
			rec.DeliveredAt = time.Unix(entry.DeliveredAt, 0)
		}
		if entry.ReadAt > 0 {
			rec.ReadAt = time.Unix(entry.ReadAt, 0)
		}
		m.recordStatus(rec)

		if target >= store.StatusDelivered {
			if err := m.store.DeletePending(entry.MessageID); err != nil && err != store.ErrNotFound {
				logrus.WithField("messageID", entry.MessageID).WithError(err).Warn("Failed to remove pending message")
			}
		} else if msg, err := m.store.GetPending(entry.MessageID); err == nil {
			msg.Status = target
			if err := m.store.UpdatePending(msg); err != nil {
				logrus.WithField("messageID", entry.MessageID).WithError(err).Warn("Failed to update pending message")
			}
		}
	}
	return nil
}

func (m *Manager) recordStatus(rec *store.DeliveryStatusRecord) {
	if err := m.store.SaveStatus(rec); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "recordStatus",
			"messageID": rec.MessageID,
		}).WithError(err).Warn("Failed to save status record")
	}
	m.cacheStatus(rec.MessageID, rec.Status)
}

func (m *Manager) cacheStatus(messageID string, s store.Status) {
	m.mu.Lock()
	m.statusCache[messageID] = s
	m.mu.Unlock()
}

func (m *Manager) cachedStatus(messageID string) store.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusCache[messageID]
}
