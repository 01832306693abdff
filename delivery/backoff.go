package delivery

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Iriartelabs/survivalcomm/store"
)

// retryDue reports whether a message with the given attempt count is
// due for another attempt. The tiers are mutually exclusive and the
// interval grows with the attempt count.
func retryDue(attempts int, sinceLastAttempt time.Duration) bool {
	switch {
	case attempts == 0:
		return true
	case attempts <= 2:
		return sinceLastAttempt >= 5*time.Minute
	case attempts <= 5:
		return sinceLastAttempt >= 30*time.Minute
	case attempts <= 10:
		return sinceLastAttempt >= 2*time.Hour
	default:
		return sinceLastAttempt >= 6*time.Hour
	}
}

// Start launches the retry and expiration sweeps. Safe to call once;
// subsequent calls are no-ops until Stop.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopChan = make(chan struct{})
	stop := m.stopChan
	m.mu.Unlock()

	m.wg.Add(2)
	go m.retryLoop(stop)
	go m.expiryLoop(stop)
}

// Stop halts the sweeps and waits for in-flight attempts to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopChan)
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Manager) retryLoop(stop <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.RetrySweep(stop)
		}
	}
}

// RetrySweep attempts every due pending message once. The sweep is
// skipped while the Connectivity gate reports offline. Each attempt
// gets its own bounded context so one unreachable peer cannot stall
// the rest of the queue.
func (m *Manager) RetrySweep(stop <-chan struct{}) {
	if m.cfg.Connectivity != nil && !m.cfg.Connectivity() {
		logrus.WithField("function", "RetrySweep").Debug("Offline, skipping retry sweep")
		return
	}

	pending, err := m.store.ListPending()
	if err != nil {
		logrus.WithField("function", "RetrySweep").WithError(err).Warn("Failed to list pending messages")
		return
	}

	now := m.cfg.TimeProvider.Now()
	attempted := 0
	for _, msg := range pending {
		select {
		case <-stop:
			return
		default:
		}
		if msg.Expired(now) {
			continue
		}
		if !retryDue(msg.Attempts, now.Sub(msg.LastAttemptAt)) {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.AttemptTimeout)
		m.attempt(ctx, msg)
		cancel()
		attempted++

		select {
		case <-stop:
			return
		case <-time.After(m.cfg.AttemptPause):
		}
	}

	if attempted > 0 {
		logrus.WithFields(logrus.Fields{
			"function":  "RetrySweep",
			"attempted": attempted,
			"pending":   len(pending),
		}).Info("Retry sweep finished")
	}
}

func (m *Manager) expiryLoop(stop <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.ExpiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.ExpireSweep()
		}
	}
}

// ExpireSweep marks and removes pending messages whose TTL elapsed.
// The status record survives so the sender can still see the outcome.
func (m *Manager) ExpireSweep() {
	now := m.cfg.TimeProvider.Now()

	pending, err := m.store.ListPending()
	if err != nil {
		logrus.WithField("function", "ExpireSweep").WithError(err).Warn("Failed to list pending messages")
		return
	}
	for _, msg := range pending {
		if !msg.Expired(now) {
			continue
		}
		m.recordStatus(&store.DeliveryStatusRecord{
			MessageID:   msg.ID,
			RecipientID: msg.RecipientID,
			Status:      store.StatusExpired,
		})
	}

	removed, err := m.store.DeleteExpired(now)
	if err != nil {
		logrus.WithField("function", "ExpireSweep").WithError(err).Warn("Failed to delete expired messages")
		return
	}
	if removed > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "ExpireSweep",
			"removed":  removed,
		}).Info("Expired undelivered messages")
	}
}
