package session

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TimeProvider abstracts the clock so staleness sweeps are testable.
type TimeProvider interface {
	Now() time.Time
	NewTicker(d time.Duration) *time.Ticker
}

// RealTimeProvider implements TimeProvider with the system clock.
type RealTimeProvider struct{}

// Now returns the current system time.
func (RealTimeProvider) Now() time.Time { return time.Now() }

// NewTicker creates a ticker using the standard library.
func (RealTimeProvider) NewTicker(d time.Duration) *time.Ticker { return time.NewTicker(d) }

// ErrAlreadyConnected means a live connection for the peer already
// exists. Implicit duplicates are rejected; use Replace to swap
// deliberately.
var ErrAlreadyConnected = errors.New("session: peer already connected")

// Table owns all live connections, keyed by peer id, and enforces at
// most one per peer. It also runs the keep-alive pinger and the
// staleness sweep.
type Table struct {
	mu    sync.RWMutex
	conns map[string]*Connection

	tp         TimeProvider
	staleAfter time.Duration
	sweepEvery time.Duration

	running  bool
	stopChan chan struct{}
	loopMu   sync.Mutex
}

// TableConfig tunes the table's background behavior. Zero values take
// the defaults.
type TableConfig struct {
	// StaleAfter is the inactivity window after which a connection is
	// evicted. Independent of the per-read timeout.
	StaleAfter time.Duration
	// SweepEvery is the cadence of the ping/staleness loop.
	SweepEvery time.Duration
	// TimeProvider overrides the clock, for tests.
	TimeProvider TimeProvider
}

// NewTable creates an empty connection table.
func NewTable(cfg TableConfig) *Table {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = 30 * time.Second
	}
	if cfg.TimeProvider == nil {
		cfg.TimeProvider = RealTimeProvider{}
	}
	return &Table{
		conns:      make(map[string]*Connection),
		tp:         cfg.TimeProvider,
		staleAfter: cfg.StaleAfter,
		sweepEvery: cfg.SweepEvery,
		stopChan:   make(chan struct{}),
	}
}

// Add registers an open connection. If a live connection for the peer
// already exists, the new one is closed and ErrAlreadyConnected is
// returned; the caller keeps using the existing entry.
func (t *Table) Add(c *Connection) error {
	t.mu.Lock()
	existing, ok := t.conns[c.PeerID()]
	if ok && existing.State() != StateClosed {
		t.mu.Unlock()
		c.shutdown(nil, true)
		return ErrAlreadyConnected
	}
	t.conns[c.PeerID()] = c
	t.mu.Unlock()
	return nil
}

// Replace deliberately swaps in a new connection for the peer, closing
// any previous one.
func (t *Table) Replace(c *Connection) {
	t.mu.Lock()
	existing := t.conns[c.PeerID()]
	t.conns[c.PeerID()] = c
	t.mu.Unlock()

	if existing != nil && existing != c {
		existing.shutdown(nil, true)
	}
}

// Get returns the live connection for a peer, or nil.
func (t *Table) Get(peerID string) *Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c := t.conns[peerID]
	if c == nil || c.State() == StateClosed {
		return nil
	}
	return c
}

// Remove evicts a peer's entry. The connection is not closed; use this
// from closed-connection notifications.
func (t *Table) Remove(peerID string) {
	t.mu.Lock()
	delete(t.conns, peerID)
	t.mu.Unlock()
}

// Len returns the number of table entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

// Start launches the keep-alive and staleness loop.
func (t *Table) Start() {
	t.loopMu.Lock()
	defer t.loopMu.Unlock()
	if t.running {
		return
	}
	t.running = true
	t.stopChan = make(chan struct{})
	go t.sweepLoop()
}

// Stop halts the background loop and closes every connection.
func (t *Table) Stop() {
	t.loopMu.Lock()
	if !t.running {
		t.loopMu.Unlock()
		return
	}
	t.running = false
	close(t.stopChan)
	t.loopMu.Unlock()

	t.mu.Lock()
	conns := make([]*Connection, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.conns = make(map[string]*Connection)
	t.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (t *Table) sweepLoop() {
	ticker := t.tp.NewTicker(t.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.Sweep()
		case <-t.stopChan:
			return
		}
	}
}

// Sweep evicts stale or closed connections and pings the rest. Exported
// so tests can drive it with a fake clock.
func (t *Table) Sweep() {
	now := t.tp.Now()

	t.mu.RLock()
	conns := make([]*Connection, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.RUnlock()

	for _, c := range conns {
		switch {
		case c.State() == StateClosed:
			t.Remove(c.PeerID())

		case now.Sub(c.LastActivity()) > t.staleAfter:
			logrus.WithFields(logrus.Fields{
				"function": "Sweep",
				"peer_id":  c.PeerID(),
				"idle":     now.Sub(c.LastActivity()).String(),
			}).Info("Evicting stale connection")
			c.Close()
			t.Remove(c.PeerID())

		default:
			if err := c.Ping(); err != nil && !errors.Is(err, ErrNotOpen) {
				logrus.WithFields(logrus.Fields{
					"function": "Sweep",
					"peer_id":  c.PeerID(),
					"error":    err,
				}).Debug("Keep-alive ping failed")
			}
		}
	}
}
