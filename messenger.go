// Package survivalcomm wires the connectivity and delivery engine
// together: identity crypto, the directory client, the NAT traversal
// orchestrator, the session table, and the offline delivery manager.
package survivalcomm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Iriartelabs/survivalcomm/contact"
	"github.com/Iriartelabs/survivalcomm/crypto"
	"github.com/Iriartelabs/survivalcomm/delivery"
	"github.com/Iriartelabs/survivalcomm/directory"
	"github.com/Iriartelabs/survivalcomm/session"
	"github.com/Iriartelabs/survivalcomm/store"
	"github.com/Iriartelabs/survivalcomm/transport"
	"github.com/Iriartelabs/survivalcomm/verify"
)

// MessageCallback is called when a decrypted message arrives.
type MessageCallback func(peerID, messageID string, plaintext []byte, at time.Time)

// ReceiptCallback is called for delivery and read receipts on messages
// this device sent.
type ReceiptCallback func(peerID, messageID string, at time.Time)

// DisconnectCallback is called when a peer session ends. reason is nil
// for orderly disconnects.
type DisconnectCallback func(peerID string, reason error)

// Options configures a Messenger. ID, DisplayName, Identity and
// DirectoryURL are required; everything else has workable defaults.
type Options struct {
	// ID is this device's stable user id.
	ID string
	// DisplayName is the human-readable name sent in handshakes.
	DisplayName string
	// Identity holds this device's key material.
	Identity crypto.Crypto
	// DirectoryURL is the base URL of the directory server.
	DirectoryURL string
	// RelayURL is the base URL of the relay allocation server. Empty
	// disables the relay fallback stage.
	RelayURL string
	// ListenAddr is the TCP address for inbound sessions, e.g.
	// ":9000". Empty disables listening.
	ListenAddr string
	// AdvertiseHost is the address published to the directory. Empty
	// skips location publishing.
	AdvertiseHost string
	AdvertisePort int
	// STUNServers overrides the default STUN server list.
	STUNServers []string
	// Store persists pending messages. Nil means in-memory.
	Store store.MessageStore
	// Transport tunes the traversal orchestrator.
	Transport transport.Config
	// Delivery tunes retry cadence and message TTL.
	Delivery delivery.Config
}

// NewOptions returns Options with defaults filled in.
func NewOptions() *Options {
	return &Options{}
}

// Messenger is the top-level engine handle.
type Messenger struct {
	opts     Options
	crypto   crypto.Crypto
	dir      *directory.Client
	store    store.MessageStore
	registry *contact.Registry
	orch     *transport.Orchestrator
	table    *session.Table
	manager  *delivery.Manager

	listener net.Listener

	mu                 sync.RWMutex
	running            bool
	stopChan           chan struct{}
	wg                 sync.WaitGroup
	messageCallback    MessageCallback
	deliveryCallback   ReceiptCallback
	readCallback       ReceiptCallback
	disconnectCallback DisconnectCallback

	receiptMu      sync.Mutex
	receiptWaiters map[string]chan struct{}
}

// New creates a Messenger from the given options.
func New(options *Options) (*Messenger, error) {
	if options == nil {
		return nil, errors.New("options required")
	}
	if options.ID == "" || options.Identity == nil {
		return nil, errors.New("id and identity required")
	}
	if options.DirectoryURL == "" {
		return nil, errors.New("directory url required")
	}

	st := options.Store
	if st == nil {
		st = store.NewMemoryStore()
	}

	var discoverer transport.Discoverer
	if len(options.STUNServers) > 0 {
		discoverer = transport.NewSTUNClientWithServers(options.STUNServers)
	} else {
		discoverer = transport.NewSTUNClient()
	}

	var allocator transport.ChannelAllocator
	if options.RelayURL != "" {
		allocator = directory.NewAllocator(options.RelayURL, options.ID, options.Identity)
	}

	m := &Messenger{
		opts:     *options,
		crypto:   options.Identity,
		dir:      directory.NewClient(options.DirectoryURL),
		store:    st,
		registry: contact.NewRegistry(),
		orch:     transport.NewOrchestrator(options.Transport, options.ID, options.Identity, discoverer, allocator),
		table:          session.NewTable(session.TableConfig{}),
		stopChan:       make(chan struct{}),
		receiptWaiters: make(map[string]chan struct{}),
	}
	m.manager = delivery.NewManager(options.ID, st, m.dir, m, options.Delivery)

	return m, nil
}

// OnMessage sets the incoming message callback.
func (m *Messenger) OnMessage(cb MessageCallback) {
	m.mu.Lock()
	m.messageCallback = cb
	m.mu.Unlock()
}

// OnDeliveryReceipt sets the delivery receipt callback.
func (m *Messenger) OnDeliveryReceipt(cb ReceiptCallback) {
	m.mu.Lock()
	m.deliveryCallback = cb
	m.mu.Unlock()
}

// OnReadReceipt sets the read receipt callback.
func (m *Messenger) OnReadReceipt(cb ReceiptCallback) {
	m.mu.Lock()
	m.readCallback = cb
	m.mu.Unlock()
}

// OnDisconnect sets the peer disconnect callback.
func (m *Messenger) OnDisconnect(cb DisconnectCallback) {
	m.mu.Lock()
	m.disconnectCallback = cb
	m.mu.Unlock()
}

// SetAdvertise sets the address published to the directory server.
// Must be called before Start.
func (m *Messenger) SetAdvertise(host string, port int) {
	m.opts.AdvertiseHost = host
	m.opts.AdvertisePort = port
}

// Start begins listening for inbound sessions, launches the session
// sweeper and the delivery retry loops, and publishes this device's
// location when configured.
func (m *Messenger) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	if m.opts.ListenAddr != "" {
		ln, err := net.Listen("tcp", m.opts.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", m.opts.ListenAddr, err)
		}
		m.listener = ln
		m.wg.Add(1)
		go m.acceptLoop(ln)

		logrus.WithFields(logrus.Fields{
			"function": "Start",
			"address":  ln.Addr().String(),
		}).Info("Listening for peer sessions")
	}

	m.table.Start()
	m.manager.Start()

	if m.opts.AdvertiseHost != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.dir.UpdateLocation(ctx, m.opts.ID, m.opts.AdvertiseHost, m.opts.AdvertisePort); err != nil {
			logrus.WithField("function", "Start").WithError(err).Warn("Failed to publish location")
		}
	}

	return nil
}

// ListenAddr returns the bound listener address, or empty when not
// listening. Useful when ListenAddr was configured with port 0.
func (m *Messenger) ListenAddr() string {
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

func (m *Messenger) acceptLoop(ln net.Listener) {
	defer m.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-m.stopChan:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithField("function", "acceptLoop").WithError(err).Debug("Accept failed")
			continue
		}
		go m.handleInbound(conn)
	}
}

func (m *Messenger) handleInbound(conn net.Conn) {
	sess, err := session.Respond(conn, transport.KindDirect, m.opts.ID, m.opts.DisplayName, m.crypto, m)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleInbound",
			"remote":   conn.RemoteAddr().String(),
		}).WithError(err).Debug("Inbound handshake failed")
		return
	}

	if err := m.table.Add(sess); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleInbound",
			"peerID":   sess.PeerID(),
		}).Debug("Duplicate inbound session rejected")
		return
	}

	host, port := remoteHostPort(conn)
	m.registry.Upsert(sess.PeerID(), sess.PeerName(), sess.PeerKey(), host, port, time.Now())
	sess.Start()
}

func remoteHostPort(conn net.Conn) (string, int) {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return "", 0
	}
	return addr.IP.String(), addr.Port
}

// SendMessage encrypts plaintext for the named recipient and queues it
// for delivery. It returns the message id used for status tracking.
func (m *Messenger) SendMessage(ctx context.Context, recipientName string, plaintext []byte) (string, error) {
	peerID, peerKey, err := m.resolveRecipient(ctx, recipientName)
	if err != nil {
		return "", err
	}

	ciphertext, err := m.crypto.Encrypt(plaintext, peerKey)
	if err != nil {
		return "", fmt.Errorf("encrypt for %s: %w", recipientName, err)
	}

	return m.manager.Enqueue(peerID, recipientName, ciphertext, "text")
}

// resolveRecipient finds the recipient's id and public key, consulting
// the local registry before the directory server.
func (m *Messenger) resolveRecipient(ctx context.Context, recipientName string) (string, []byte, error) {
	for _, p := range m.registry.All() {
		if p.DisplayName == recipientName && len(p.PublicKey) > 0 {
			return p.ID, p.PublicKey, nil
		}
	}

	loc, err := m.dir.Locate(ctx, recipientName)
	if err != nil {
		return "", nil, fmt.Errorf("locate %s: %w", recipientName, err)
	}
	if loc == nil {
		return "", nil, fmt.Errorf("unknown recipient %s", recipientName)
	}
	if len(loc.PublicKey) == 0 {
		return "", nil, fmt.Errorf("directory has no public key for %s", recipientName)
	}

	m.registry.Upsert(loc.ID, recipientName, loc.PublicKey, loc.Host, loc.Port, time.Now())
	return loc.ID, loc.PublicKey, nil
}

// Send attempts a direct delivery to a located peer: reuse the live
// session if one exists, otherwise establish one through the traversal
// ladder. Writing the frame is not delivery; Send returns nil only
// once the peer's delivery receipt for messageID arrives, so a peer
// that dies with the frame in its socket buffer leaves the message
// pending for retry. Satisfies the delivery manager's sender
// interface.
func (m *Messenger) Send(ctx context.Context, loc *directory.PeerLocation, messageID string, payload []byte, kind string) error {
	sess := m.table.Get(loc.ID)
	if sess == nil {
		var err error
		sess, err = m.establish(ctx, loc)
		if err != nil {
			return err
		}
	}

	wait := m.awaitReceipt(messageID)
	defer m.dropReceiptWaiter(messageID)

	if err := sess.SendChat(messageID, payload, kind); err != nil {
		return err
	}

	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("no delivery receipt for message %s: %w", messageID, ctx.Err())
	}
}

// awaitReceipt registers interest in the delivery receipt for a
// message. The channel closes when DeliveryReceipt sees that id.
func (m *Messenger) awaitReceipt(messageID string) <-chan struct{} {
	m.receiptMu.Lock()
	defer m.receiptMu.Unlock()
	ch, ok := m.receiptWaiters[messageID]
	if !ok {
		ch = make(chan struct{})
		m.receiptWaiters[messageID] = ch
	}
	return ch
}

func (m *Messenger) settleReceipt(messageID string) {
	m.receiptMu.Lock()
	if ch, ok := m.receiptWaiters[messageID]; ok {
		close(ch)
		delete(m.receiptWaiters, messageID)
	}
	m.receiptMu.Unlock()
}

func (m *Messenger) dropReceiptWaiter(messageID string) {
	m.receiptMu.Lock()
	delete(m.receiptWaiters, messageID)
	m.receiptMu.Unlock()
}

func (m *Messenger) establish(ctx context.Context, loc *directory.PeerLocation) (*session.Connection, error) {
	conn, kind, err := m.orch.Establish(ctx, transport.Peer{
		ID:        loc.ID,
		PublicKey: loc.PublicKey,
		Host:      loc.Host,
		Port:      loc.Port,
	})
	if err != nil {
		return nil, err
	}

	sess, err := session.Initiate(conn, kind, m.opts.ID, m.opts.DisplayName, m.crypto, m)
	if err != nil {
		return nil, err
	}

	if err := m.table.Add(sess); err != nil {
		// Lost the race to an inbound session; use the winner.
		if existing := m.table.Get(loc.ID); existing != nil {
			return existing, nil
		}
		return nil, err
	}

	host, port := remoteHostPort(conn)
	m.registry.Upsert(sess.PeerID(), sess.PeerName(), sess.PeerKey(), host, port, time.Now())
	sess.Start()

	logrus.WithFields(logrus.Fields{
		"function": "establish",
		"peerID":   sess.PeerID(),
		"kind":     kind.String(),
	}).Info("Session established")

	return sess, nil
}

// Connect proactively opens a session to the named peer. Useful before
// a burst of messages; SendMessage does not require it.
func (m *Messenger) Connect(ctx context.Context, recipientName string) (string, error) {
	loc, err := m.dir.Locate(ctx, recipientName)
	if err != nil {
		return "", err
	}
	if loc == nil {
		return "", fmt.Errorf("unknown recipient %s", recipientName)
	}
	if existing := m.table.Get(loc.ID); existing != nil {
		return loc.ID, nil
	}
	sess, err := m.establish(ctx, loc)
	if err != nil {
		return "", err
	}
	return sess.PeerID(), nil
}

// MarkRead reports that an incoming message was read: the sender gets
// a read receipt over the live session when one exists, and the
// directory server is updated for the offline path.
func (m *Messenger) MarkRead(ctx context.Context, peerID, messageID string) error {
	if sess := m.table.Get(peerID); sess != nil {
		if err := sess.SendReadReceipt(messageID); err != nil && !errors.Is(err, session.ErrNotOpen) {
			logrus.WithField("messageID", messageID).WithError(err).Debug("Read receipt send failed")
		}
	}
	return m.manager.MarkRead(ctx, messageID)
}

// MessageStatus returns the best-known delivery status for a sent
// message.
func (m *Messenger) MessageStatus(messageID string) (store.Status, error) {
	return m.manager.Status(messageID)
}

// SyncDeliveryStatus reconciles pending-message status with the
// directory server.
func (m *Messenger) SyncDeliveryStatus(ctx context.Context) error {
	return m.manager.SyncWithServer(ctx, nil)
}

// Contacts returns a snapshot of the known peers.
func (m *Messenger) Contacts() []*contact.Peer {
	return m.registry.All()
}

// Fingerprint returns the local identity fingerprint.
func (m *Messenger) Fingerprint() string {
	return verify.Fingerprint(m.crypto.PublicKey())
}

// SafetyNumber returns the comparison number shared with a known peer.
func (m *Messenger) SafetyNumber(peerID string) (string, error) {
	p := m.registry.Get(peerID)
	if p == nil || len(p.PublicKey) == 0 {
		return "", fmt.Errorf("no public key for %s", peerID)
	}
	return verify.SafetyNumber(m.crypto.PublicKey(), p.PublicKey), nil
}

// VerificationWords returns the spoken-channel word sequence shared
// with a known peer.
func (m *Messenger) VerificationWords(peerID string) (string, error) {
	p := m.registry.Get(peerID)
	if p == nil || len(p.PublicKey) == 0 {
		return "", fmt.Errorf("no public key for %s", peerID)
	}
	return verify.VerificationWords(m.crypto.PublicKey(), p.PublicKey), nil
}

// Close shuts everything down: the listener, every live session, the
// retry loops, and the store. The store is released even when Start
// was never called.
func (m *Messenger) Close() error {
	m.mu.Lock()
	wasRunning := m.running
	m.running = false
	m.mu.Unlock()

	if wasRunning {
		close(m.stopChan)
		if m.listener != nil {
			m.listener.Close()
		}
		m.manager.Stop()
		m.table.Stop()
		m.wg.Wait()
	}
	return m.store.Close()
}

// MessageReceived implements the session event sink: decrypt, confirm
// receipt server-side, and hand the plaintext to the application.
func (m *Messenger) MessageReceived(peerID, messageID string, ciphertext []byte, at time.Time) {
	plaintext, err := m.crypto.Decrypt(ciphertext)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "MessageReceived",
			"peerID":    peerID,
			"messageID": messageID,
		}).WithError(err).Warn("Failed to decrypt incoming message")
		return
	}

	// Server-side confirmation is best-effort and must not block the
	// session read loop.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.manager.ConfirmReceived(ctx, messageID); err != nil {
			logrus.WithField("messageID", messageID).WithError(err).Debug("Server receipt confirmation failed")
		}
	}()

	m.mu.RLock()
	cb := m.messageCallback
	m.mu.RUnlock()
	if cb != nil {
		cb(peerID, messageID, plaintext, at)
	}
}

// DeliveryReceipt implements the session event sink.
func (m *Messenger) DeliveryReceipt(peerID, messageID string, at time.Time) {
	m.settleReceipt(messageID)
	m.manager.AcknowledgeReceipt(messageID)

	m.mu.RLock()
	cb := m.deliveryCallback
	m.mu.RUnlock()
	if cb != nil {
		cb(peerID, messageID, at)
	}
}

// ReadReceipt implements the session event sink.
func (m *Messenger) ReadReceipt(peerID, messageID string, at time.Time) {
	m.manager.AcknowledgeRead(messageID)

	m.mu.RLock()
	cb := m.readCallback
	m.mu.RUnlock()
	if cb != nil {
		cb(peerID, messageID, at)
	}
}

// ConnectionClosed implements the session event sink.
func (m *Messenger) ConnectionClosed(peerID string, reason error) {
	// A rejected duplicate closes while the winning session stays live;
	// only evict when the peer's table entry itself is gone or closed.
	if m.table.Get(peerID) != nil {
		return
	}
	m.table.Remove(peerID)

	m.mu.RLock()
	cb := m.disconnectCallback
	m.mu.RUnlock()
	if cb != nil {
		cb(peerID, reason)
	}
}
