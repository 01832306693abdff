package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Iriartelabs/survivalcomm/crypto"
	"github.com/Iriartelabs/survivalcomm/transport"
)

// State is the lifecycle state of a Connection.
type State uint8

const (
	// StateHandshaking means identities have not been exchanged yet.
	StateHandshaking State = iota
	// StateOpen means the session is established and framing messages.
	StateOpen
	// StateClosed is terminal.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Events receives session notifications. Implementations must not block;
// the read loop calls them inline.
type Events interface {
	// MessageReceived delivers an incoming chat message. A delivery
	// receipt has already been queued by the time this fires.
	MessageReceived(peerID, messageID string, ciphertext []byte, at time.Time)
	// DeliveryReceipt reports the peer confirmed receiving messageID.
	DeliveryReceipt(peerID, messageID string, at time.Time)
	// ReadReceipt reports the peer confirmed reading messageID.
	ReadReceipt(peerID, messageID string, at time.Time)
	// ConnectionClosed reports the connection left the table's control.
	// reason is nil for an orderly disconnect.
	ConnectionClosed(peerID string, reason error)
}

// Handshake timing and read-loop cadence.
const (
	handshakeWindow    = 5 * time.Second
	defaultReadTimeout = 2 * time.Second
)

var (
	// ErrHandshakeSignature means the handshake's signature did not
	// verify against the embedded public key.
	ErrHandshakeSignature = errors.New("session: handshake signature invalid")

	// ErrNotOpen means a send was attempted outside the OPEN state.
	ErrNotOpen = errors.New("session: connection not open")
)

// Connection is one authenticated session with a peer. At most one
// exists per peer id; the Table enforces that.
type Connection struct {
	peerID   string
	peerName string
	peerKey  []byte
	kind     transport.Kind
	conn     net.Conn
	local    crypto.Crypto
	events   Events

	readTimeout time.Duration

	writeMu sync.Mutex

	mu           sync.RWMutex
	state        State
	lastActivity time.Time

	reader    *lineReader
	stopChan  chan struct{}
	closeOnce sync.Once
}

// PeerID returns the authenticated peer id.
func (c *Connection) PeerID() string { return c.peerID }

// PeerName returns the display name the peer presented at handshake.
func (c *Connection) PeerName() string { return c.peerName }

// PeerKey returns the public key bound to this session.
func (c *Connection) PeerKey() []byte { return c.peerKey }

// Kind returns the transport strategy that produced this connection.
// It never changes once the connection is open.
func (c *Connection) Kind() transport.Kind { return c.kind }

// State returns the connection's lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastActivity returns when a frame was last received.
func (c *Connection) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// signedHandshake builds and signs an identity frame of the given type.
func signedHandshake(ft FrameType, localID, displayName string, local crypto.Crypto) (*Frame, error) {
	f := &Frame{
		Type:        ft,
		PeerID:      localID,
		DisplayName: displayName,
		PublicKey:   local.PublicKey(),
		Timestamp:   time.Now().Unix(),
	}
	unsigned, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode handshake: %w", err)
	}
	sig, err := local.Sign(unsigned)
	if err != nil {
		return nil, fmt.Errorf("sign handshake: %w", err)
	}
	f.Signature = sig
	return f, nil
}

// verifyHandshake checks an identity frame's self-signature.
func verifyHandshake(f *Frame, local crypto.Crypto) bool {
	sig := f.Signature
	f.Signature = nil
	unsigned, err := json.Marshal(f)
	f.Signature = sig
	if err != nil {
		return false
	}
	return local.Verify(unsigned, sig, f.PublicKey)
}

// Initiate runs the initiator side of the handshake on an established
// stream and returns an OPEN connection. The caller owns conn until
// success; on error the stream is closed.
func Initiate(conn net.Conn, kind transport.Kind, localID, displayName string, local crypto.Crypto, events Events) (*Connection, error) {
	c := newConnection(conn, kind, local, events)

	hello, err := signedHandshake(FrameHandshake, localID, displayName, local)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := c.writeFrame(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	resp, err := c.awaitIdentity(FrameHandshakeResponse)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.bindPeer(resp)
	return c, nil
}

// Respond runs the responder side of the handshake and returns an OPEN
// connection. On error the stream is closed.
func Respond(conn net.Conn, kind transport.Kind, localID, displayName string, local crypto.Crypto, events Events) (*Connection, error) {
	c := newConnection(conn, kind, local, events)

	hello, err := c.awaitIdentity(FrameHandshake)
	if err != nil {
		conn.Close()
		return nil, err
	}

	resp, err := signedHandshake(FrameHandshakeResponse, localID, displayName, local)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := c.writeFrame(resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send handshake response: %w", err)
	}

	c.bindPeer(hello)
	return c, nil
}

func newConnection(conn net.Conn, kind transport.Kind, local crypto.Crypto, events Events) *Connection {
	return &Connection{
		kind:         kind,
		conn:         conn,
		local:        local,
		events:       events,
		readTimeout:  defaultReadTimeout,
		state:        StateHandshaking,
		lastActivity: time.Now(),
		reader:       newLineReader(conn, defaultReadTimeout),
		stopChan:     make(chan struct{}),
	}
}

// awaitIdentity reads one identity frame of the expected type within
// the handshake window and verifies its signature.
func (c *Connection) awaitIdentity(want FrameType) (*Frame, error) {
	deadline := time.Now().Add(handshakeWindow)
	f, err := c.reader.next(c.stopChan, deadline)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", want, err)
	}
	if f.Type != want {
		// Anything else before the handshake completes is a protocol
		// violation.
		return nil, fmt.Errorf("session: unexpected %s frame during handshake", f.Type)
	}
	if !verifyHandshake(f, c.local) {
		return nil, ErrHandshakeSignature
	}
	return f, nil
}

func (c *Connection) bindPeer(f *Frame) {
	c.mu.Lock()
	c.peerID = f.PeerID
	c.peerName = f.DisplayName
	c.peerKey = append([]byte(nil), f.PublicKey...)
	c.state = StateOpen
	c.lastActivity = time.Now()
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "bindPeer",
		"peer_id":   f.PeerID,
		"transport": c.kind.String(),
	}).Info("Session open")
}

// Start launches the connection's read loop. Call once, after the
// connection has been added to the table.
func (c *Connection) Start() {
	go c.readLoop()
}

// writeFrame sends one frame; safe for concurrent use.
func (c *Connection) writeFrame(f *Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err = c.conn.Write(data)
	return err
}

// SendChat sends an encrypted chat message frame.
func (c *Connection) SendChat(messageID string, ciphertext []byte, kind string) error {
	if c.State() != StateOpen {
		return ErrNotOpen
	}
	return c.writeFrame(&Frame{
		Type:       FrameChatMessage,
		MessageID:  messageID,
		Ciphertext: ciphertext,
		Kind:       kind,
		Timestamp:  time.Now().Unix(),
	})
}

// SendReadReceipt tells the peer a message was read.
func (c *Connection) SendReadReceipt(messageID string) error {
	if c.State() != StateOpen {
		return ErrNotOpen
	}
	return c.writeFrame(&Frame{
		Type:      FrameReadReceipt,
		MessageID: messageID,
		Timestamp: time.Now().Unix(),
	})
}

// Ping probes the peer for liveness.
func (c *Connection) Ping() error {
	if c.State() != StateOpen {
		return ErrNotOpen
	}
	return c.writeFrame(&Frame{Type: FramePing, Timestamp: time.Now().Unix()})
}

// Close sends a best-effort disconnect frame and closes the stream.
func (c *Connection) Close() error {
	return c.shutdown(nil, true)
}

func (c *Connection) shutdown(reason error, announce bool) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()

		if announce {
			_ = c.writeFrame(&Frame{Type: FrameDisconnect, Timestamp: time.Now().Unix()})
		}

		close(c.stopChan)
		err = c.conn.Close()

		if c.events != nil && c.peerID != "" {
			c.events.ConnectionClosed(c.peerID, reason)
		}
	})
	return err
}

// readLoop processes frames until the stream fails or the connection is
// closed, then notifies the table owner so the entry is evicted.
func (c *Connection) readLoop() {
	for {
		f, err := c.reader.next(c.stopChan, time.Time{})
		if err != nil {
			c.shutdown(filterCloseReason(err), false)
			return
		}
		c.handleFrame(f)
		if c.State() == StateClosed {
			return
		}
	}
}

// filterCloseReason maps orderly shutdown errors to nil.
func filterCloseReason(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Connection) handleFrame(f *Frame) {
	c.touch()
	at := time.Unix(f.Timestamp, 0)

	switch f.Type {
	case FrameChatMessage:
		// Acknowledge first so the sender can settle the message even
		// if the application layer is slow.
		if err := c.writeFrame(&Frame{
			Type:      FrameDeliveryReceipt,
			MessageID: f.MessageID,
			Timestamp: time.Now().Unix(),
		}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleFrame",
				"peer_id":  c.peerID,
				"error":    err,
			}).Warn("Failed to send delivery receipt")
		}
		if c.events != nil {
			c.events.MessageReceived(c.peerID, f.MessageID, f.Ciphertext, at)
		}

	case FrameDeliveryReceipt:
		if c.events != nil {
			c.events.DeliveryReceipt(c.peerID, f.MessageID, at)
		}

	case FrameReadReceipt:
		if c.events != nil {
			c.events.ReadReceipt(c.peerID, f.MessageID, at)
		}

	case FramePing:
		if err := c.writeFrame(&Frame{Type: FramePong, Timestamp: time.Now().Unix()}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleFrame",
				"peer_id":  c.peerID,
				"error":    err,
			}).Debug("Failed to send pong")
		}

	case FramePong:
		// Activity already recorded by touch.

	case FrameDisconnect:
		c.shutdown(nil, false)

	default:
		logrus.WithFields(logrus.Fields{
			"function": "handleFrame",
			"peer_id":  c.peerID,
			"type":     f.Type,
		}).Debug("Skipping unknown frame type")
	}
}
