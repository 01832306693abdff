package transport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Iriartelabs/survivalcomm/crypto"
)

// ChannelAllocator obtains relay channel leases from the allocation
// service. The request it sends is signed with the local identity.
type ChannelAllocator interface {
	AllocateChannel(ctx context.Context, targetHost string, targetPort int) (*RelayChannel, error)
}

// ErrRelayDenied means the relay rejected the channel authentication.
var ErrRelayDenied = errors.New("transport: relay denied channel")

// TunnelConn adapts a relay channel to the net.Conn interface used by
// the session layer. Writes are sealed to the peer's key, wrapped in a
// signed DATA envelope, and length-prefixed; reads reverse the process.
// Non-DATA envelopes on the stream are discarded as zero-length reads.
type TunnelConn struct {
	conn      net.Conn
	channelID string
	local     crypto.Crypto
	peerKey   []byte

	writeMu sync.Mutex
	readBuf []byte

	// Partial frame state. Read deadlines fire mid-frame on a slow
	// relay; the bytes already consumed must survive to the next call
	// or the length-prefixed framing desynchronizes.
	prefix   [lengthPrefixSize]byte
	prefixN  int
	payload  []byte
	payloadN int

	closeOnce sync.Once
	closeErr  error
}

// OpenTunnel connects to the relay endpoint described by channel,
// performs the signed auth exchange for the given target, and returns a
// usable tunnel connection.
func OpenTunnel(ctx context.Context, channel *RelayChannel, peer Peer, local crypto.Crypto) (*TunnelConn, error) {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", channel.Addr())
	if err != nil {
		return nil, fmt.Errorf("connect to relay %s: %w", channel.Addr(), err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	auth := &Envelope{
		Type:       EnvelopeAuth,
		ChannelID:  channel.ChannelID,
		TargetHost: peer.Host,
		TargetPort: peer.Port,
		Timestamp:  time.Now().Unix(),
	}
	if err := signEnvelope(auth, local); err != nil {
		conn.Close()
		return nil, err
	}
	if err := writeEnvelope(conn, auth); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send relay auth: %w", err)
	}

	resp, err := readEnvelope(conn, maxControlEnvelope)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read relay auth response: %w", err)
	}
	if resp.Type != EnvelopeAuthResponse {
		conn.Close()
		return nil, fmt.Errorf("unexpected relay envelope type %q during auth", resp.Type)
	}
	if !verifyEnvelope(resp, local, channel.RelayPublicKey) {
		conn.Close()
		return nil, ErrEnvelopeSignature
	}
	if !resp.Success {
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrRelayDenied, resp.Reason)
	}

	// Clear the auth deadline; the session layer manages its own.
	conn.SetDeadline(time.Time{})

	logrus.WithFields(logrus.Fields{
		"function":   "OpenTunnel",
		"relay":      channel.Addr(),
		"channel_id": channel.ChannelID,
		"peer_id":    peer.ID,
	}).Info("Relay tunnel established")

	return &TunnelConn{
		conn:      conn,
		channelID: channel.ChannelID,
		local:     local,
		peerKey:   peer.PublicKey,
	}, nil
}

// Write seals p to the peer and sends it as one signed DATA envelope.
func (t *TunnelConn) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	sealed, err := t.local.Encrypt(p, t.peerKey)
	if err != nil {
		return 0, fmt.Errorf("seal tunnel payload: %w", err)
	}

	e := &Envelope{
		Type:      EnvelopeData,
		ChannelID: t.channelID,
		Data:      sealed,
		Timestamp: time.Now().Unix(),
	}
	if err := signEnvelope(e, t.local); err != nil {
		return 0, err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := writeEnvelope(t.conn, e); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read returns the next decrypted DATA payload, buffering any remainder
// that does not fit in p. Stray control envelopes yield a zero-length
// read rather than an error so the caller's read loop keeps going.
func (t *TunnelConn) Read(p []byte) (int, error) {
	if len(t.readBuf) > 0 {
		n := copy(p, t.readBuf)
		t.readBuf = t.readBuf[n:]
		return n, nil
	}

	e, err := t.readFrame()
	if err != nil {
		return 0, err
	}

	if e.Type == EnvelopeDisconnect {
		return 0, net.ErrClosed
	}
	if e.Type != EnvelopeData {
		logrus.WithFields(logrus.Fields{
			"function": "Read",
			"type":     e.Type,
		}).Debug("Discarding non-data envelope on tunnel")
		return 0, nil
	}

	if !verifyEnvelope(e, t.local, t.peerKey) {
		// Drop the frame; a forged envelope must not surface as data.
		logrus.WithField("function", "Read").Warn("Dropping tunnel envelope with bad signature")
		return 0, nil
	}

	plain, err := t.local.Decrypt(e.Data)
	if err != nil {
		logrus.WithField("function", "Read").Warn("Dropping tunnel envelope that failed to decrypt")
		return 0, nil
	}

	n := copy(p, plain)
	if n < len(plain) {
		t.readBuf = append(t.readBuf[:0], plain[n:]...)
	}
	return n, nil
}

// readFrame reads one length-prefixed envelope, resuming from any
// partially-read prefix or payload left by a deadline-interrupted
// earlier call.
func (t *TunnelConn) readFrame() (*Envelope, error) {
	for t.prefixN < lengthPrefixSize {
		n, err := t.conn.Read(t.prefix[t.prefixN:])
		t.prefixN += n
		if err != nil {
			return nil, err
		}
	}

	if t.payload == nil {
		length := int(int32(binary.BigEndian.Uint32(t.prefix[:])))
		if length <= 0 {
			return nil, ErrEnvelopeEmpty
		}
		if length > maxDataEnvelope {
			return nil, ErrEnvelopeTooLarge
		}
		t.payload = make([]byte, length)
		t.payloadN = 0
	}

	for t.payloadN < len(t.payload) {
		n, err := t.conn.Read(t.payload[t.payloadN:])
		t.payloadN += n
		if err != nil {
			return nil, err
		}
	}

	raw := t.payload
	t.prefixN = 0
	t.payload = nil
	t.payloadN = 0

	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &e, nil
}

// Close sends a best-effort signed DISCONNECT envelope and closes the
// underlying socket. Failure to send never blocks the close.
func (t *TunnelConn) Close() error {
	t.closeOnce.Do(func() {
		bye := &Envelope{
			Type:      EnvelopeDisconnect,
			ChannelID: t.channelID,
			Timestamp: time.Now().Unix(),
		}
		if err := signEnvelope(bye, t.local); err == nil {
			t.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
			t.writeMu.Lock()
			_ = writeEnvelope(t.conn, bye)
			t.writeMu.Unlock()
		}
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

// LocalAddr returns the local address of the relay socket.
func (t *TunnelConn) LocalAddr() net.Addr { return t.conn.LocalAddr() }

// RemoteAddr returns the relay endpoint's address.
func (t *TunnelConn) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

// SetDeadline sets read and write deadlines on the relay socket.
func (t *TunnelConn) SetDeadline(d time.Time) error { return t.conn.SetDeadline(d) }

// SetReadDeadline sets the read deadline on the relay socket.
func (t *TunnelConn) SetReadDeadline(d time.Time) error { return t.conn.SetReadDeadline(d) }

// SetWriteDeadline sets the write deadline on the relay socket.
func (t *TunnelConn) SetWriteDeadline(d time.Time) error { return t.conn.SetWriteDeadline(d) }
