// Package session implements the peer wire protocol spoken over any
// established byte stream: the signed handshake, newline-delimited JSON
// message framing, keep-alive, and the per-peer connection table.
package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// FrameType identifies a wire frame.
type FrameType string

const (
	// FrameHandshake opens a session and carries the sender's identity.
	FrameHandshake FrameType = "handshake"
	// FrameHandshakeResponse answers a handshake with the responder's identity.
	FrameHandshakeResponse FrameType = "handshake_response"
	// FrameChatMessage delivers an encrypted application message.
	FrameChatMessage FrameType = "chat_message"
	// FrameDeliveryReceipt confirms a chat message arrived.
	FrameDeliveryReceipt FrameType = "delivery_receipt"
	// FrameReadReceipt confirms a chat message was read.
	FrameReadReceipt FrameType = "read_receipt"
	// FramePing probes liveness.
	FramePing FrameType = "ping"
	// FramePong answers a ping.
	FramePong FrameType = "pong"
	// FrameDisconnect announces intentional close.
	FrameDisconnect FrameType = "disconnect"
)

// Frame is one logical message: a single JSON object terminated by a
// newline. Binary fields are base64 via encoding/json.
type Frame struct {
	Type        FrameType `json:"type"`
	PeerID      string    `json:"peerId,omitempty"`
	DisplayName string    `json:"displayName,omitempty"`
	PublicKey   []byte    `json:"publicKey,omitempty"`
	MessageID   string    `json:"messageId,omitempty"`
	Ciphertext  []byte    `json:"ciphertext,omitempty"`
	Kind        string    `json:"kind,omitempty"`
	Timestamp   int64     `json:"timestamp"`
	Signature   []byte    `json:"signature,omitempty"`
}

// maxFrameSize bounds one encoded frame, ciphertext included.
const maxFrameSize = 256 * 1024

// ErrFrameTooLong means a peer sent a frame past the size bound. The
// connection is abandoned defensively.
var ErrFrameTooLong = errors.New("session: frame exceeds size bound")

// encodeFrame renders a frame as one newline-terminated JSON line.
func encodeFrame(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if len(data) > maxFrameSize {
		return nil, ErrFrameTooLong
	}
	return append(data, '\n'), nil
}

// lineReader accumulates bytes from a connection and yields one line at
// a time. Read deadlines fire regularly so the caller can notice a stop
// request; a timeout preserves the partial line and is not an error.
type lineReader struct {
	conn    net.Conn
	timeout time.Duration
	buf     []byte
	tmp     []byte
}

func newLineReader(conn net.Conn, timeout time.Duration) *lineReader {
	return &lineReader{
		conn:    conn,
		timeout: timeout,
		tmp:     make([]byte, 4096),
	}
}

// errDeadline is returned by next when its absolute deadline passes.
var errDeadline = errors.New("session: read deadline exceeded")

// next returns the next complete line, blocking until one arrives, the
// stream fails, stop is closed, or the absolute deadline (if non-zero)
// passes. Per-read timeouts keep the loop responsive to all three.
func (lr *lineReader) next(stop <-chan struct{}, deadline time.Time) (*Frame, error) {
	for {
		if i := bytes.IndexByte(lr.buf, '\n'); i >= 0 {
			line := lr.buf[:i]
			lr.buf = lr.buf[i+1:]
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var f Frame
			if err := json.Unmarshal(line, &f); err != nil {
				return nil, fmt.Errorf("decode frame: %w", err)
			}
			return &f, nil
		}
		if len(lr.buf) > maxFrameSize {
			return nil, ErrFrameTooLong
		}

		select {
		case <-stop:
			return nil, net.ErrClosed
		default:
		}

		lr.conn.SetReadDeadline(time.Now().Add(lr.timeout))
		n, err := lr.conn.Read(lr.tmp)
		if n > 0 {
			lr.buf = append(lr.buf, lr.tmp[:n]...)
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if !deadline.IsZero() && time.Now().After(deadline) {
					return nil, errDeadline
				}
				continue
			}
			return nil, err
		}
	}
}
