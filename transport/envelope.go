package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/Iriartelabs/survivalcomm/crypto"
)

// EnvelopeType identifies relay protocol envelopes.
type EnvelopeType string

const (
	// EnvelopeAuth opens a channel: it carries the channel id and the
	// target the relay should forward to.
	EnvelopeAuth EnvelopeType = "auth"
	// EnvelopeAuthResponse is the relay's verdict on an auth envelope.
	EnvelopeAuthResponse EnvelopeType = "auth_response"
	// EnvelopeData carries encrypted application bytes.
	EnvelopeData EnvelopeType = "data"
	// EnvelopeDisconnect announces intentional teardown.
	EnvelopeDisconnect EnvelopeType = "disconnect"
)

// Envelope is the unit framed on a relay socket: a 4-byte big-endian
// length prefix followed by this JSON object. The signature covers the
// JSON encoding with the Signature field empty.
type Envelope struct {
	Type       EnvelopeType `json:"type"`
	ChannelID  string       `json:"channelId"`
	TargetHost string       `json:"targetHost,omitempty"`
	TargetPort int          `json:"targetPort,omitempty"`
	Data       []byte       `json:"data,omitempty"`
	Success    bool         `json:"success,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	Timestamp  int64        `json:"timestamp"`
	Signature  []byte       `json:"signature,omitempty"`
}

// Frame size bounds. Control envelopes are small; data envelopes carry
// sealed application bytes. Anything outside these bounds is treated as
// a corrupted or hostile stream.
const (
	maxControlEnvelope = 10 * 1024
	maxDataEnvelope    = 64 * 1024
	lengthPrefixSize   = 4
)

var (
	// ErrEnvelopeTooLarge means the length prefix exceeded the bound.
	ErrEnvelopeTooLarge = errors.New("transport: envelope exceeds size bound")

	// ErrEnvelopeEmpty means the length prefix was zero or negative.
	ErrEnvelopeEmpty = errors.New("transport: envelope length prefix not positive")

	// ErrEnvelopeSignature means an envelope's signature failed to verify.
	ErrEnvelopeSignature = errors.New("transport: envelope signature invalid")
)

// signEnvelope fills in the envelope's signature using the local key.
func signEnvelope(e *Envelope, c crypto.Crypto) error {
	e.Signature = nil
	unsigned, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	sig, err := c.Sign(unsigned)
	if err != nil {
		return fmt.Errorf("sign envelope: %w", err)
	}
	e.Signature = sig
	return nil
}

// verifyEnvelope checks the envelope's signature against signerKey.
func verifyEnvelope(e *Envelope, c crypto.Crypto, signerKey []byte) bool {
	sig := e.Signature
	e.Signature = nil
	unsigned, err := json.Marshal(e)
	e.Signature = sig
	if err != nil {
		return false
	}
	return c.Verify(unsigned, sig, signerKey)
}

// writeEnvelope frames and writes one envelope.
func writeEnvelope(w io.Writer, e *Envelope) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if len(payload) > maxDataEnvelope {
		return ErrEnvelopeTooLarge
	}

	buf := make([]byte, lengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf[:lengthPrefixSize], uint32(len(payload)))
	copy(buf[lengthPrefixSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// readEnvelope reads one length-prefixed envelope, looping until the
// full payload arrives or the stream closes. The length is bounds
// checked before any payload allocation.
func readEnvelope(r io.Reader, maxSize int) (*Envelope, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	length := int(int32(binary.BigEndian.Uint32(prefix[:])))
	if length <= 0 {
		return nil, ErrEnvelopeEmpty
	}
	if length > maxSize {
		return nil, ErrEnvelopeTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read envelope payload: %w", err)
	}

	var e Envelope
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &e, nil
}
