package verify

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Iriartelabs/survivalcomm/crypto"
)

// QRPayload is the identity bundle exchanged via QR code. The signature
// covers the JSON encoding of the payload with the Signature field empty.
type QRPayload struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	PublicKey   []byte `json:"publicKey"`
	Fingerprint string `json:"fingerprint"`
	Timestamp   int64  `json:"timestamp"`
	Signature   []byte `json:"signature,omitempty"`
}

var (
	// ErrFingerprintMismatch means the embedded fingerprint does not
	// match the embedded public key.
	ErrFingerprintMismatch = errors.New("verify: fingerprint does not match public key")

	// ErrIdentityMismatch means the payload describes a different peer
	// than expected.
	ErrIdentityMismatch = errors.New("verify: payload id does not match expected contact")

	// ErrBadSignature means the payload's self-signature is invalid.
	ErrBadSignature = errors.New("verify: payload signature invalid")
)

// NewQRPayload builds and signs the local identity's QR bundle.
func NewQRPayload(id, displayName string, c crypto.Crypto) (*QRPayload, error) {
	p := &QRPayload{
		ID:          id,
		DisplayName: displayName,
		PublicKey:   c.PublicKey(),
		Fingerprint: Fingerprint(c.PublicKey()),
		Timestamp:   time.Now().Unix(),
	}

	unsigned, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode qr payload: %w", err)
	}
	sig, err := c.Sign(unsigned)
	if err != nil {
		return nil, fmt.Errorf("sign qr payload: %w", err)
	}
	p.Signature = sig
	return p, nil
}

// Encode serializes the payload for QR rendering.
func (p *QRPayload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// VerifyQRPayload parses a scanned payload and validates it against the
// expected peer id. It recomputes the fingerprint from the embedded
// public key, checks it against the embedded fingerprint, and verifies
// the self-signature.
func VerifyQRPayload(data []byte, expectedID string, c crypto.Crypto) (*QRPayload, error) {
	var p QRPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode qr payload: %w", err)
	}

	if Fingerprint(p.PublicKey) != p.Fingerprint {
		logrus.WithFields(logrus.Fields{
			"function": "VerifyQRPayload",
			"peer_id":  p.ID,
		}).Warn("QR payload fingerprint mismatch")
		return nil, ErrFingerprintMismatch
	}

	if expectedID != "" && p.ID != expectedID {
		return nil, ErrIdentityMismatch
	}

	sig := p.Signature
	p.Signature = nil
	unsigned, err := json.Marshal(&p)
	p.Signature = sig
	if err != nil {
		return nil, fmt.Errorf("encode qr payload: %w", err)
	}
	if !c.Verify(unsigned, sig, p.PublicKey) {
		return nil, ErrBadSignature
	}

	return &p, nil
}
