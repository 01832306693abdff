package verify

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Iriartelabs/survivalcomm/crypto"
)

// State represents the verification state of a peer.
type State uint8

const (
	// StateUnverified means no verification has been attempted.
	StateUnverified State = iota
	// StatePending means a challenge is in flight.
	StatePending
	// StateVerified means the peer's key passed challenge-response.
	StateVerified
	// StateFailed means the last challenge failed. Retriable.
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateUnverified:
		return "unverified"
	case StatePending:
		return "pending"
	case StateVerified:
		return "verified"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// NonceSize is the size of a challenge nonce in bytes.
const NonceSize = 32

// defaultChallengeTTL bounds how long a challenge stays answerable.
const defaultChallengeTTL = 2 * time.Minute

var (
	// ErrChallengeExpired means the peer answered too late.
	ErrChallengeExpired = errors.New("verify: challenge expired")

	// ErrUnknownSession means no challenge with that id is pending.
	ErrUnknownSession = errors.New("verify: unknown challenge session")

	// ErrNotPending means the session is not awaiting a response.
	ErrNotPending = errors.New("verify: session not pending")
)

// Session tracks one in-flight challenge toward a single peer.
type Session struct {
	ID          string
	PeerID      string
	Nonce       []byte
	State       State
	IssuedAt    time.Time
	ExpiresAt   time.Time
	fingerprint string
}

// Challenger issues challenges and judges responses. The expected
// fingerprint for each peer id must have been recorded earlier (first
// contact or QR exchange); a response key that signs correctly but does
// not match that fingerprint is still a failure.
type Challenger struct {
	local    crypto.Crypto
	ttl      time.Duration
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewChallenger creates a Challenger using the local identity.
func NewChallenger(local crypto.Crypto) *Challenger {
	return &Challenger{
		local:    local,
		ttl:      defaultChallengeTTL,
		sessions: make(map[string]*Session),
	}
}

// Begin creates a new challenge for peerID whose key fingerprint was
// previously recorded as expectedFingerprint. The returned session's
// nonce is sent to the peer for signing.
func (c *Challenger) Begin(peerID, expectedFingerprint string) (*Session, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate challenge nonce: %w", err)
	}

	now := time.Now()
	s := &Session{
		ID:          uuid.New().String(),
		PeerID:      peerID,
		Nonce:       nonce,
		State:       StatePending,
		IssuedAt:    now,
		ExpiresAt:   now.Add(c.ttl),
		fingerprint: expectedFingerprint,
	}

	c.mu.Lock()
	c.sessions[s.ID] = s
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Begin",
		"peer_id":  peerID,
		"session":  s.ID,
	}).Info("Started verification challenge")

	return s.clone(), nil
}

// clone copies a session so callers never share the tracked instance.
func (s *Session) clone() *Session {
	out := *s
	out.Nonce = append([]byte(nil), s.Nonce...)
	return &out
}

// Respond signs a received challenge nonce with the local key. Run on
// the peer being verified.
func Respond(nonce []byte, local crypto.Crypto) ([]byte, error) {
	if len(nonce) < NonceSize {
		return nil, fmt.Errorf("verify: challenge nonce too short: %d bytes", len(nonce))
	}
	return local.Sign(nonce)
}

// Complete judges the peer's signed response. Both conditions must
// hold for VERIFIED: the signature checks out against responseKey, and
// responseKey's fingerprint matches the one recorded for the peer.
// On failure the session moves to FAILED and may be retried via Retry.
func (c *Challenger) Complete(sessionID string, signature, responseKey []byte) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return StateUnverified, ErrUnknownSession
	}
	if s.State != StatePending {
		return s.State, ErrNotPending
	}
	if time.Now().After(s.ExpiresAt) {
		s.State = StateFailed
		return s.State, ErrChallengeExpired
	}

	sigOK := c.local.Verify(s.Nonce, signature, responseKey)
	fpOK := Fingerprint(responseKey) == s.fingerprint

	if sigOK && fpOK {
		s.State = StateVerified
	} else {
		logrus.WithFields(logrus.Fields{
			"function":       "Complete",
			"peer_id":        s.PeerID,
			"signature_ok":   sigOK,
			"fingerprint_ok": fpOK,
		}).Warn("Verification challenge failed")
		s.State = StateFailed
	}
	return s.State, nil
}

// Retry returns a FAILED session to PENDING with a fresh nonce and
// deadline. Sessions in any other state are left untouched.
func (c *Challenger) Retry(sessionID string) (*Session, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate challenge nonce: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	if s.State != StateFailed {
		return nil, fmt.Errorf("verify: cannot retry session in state %s", s.State)
	}

	now := time.Now()
	s.Nonce = nonce
	s.State = StatePending
	s.IssuedAt = now
	s.ExpiresAt = now.Add(c.ttl)
	return s.clone(), nil
}

// Session returns a copy of the tracked session by id, or nil.
func (c *Challenger) Session(sessionID string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return nil
	}
	return s.clone()
}
