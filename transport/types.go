// Package transport implements connection establishment between peers:
// direct TCP, UDP and TCP hole punching, and the relay tunnel fallback.
//
// The orchestrator tries each strategy in order and returns the first
// byte stream that works; the session package takes over from there.
package transport

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies how a connection to a peer was established.
type Kind uint8

const (
	// KindDirect is a plain TCP connection to the peer's address.
	KindDirect Kind = iota
	// KindUDPHolePunch is a TCP connection opened after UDP probing.
	KindUDPHolePunch
	// KindTCPHolePunch is a TCP simultaneous-open connection.
	KindTCPHolePunch
	// KindRelay is a tunnel through a relay server.
	KindRelay
)

// String returns the strategy name.
func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindUDPHolePunch:
		return "udp_holepunch"
	case KindTCPHolePunch:
		return "tcp_holepunch"
	case KindRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// Peer is the addressing information needed to reach a contact.
type Peer struct {
	ID        string
	PublicKey []byte
	Host      string
	Port      int
}

// Addr formats the peer's hinted address.
func (p Peer) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// StageFailure records why one traversal strategy failed.
type StageFailure struct {
	Stage Kind
	Err   error
}

// TraversalFailure aggregates the failure of every strategy. It is an
// expected outcome for unreachable peers, not an exceptional one; the
// delivery manager records it and falls back to the server path.
type TraversalFailure struct {
	PeerID string
	Stages []StageFailure
}

// Error implements the error interface.
func (f *TraversalFailure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "all traversal strategies failed for peer %s", f.PeerID)
	for _, s := range f.Stages {
		fmt.Fprintf(&b, "; %s: %v", s.Stage, s.Err)
	}
	return b.String()
}

// RelayChannel is an ephemeral lease on a relay server obtained from
// the allocation service.
type RelayChannel struct {
	ChannelID      string
	Host           string
	Port           int
	RelayPublicKey []byte
	Expiry         time.Time
}

// Addr formats the relay endpoint address.
func (c *RelayChannel) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Config holds the orchestrator's stage parameters. Zero values take
// the defaults below.
type Config struct {
	// DirectTimeout bounds a single TCP connect attempt.
	DirectTimeout time.Duration
	// ProbeCount is how many UDP probe datagrams to send.
	ProbeCount int
	// ProbeInterval is the spacing between UDP probes.
	ProbeInterval time.Duration
	// ProbeSettle is the pause before the second post-probe connect.
	ProbeSettle time.Duration
	// PunchAttempts is how many TCP simultaneous-open dials to try.
	PunchAttempts int
	// PunchDelay is the pause between TCP punch attempts.
	PunchDelay time.Duration
	// RelayTimeout bounds the relay allocation and auth exchange.
	RelayTimeout time.Duration
	// LocalPunchPort pins the local TCP port used for hole punching so
	// both sides can dial through the same mapping. 0 means ephemeral.
	LocalPunchPort int
}

func (c Config) withDefaults() Config {
	if c.DirectTimeout <= 0 {
		c.DirectTimeout = 5 * time.Second
	}
	if c.ProbeCount <= 0 {
		c.ProbeCount = 5
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 200 * time.Millisecond
	}
	if c.ProbeSettle <= 0 {
		c.ProbeSettle = time.Second
	}
	if c.PunchAttempts <= 0 {
		c.PunchAttempts = 5
	}
	if c.PunchDelay <= 0 {
		c.PunchDelay = 500 * time.Millisecond
	}
	if c.RelayTimeout <= 0 {
		c.RelayTimeout = 10 * time.Second
	}
	return c
}
