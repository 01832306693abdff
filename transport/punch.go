package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// probe is the datagram sent during UDP hole punching. It describes the
// sender's externally-mapped endpoint so a cooperative peer can answer
// through the hole.
type probe struct {
	Type   string `json:"type"`
	PeerID string `json:"peerId"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
}

// sendUDPProbes fires cfg.ProbeCount datagrams at the peer's hinted
// address, spaced cfg.ProbeInterval apart. Many NATs open a return path
// for the probed 5-tuple, which a follow-up TCP connect can ride.
func sendUDPProbes(ctx context.Context, cfg Config, peer Peer, localID, mappedHost string, mappedPort int) error {
	raddr, err := net.ResolveUDPAddr("udp", peer.Addr())
	if err != nil {
		return fmt.Errorf("resolve peer address: %w", err)
	}

	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return fmt.Errorf("open probe socket: %w", err)
	}
	defer conn.Close()

	payload, err := json.Marshal(probe{
		Type:   "punch",
		PeerID: localID,
		Host:   mappedHost,
		Port:   mappedPort,
	})
	if err != nil {
		return fmt.Errorf("encode probe: %w", err)
	}

	for i := 0; i < cfg.ProbeCount; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := conn.WriteTo(payload, raddr); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "sendUDPProbes",
				"peer_id":  peer.ID,
				"attempt":  i + 1,
				"error":    err,
			}).Debug("UDP probe send failed")
		}

		if i < cfg.ProbeCount-1 {
			select {
			case <-time.After(cfg.ProbeInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// dialDirect opens a plain TCP connection with a bounded connect
// timeout. Success means the stream became writable before the deadline.
func dialDirect(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// punchTCP repeatedly dials the peer with a fresh socket per attempt,
// the local port pinned and address reuse enabled, relying on the
// simultaneous-open behavior of cooperative NATs.
func punchTCP(ctx context.Context, cfg Config, addr string) (net.Conn, error) {
	var lastErr error
	for i := 0; i < cfg.PunchAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		dialer := &net.Dialer{
			Timeout: cfg.DirectTimeout,
			Control: reuseAddrControl,
		}
		if cfg.LocalPunchPort > 0 {
			dialer.LocalAddr = &net.TCPAddr{Port: cfg.LocalPunchPort}
		}

		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			logrus.WithFields(logrus.Fields{
				"function": "punchTCP",
				"addr":     addr,
				"attempt":  i + 1,
			}).Info("TCP hole punch succeeded")
			return conn, nil
		}
		lastErr = err

		if i < cfg.PunchAttempts-1 {
			select {
			case <-time.After(cfg.PunchDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("tcp hole punch exhausted %d attempts: %w", cfg.PunchAttempts, lastErr)
}
