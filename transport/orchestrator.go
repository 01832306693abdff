package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Iriartelabs/survivalcomm/crypto"
)

// ErrNoAddressHint means the peer has no known address, so only the
// relay strategy could apply.
var ErrNoAddressHint = errors.New("transport: no address hint for peer")

// Orchestrator tries connection strategies in order until one yields a
// usable byte stream: direct connect, UDP hole punch, TCP hole punch,
// relay tunnel.
type Orchestrator struct {
	cfg        Config
	localID    string
	local      crypto.Crypto
	discoverer Discoverer
	allocator  ChannelAllocator
}

// NewOrchestrator creates an orchestrator. discoverer and allocator may
// be nil, which disables the UDP-punch and relay stages respectively.
func NewOrchestrator(cfg Config, localID string, local crypto.Crypto, discoverer Discoverer, allocator ChannelAllocator) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg.withDefaults(),
		localID:    localID,
		local:      local,
		discoverer: discoverer,
		allocator:  allocator,
	}
}

// Establish attempts to reach the peer, first success wins. A
// *TraversalFailure return means every strategy failed; that is an
// expected outcome for unreachable peers, not an error to escalate, and
// it carries each stage's reason.
func (o *Orchestrator) Establish(ctx context.Context, peer Peer) (net.Conn, Kind, error) {
	failure := &TraversalFailure{PeerID: peer.ID}

	record := func(stage Kind, err error) {
		failure.Stages = append(failure.Stages, StageFailure{Stage: stage, Err: err})
		logrus.WithFields(logrus.Fields{
			"function": "Establish",
			"peer_id":  peer.ID,
			"stage":    stage.String(),
			"error":    err,
		}).Info("Traversal stage failed")
	}

	if peer.Host != "" && peer.Port > 0 {
		if conn, err := dialDirect(ctx, peer.Addr(), o.cfg.DirectTimeout); err == nil {
			logrus.WithFields(logrus.Fields{
				"function": "Establish",
				"peer_id":  peer.ID,
				"stage":    KindDirect.String(),
			}).Info("Connection established")
			return conn, KindDirect, nil
		} else {
			record(KindDirect, err)
		}

		if conn, err := o.tryUDPPunch(ctx, peer); err == nil {
			return conn, KindUDPHolePunch, nil
		} else {
			record(KindUDPHolePunch, err)
		}

		if conn, err := punchTCP(ctx, o.cfg, peer.Addr()); err == nil {
			return conn, KindTCPHolePunch, nil
		} else {
			record(KindTCPHolePunch, err)
		}
	} else {
		record(KindDirect, ErrNoAddressHint)
		record(KindUDPHolePunch, ErrNoAddressHint)
		record(KindTCPHolePunch, ErrNoAddressHint)
	}

	if conn, err := o.tryRelay(ctx, peer); err == nil {
		return conn, KindRelay, nil
	} else {
		record(KindRelay, err)
	}

	return nil, 0, failure
}

// tryUDPPunch discovers the external mapping, probes the peer over UDP,
// then retries a TCP connect twice: once right after the probes and once
// after a short settle, since some NATs take a moment to open the
// return path.
func (o *Orchestrator) tryUDPPunch(ctx context.Context, peer Peer) (net.Conn, error) {
	if o.discoverer == nil {
		return nil, errors.New("no endpoint discoverer configured")
	}

	mappedHost, mappedPort, err := o.discoverer.MappedAddress(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover mapped endpoint: %w", err)
	}

	if err := sendUDPProbes(ctx, o.cfg, peer, o.localID, mappedHost, mappedPort); err != nil {
		return nil, fmt.Errorf("send probes: %w", err)
	}

	if conn, err := dialDirect(ctx, peer.Addr(), o.cfg.DirectTimeout); err == nil {
		return conn, nil
	}

	select {
	case <-time.After(o.cfg.ProbeSettle):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	conn, err := dialDirect(ctx, peer.Addr(), o.cfg.DirectTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect after probing: %w", err)
	}
	return conn, nil
}

// tryRelay leases a channel from the allocation service and opens an
// authenticated tunnel through it.
func (o *Orchestrator) tryRelay(ctx context.Context, peer Peer) (net.Conn, error) {
	if o.allocator == nil {
		return nil, errors.New("no relay allocator configured")
	}

	relayCtx, cancel := context.WithTimeout(ctx, o.cfg.RelayTimeout)
	defer cancel()

	channel, err := o.allocator.AllocateChannel(relayCtx, peer.Host, peer.Port)
	if err != nil {
		return nil, fmt.Errorf("allocate relay channel: %w", err)
	}

	tunnel, err := OpenTunnel(relayCtx, channel, peer, o.local)
	if err != nil {
		return nil, err
	}
	return tunnel, nil
}
