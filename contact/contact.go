// Package contact tracks known peers: their public keys, last known
// network addresses, and verification state.
package contact

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Peer is the identity record for a known contact. Records are never
// physically deleted, only marked stale.
type Peer struct {
	ID          string
	DisplayName string
	PublicKey   []byte
	Host        string
	Port        int
	UpdatedAt   time.Time
	Verified    bool
	Verifying   bool
	Stale       bool
}

// HasAddress reports whether a last-known address is recorded.
func (p *Peer) HasAddress() bool {
	return p.Host != "" && p.Port > 0
}

// Registry is a concurrent peer table keyed by peer id.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*Peer)}
}

// Get returns a copy of the peer record, or nil if unknown.
func (r *Registry) Get(id string) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// Upsert records a peer observation. Address and display name updates
// are last-write-wins by observation timestamp: an older observation
// never overwrites a newer one. The public key is only set on first
// contact; a changed key must go through verification instead.
func (r *Registry) Upsert(id, displayName string, publicKey []byte, host string, port int, observedAt time.Time) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		p = &Peer{ID: id, PublicKey: append([]byte(nil), publicKey...)}
		r.peers[id] = p
		logrus.WithFields(logrus.Fields{
			"function": "Upsert",
			"peer_id":  id,
		}).Info("Recorded new contact")
	}

	if observedAt.After(p.UpdatedAt) {
		if displayName != "" {
			p.DisplayName = displayName
		}
		if host != "" && port > 0 {
			p.Host = host
			p.Port = port
		}
		p.UpdatedAt = observedAt
		p.Stale = false
	}

	cp := *p
	return &cp
}

// SetVerification updates the verification flags for a peer.
func (r *Registry) SetVerification(id string, verified, inProgress bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok {
		p.Verified = verified
		p.Verifying = inProgress
	}
}

// MarkStale flags a peer's address as no longer trustworthy without
// removing the record.
func (r *Registry) MarkStale(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok {
		p.Stale = true
	}
}

// All returns copies of every peer record.
func (r *Registry) All() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		cp := *p
		out = append(out, &cp)
	}
	return out
}
