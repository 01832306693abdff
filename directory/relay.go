package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Iriartelabs/survivalcomm/crypto"
	"github.com/Iriartelabs/survivalcomm/transport"
)

// allocateRequest is the signed channel allocation request. The
// signature is computed over the JSON encoding with Signature nil.
type allocateRequest struct {
	UserID     string `json:"userId"`
	TargetHost string `json:"targetHost"`
	TargetPort int    `json:"targetPort"`
	Timestamp  int64  `json:"timestamp"`
	Signature  []byte `json:"signature,omitempty"`
}

type allocateResponse struct {
	ChannelID      string `json:"channelId"`
	RelayHost      string `json:"relayHost"`
	RelayPort      int    `json:"relayPort"`
	RelayPublicKey []byte `json:"relayPublicKey"`
	Expiry         int64  `json:"expiry"`
}

// Allocator requests relay channels from the allocation server. It
// satisfies transport.ChannelAllocator.
type Allocator struct {
	Base   string
	UserID string
	Crypto crypto.Crypto
	HTTP   *http.Client
}

// NewAllocator creates an allocator bound to the given identity.
func NewAllocator(base, userID string, c crypto.Crypto) *Allocator {
	return &Allocator{
		Base:   base,
		UserID: userID,
		Crypto: c,
		HTTP:   &http.Client{Timeout: 15 * time.Second},
	}
}

// AllocateChannel requests a relay channel toward the given peer
// address.
func (a *Allocator) AllocateChannel(ctx context.Context, targetHost string, targetPort int) (*transport.RelayChannel, error) {
	req := allocateRequest{
		UserID:     a.UserID,
		TargetHost: targetHost,
		TargetPort: targetPort,
		Timestamp:  time.Now().Unix(),
	}

	unsigned, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode allocate request: %w", err)
	}
	sig, err := a.Crypto.Sign(unsigned)
	if err != nil {
		return nil, fmt.Errorf("sign allocate request: %w", err)
	}
	req.Signature = sig

	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode allocate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Base+"/relay/allocate", bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.HTTP.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return nil, transport.ErrRelayDenied
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay: allocate returned %s", resp.Status)
	}

	var out allocateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode allocate response: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "AllocateChannel",
		"channelID": out.ChannelID,
		"relayHost": out.RelayHost,
	}).Debug("Relay channel allocated")

	return &transport.RelayChannel{
		ChannelID:      out.ChannelID,
		Host:           out.RelayHost,
		Port:           out.RelayPort,
		RelayPublicKey: out.RelayPublicKey,
		Expiry:         time.Unix(out.Expiry, 0),
	}, nil
}
