// Package directory implements the HTTP clients for the two consumed
// services: the directory/location server (peer lookup, offline message
// store, delivery status) and the relay allocation server.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// PeerLocation is the directory's view of a peer.
type PeerLocation struct {
	ID        string `json:"id"`
	PublicKey []byte `json:"publicKey"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	LastSeen  int64  `json:"lastSeen"`
}

// StatusEntry is one message's server-side delivery status.
type StatusEntry struct {
	MessageID   string `json:"messageId"`
	Status      string `json:"status"`
	DeliveredAt int64  `json:"deliveredAt,omitempty"`
	ReadAt      int64  `json:"readAt,omitempty"`
}

// Client talks to the directory server.
type Client struct {
	Base string
	HTTP *http.Client
}

// NewClient creates a directory client for the given base URL.
func NewClient(base string) *Client {
	return &Client{
		Base: base,
		HTTP: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Base+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("directory: %s returned %s", path, resp.Status)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Locate looks up a peer by username. A nil result with nil error means
// the directory does not know the peer.
func (c *Client) Locate(ctx context.Context, username string) (*PeerLocation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Base+"/locate/"+username, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory: locate returned %s", resp.Status)
	}

	var loc PeerLocation
	if err := json.NewDecoder(resp.Body).Decode(&loc); err != nil {
		return nil, fmt.Errorf("decode location: %w", err)
	}
	return &loc, nil
}

// UpdateLocation publishes this device's current address.
func (c *Client) UpdateLocation(ctx context.Context, userID, host string, port int) error {
	return c.postJSON(ctx, "/location", map[string]any{
		"userId": userID,
		"host":   host,
		"port":   port,
	}, nil)
}

// StoreOfflineMessage hands an already-encrypted payload to the server
// for later delivery. Returns whether the server accepted it.
func (c *Client) StoreOfflineMessage(ctx context.Context, senderID, recipient string, ciphertext []byte, kind string, timestamp time.Time) (bool, error) {
	var out struct {
		Accepted bool `json:"accepted"`
	}
	err := c.postJSON(ctx, "/messages/offline", map[string]any{
		"senderId":   senderID,
		"recipient":  recipient,
		"ciphertext": ciphertext,
		"kind":       kind,
		"timestamp":  timestamp.Unix(),
	}, &out)
	if err != nil {
		return false, err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "StoreOfflineMessage",
		"recipient": recipient,
		"accepted":  out.Accepted,
	}).Debug("Offline store attempt")

	return out.Accepted, nil
}

// ConfirmReceived tells the server a message reached this device.
func (c *Client) ConfirmReceived(ctx context.Context, messageID string) error {
	return c.postJSON(ctx, "/messages/"+messageID+"/received", struct{}{}, nil)
}

// MarkRead tells the server a message was read on this device.
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	return c.postJSON(ctx, "/messages/"+messageID+"/read", struct{}{}, nil)
}

// CheckStatus fetches the server's delivery status for the given
// message ids.
func (c *Client) CheckStatus(ctx context.Context, messageIDs []string) ([]StatusEntry, error) {
	var out []StatusEntry
	err := c.postJSON(ctx, "/messages/status", map[string]any{"messageIds": messageIDs}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}
