package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"
)

// Discoverer reports this device's externally-mapped UDP endpoint as
// seen from outside the NAT.
type Discoverer interface {
	MappedAddress(ctx context.Context) (host string, port int, err error)
}

// STUN protocol constants as defined in RFC 5389.
const (
	stunMagicCookie = 0x2112A442
	stunHeaderSize  = 20

	stunBindingRequest  = 0x0001
	stunBindingResponse = 0x0101

	stunAttrMappedAddress    = 0x0001
	stunAttrXorMappedAddress = 0x0020
)

// STUNClient discovers the public address mapping via external STUN
// servers, trying each in turn until one answers.
type STUNClient struct {
	servers []string
	timeout time.Duration
}

// NewSTUNClient creates a STUN client with default public servers.
func NewSTUNClient() *STUNClient {
	return &STUNClient{
		servers: []string{
			"stun.l.google.com:19302",
			"stun1.l.google.com:19302",
			"stun.cloudflare.com:3478",
		},
		timeout: 5 * time.Second,
	}
}

// NewSTUNClientWithServers creates a STUN client with a custom server list.
func NewSTUNClientWithServers(servers []string) *STUNClient {
	return &STUNClient{servers: servers, timeout: 5 * time.Second}
}

// MappedAddress queries the configured STUN servers for this device's
// external address.
func (sc *STUNClient) MappedAddress(ctx context.Context) (string, int, error) {
	var lastErr error
	for _, server := range sc.servers {
		host, port, err := sc.query(ctx, server)
		if err == nil {
			return host, port, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return "", 0, ctx.Err()
		default:
		}
	}
	return "", 0, fmt.Errorf("all STUN servers failed, last error: %w", lastErr)
}

func (sc *STUNClient) query(ctx context.Context, server string) (string, int, error) {
	dialer := &net.Dialer{Timeout: sc.timeout}
	conn, err := dialer.DialContext(ctx, "udp", server)
	if err != nil {
		return "", 0, fmt.Errorf("connect to STUN server %s: %w", server, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(sc.timeout))
	}

	var transactionID [12]byte
	if _, err := rand.Read(transactionID[:]); err != nil {
		return "", 0, fmt.Errorf("generate transaction id: %w", err)
	}

	if err := sendBindingRequest(conn, transactionID); err != nil {
		return "", 0, err
	}
	return receiveBindingResponse(conn, transactionID)
}

func sendBindingRequest(conn net.Conn, transactionID [12]byte) error {
	msg := make([]byte, stunHeaderSize)
	binary.BigEndian.PutUint16(msg[0:2], stunBindingRequest)
	binary.BigEndian.PutUint16(msg[2:4], 0) // no attributes
	binary.BigEndian.PutUint32(msg[4:8], stunMagicCookie)
	copy(msg[8:20], transactionID[:])

	if _, err := conn.Write(msg); err != nil {
		return fmt.Errorf("send binding request: %w", err)
	}
	return nil
}

func receiveBindingResponse(conn net.Conn, transactionID [12]byte) (string, int, error) {
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		return "", 0, fmt.Errorf("read binding response: %w", err)
	}
	if n < stunHeaderSize {
		return "", 0, errors.New("binding response too short")
	}

	msgType := binary.BigEndian.Uint16(buf[0:2])
	if msgType != stunBindingResponse {
		return "", 0, fmt.Errorf("unexpected STUN message type 0x%04x", msgType)
	}
	if binary.BigEndian.Uint32(buf[4:8]) != stunMagicCookie {
		return "", 0, errors.New("bad magic cookie in binding response")
	}
	var respID [12]byte
	copy(respID[:], buf[8:20])
	if respID != transactionID {
		return "", 0, errors.New("transaction id mismatch in binding response")
	}

	return parseMappedAddress(buf[stunHeaderSize:n], transactionID)
}

// parseMappedAddress walks the response attributes looking for
// XOR-MAPPED-ADDRESS (preferred) or MAPPED-ADDRESS.
func parseMappedAddress(attrs []byte, transactionID [12]byte) (string, int, error) {
	for len(attrs) >= 4 {
		attrType := binary.BigEndian.Uint16(attrs[0:2])
		attrLen := int(binary.BigEndian.Uint16(attrs[2:4]))
		if len(attrs) < 4+attrLen {
			break
		}
		value := attrs[4 : 4+attrLen]

		switch attrType {
		case stunAttrXorMappedAddress:
			return decodeAddress(value, true, transactionID)
		case stunAttrMappedAddress:
			return decodeAddress(value, false, transactionID)
		}

		// Attributes are padded to 4-byte boundaries.
		advance := 4 + (attrLen+3)/4*4
		if advance > len(attrs) {
			break
		}
		attrs = attrs[advance:]
	}
	return "", 0, errors.New("no mapped address attribute in binding response")
}

func decodeAddress(value []byte, xored bool, transactionID [12]byte) (string, int, error) {
	if len(value) < 8 {
		return "", 0, errors.New("mapped address attribute too short")
	}

	family := value[1]
	port := int(binary.BigEndian.Uint16(value[2:4]))

	var ipLen int
	switch family {
	case 0x01:
		ipLen = 4
	case 0x02:
		ipLen = 16
	default:
		return "", 0, fmt.Errorf("unknown address family 0x%02x", family)
	}
	if len(value) < 4+ipLen {
		return "", 0, errors.New("mapped address attribute truncated")
	}

	ip := make(net.IP, ipLen)
	copy(ip, value[4:4+ipLen])

	if xored {
		port ^= stunMagicCookie >> 16
		var mask [16]byte
		binary.BigEndian.PutUint32(mask[0:4], stunMagicCookie)
		copy(mask[4:], transactionID[:])
		for i := range ip {
			ip[i] ^= mask[i]
		}
	}

	return ip.String(), port, nil
}
