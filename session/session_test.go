package session

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iriartelabs/survivalcomm/crypto"
	"github.com/Iriartelabs/survivalcomm/transport"
)

type event struct {
	peerID    string
	messageID string
	payload   []byte
	reason    error
}

// recorder is a channel-backed Events sink for tests.
type recorder struct {
	messages  chan event
	delivered chan event
	read      chan event
	closed    chan event
}

func newRecorder() *recorder {
	return &recorder{
		messages:  make(chan event, 8),
		delivered: make(chan event, 8),
		read:      make(chan event, 8),
		closed:    make(chan event, 8),
	}
}

func (r *recorder) MessageReceived(peerID, messageID string, ciphertext []byte, at time.Time) {
	r.messages <- event{peerID: peerID, messageID: messageID, payload: ciphertext}
}

func (r *recorder) DeliveryReceipt(peerID, messageID string, at time.Time) {
	r.delivered <- event{peerID: peerID, messageID: messageID}
}

func (r *recorder) ReadReceipt(peerID, messageID string, at time.Time) {
	r.read <- event{peerID: peerID, messageID: messageID}
}

func (r *recorder) ConnectionClosed(peerID string, reason error) {
	r.closed <- event{peerID: peerID, reason: reason}
}

func waitEvent(t *testing.T, ch chan event, what string) event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return event{}
	}
}

// handshakePair establishes a session over net.Pipe and returns both
// sides with their event recorders.
func handshakePair(t *testing.T) (*Connection, *Connection, *recorder, *recorder) {
	t.Helper()
	alice, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	bob, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	connA, connB := net.Pipe()
	recA := newRecorder()
	recB := newRecorder()

	type result struct {
		c   *Connection
		err error
	}
	respCh := make(chan result, 1)
	go func() {
		c, err := Respond(connB, transport.KindDirect, "bob", "Bob", bob, recB)
		respCh <- result{c, err}
	}()

	ca, err := Initiate(connA, transport.KindDirect, "alice", "Alice", alice, recA)
	require.NoError(t, err)

	resp := <-respCh
	require.NoError(t, resp.err)

	t.Cleanup(func() {
		ca.Close()
		resp.c.Close()
	})
	return ca, resp.c, recA, recB
}

func TestHandshakeBothSidesOpen(t *testing.T) {
	ca, cb, _, _ := handshakePair(t)

	assert.Equal(t, StateOpen, ca.State())
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, "bob", ca.PeerID())
	assert.Equal(t, "alice", cb.PeerID())
	assert.Equal(t, "Bob", ca.PeerName())
	assert.Equal(t, transport.KindDirect, ca.Kind())
	assert.NotEmpty(t, ca.PeerKey())
}

func TestHandshakeRejectsTamperedIdentity(t *testing.T) {
	alice, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	mallory, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	// Mallory forwards a handshake claiming alice's id but signed with
	// her own key over a substituted public key.
	go func() {
		f, _ := signedHandshake(FrameHandshake, "alice", "Alice", mallory)
		f.PublicKey = alice.PublicKey() // key substitution after signing
		data, _ := encodeFrame(f)
		connA.Write(data)
	}()

	bob, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	_, err = Respond(connB, transport.KindDirect, "bob", "Bob", bob, nil)
	assert.ErrorIs(t, err, ErrHandshakeSignature)
}

func TestChatMessageAutoReceipt(t *testing.T) {
	ca, cb, recA, recB := handshakePair(t)
	ca.Start()
	cb.Start()

	require.NoError(t, ca.SendChat("msg-1", []byte("sealed"), "text"))

	got := waitEvent(t, recB.messages, "message on bob's side")
	assert.Equal(t, "alice", got.peerID)
	assert.Equal(t, "msg-1", got.messageID)
	assert.Equal(t, []byte("sealed"), got.payload)

	// The delivery receipt comes back automatically.
	receipt := waitEvent(t, recA.delivered, "delivery receipt on alice's side")
	assert.Equal(t, "msg-1", receipt.messageID)
}

func TestReadReceiptPropagates(t *testing.T) {
	ca, cb, recA, _ := handshakePair(t)
	ca.Start()
	cb.Start()

	require.NoError(t, cb.SendReadReceipt("msg-7"))

	got := waitEvent(t, recA.read, "read receipt on alice's side")
	assert.Equal(t, "bob", got.peerID)
	assert.Equal(t, "msg-7", got.messageID)
}

func TestDisconnectClosesBothSides(t *testing.T) {
	ca, cb, _, recB := handshakePair(t)
	ca.Start()
	cb.Start()

	require.NoError(t, ca.Close())

	closed := waitEvent(t, recB.closed, "close notification on bob's side")
	assert.Equal(t, "alice", closed.peerID)
	assert.Nil(t, closed.reason)
	assert.Equal(t, StateClosed, ca.State())

	require.Eventually(t, func() bool { return cb.State() == StateClosed },
		5*time.Second, 10*time.Millisecond)
}

func TestSendOnClosedConnection(t *testing.T) {
	ca, cb, _, _ := handshakePair(t)
	ca.Start()
	cb.Start()

	require.NoError(t, ca.Close())
	err := ca.SendChat("msg-1", []byte("x"), "text")
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestTableRejectsImplicitDuplicate(t *testing.T) {
	table := NewTable(TableConfig{})

	ca1, cb1, _, _ := handshakePair(t)
	ca2, cb2, _, _ := handshakePair(t)
	cb1.Start()
	cb2.Start()

	// Both connections authenticated the same logical peer id.
	require.NoError(t, table.Add(ca1))
	err := table.Add(ca2)
	assert.ErrorIs(t, err, ErrAlreadyConnected)
	assert.Equal(t, 1, table.Len())
	assert.Equal(t, StateClosed, ca2.State())
	assert.Same(t, ca1, table.Get("bob"))
}

func TestTableConcurrentAddSingleEntry(t *testing.T) {
	table := NewTable(TableConfig{})

	conns := make([]*Connection, 8)
	for i := range conns {
		c, partner, _, _ := handshakePair(t)
		partner.Start()
		conns[i] = c
	}

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			table.Add(c)
		}(c)
	}
	wg.Wait()

	assert.Equal(t, 1, table.Len())
}

func TestTableReplaceClosesOld(t *testing.T) {
	table := NewTable(TableConfig{})

	ca1, cb1, _, _ := handshakePair(t)
	ca2, cb2, _, _ := handshakePair(t)
	cb1.Start()
	cb2.Start()

	require.NoError(t, table.Add(ca1))
	table.Replace(ca2)

	assert.Equal(t, 1, table.Len())
	assert.Same(t, ca2, table.Get("bob"))
	assert.Equal(t, StateClosed, ca1.State())
}

// futureClock reports a time offset into the future.
type futureClock struct {
	RealTimeProvider
	offset time.Duration
}

func (f futureClock) Now() time.Time { return time.Now().Add(f.offset) }

func TestTableSweepEvictsStale(t *testing.T) {
	table := NewTable(TableConfig{
		StaleAfter:   time.Minute,
		TimeProvider: futureClock{offset: 10 * time.Minute},
	})

	ca, cb, _, _ := handshakePair(t)
	cb.Start()
	require.NoError(t, table.Add(ca))

	// From the sweep's point of view the connection has been idle far
	// past the staleness window.
	table.Sweep()

	assert.Equal(t, 0, table.Len())
	assert.Equal(t, StateClosed, ca.State())
}
