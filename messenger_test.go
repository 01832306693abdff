package survivalcomm

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iriartelabs/survivalcomm/crypto"
	"github.com/Iriartelabs/survivalcomm/delivery"
	"github.com/Iriartelabs/survivalcomm/directory"
	"github.com/Iriartelabs/survivalcomm/session"
	"github.com/Iriartelabs/survivalcomm/store"
	"github.com/Iriartelabs/survivalcomm/transport"
)

// fakeDirectoryServer backs /locate with a mutable peer table and
// accepts the rest of the directory endpoints.
type fakeDirectoryServer struct {
	mu    sync.Mutex
	peers map[string]directory.PeerLocation
	srv   *httptest.Server
}

func newFakeDirectoryServer() *fakeDirectoryServer {
	f := &fakeDirectoryServer{peers: make(map[string]directory.PeerLocation)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

func (f *fakeDirectoryServer) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/locate/"):
		name := strings.TrimPrefix(r.URL.Path, "/locate/")
		f.mu.Lock()
		loc, ok := f.peers[name]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(loc)
	case r.URL.Path == "/messages/offline":
		json.NewEncoder(w).Encode(map[string]bool{"accepted": false})
	default:
		w.Write([]byte("{}"))
	}
}

func (f *fakeDirectoryServer) register(name string, loc directory.PeerLocation) {
	f.mu.Lock()
	f.peers[name] = loc
	f.mu.Unlock()
}

func (f *fakeDirectoryServer) Close() { f.srv.Close() }

func newTestMessenger(t *testing.T, id, name, dirURL, listenAddr string) *Messenger {
	t.Helper()
	ident, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	m, err := New(&Options{
		ID:           id,
		DisplayName:  name,
		Identity:     ident,
		DirectoryURL: dirURL,
		ListenAddr:   listenAddr,
	})
	require.NoError(t, err)
	return m
}

func TestNewRequiresIdentity(t *testing.T) {
	_, err := New(&Options{ID: "x", DirectoryURL: "http://localhost"})
	assert.Error(t, err)
	_, err = New(nil)
	assert.Error(t, err)
}

func TestSendMessageEndToEnd(t *testing.T) {
	dir := newFakeDirectoryServer()
	defer dir.Close()

	alice := newTestMessenger(t, "alice-id", "alice", dir.srv.URL, "127.0.0.1:0")
	bob := newTestMessenger(t, "bob-id", "bob", dir.srv.URL, "")

	require.NoError(t, alice.Start())
	defer alice.Close()
	require.NoError(t, bob.Start())
	defer bob.Close()

	host, portStr, err := net.SplitHostPort(alice.ListenAddr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	dir.register("alice", directory.PeerLocation{
		ID:        "alice-id",
		PublicKey: alice.crypto.PublicKey(),
		Host:      host,
		Port:      port,
		LastSeen:  time.Now().Unix(),
	})

	received := make(chan string, 1)
	alice.OnMessage(func(peerID, messageID string, plaintext []byte, at time.Time) {
		assert.Equal(t, "bob-id", peerID)
		received <- string(plaintext)
	})

	delivered := make(chan string, 1)
	bob.OnDeliveryReceipt(func(peerID, messageID string, at time.Time) {
		delivered <- messageID
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msgID, err := bob.SendMessage(ctx, "alice", []byte("hello alice"))
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, "hello alice", got)
	case <-time.After(10 * time.Second):
		t.Fatal("message never arrived")
	}

	select {
	case got := <-delivered:
		assert.Equal(t, msgID, got)
	case <-time.After(10 * time.Second):
		t.Fatal("delivery receipt never arrived")
	}

	// The receipt finalizes local delivery bookkeeping.
	deadline := time.Now().Add(5 * time.Second)
	for {
		s, err := bob.MessageStatus(msgID)
		if err == nil && s == store.StatusDelivered {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("message status never reached delivered, last: %v (%v)", s, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// silentPeer accepts one session, completes the handshake, then never
// reads again, so no delivery receipt is ever produced.
func silentPeer(t *testing.T) (addr string, ident *crypto.Identity) {
	t.Helper()
	ident, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		sess, err := session.Respond(conn, transport.KindDirect, "carol-id", "carol", ident, nil)
		if err != nil {
			conn.Close()
			return
		}
		// Hold the session open without starting its read loop.
		_ = sess
	}()

	return ln.Addr().String(), ident
}

func TestSendWithoutReceiptStaysPending(t *testing.T) {
	dir := newFakeDirectoryServer()
	defer dir.Close()

	addr, carolIdent := silentPeer(t)
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	dir.register("carol", directory.PeerLocation{
		ID:        "carol-id",
		PublicKey: carolIdent.PublicKey(),
		Host:      host,
		Port:      port,
	})

	ident, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	bob, err := New(&Options{
		ID:           "bob-id",
		DisplayName:  "bob",
		Identity:     ident,
		DirectoryURL: dir.srv.URL,
		Delivery:     delivery.Config{AttemptTimeout: 1500 * time.Millisecond},
	})
	require.NoError(t, err)
	require.NoError(t, bob.Start())
	defer bob.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msgID, err := bob.SendMessage(ctx, "carol", []byte("anyone there"))
	require.NoError(t, err)

	// The frame is written but never acknowledged; the attempt must
	// time out and leave the message queued for retry.
	deadline := time.Now().Add(8 * time.Second)
	for {
		msg, err := bob.store.GetPending(msgID)
		if err == nil && msg.Attempts == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("attempt never settled: pending=%v err=%v", msg, err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	s, err := bob.MessageStatus(msgID)
	require.NoError(t, err)
	assert.NotEqual(t, store.StatusDelivered, s)

	_, err = bob.store.GetPending(msgID)
	assert.NoError(t, err, "pending entry must survive an unacknowledged send")
}

func TestCloseWithoutStartReleasesStore(t *testing.T) {
	ident, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	ts := &closeTrackingStore{MemoryStore: store.NewMemoryStore()}
	m, err := New(&Options{
		ID:           "bob-id",
		DisplayName:  "bob",
		Identity:     ident,
		DirectoryURL: "http://127.0.0.1:1",
		Store:        ts,
	})
	require.NoError(t, err)

	require.NoError(t, m.Close())
	assert.True(t, ts.wasClosed())
}

type closeTrackingStore struct {
	*store.MemoryStore
	mu     sync.Mutex
	closed bool
}

func (c *closeTrackingStore) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.MemoryStore.Close()
}

func (c *closeTrackingStore) wasClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestSendMessageUnknownRecipient(t *testing.T) {
	dir := newFakeDirectoryServer()
	defer dir.Close()

	bob := newTestMessenger(t, "bob-id", "bob", dir.srv.URL, "")
	require.NoError(t, bob.Start())
	defer bob.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := bob.SendMessage(ctx, "nobody", []byte("hi"))
	assert.Error(t, err)
}

func TestConnectReusesSession(t *testing.T) {
	dir := newFakeDirectoryServer()
	defer dir.Close()

	alice := newTestMessenger(t, "alice-id", "alice", dir.srv.URL, "127.0.0.1:0")
	bob := newTestMessenger(t, "bob-id", "bob", dir.srv.URL, "")
	require.NoError(t, alice.Start())
	defer alice.Close()
	require.NoError(t, bob.Start())
	defer bob.Close()

	host, portStr, err := net.SplitHostPort(alice.ListenAddr())
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)
	dir.register("alice", directory.PeerLocation{
		ID:        "alice-id",
		PublicKey: alice.crypto.PublicKey(),
		Host:      host,
		Port:      port,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	peerID, err := bob.Connect(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice-id", peerID)
	assert.Equal(t, 1, bob.table.Len())

	// Second connect finds the live session instead of dialing again.
	peerID, err = bob.Connect(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice-id", peerID)
	assert.Equal(t, 1, bob.table.Len())
}
