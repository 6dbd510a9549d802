package session

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/groups-relay/relay/internal/coordinator"
	"github.com/groups-relay/relay/internal/crypto"
	"github.com/groups-relay/relay/internal/group"
	"github.com/groups-relay/relay/internal/kinds"
	"github.com/groups-relay/relay/internal/pipeline"
	"github.com/groups-relay/relay/internal/store"
)

type fakeConn struct {
	mu       sync.Mutex
	inbound  chan []byte
	outbound [][]byte
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-f.inbound
	if !ok {
		return 0, nil, errClosed
	}
	return 1, data, nil
}

var errClosed = &connClosedError{}

type connClosedError struct{}

func (*connClosedError) Error() string { return "fake connection closed" }

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), data...)
	f.outbound = append(f.outbound, cp)
	return nil
}

func (f *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeConn) SetPongHandler(func(string) error) {}
func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbound)
	}
	return nil
}

func newTestSession(t *testing.T) (*Session, *fakeConn, func()) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	pool := crypto.NewPool()
	relaySK := nostr.GeneratePrivateKey()
	relayPK, _ := nostr.GetPublicKey(relaySK)
	catalog := group.NewCatalog(relayPK)
	coord := coordinator.New(s, catalog, pool, relaySK, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	coord.Start(ctx)

	chain := pipeline.New(pipeline.Deps{
		Pool: pool, Catalog: catalog, Coordinator: coord,
		NonGroupAllowed: kinds.DefaultNonGroupAllowed,
		AuthURL:         "ws://localhost:3334",
		ChallengeTTL:    time.Minute,
		QueryLimit:      500,
	})

	conn := newFakeConn()
	sess := New(ctx, "conn1", conn, chain, coord, "s", "ws://localhost:3334", 32, 0)

	cleanup := func() {
		sess.Close()
		cancel()
		coord.Stop()
		pool.Close()
		s.Close()
	}
	return sess, conn, cleanup
}

func TestSessionIssuesChallengeOnConnect(t *testing.T) {
	_, conn, cleanup := newTestSession(t)
	defer cleanup()

	waitForOutbound(t, conn, 1)
	var msg []interface{}
	if err := json.Unmarshal(conn.outbound[0], &msg); err != nil {
		t.Fatalf("unmarshal outbound = %v", err)
	}
	if msg[0] != "AUTH" {
		t.Fatalf("first outbound message = %v, want AUTH challenge", msg)
	}
}

func TestSessionProcessesEventAndRepliesOK(t *testing.T) {
	_, conn, cleanup := newTestSession(t)
	defer cleanup()
	waitForOutbound(t, conn, 1) // consume the initial AUTH challenge

	sk := nostr.GeneratePrivateKey()
	pub, _ := nostr.GetPublicKey(sk)
	event := &nostr.Event{Kind: kinds.CreateGroup, PubKey: pub, CreatedAt: nostr.Timestamp(time.Now().Unix()), Tags: nostr.Tags{{"h", "g1"}}}
	if err := event.Sign(sk); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	frame, _ := json.Marshal([]interface{}{"EVENT", event})
	conn.inbound <- frame

	waitForOutbound(t, conn, 2)
	var msg []interface{}
	if err := json.Unmarshal(conn.outbound[1], &msg); err != nil {
		t.Fatalf("unmarshal outbound = %v", err)
	}
	if msg[0] != "OK" || msg[2] != true {
		t.Fatalf("outbound = %v, want OK true", msg)
	}
}

func waitForOutbound(t *testing.T, conn *fakeConn, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn.mu.Lock()
		got := len(conn.outbound)
		conn.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d outbound messages", n)
}
