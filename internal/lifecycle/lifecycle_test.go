package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"meshpay/internal/config"
	"meshpay/internal/crypto"
	"meshpay/internal/peer"
	"meshpay/internal/radio"
	"meshpay/internal/signer"
	"meshpay/internal/wire"
)

type testNode struct {
	id        string
	transport *radio.MemoryTransport
	sessions  *crypto.Sessions
	device    peer.Device
}

func newTestNode(t *testing.T, hub *radio.Hub, id string) *testNode {
	t.Helper()
	codec, err := wire.NewCodec()
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	sig := signer.NewMemorySigner()
	if _, err := sig.Generate(id); err != nil {
		t.Fatalf("signing key: %v", err)
	}
	agree, err := crypto.GenerateAgreementKey()
	if err != nil {
		t.Fatalf("agreement key: %v", err)
	}
	sessions, err := crypto.NewSessions(agree, sig, id, codec, 0)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	pub, err := sig.PublicKey(id)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	transport := hub.Join(radio.Discovery{
		ID:           id,
		SigningKey:   pub,
		AgreementKey: sessions.AgreementPublicKey(),
		RSSI:         -50,
	})
	transport.SetAcceptHandler(func(string, radio.Conn) {})
	return &testNode{
		id:        id,
		transport: transport,
		sessions:  sessions,
		device: peer.Device{
			ID:           id,
			SigningKey:   pub,
			AgreementKey: sessions.AgreementPublicKey(),
		},
	}
}

func quickConfig() config.Config {
	cfg := config.Default()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.ConnectionTimeout = 40 * time.Millisecond
	cfg.ReconnectDelay = 20 * time.Millisecond
	return cfg
}

func newTestManager(t *testing.T, node *testNode, cfg config.Config, opts Options) *Manager {
	t.Helper()
	opts.Transport = node.transport
	opts.Sessions = node.sessions
	opts.Config = cfg
	m, err := NewManager(opts)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func TestConnectAuthenticates(t *testing.T) {
	hub := radio.NewHub(512)
	a := newTestNode(t, hub, "a")
	b := newTestNode(t, hub, "b")

	var states []State
	var mu sync.Mutex
	cfg := quickConfig()
	m := newTestManager(t, a, cfg, Options{
		OnEvent: func(ev Event) {
			mu.Lock()
			states = append(states, ev.State)
			mu.Unlock()
		},
	})

	if err := m.Connect(context.Background(), b.device); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := m.State("b"); got != StateAuthenticated {
		t.Fatalf("expected authenticated, got %v", got)
	}
	if !a.sessions.HasValidSession("b") {
		t.Fatal("expected session key after connect")
	}
	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateAuthenticating, StateAuthenticated}
	if len(states) != len(want) {
		t.Fatalf("expected states %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("expected states %v, got %v", want, states)
		}
	}
}

func TestConnectRejectsDuplicateAndCapacity(t *testing.T) {
	hub := radio.NewHub(512)
	a := newTestNode(t, hub, "a")
	b := newTestNode(t, hub, "b")
	c := newTestNode(t, hub, "c")
	d := newTestNode(t, hub, "d")

	cfg := quickConfig()
	cfg.MaxConnections = 2
	m := newTestManager(t, a, cfg, Options{})

	if err := m.Connect(context.Background(), b.device); err != nil {
		t.Fatalf("connect b: %v", err)
	}
	if err := m.Connect(context.Background(), b.device); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
	if err := m.Connect(context.Background(), c.device); err != nil {
		t.Fatalf("connect c: %v", err)
	}
	if err := m.Connect(context.Background(), d.device); !errors.Is(err, ErrAtCapacity) {
		t.Fatalf("expected ErrAtCapacity, got %v", err)
	}
}

func TestDisconnectIdempotentAndTearsDown(t *testing.T) {
	hub := radio.NewHub(512)
	a := newTestNode(t, hub, "a")
	b := newTestNode(t, hub, "b")

	m := newTestManager(t, a, quickConfig(), Options{})
	if err := m.Connect(context.Background(), b.device); err != nil {
		t.Fatalf("connect: %v", err)
	}
	m.Disconnect("b")
	if m.State("b") != StateDisconnected {
		t.Fatal("expected disconnected")
	}
	if a.sessions.HasValidSession("b") {
		t.Fatal("session must be revoked on disconnect")
	}
	if _, ok := m.Health("b"); ok {
		t.Fatal("health record must be deleted on disconnect")
	}
	m.Disconnect("b")
	m.Disconnect("never-connected")
}

func TestInboundTrafficCountsAsHeartbeat(t *testing.T) {
	hub := radio.NewHub(512)
	a := newTestNode(t, hub, "a")
	b := newTestNode(t, hub, "b")

	var got [][]byte
	var mu sync.Mutex
	m := newTestManager(t, a, quickConfig(), Options{
		OnInbound: func(peerID string, frame []byte) {
			mu.Lock()
			got = append(got, append([]byte(nil), frame...))
			mu.Unlock()
		},
	})

	var remote radio.Conn
	ready := make(chan struct{})
	b.transport.SetAcceptHandler(func(peerID string, c radio.Conn) {
		remote = c
		close(ready)
	})
	if err := m.Connect(context.Background(), b.device); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-ready

	before, _ := m.Health("b")
	time.Sleep(5 * time.Millisecond)
	if err := remote.Write([]byte("ping")); err != nil {
		t.Fatalf("remote write: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for {
		h, ok := m.Health("b")
		if ok && h.MessagesReceived == 1 {
			if !h.LastHeartbeat.After(before.LastHeartbeat) {
				t.Fatal("inbound frame must bump LastHeartbeat")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("inbound frame never recorded")
		}
		time.Sleep(2 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || string(got[0]) != "ping" {
		t.Fatalf("expected inbound ping, got %q", got)
	}
}

func TestHeartbeatLossDisconnectsAndRetriesExactly(t *testing.T) {
	hub := radio.NewHub(512)
	a := newTestNode(t, hub, "a")
	b := newTestNode(t, hub, "b")

	var mu sync.Mutex
	var disconnects int
	var connects int
	cfg := quickConfig()
	cfg.MaxReconnectAttempts = 2
	m := newTestManager(t, a, cfg, Options{
		OnEvent: func(ev Event) {
			mu.Lock()
			switch ev.State {
			case StateDisconnected:
				disconnects++
			case StateAuthenticated:
				connects++
			}
			mu.Unlock()
		},
	})

	if err := m.Connect(context.Background(), b.device); err != nil {
		t.Fatalf("connect: %v", err)
	}
	// silence the link and keep the peer unreachable so reconnects fail
	hub.SetOffline("b", true)

	deadline := time.Now().Add(2 * time.Second)
	for m.State("b") != StateDisconnected {
		if time.Now().After(deadline) {
			t.Fatal("heartbeat loss never disconnected")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// allow the bounded reconnect loop to run out
	time.Sleep(6 * cfg.ReconnectDelay)

	mu.Lock()
	defer mu.Unlock()
	if connects != 1 {
		t.Fatalf("reconnects must fail while offline, got %d authenticated events", connects)
	}
	if disconnects != 1 {
		t.Fatalf("expected one disconnect, got %d", disconnects)
	}
}

// countingTransport records the time of every dial going through it.
type countingTransport struct {
	radio.Transport
	mu    sync.Mutex
	dials []time.Time
}

func (c *countingTransport) Connect(ctx context.Context, peerID string) (radio.Conn, error) {
	c.mu.Lock()
	c.dials = append(c.dials, time.Now())
	c.mu.Unlock()
	return c.Transport.Connect(ctx, peerID)
}

func (c *countingTransport) snapshot() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Time(nil), c.dials...)
}

func TestReconnectDialCountAndSpacing(t *testing.T) {
	hub := radio.NewHub(512)
	a := newTestNode(t, hub, "a")
	b := newTestNode(t, hub, "b")

	cfg := quickConfig()
	cfg.MaxReconnectAttempts = 3
	ct := &countingTransport{Transport: a.transport}
	m, err := NewManager(Options{
		Transport: ct,
		Sessions:  a.sessions,
		Config:    cfg,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	t.Cleanup(m.Close)

	if err := m.Connect(context.Background(), b.device); err != nil {
		t.Fatalf("connect: %v", err)
	}
	hub.SetOffline("b", true)

	deadline := time.Now().Add(2 * time.Second)
	for m.State("b") != StateDisconnected {
		if time.Now().After(deadline) {
			t.Fatal("heartbeat loss never disconnected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// the first dial was the original connect; the retry loop owes exactly
	// MaxReconnectAttempts more
	want := 1 + cfg.MaxReconnectAttempts
	deadline = time.Now().Add(2 * time.Second)
	for len(ct.snapshot()) < want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d dials, got %d", want, len(ct.snapshot()))
		}
		time.Sleep(5 * time.Millisecond)
	}
	// and no more after the loop runs out
	time.Sleep(4 * cfg.ReconnectDelay)
	dials := ct.snapshot()
	if len(dials) != want {
		t.Fatalf("expected exactly %d dials, got %d", want, len(dials))
	}
	// retries are spaced by at least the configured delay
	for i := 2; i < len(dials); i++ {
		if gap := dials[i].Sub(dials[i-1]); gap < cfg.ReconnectDelay {
			t.Fatalf("retry %d fired %v after the previous, want >= %v", i, gap, cfg.ReconnectDelay)
		}
	}
}

func TestReconnectSucceedsWhenPeerReturns(t *testing.T) {
	hub := radio.NewHub(512)
	a := newTestNode(t, hub, "a")
	b := newTestNode(t, hub, "b")

	cfg := quickConfig()
	cfg.MaxReconnectAttempts = 5
	m := newTestManager(t, a, cfg, Options{})

	if err := m.Connect(context.Background(), b.device); err != nil {
		t.Fatalf("connect: %v", err)
	}
	hub.SetOffline("b", true)
	deadline := time.Now().Add(2 * time.Second)
	for m.State("b") != StateDisconnected {
		if time.Now().After(deadline) {
			t.Fatal("heartbeat loss never disconnected")
		}
		time.Sleep(5 * time.Millisecond)
	}
	hub.SetOffline("b", false)

	deadline = time.Now().Add(2 * time.Second)
	for m.State("b") != StateAuthenticated {
		if time.Now().After(deadline) {
			t.Fatal("reconnect never succeeded")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFindPeerToDisconnect(t *testing.T) {
	hub := radio.NewHub(512)
	a := newTestNode(t, hub, "a")
	b := newTestNode(t, hub, "b")
	c := newTestNode(t, hub, "c")

	m := newTestManager(t, a, quickConfig(), Options{})
	if err := m.Connect(context.Background(), b.device); err != nil {
		t.Fatalf("connect b: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := m.Connect(context.Background(), c.device); err != nil {
		t.Fatalf("connect c: %v", err)
	}

	// equal activity: oldest (b) goes first
	id, ok := m.FindPeerToDisconnect()
	if !ok || id != "b" {
		t.Fatalf("expected oldest peer b, got %q ok=%v", id, ok)
	}

	// give b more traffic; now c is least active
	if err := m.Write("b", []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	id, ok = m.FindPeerToDisconnect()
	if !ok || id != "c" {
		t.Fatalf("expected least active peer c, got %q ok=%v", id, ok)
	}
}

func TestWriteRequiresAuthenticatedLink(t *testing.T) {
	hub := radio.NewHub(512)
	a := newTestNode(t, hub, "a")
	m := newTestManager(t, a, quickConfig(), Options{})
	if err := m.Write("nobody", []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
