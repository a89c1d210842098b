package delivery

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"meshpay/internal/config"
	"meshpay/internal/crypto"
	"meshpay/internal/lifecycle"
	"meshpay/internal/metrics"
	"meshpay/internal/peer"
	"meshpay/internal/radio"
	"meshpay/internal/signer"
	"meshpay/internal/wire"
)

// node bundles a full stack: transport, sessions, lifecycle and delivery.
type node struct {
	id       string
	hub      *radio.Hub
	device   peer.Device
	registry *peer.Registry
	links    *lifecycle.Manager
	layer    *Layer
	// drop silences the inbound path so the node stops acking while the
	// link stays up
	drop atomic.Bool
}

func newNode(t *testing.T, hub *radio.Hub, id string, cfg config.Config) *node {
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
	disc := radio.Discovery{
		ID:           id,
		SigningKey:   pub,
		AgreementKey: sessions.AgreementPublicKey(),
		RSSI:         -50,
	}
	transport := hub.Join(disc)
	registry := peer.NewRegistry(peer.Options{})

	n := &node{
		id:       id,
		hub:      hub,
		registry: registry,
		device: peer.Device{
			ID:           id,
			SigningKey:   pub,
			AgreementKey: sessions.AgreementPublicKey(),
		},
	}
	links, err := lifecycle.NewManager(lifecycle.Options{
		Transport: transport,
		Sessions:  sessions,
		Registry:  registry,
		Config:    cfg,
		OnInbound: func(peerID string, frame []byte) {
			if n.drop.Load() {
				return
			}
			n.layer.Inbound(peerID, frame)
		},
	})
	if err != nil {
		t.Fatalf("lifecycle: %v", err)
	}
	layer, err := New(Options{
		LocalID:  id,
		Links:    links,
		Sessions: sessions,
		Registry: registry,
		Codec:    codec,
		Config:   cfg,
	})
	if err != nil {
		t.Fatalf("delivery: %v", err)
	}
	n.links = links
	n.layer = layer

	// accept inbound dials so both ends share the link
	transport.SetAcceptHandler(func(peerID string, c radio.Conn) {
		dev, err := registry.Get(peerID)
		if err != nil {
			c.Close()
			return
		}
		_ = links.Adopt(dev, c)
	})
	t.Cleanup(func() {
		layer.Close()
		links.Close()
	})
	return n
}

func connectPair(t *testing.T, cfg config.Config) (*node, *node) {
	t.Helper()
	hub := radio.NewHub(cfg.MaxFragmentBytes)
	a := newNode(t, hub, "a", cfg)
	b := newNode(t, hub, "b", cfg)
	a.registry.Observe(radio.Discovery{ID: "b", SigningKey: b.device.SigningKey, AgreementKey: b.device.AgreementKey, RSSI: -50})
	b.registry.Observe(radio.Discovery{ID: "a", SigningKey: a.device.SigningKey, AgreementKey: a.device.AgreementKey, RSSI: -50})
	if err := a.links.Connect(context.Background(), b.device); err != nil {
		t.Fatalf("connect: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for b.links.State("a") != lifecycle.StateAuthenticated {
		if time.Now().After(deadline) {
			t.Fatal("remote side never adopted the link")
		}
		time.Sleep(2 * time.Millisecond)
	}
	return a, b
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.AckTimeout = 250 * time.Millisecond
	cfg.RetryBackoff = 30 * time.Millisecond
	cfg.HeartbeatInterval = 100 * time.Millisecond
	cfg.ConnectionTimeout = time.Second
	return cfg
}

func TestSendDeliversAndAcks(t *testing.T) {
	a, b := connectPair(t, testConfig())

	var got []byte
	var mu sync.Mutex
	b.layer.Handle("greeting", func(peerID, msgType string, payload []byte) {
		mu.Lock()
		got = append([]byte(nil), payload...)
		mu.Unlock()
	})

	rec, err := a.layer.Send("b", "greeting", []byte("hello across the gap"), SendOptions{ExpectAck: true})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rec.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if rec.Status() != StatusDelivered {
		t.Fatalf("expected delivered, got %v", rec.Status())
	}
	mu.Lock()
	defer mu.Unlock()
	if string(got) != "hello across the gap" {
		t.Fatalf("handler got %q", got)
	}
}

func TestLargePayloadFragmentsAndReassembles(t *testing.T) {
	a, b := connectPair(t, testConfig())

	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	done := make(chan []byte, 1)
	b.layer.Handle("bulk", func(peerID, msgType string, p []byte) {
		done <- append([]byte(nil), p...)
	})

	rec, err := a.layer.Send("b", "bulk", payload, SendOptions{ExpectAck: true})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rec.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	select {
	case got := <-done:
		if !bytes.Equal(got, payload) {
			t.Fatalf("payload corrupted in flight: %d bytes", len(got))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestAckTimeoutRetriesThenFails(t *testing.T) {
	cfg := testConfig()
	cfg.SendRetries = 2
	a, b := connectPair(t, cfg)

	// b goes silent: frames arrive but are never processed or acked
	b.drop.Store(true)

	start := time.Now()
	rec, err := a.layer.Send("b", "void", []byte("anyone there"), SendOptions{ExpectAck: true})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rec.Wait(ctx); !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("expected ErrAckTimeout, got %v", err)
	}
	if rec.Status() != StatusFailed {
		t.Fatalf("expected failed, got %v", rec.Status())
	}
	// 3 attempts of ~250ms plus 2 backoffs of 30ms
	if elapsed := time.Since(start); elapsed < 750*time.Millisecond {
		t.Fatalf("retries finished too fast: %v", elapsed)
	}
}

func TestCancelRejectsPendingWait(t *testing.T) {
	a, b := connectPair(t, testConfig())
	b.drop.Store(true) // no acks will come

	rec, err := a.layer.Send("b", "slow", []byte("x"), SendOptions{ExpectAck: true, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	a.layer.Cancel(rec.ID())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rec.Wait(ctx); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestPeerDisconnectedRejectsWaits(t *testing.T) {
	a, b := connectPair(t, testConfig())
	b.drop.Store(true)

	rec, err := a.layer.Send("b", "slow", []byte("x"), SendOptions{ExpectAck: true, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	a.layer.PeerDisconnected("b")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rec.Wait(ctx); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestSendRequiresAuthenticatedSession(t *testing.T) {
	cfg := testConfig()
	hub := radio.NewHub(cfg.MaxFragmentBytes)
	a := newNode(t, hub, "a", cfg)
	if _, err := a.layer.Send("stranger", "t", []byte("x"), SendOptions{}); !errors.Is(err, lifecycle.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestUnknownTypeIsDroppedNotFatal(t *testing.T) {
	a, _ := connectPair(t, testConfig())

	// no handler registered on b for this type; the send still acks
	rec, err := a.layer.Send("b", "mystery", []byte("x"), SendOptions{ExpectAck: true})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rec.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if rec.Status() != StatusDelivered {
		t.Fatalf("expected delivered, got %v", rec.Status())
	}
}

func TestAckOnlyResolvesForAddressedPeer(t *testing.T) {
	d := &Layer{
		jobs:    make(map[string]*sendJob),
		metrics: metrics.New(),
	}
	job := &sendJob{id: "msg-1", peerID: "b", ack: make(chan struct{})}
	d.jobs["msg-1"] = job

	d.resolveAck("c", "msg-1")
	select {
	case <-job.ack:
		t.Fatal("ack from a different peer resolved the send")
	default:
	}

	d.resolveAck("b", "msg-1")
	select {
	case <-job.ack:
	default:
		t.Fatal("ack from the addressed peer did not resolve the send")
	}
}

func TestTamperedMessageIsRejected(t *testing.T) {
	cfg := testConfig()
	_, b := connectPair(t, cfg)

	var handled bool
	var mu sync.Mutex
	b.layer.Handle("secret", func(string, string, []byte) {
		mu.Lock()
		handled = true
		mu.Unlock()
	})

	// hand b a frame signed by nobody it knows
	codec, err := wire.NewCodec()
	if err != nil {
		t.Fatal(err)
	}
	forged := wire.Message{
		Version:   wire.Version,
		ID:        "forged-1",
		Type:      "secret",
		Payload:   []byte("bogus ciphertext"),
		Signature: []byte("not a real signature"),
		Timestamp: time.Now().UnixMilli(),
		From:      "a",
		To:        "b",
	}
	raw, err := codec.Marshal(forged)
	if err != nil {
		t.Fatal(err)
	}
	b.layer.Inbound("a", raw)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if handled {
		t.Fatal("forged message must not reach handlers")
	}
}
