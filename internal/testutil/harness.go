// Package testutil assembles full in-memory protocol stacks for tests: radio
// hub, session crypto, lifecycle, delivery, wallet and payments wired exactly
// as the engine wires them.
package testutil

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"meshpay/internal/config"
	"meshpay/internal/crypto"
	"meshpay/internal/delivery"
	"meshpay/internal/lifecycle"
	"meshpay/internal/payment"
	"meshpay/internal/peer"
	"meshpay/internal/radio"
	"meshpay/internal/signer"
	"meshpay/internal/wallet"
	"meshpay/internal/wire"
)

// Node is one complete peer stack on a shared in-memory hub.
type Node struct {
	ID        string
	Device    peer.Device
	Transport *radio.MemoryTransport
	Sessions  *crypto.Sessions
	Registry  *peer.Registry
	Links     *lifecycle.Manager
	Delivery  *delivery.Layer
	Wallet    *wallet.Wallet
	Payments  *payment.Manager

	deaf atomic.Bool
}

// Deafen drops every inbound frame from here on while the link stays up, so
// nothing this node receives is processed or acked.
func (n *Node) Deafen() { n.deaf.Store(true) }

// NewNode builds and joins a node with the given starting balance.
func NewNode(t *testing.T, hub *radio.Hub, id string, cfg config.Config, balance int64) *Node {
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
	sessions, err := crypto.NewSessions(agree, sig, id, codec, cfg.SessionTTL)
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
	registry := peer.NewRegistry(peer.Options{})

	n := &Node{
		ID:        id,
		Transport: transport,
		Sessions:  sessions,
		Registry:  registry,
		Device: peer.Device{
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
			if n.deaf.Load() {
				return
			}
			n.Delivery.Inbound(peerID, frame)
		},
	})
	if err != nil {
		t.Fatalf("lifecycle: %v", err)
	}
	layer, err := delivery.New(delivery.Options{
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
	w, err := wallet.New(wallet.Options{InitialBalance: balance})
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	payments, err := payment.NewManager(payment.Options{
		LocalID:  id,
		Delivery: layer,
		Wallet:   w,
		Config:   cfg,
	})
	if err != nil {
		t.Fatalf("payments: %v", err)
	}
	n.Links = links
	n.Delivery = layer
	n.Wallet = w
	n.Payments = payments

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

// Connect introduces both nodes to each other and establishes the link from a
// to b, waiting until b has adopted its side.
func Connect(t *testing.T, a, b *Node) {
	t.Helper()
	a.Registry.Observe(radio.Discovery{
		ID:           b.ID,
		SigningKey:   b.Device.SigningKey,
		AgreementKey: b.Device.AgreementKey,
		RSSI:         -50,
	})
	b.Registry.Observe(radio.Discovery{
		ID:           a.ID,
		SigningKey:   a.Device.SigningKey,
		AgreementKey: a.Device.AgreementKey,
		RSSI:         -50,
	})
	if err := a.Links.Connect(context.Background(), b.Device); err != nil {
		t.Fatalf("connect %s -> %s: %v", a.ID, b.ID, err)
	}
	WaitFor(t, 2*time.Second, func() bool {
		return b.Links.State(a.ID) == lifecycle.StateAuthenticated
	})
}

// WaitFor polls until cond holds or the deadline passes.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never became true")
		}
		time.Sleep(2 * time.Millisecond)
	}
}
