// Package engine is the composition root: it assembles the codec, session
// crypto, trust registry, lifecycle, delivery and payment layers over one
// radio transport and runs the discovery and event loops.
package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"meshpay/internal/config"
	"meshpay/internal/crypto"
	"meshpay/internal/delivery"
	"meshpay/internal/lifecycle"
	"meshpay/internal/metrics"
	"meshpay/internal/payment"
	"meshpay/internal/peer"
	"meshpay/internal/radio"
	"meshpay/internal/signer"
	"meshpay/internal/storage"
	"meshpay/internal/wallet"
	"meshpay/internal/wire"
)

type Options struct {
	LocalID   string
	Signer    signer.Service
	Transport radio.Transport
	Store     storage.Store
	Config    config.Config
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	// ScanFilter limits which sightings reach the registry.
	ScanFilter radio.ScanFilter
	// InitialBalance seeds the wallet when storage holds no balance yet.
	InitialBalance int64
}

type Engine struct {
	localID   string
	transport radio.Transport
	sessions  *crypto.Sessions
	cfg       config.Config
	log       *zap.Logger
	metrics   *metrics.Metrics
	filter    radio.ScanFilter

	Registry *peer.Registry
	Links    *lifecycle.Manager
	Delivery *delivery.Layer
	Wallet   *wallet.Wallet
	Payments *payment.Manager
}

func New(opts Options) (*Engine, error) {
	if opts.LocalID == "" {
		return nil, fmt.Errorf("engine: missing local id")
	}
	if opts.Signer == nil || opts.Transport == nil {
		return nil, fmt.Errorf("engine: missing signer or transport")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	mets := opts.Metrics
	if mets == nil {
		mets = metrics.New()
	}

	codec, err := wire.NewCodec()
	if err != nil {
		return nil, err
	}
	agreementKey, err := crypto.GenerateAgreementKey()
	if err != nil {
		return nil, fmt.Errorf("engine: agreement key: %w", err)
	}
	sessions, err := crypto.NewSessions(agreementKey, opts.Signer, opts.LocalID, codec, opts.Config.SessionTTL)
	if err != nil {
		return nil, err
	}

	registry := peer.NewRegistry(peer.Options{Store: opts.Store, Logger: log})
	w, err := wallet.New(wallet.Options{
		Store:          opts.Store,
		InitialBalance: opts.InitialBalance,
		Logger:         log,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		localID:   opts.LocalID,
		transport: opts.Transport,
		sessions:  sessions,
		cfg:       opts.Config,
		log:       log,
		metrics:   mets,
		filter:    opts.ScanFilter,
		Registry:  registry,
		Wallet:    w,
	}

	links, err := lifecycle.NewManager(lifecycle.Options{
		Transport: opts.Transport,
		Sessions:  sessions,
		Registry:  registry,
		Config:    opts.Config,
		Logger:    log,
		Metrics:   mets,
		OnInbound: func(peerID string, frame []byte) { e.Delivery.Inbound(peerID, frame) },
		OnEvent:   e.onLinkEvent,
	})
	if err != nil {
		return nil, err
	}
	layer, err := delivery.New(delivery.Options{
		LocalID:  opts.LocalID,
		Links:    links,
		Sessions: sessions,
		Registry: registry,
		Codec:    codec,
		Config:   opts.Config,
		Logger:   log,
		Metrics:  mets,
	})
	if err != nil {
		return nil, err
	}
	payments, err := payment.NewManager(payment.Options{
		LocalID:  opts.LocalID,
		Delivery: layer,
		Wallet:   w,
		Store:    opts.Store,
		Config:   opts.Config,
		Logger:   log,
		Metrics:  mets,
	})
	if err != nil {
		return nil, err
	}
	e.Links = links
	e.Delivery = layer
	e.Payments = payments

	// inbound dials are adopted only for devices the registry has seen
	opts.Transport.SetAcceptHandler(func(peerID string, c radio.Conn) {
		dev, err := registry.Get(peerID)
		if err != nil {
			log.Info("reject unknown inbound peer", zap.String("peer", peerID))
			_ = c.Close()
			return
		}
		if err := links.Adopt(dev, c); err != nil {
			log.Debug("adopt inbound connection", zap.String("peer", peerID), zap.Error(err))
		}
	})
	return e, nil
}

// Run drives the discovery and registry event loops until the context ends,
// then shuts the stack down.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	sightings, err := e.transport.Scan(ctx, e.filter)
	if err != nil {
		return fmt.Errorf("engine: scan: %w", err)
	}
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case d, ok := <-sightings:
				if !ok {
					return nil
				}
				if _, accepted := e.Registry.Observe(d); accepted {
					e.log.Debug("sighting", zap.String("peer", d.ID), zap.Int("rssi", d.RSSI))
				}
			}
		}
	})

	events := e.Registry.Subscribe()
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev := <-events:
				if ev.Kind == peer.EventBlocked {
					e.log.Info("peer blocked, dropping connection", zap.String("peer", ev.Device.ID))
					e.Links.Disconnect(ev.Device.ID)
				}
			}
		}
	})

	err = g.Wait()
	e.Delivery.Close()
	e.Links.Close()
	if cerr := e.transport.Close(); cerr != nil {
		e.log.Debug("transport close", zap.Error(cerr))
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Connect dials a discovered peer. At capacity it evicts the least active
// session once and retries.
func (e *Engine) Connect(ctx context.Context, peerID string) error {
	dev, err := e.Registry.Get(peerID)
	if err != nil {
		return err
	}
	err = e.Links.Connect(ctx, dev)
	if !errors.Is(err, lifecycle.ErrAtCapacity) {
		return err
	}
	victim, ok := e.Links.FindPeerToDisconnect()
	if !ok {
		return err
	}
	e.log.Info("evicting least active peer",
		zap.String("victim", victim),
		zap.String("for", peerID))
	e.Links.Disconnect(victim)
	return e.Links.Connect(ctx, dev)
}

// Pay opens a payment session with a connected peer.
func (e *Engine) Pay(peerID string, amount int64, currency, memo string) (payment.Session, error) {
	return e.Payments.RequestPayment(peerID, amount, currency, memo)
}

func (e *Engine) Balance() int64 { return e.Wallet.Balance() }

func (e *Engine) LocalID() string { return e.localID }

// onLinkEvent keeps the delivery layer consistent with connection state: a
// dropped session rejects every pending ack wait for that peer.
func (e *Engine) onLinkEvent(ev lifecycle.Event) {
	if ev.State == lifecycle.StateDisconnected && e.Delivery != nil {
		e.Delivery.PeerDisconnected(ev.PeerID)
	}
}

// AgreementPublicKey is the key peers need to derive a session with us; the
// bearer announces it alongside the signing key.
func (e *Engine) AgreementPublicKey() []byte {
	return e.sessions.AgreementPublicKey()
}
