// Package delivery moves logical messages over the connection layer:
// encrypt-sign-fragment on the way out, reassemble-verify-decrypt on the way
// in, with acknowledgement tracking and bounded whole-message retries.
package delivery

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"meshpay/internal/config"
	"meshpay/internal/crypto"
	"meshpay/internal/lifecycle"
	"meshpay/internal/metrics"
	"meshpay/internal/peer"
	"meshpay/internal/wire"
)

type Status int

const (
	StatusPending Status = iota
	StatusSending
	StatusSent
	StatusDelivered
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	ErrAckTimeout = errors.New("delivery: ack timeout")
	ErrCancelled  = errors.New("delivery: cancelled")
)

const (
	reassemblyTTL  = 30 * time.Second
	reassemblyCap  = 128
	actorQueueSize = 64
)

// SendOptions zero values fall back to the configured ack timeout and retry
// count. Retries < 0 disables retrying.
type SendOptions struct {
	ExpectAck bool
	Timeout   time.Duration
	Retries   int
}

// Handler receives verified, decrypted payloads for one message type.
type Handler func(peerID, msgType string, payload []byte)

type StatusEvent struct {
	ID     string
	PeerID string
	Status Status
	Err    error
}

type Options struct {
	LocalID  string
	Links    *lifecycle.Manager
	Sessions *crypto.Sessions
	Registry *peer.Registry
	Codec    *wire.Codec
	Config   config.Config
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

type Layer struct {
	localID  string
	links    *lifecycle.Manager
	sessions *crypto.Sessions
	registry *peer.Registry
	codec    *wire.Codec
	cfg      config.Config
	log      *zap.Logger
	metrics  *metrics.Metrics

	mu         sync.Mutex
	actors     map[string]*actor
	jobs       map[string]*sendJob
	handlers   map[string]Handler
	subs       []chan StatusEvent
	reassembly *expirable.LRU[string, *fragmentBuffer]
	closed     bool
}

type fragmentBuffer struct {
	total int
	parts map[int]wire.Message
}

func New(opts Options) (*Layer, error) {
	if opts.LocalID == "" {
		return nil, fmt.Errorf("missing local id")
	}
	if opts.Links == nil || opts.Sessions == nil || opts.Codec == nil {
		return nil, fmt.Errorf("missing collaborators")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	mets := opts.Metrics
	if mets == nil {
		mets = metrics.New()
	}
	return &Layer{
		localID:    opts.LocalID,
		links:      opts.Links,
		sessions:   opts.Sessions,
		registry:   opts.Registry,
		codec:      opts.Codec,
		cfg:        opts.Config,
		log:        log,
		metrics:    mets,
		actors:     make(map[string]*actor),
		jobs:       make(map[string]*sendJob),
		handlers:   make(map[string]Handler),
		reassembly: expirable.NewLRU[string, *fragmentBuffer](reassemblyCap, nil, reassemblyTTL),
	}, nil
}

// Handle registers the handler for one message type. Later registrations
// replace earlier ones.
func (d *Layer) Handle(msgType string, h Handler) {
	d.mu.Lock()
	d.handlers[msgType] = h
	d.mu.Unlock()
}

// Subscribe returns a channel of terminal and transitional status events.
// Slow consumers lose events rather than blocking delivery.
func (d *Layer) Subscribe() <-chan StatusEvent {
	ch := make(chan StatusEvent, 64)
	d.mu.Lock()
	d.subs = append(d.subs, ch)
	d.mu.Unlock()
	return ch
}

// Send queues one logical message to the peer. The returned receipt completes
// when the message reaches a terminal status. Sends to one peer run strictly
// one at a time; an ack-awaiting send must finish before the next starts.
func (d *Layer) Send(peerID, msgType string, payload []byte, opts SendOptions) (*Receipt, error) {
	if d.links.State(peerID) != lifecycle.StateAuthenticated {
		return nil, lifecycle.ErrNotConnected
	}
	if !d.sessions.HasValidSession(peerID) {
		return nil, crypto.ErrNoSession
	}
	if opts.Timeout <= 0 {
		opts.Timeout = d.cfg.AckTimeout
	}
	if opts.Retries == 0 {
		opts.Retries = d.cfg.SendRetries
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}

	job := &sendJob{
		id:      uuid.NewString(),
		peerID:  peerID,
		msgType: msgType,
		payload: append([]byte(nil), payload...),
		opts:    opts,
		receipt: newReceipt(peerID),
		ack:     make(chan struct{}),
		cancel:  make(chan struct{}),
	}
	job.receipt.id = job.id

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrCancelled
	}
	d.jobs[job.id] = job
	a := d.actors[peerID]
	if a == nil {
		a = newActor(peerID)
		d.actors[peerID] = a
		go a.run(d)
	}
	d.mu.Unlock()

	if !a.enqueue(job) {
		d.finish(job, StatusFailed, ErrCancelled)
		return nil, ErrCancelled
	}
	d.publish(StatusEvent{ID: job.id, PeerID: peerID, Status: StatusPending})
	return job.receipt, nil
}

// Cancel rejects a queued or ack-awaiting send. No-op once terminal.
func (d *Layer) Cancel(messageID string) {
	d.mu.Lock()
	job, ok := d.jobs[messageID]
	d.mu.Unlock()
	if !ok {
		return
	}
	job.cancelOnce.Do(func() { close(job.cancel) })
}

// PeerDisconnected rejects every non-terminal send to the peer. The engine
// wires this to the lifecycle's Disconnected event so no ack wait outlives
// its session.
func (d *Layer) PeerDisconnected(peerID string) {
	d.mu.Lock()
	var affected []*sendJob
	for _, job := range d.jobs {
		if job.peerID == peerID {
			affected = append(affected, job)
		}
	}
	d.mu.Unlock()
	for _, job := range affected {
		job.cancelOnce.Do(func() { close(job.cancel) })
	}
}

// Close cancels all outstanding sends and stops the per-peer actors.
func (d *Layer) Close() {
	d.mu.Lock()
	d.closed = true
	var all []*sendJob
	for _, job := range d.jobs {
		all = append(all, job)
	}
	actors := make([]*actor, 0, len(d.actors))
	for _, a := range d.actors {
		actors = append(actors, a)
	}
	d.mu.Unlock()
	for _, job := range all {
		job.cancelOnce.Do(func() { close(job.cancel) })
	}
	for _, a := range actors {
		a.stop()
	}
}

// attempt performs one full transmission: encrypt and sign the logical
// message, fragment, write every fragment in order, then wait for the ack if
// one is expected. Each retry re-encrypts, so nonces stay fresh while the
// message id is stable for ack matching.
func (d *Layer) attempt(job *sendJob) error {
	msg := wire.Message{
		Version:   wire.Version,
		ID:        job.id,
		Type:      job.msgType,
		Payload:   job.payload,
		From:      d.localID,
		To:        job.peerID,
		Timestamp: time.Now().UnixMilli(),
	}
	sealed, err := d.sessions.EncryptAndSign(msg, job.peerID)
	if err != nil {
		return err
	}
	maxBytes := d.cfg.MaxFragmentBytes
	if mtu, err := d.links.MTU(job.peerID); err == nil && mtu < maxBytes {
		maxBytes = mtu
	}
	frags, err := d.codec.Fragment(sealed, maxBytes)
	if err != nil {
		return err
	}
	if len(frags) > 1 {
		for range frags {
			d.metrics.Inc(d.metrics.FragmentsBuilt)
		}
	}
	for _, frag := range frags {
		raw, err := d.codec.Marshal(frag)
		if err != nil {
			return err
		}
		if err := d.links.Write(job.peerID, raw); err != nil {
			return fmt.Errorf("write fragment %d/%d: %w", frag.Sequence+1, frag.TotalFragments, err)
		}
	}
	d.setStatus(job, StatusSent)
	if !job.opts.ExpectAck {
		return nil
	}

	timer := time.NewTimer(job.opts.Timeout)
	defer timer.Stop()
	select {
	case <-job.ack:
		return nil
	case <-job.cancel:
		return ErrCancelled
	case <-timer.C:
		return ErrAckTimeout
	}
}

func (d *Layer) process(job *sendJob) {
	select {
	case <-job.cancel:
		d.finish(job, StatusFailed, ErrCancelled)
		return
	default:
	}
	d.setStatus(job, StatusSending)

	var lastErr error
	for attempt := 0; attempt <= job.opts.Retries; attempt++ {
		if attempt > 0 {
			d.metrics.Inc(d.metrics.SendRetries)
			timer := time.NewTimer(d.cfg.RetryBackoff)
			select {
			case <-job.cancel:
				timer.Stop()
				d.finish(job, StatusFailed, ErrCancelled)
				return
			case <-timer.C:
			}
			d.setStatus(job, StatusSending)
		}
		lastErr = d.attempt(job)
		if lastErr == nil {
			if job.opts.ExpectAck {
				d.finish(job, StatusDelivered, nil)
			} else {
				d.finish(job, StatusSent, nil)
			}
			return
		}
		if errors.Is(lastErr, ErrCancelled) {
			d.finish(job, StatusFailed, ErrCancelled)
			return
		}
		d.log.Debug("send attempt failed",
			zap.String("peer", job.peerID),
			zap.String("msg", job.id),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}
	d.finish(job, StatusFailed, lastErr)
}

func (d *Layer) setStatus(job *sendJob, s Status) {
	job.receipt.set(s, nil)
	d.publish(StatusEvent{ID: job.id, PeerID: job.peerID, Status: s})
}

func (d *Layer) finish(job *sendJob, s Status, err error) {
	d.mu.Lock()
	delete(d.jobs, job.id)
	d.mu.Unlock()
	job.receipt.complete(s, err)
	d.publish(StatusEvent{ID: job.id, PeerID: job.peerID, Status: s, Err: err})
}

func (d *Layer) publish(ev StatusEvent) {
	d.mu.Lock()
	subs := make([]chan StatusEvent, len(d.subs))
	copy(subs, d.subs)
	d.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
