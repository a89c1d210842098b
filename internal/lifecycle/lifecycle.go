// Package lifecycle owns the per-peer connection state machine: capacity
// limits, key agreement on connect, heartbeat health, bounded reconnects and
// least-active eviction.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshpay/internal/config"
	"meshpay/internal/crypto"
	"meshpay/internal/metrics"
	"meshpay/internal/peer"
	"meshpay/internal/radio"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateAuthenticated
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateErrored:
		return "errored"
	default:
		return "disconnected"
	}
}

var (
	ErrAtCapacity       = errors.New("lifecycle: at connection capacity")
	ErrAlreadyConnected = errors.New("lifecycle: already connected")
	ErrNotConnected     = errors.New("lifecycle: not connected")
	ErrBlockedPeer      = errors.New("lifecycle: peer is blocked")

	errHeartbeatLost = errors.New("lifecycle: heartbeat lost")
)

const maxMissedHeartbeats = 3

// Health is the per-connection liveness record. Any inbound frame counts as a
// heartbeat; there is no dedicated heartbeat message.
type Health struct {
	PeerID           string
	LastHeartbeat    time.Time
	MissedHeartbeats int
	MessagesSent     int
	MessagesReceived int
	Errors           int
}

type Event struct {
	PeerID string
	State  State
	Err    error
}

// InboundFunc receives raw frames off an authenticated connection.
type InboundFunc func(peerID string, frame []byte)

type Options struct {
	Transport radio.Transport
	Sessions  *crypto.Sessions
	Registry  *peer.Registry
	Config    config.Config
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	OnInbound InboundFunc
	OnEvent   func(Event)
}

type link struct {
	device        peer.Device
	conn          radio.Conn
	state         State
	establishedAt time.Time
	health        Health
	stopHeartbeat chan struct{}
}

type Manager struct {
	transport radio.Transport
	sessions  *crypto.Sessions
	registry  *peer.Registry
	cfg       config.Config
	log       *zap.Logger
	metrics   *metrics.Metrics
	onInbound InboundFunc
	onEvent   func(Event)

	mu         sync.Mutex
	links      map[string]*link
	reconnects map[string]chan struct{}
	closed     bool
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("missing transport")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("missing sessions")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	mets := opts.Metrics
	if mets == nil {
		mets = metrics.New()
	}
	return &Manager{
		transport:  opts.Transport,
		sessions:   opts.Sessions,
		registry:   opts.Registry,
		cfg:        opts.Config,
		log:        log,
		metrics:    mets,
		onInbound:  opts.OnInbound,
		onEvent:    opts.OnEvent,
		links:      make(map[string]*link),
		reconnects: make(map[string]chan struct{}),
	}, nil
}

// Connect establishes and authenticates a link to the device. It fails fast
// at capacity or when a non-terminal session already exists; callers wanting
// a slot should consult FindPeerToDisconnect first.
func (m *Manager) Connect(ctx context.Context, device peer.Device) error {
	if m.registry != nil && m.registry.IsBlocked(device.ID) {
		return ErrBlockedPeer
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if _, ok := m.links[device.ID]; ok {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	if len(m.links) >= m.cfg.MaxConnections {
		m.mu.Unlock()
		return ErrAtCapacity
	}
	l := &link{device: device, state: StateConnecting}
	m.links[device.ID] = l
	m.mu.Unlock()
	m.emit(device.ID, StateConnecting, nil)

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectionTimeout)
	conn, err := m.transport.Connect(dialCtx, device.ID)
	cancel()
	if err != nil {
		m.abort(device.ID, err)
		return fmt.Errorf("radio connect: %w", err)
	}

	m.setState(device.ID, StateAuthenticating)
	if err := m.sessions.AgreeKey(device.ID, device.AgreementKey); err != nil {
		_ = conn.Close()
		m.abort(device.ID, err)
		return fmt.Errorf("key agreement with %s: %w", device.ID, err)
	}

	peerID := device.ID
	conn.SetNotifyHandler(func(frame []byte) {
		m.inbound(peerID, frame)
	})

	now := time.Now()
	stop := make(chan struct{})
	m.mu.Lock()
	l, ok := m.links[device.ID]
	if !ok {
		// torn down while authenticating
		m.mu.Unlock()
		_ = conn.Close()
		m.sessions.Revoke(device.ID)
		return ErrNotConnected
	}
	l.conn = conn
	l.state = StateAuthenticated
	l.establishedAt = now
	l.health = Health{PeerID: device.ID, LastHeartbeat: now}
	l.stopHeartbeat = stop
	m.mu.Unlock()

	if m.registry != nil {
		m.registry.MarkConnected(device.ID, true)
	}
	m.metrics.AddSessions(1)
	go m.heartbeatLoop(device.ID, stop)
	m.log.Info("peer authenticated", zap.String("peer", device.ID))
	m.emit(device.ID, StateAuthenticated, nil)
	return nil
}

// Adopt installs an inbound connection accepted by the transport. The remote
// side dialed us; the session is derived from the same key material, so the
// link goes straight to Authenticated.
func (m *Manager) Adopt(device peer.Device, conn radio.Conn) error {
	if m.registry != nil && m.registry.IsBlocked(device.ID) {
		_ = conn.Close()
		return ErrBlockedPeer
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrNotConnected
	}
	if _, ok := m.links[device.ID]; ok {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrAlreadyConnected
	}
	if len(m.links) >= m.cfg.MaxConnections {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrAtCapacity
	}
	l := &link{device: device, state: StateAuthenticating}
	m.links[device.ID] = l
	m.mu.Unlock()

	if err := m.sessions.AgreeKey(device.ID, device.AgreementKey); err != nil {
		_ = conn.Close()
		m.abort(device.ID, err)
		return fmt.Errorf("key agreement with %s: %w", device.ID, err)
	}
	peerID := device.ID
	conn.SetNotifyHandler(func(frame []byte) {
		m.inbound(peerID, frame)
	})

	now := time.Now()
	stop := make(chan struct{})
	m.mu.Lock()
	l.conn = conn
	l.state = StateAuthenticated
	l.establishedAt = now
	l.health = Health{PeerID: device.ID, LastHeartbeat: now}
	l.stopHeartbeat = stop
	m.mu.Unlock()

	if m.registry != nil {
		m.registry.MarkConnected(device.ID, true)
	}
	m.metrics.AddSessions(1)
	go m.heartbeatLoop(device.ID, stop)
	m.emit(device.ID, StateAuthenticated, nil)
	return nil
}

// Disconnect tears the link down completely: heartbeat, session key, health
// record and any scheduled reconnect. It is idempotent and ignores radio
// close failures.
func (m *Manager) Disconnect(peerID string) {
	m.cancelReconnect(peerID)
	m.teardown(peerID, nil)
}

// Write sends one raw frame over an authenticated link.
func (m *Manager) Write(peerID string, frame []byte) error {
	m.mu.Lock()
	l, ok := m.links[peerID]
	if !ok || l.state != StateAuthenticated {
		m.mu.Unlock()
		return ErrNotConnected
	}
	conn := l.conn
	m.mu.Unlock()

	if err := conn.Write(frame); err != nil {
		m.mu.Lock()
		if cur, ok := m.links[peerID]; ok {
			cur.health.Errors++
		}
		m.mu.Unlock()
		return err
	}
	m.mu.Lock()
	if cur, ok := m.links[peerID]; ok {
		cur.health.MessagesSent++
	}
	m.mu.Unlock()
	m.metrics.Inc(m.metrics.FramesSent)
	return nil
}

func (m *Manager) MTU(peerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[peerID]
	if !ok || l.state != StateAuthenticated {
		return 0, ErrNotConnected
	}
	return l.conn.MTU(), nil
}

func (m *Manager) State(peerID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.links[peerID]; ok {
		return l.state
	}
	return StateDisconnected
}

func (m *Manager) Health(peerID string) (Health, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[peerID]
	if !ok {
		return Health{}, false
	}
	return l.health, true
}

func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}

// FindPeerToDisconnect picks the eviction candidate: lowest total message
// activity, ties broken by oldest establishment.
func (m *Manager) FindPeerToDisconnect() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		bestID    string
		bestScore int
		bestAt    time.Time
		found     bool
	)
	for id, l := range m.links {
		if l.state != StateAuthenticated {
			continue
		}
		score := l.health.MessagesSent + l.health.MessagesReceived
		if !found || score < bestScore || (score == bestScore && l.establishedAt.Before(bestAt)) {
			bestID, bestScore, bestAt, found = id, score, l.establishedAt, true
		}
	}
	return bestID, found
}

// Close disconnects every peer and rejects further connects.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.links))
	for id := range m.links {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Disconnect(id)
	}
}

// inbound runs on the transport's notify path. Every frame counts as a
// heartbeat before it is handed to the delivery layer.
func (m *Manager) inbound(peerID string, frame []byte) {
	m.mu.Lock()
	l, ok := m.links[peerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	l.health.LastHeartbeat = time.Now()
	l.health.MissedHeartbeats = 0
	l.health.MessagesReceived++
	m.mu.Unlock()

	if m.registry != nil {
		m.registry.RecordActivity(peerID)
	}
	m.metrics.Inc(m.metrics.FramesReceived)
	if m.onInbound != nil {
		m.onInbound(peerID, frame)
	}
}

func (m *Manager) heartbeatLoop(peerID string, stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			l, ok := m.links[peerID]
			if !ok || l.stopHeartbeat != stop {
				m.mu.Unlock()
				return
			}
			if time.Since(l.health.LastHeartbeat) <= m.cfg.ConnectionTimeout {
				l.health.MissedHeartbeats = 0
				m.mu.Unlock()
				continue
			}
			l.health.MissedHeartbeats++
			missed := l.health.MissedHeartbeats
			device := l.device
			m.mu.Unlock()

			m.metrics.Inc(m.metrics.HeartbeatsMissed)
			if missed < maxMissedHeartbeats {
				continue
			}
			m.log.Warn("heartbeat lost, disconnecting",
				zap.String("peer", peerID),
				zap.Int("missed", missed))
			m.teardown(peerID, errHeartbeatLost)
			if m.cfg.AutoReconnect {
				m.scheduleReconnect(device)
			}
			return
		}
	}
}

func (m *Manager) setState(peerID string, s State) {
	m.mu.Lock()
	if l, ok := m.links[peerID]; ok {
		l.state = s
	}
	m.mu.Unlock()
	m.emit(peerID, s, nil)
}

// abort removes a link that never reached Authenticated.
func (m *Manager) abort(peerID string, cause error) {
	m.mu.Lock()
	delete(m.links, peerID)
	m.mu.Unlock()
	m.emit(peerID, StateErrored, cause)
}

// teardown removes an authenticated link and all attached state. Safe to call
// multiple times; later calls are no-ops.
func (m *Manager) teardown(peerID string, cause error) {
	m.mu.Lock()
	l, ok := m.links[peerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.links, peerID)
	m.mu.Unlock()

	if l.stopHeartbeat != nil {
		close(l.stopHeartbeat)
		l.stopHeartbeat = nil
	}
	if l.conn != nil {
		if err := l.conn.Close(); err != nil {
			m.log.Debug("radio close", zap.String("peer", peerID), zap.Error(err))
		}
		m.metrics.AddSessions(-1)
	}
	m.sessions.Revoke(peerID)
	if m.registry != nil {
		m.registry.MarkConnected(peerID, false)
	}
	m.emit(peerID, StateDisconnected, cause)
}

// scheduleReconnect runs the bounded retry loop in the background: exactly
// MaxReconnectAttempts attempts spaced ReconnectDelay apart, then gives up
// silently. A successful connect or an explicit Disconnect stops it.
func (m *Manager) scheduleReconnect(device peer.Device) {
	cancel := make(chan struct{})
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if _, exists := m.reconnects[device.ID]; exists {
		m.mu.Unlock()
		return
	}
	m.reconnects[device.ID] = cancel
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			if m.reconnects[device.ID] == cancel {
				delete(m.reconnects, device.ID)
			}
			m.mu.Unlock()
		}()
		for attempt := 1; attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
			timer := time.NewTimer(m.cfg.ReconnectDelay)
			select {
			case <-cancel:
				timer.Stop()
				return
			case <-timer.C:
			}
			err := m.Connect(context.Background(), device)
			if err == nil || errors.Is(err, ErrAlreadyConnected) {
				return
			}
			m.log.Debug("reconnect attempt failed",
				zap.String("peer", device.ID),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		m.log.Info("reconnect attempts exhausted", zap.String("peer", device.ID))
	}()
}

func (m *Manager) cancelReconnect(peerID string) {
	m.mu.Lock()
	cancel, ok := m.reconnects[peerID]
	if ok {
		delete(m.reconnects, peerID)
	}
	m.mu.Unlock()
	if ok {
		close(cancel)
	}
}

func (m *Manager) emit(peerID string, s State, err error) {
	if m.onEvent == nil {
		return
	}
	m.onEvent(Event{PeerID: peerID, State: s, Err: err})
}
