package radio

import (
	"context"
	"sync"
)

const memQueueSize = 256

// Hub links in-process transports together so tests and the loopback demo
// can run two nodes without a physical bearer.
type Hub struct {
	mu       sync.Mutex
	mtu      int
	nodes    map[string]*MemoryTransport
	scanners []chan Discovery
}

func NewHub(mtu int) *Hub {
	if mtu <= 0 {
		mtu = 512
	}
	return &Hub{mtu: mtu, nodes: make(map[string]*MemoryTransport)}
}

// Join registers a node and announces it to every active scanner.
func (h *Hub) Join(d Discovery) *MemoryTransport {
	t := &MemoryTransport{hub: h, local: d}
	h.mu.Lock()
	h.nodes[d.ID] = t
	scanners := make([]chan Discovery, len(h.scanners))
	copy(scanners, h.scanners)
	h.mu.Unlock()
	for _, ch := range scanners {
		select {
		case ch <- d:
		default:
		}
	}
	return t
}

// Announce refreshes a joined node's advertised identity and rebroadcasts it
// to every active scanner, the way a bearer repeats advertisements.
func (h *Hub) Announce(d Discovery) {
	h.mu.Lock()
	if t, ok := h.nodes[d.ID]; ok {
		t.local = d
	}
	scanners := make([]chan Discovery, len(h.scanners))
	copy(scanners, h.scanners)
	h.mu.Unlock()
	for _, ch := range scanners {
		select {
		case ch <- d:
		default:
		}
	}
}

func (h *Hub) SetOffline(id string, offline bool) {
	h.mu.Lock()
	if t, ok := h.nodes[id]; ok {
		t.offline = offline
	}
	h.mu.Unlock()
}

type MemoryTransport struct {
	hub     *Hub
	local   Discovery
	mu      sync.Mutex
	accept  AcceptHandler
	offline bool
	closed  bool
}

func (t *MemoryTransport) SetAcceptHandler(h AcceptHandler) {
	t.mu.Lock()
	t.accept = h
	t.mu.Unlock()
}

// Scan emits a snapshot of the other nodes already on the hub, then every
// later join, until ctx is cancelled.
func (t *MemoryTransport) Scan(ctx context.Context, filter ScanFilter) (<-chan Discovery, error) {
	ch := make(chan Discovery, memQueueSize)
	t.hub.mu.Lock()
	for id, node := range t.hub.nodes {
		if id == t.local.ID {
			continue
		}
		if filter.MinRSSI != 0 && node.local.RSSI < filter.MinRSSI {
			continue
		}
		select {
		case ch <- node.local:
		default:
		}
	}
	t.hub.scanners = append(t.hub.scanners, ch)
	t.hub.mu.Unlock()
	go func() {
		<-ctx.Done()
		t.hub.mu.Lock()
		for i, s := range t.hub.scanners {
			if s == ch {
				t.hub.scanners = append(t.hub.scanners[:i], t.hub.scanners[i+1:]...)
				break
			}
		}
		t.hub.mu.Unlock()
	}()
	return ch, nil
}

func (t *MemoryTransport) Connect(ctx context.Context, peerID string) (Conn, error) {
	t.hub.mu.Lock()
	remote, ok := t.hub.nodes[peerID]
	t.hub.mu.Unlock()
	if !ok || remote.isOffline() || t.isOffline() {
		return nil, ErrPeerUnreachable
	}
	local, far := newMemConnPair(t.hub.mtu)
	remote.mu.Lock()
	accept := remote.accept
	remote.mu.Unlock()
	if accept == nil {
		local.Close()
		return nil, ErrPeerUnreachable
	}
	accept(t.local.ID, far)
	return local, nil
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *MemoryTransport) isOffline() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offline || t.closed
}

// MemConn is one end of an in-process link. The fault knobs let tests force
// write failures and silent drops without a flaky bearer.
type MemConn struct {
	mu        sync.Mutex
	mtu       int
	peer      *MemConn
	notify    func([]byte)
	inbox     chan []byte
	closed    bool
	failNext  int
	dropNext  int
	closeOnce sync.Once
}

func newMemConnPair(mtu int) (*MemConn, *MemConn) {
	a := &MemConn{mtu: mtu, inbox: make(chan []byte, memQueueSize)}
	b := &MemConn{mtu: mtu, inbox: make(chan []byte, memQueueSize)}
	a.peer = b
	b.peer = a
	go a.pump()
	go b.pump()
	return a, b
}

// pump preserves per-connection delivery order while keeping Write
// non-blocking with respect to the receiver's handler.
func (c *MemConn) pump() {
	for frame := range c.inbox {
		c.mu.Lock()
		fn := c.notify
		c.mu.Unlock()
		if fn != nil {
			fn(frame)
		}
	}
}

func (c *MemConn) Write(p []byte) error {
	if len(p) > c.mtu {
		return ErrFrameTooLarge
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	if c.failNext > 0 {
		c.failNext--
		c.mu.Unlock()
		return ErrPeerUnreachable
	}
	drop := false
	if c.dropNext > 0 {
		c.dropNext--
		drop = true
	}
	peer := c.peer
	c.mu.Unlock()
	if drop {
		return nil
	}
	frame := make([]byte, len(p))
	copy(frame, p)
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.closed {
		return ErrConnClosed
	}
	select {
	case peer.inbox <- frame:
		return nil
	default:
		return ErrPeerUnreachable
	}
}

func (c *MemConn) SetNotifyHandler(fn func([]byte)) {
	c.mu.Lock()
	c.notify = fn
	c.mu.Unlock()
}

func (c *MemConn) MTU() int { return c.mtu }

// Close shuts down both ends. Each end tears itself down through closeLocal
// so neither Close re-enters the other's sync.Once.
func (c *MemConn) Close() error {
	c.closeLocal()
	if c.peer != nil {
		c.peer.closeLocal()
	}
	return nil
}

func (c *MemConn) closeLocal() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.inbox)
		c.mu.Unlock()
	})
}

func (c *MemConn) FailNextWrites(n int) {
	c.mu.Lock()
	c.failNext = n
	c.mu.Unlock()
}

func (c *MemConn) DropNextWrites(n int) {
	c.mu.Lock()
	c.dropNext = n
	c.mu.Unlock()
}
