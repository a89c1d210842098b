// Package peer tracks nearby devices and the trust placed in them.
package peer

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"meshpay/internal/radio"
	"meshpay/internal/storage"
)

type TrustLevel int

const (
	TrustDiscovered TrustLevel = iota
	TrustPending
	TrustTrusted
	TrustBlocked
)

func (t TrustLevel) String() string {
	switch t {
	case TrustDiscovered:
		return "discovered"
	case TrustPending:
		return "pending"
	case TrustTrusted:
		return "trusted"
	case TrustBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrBadTransition = errors.New("invalid trust transition")
)

// Device is one sighting-merged view of a nearby node.
type Device struct {
	ID           string
	DisplayName  string
	SigningKey   []byte
	AgreementKey []byte
	Addr         string
	RSSI         int
	Trust        TrustLevel
	FirstSeen    time.Time
	LastSeen     time.Time
	Connected    bool
	Messages     int
}

type EventKind int

const (
	EventDiscovered EventKind = iota
	EventTrustChanged
	EventBlocked
)

type Event struct {
	Kind   EventKind
	Device Device
}

const trustStateKey = "peer:trust"

// persisted trust plus the block set, written through storage on change.
type trustState struct {
	Levels  map[string]TrustLevel `cbor:"levels"`
	Blocked []string              `cbor:"blocked"`
}

type Options struct {
	Store  storage.Store
	Logger *zap.Logger
}

type Registry struct {
	mu      sync.Mutex
	devices map[string]*Device
	blocked map[string]bool
	// trustCache restores levels for devices seen in earlier runs.
	trustCache map[string]TrustLevel
	store      storage.Store
	log        *zap.Logger
	subs       []chan Event
}

func NewRegistry(opts Options) *Registry {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{
		devices:    make(map[string]*Device),
		blocked:    make(map[string]bool),
		trustCache: make(map[string]TrustLevel),
		store:      opts.Store,
		log:        log,
	}
	r.loadTrust()
	return r
}

// Observe merges a discovery sighting into the table. The first sighting of a
// device starts at TrustDiscovered (or its persisted level from an earlier
// run); later sightings refresh keys, address, signal strength and LastSeen
// without touching trust. Sightings of blocked devices are ignored.
func (r *Registry) Observe(d radio.Discovery) (Device, bool) {
	now := time.Now()
	r.mu.Lock()
	if r.blocked[d.ID] {
		r.mu.Unlock()
		return Device{ID: d.ID, Trust: TrustBlocked}, false
	}
	dev, known := r.devices[d.ID]
	if !known {
		dev = &Device{
			ID:        d.ID,
			Trust:     TrustDiscovered,
			FirstSeen: now,
		}
		if saved, found := r.trustCache[d.ID]; found {
			dev.Trust = saved
		}
		r.devices[d.ID] = dev
	}
	if d.DisplayName != "" {
		dev.DisplayName = d.DisplayName
	}
	if len(d.SigningKey) > 0 && !bytes.Equal(dev.SigningKey, d.SigningKey) {
		dev.SigningKey = append([]byte(nil), d.SigningKey...)
	}
	if len(d.AgreementKey) > 0 && !bytes.Equal(dev.AgreementKey, d.AgreementKey) {
		dev.AgreementKey = append([]byte(nil), d.AgreementKey...)
	}
	if d.Addr != "" {
		dev.Addr = d.Addr
	}
	dev.RSSI = d.RSSI
	dev.LastSeen = now
	snapshot := *dev
	r.mu.Unlock()

	if !known {
		r.publish(Event{Kind: EventDiscovered, Device: snapshot})
	}
	return snapshot, true
}

func (r *Registry) Get(id string) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[id]
	if !ok {
		return Device{}, ErrUnknownDevice
	}
	return *dev, nil
}

func (r *Registry) List() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Device, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, *dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetTrust enforces forward-only promotion: discovered -> pending -> trusted.
// TrustBlocked routes through Block.
func (r *Registry) SetTrust(id string, level TrustLevel) error {
	if level == TrustBlocked {
		return r.Block(id)
	}
	r.mu.Lock()
	dev, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownDevice
	}
	if !validPromotion(dev.Trust, level) {
		r.mu.Unlock()
		return ErrBadTransition
	}
	dev.Trust = level
	snapshot := *dev
	r.mu.Unlock()

	r.saveTrust()
	r.publish(Event{Kind: EventTrustChanged, Device: snapshot})
	return nil
}

// Block drops the device from the table and records it in the persisted block
// set. Future sightings are ignored until Unblock.
func (r *Registry) Block(id string) error {
	r.mu.Lock()
	if r.blocked[id] {
		r.mu.Unlock()
		return ErrBadTransition
	}
	dev, known := r.devices[id]
	if !known {
		r.mu.Unlock()
		return ErrUnknownDevice
	}
	snapshot := *dev
	snapshot.Trust = TrustBlocked
	delete(r.devices, id)
	r.blocked[id] = true
	r.mu.Unlock()

	r.saveTrust()
	r.publish(Event{Kind: EventBlocked, Device: snapshot})
	return nil
}

// Unblock clears the block; the device re-enters the table as Discovered on
// its next sighting.
func (r *Registry) Unblock(id string) error {
	r.mu.Lock()
	if !r.blocked[id] {
		r.mu.Unlock()
		return ErrBadTransition
	}
	delete(r.blocked, id)
	delete(r.trustCache, id)
	r.mu.Unlock()

	r.saveTrust()
	return nil
}

func (r *Registry) IsBlocked(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blocked[id]
}

func (r *Registry) MarkConnected(id string, connected bool) {
	r.mu.Lock()
	if dev, ok := r.devices[id]; ok {
		dev.Connected = connected
	}
	r.mu.Unlock()
}

func (r *Registry) RecordActivity(id string) {
	r.mu.Lock()
	if dev, ok := r.devices[id]; ok {
		dev.Messages++
		dev.LastSeen = time.Now()
	}
	r.mu.Unlock()
}

func validPromotion(from, to TrustLevel) bool {
	switch from {
	case TrustDiscovered:
		return to == TrustPending
	case TrustPending:
		return to == TrustTrusted
	default:
		return false
	}
}

// Subscribe returns a buffered event channel. Slow consumers lose events
// rather than stalling the registry.
func (r *Registry) Subscribe() <-chan Event {
	ch := make(chan Event, 32)
	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()
	return ch
}

func (r *Registry) publish(ev Event) {
	r.mu.Lock()
	subs := make([]chan Event, len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// loadTrust restores persisted trust levels and the block set. A missing key
// or decode failure is not fatal; the registry starts empty.
func (r *Registry) loadTrust() {
	if r.store == nil {
		return
	}
	raw, err := r.store.Get(context.Background(), trustStateKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.log.Warn("load trust state", zap.Error(err))
		}
		return
	}
	var state trustState
	if err := cbor.Unmarshal(raw, &state); err != nil {
		r.log.Warn("decode trust state", zap.Error(err))
		return
	}
	if state.Levels != nil {
		r.trustCache = state.Levels
	}
	for _, id := range state.Blocked {
		r.blocked[id] = true
	}
}

// saveTrust writes the current trust map and block set. Persistence failures
// are logged and otherwise ignored; the in-memory table stays authoritative.
func (r *Registry) saveTrust() {
	if r.store == nil {
		return
	}
	r.mu.Lock()
	state := trustState{Levels: make(map[string]TrustLevel)}
	for id, dev := range r.devices {
		if dev.Trust != TrustDiscovered {
			state.Levels[id] = dev.Trust
		}
	}
	for id := range r.blocked {
		state.Blocked = append(state.Blocked, id)
	}
	sort.Strings(state.Blocked)
	r.trustCache = state.Levels
	r.mu.Unlock()

	raw, err := cbor.Marshal(state)
	if err != nil {
		r.log.Warn("encode trust state", zap.Error(err))
		return
	}
	if err := r.store.Put(context.Background(), trustStateKey, raw); err != nil {
		r.log.Warn("persist trust state", zap.Error(err))
	}
}
