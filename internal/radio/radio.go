// Package radio is the boundary to the short-range transport. The engine
// never issues bearer-specific calls directly: it sees peers appear on a scan
// stream, opens connections by peer id, and exchanges opaque frames bounded
// by the connection MTU.
package radio

import (
	"context"
	"errors"
)

var (
	ErrPeerUnreachable = errors.New("radio: peer unreachable")
	ErrConnClosed      = errors.New("radio: connection closed")
	ErrFrameTooLarge   = errors.New("radio: frame exceeds mtu")
)

// Discovery is one sighting of a nearby device as reported by the bearer.
type Discovery struct {
	ID           string
	DisplayName  string
	SigningKey   []byte
	AgreementKey []byte
	RSSI         int
	Addr         string
}

type ScanFilter struct {
	MinRSSI int
}

// Conn is a single established link to a peer. Write delivers one frame of
// at most MTU bytes; inbound frames arrive on the notify handler.
type Conn interface {
	Write(p []byte) error
	SetNotifyHandler(fn func(p []byte))
	MTU() int
	Close() error
}

// AcceptHandler receives connections initiated by the remote side.
type AcceptHandler func(peerID string, c Conn)

type Transport interface {
	Scan(ctx context.Context, filter ScanFilter) (<-chan Discovery, error)
	Connect(ctx context.Context, peerID string) (Conn, error)
	SetAcceptHandler(h AcceptHandler)
	Close() error
}
