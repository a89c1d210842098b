package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const (
	Version = 1

	// MaxMessageSize bounds a fully reassembled logical message.
	MaxMessageSize = 1 << 20
)

var (
	ErrVersionMismatch  = errors.New("wire: version mismatch")
	ErrMalformed        = errors.New("wire: malformed message")
	ErrOversize         = errors.New("wire: message too large")
	ErrMissingFragments = errors.New("wire: missing fragments")
	ErrOutOfOrder       = errors.New("wire: fragment sequence out of order")
)

// Message is the single envelope carried over the radio link. A message with
// TotalFragments > 1 is one fragment of a larger logical message and must be
// reassembled before verification or decryption.
type Message struct {
	Version        int    `cbor:"v"`
	ID             string `cbor:"id"`
	Type           string `cbor:"type"`
	Sequence       int    `cbor:"seq"`
	TotalFragments int    `cbor:"total"`
	Payload        []byte `cbor:"payload"`
	Signature      []byte `cbor:"sig,omitempty"`
	Timestamp      int64  `cbor:"ts"`
	From           string `cbor:"from"`
	To             string `cbor:"to"`
}

// Codec serializes messages with canonical CBOR so that signing bytes are
// stable across both ends of the link.
type Codec struct {
	encMode cbor.EncMode
	decMode cbor.DecMode
}

func NewCodec() (*Codec, error) {
	encMode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("wire: enc mode: %w", err)
	}
	decMode, err := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxArrayElements: 1024,
		MaxMapPairs:      1024,
		MaxNestedLevels:  16,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("wire: dec mode: %w", err)
	}
	return &Codec{encMode: encMode, decMode: decMode}, nil
}

func (c *Codec) Marshal(m Message) ([]byte, error) {
	if m.Version == 0 {
		m.Version = Version
	}
	data, err := c.encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(data) > MaxMessageSize {
		return nil, ErrOversize
	}
	return data, nil
}

func (c *Codec) Unmarshal(data []byte) (Message, error) {
	if len(data) == 0 || len(data) > MaxMessageSize {
		return Message{}, ErrMalformed
	}
	var m Message
	if err := c.decMode.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Version != Version {
		return Message{}, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, m.Version, Version)
	}
	return m, nil
}

// SigningBytes returns the canonical encoding of the envelope with the
// signature and fragmentation fields cleared. Signing happens on the whole
// logical message before it is split, so Sequence and TotalFragments sit
// below the signature and must not affect it.
func (c *Codec) SigningBytes(m Message) ([]byte, error) {
	m.Signature = nil
	m.Sequence = 0
	m.TotalFragments = 0
	return c.Marshal(m)
}
