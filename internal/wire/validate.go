package wire

import (
	"errors"
	"time"
)

// DefaultMaxAge is the replay window: messages older than this are rejected
// as stale.
const DefaultMaxAge = 5 * time.Minute

var (
	ErrIncomplete = errors.New("wire: missing required field")
	ErrStale      = errors.New("wire: message outside replay window")
)

// Validate checks structural completeness and freshness of a reassembled
// message. A failure is fatal to the message only, never to the connection.
func (c *Codec) Validate(m Message, maxAge time.Duration) error {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	switch {
	case m.ID == "", m.Type == "", m.From == "", m.To == "":
		return ErrIncomplete
	case len(m.Payload) == 0, len(m.Signature) == 0:
		return ErrIncomplete
	case m.Timestamp <= 0:
		return ErrIncomplete
	}
	age := time.Since(time.UnixMilli(m.Timestamp))
	if age > maxAge {
		return ErrStale
	}
	return nil
}
