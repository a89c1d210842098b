package wire

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// fragmentSlack absorbs CBOR length-header growth between the empty-payload
// probe and a full chunk.
const fragmentSlack = 8

// Fragment splits a message whose serialized envelope exceeds maxFragmentBytes
// into ordered payload chunks. Each chunk is wrapped in a full envelope that is
// itself size-checked, so no single write can exceed the transport MTU even
// when the signature is large. Messages that already fit are returned as-is.
func (c *Codec) Fragment(m Message, maxFragmentBytes int) ([]Message, error) {
	if maxFragmentBytes <= 0 {
		return nil, fmt.Errorf("wire: invalid max fragment size %d", maxFragmentBytes)
	}
	raw, err := c.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(raw) <= maxFragmentBytes {
		return []Message{m}, nil
	}

	probe := m
	probe.ID = fragmentID(m.ID, 9999)
	probe.Sequence = 9999
	probe.TotalFragments = 9999
	probe.Payload = nil
	probeRaw, err := c.Marshal(probe)
	if err != nil {
		return nil, err
	}
	chunkSize := maxFragmentBytes - len(probeRaw) - fragmentSlack
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: envelope overhead %d leaves no payload room under %d",
			ErrOversize, len(probeRaw), maxFragmentBytes)
	}

	for {
		total := (len(m.Payload) + chunkSize - 1) / chunkSize
		frags := make([]Message, 0, total)
		fit := true
		for i := 0; i < total; i++ {
			start := i * chunkSize
			end := start + chunkSize
			if end > len(m.Payload) {
				end = len(m.Payload)
			}
			f := m
			f.ID = fragmentID(m.ID, i)
			f.Sequence = i
			f.TotalFragments = total
			f.Payload = m.Payload[start:end]
			fragRaw, err := c.Marshal(f)
			if err != nil {
				return nil, err
			}
			if len(fragRaw) > maxFragmentBytes {
				fit = false
				break
			}
			frags = append(frags, f)
		}
		if fit {
			return frags, nil
		}
		chunkSize -= fragmentSlack
		if chunkSize <= 0 {
			return nil, ErrOversize
		}
	}
}

// Reassemble rebuilds the logical message from a complete fragment set. The
// fragments may arrive in any order; the sorted sequence numbers must form the
// contiguous range [0, TotalFragments).
func (c *Codec) Reassemble(frags []Message) (Message, error) {
	if len(frags) == 0 {
		return Message{}, ErrMissingFragments
	}
	total := frags[0].TotalFragments
	if total <= 1 && len(frags) == 1 {
		return frags[0], nil
	}
	if len(frags) != total {
		return Message{}, fmt.Errorf("%w: have %d of %d", ErrMissingFragments, len(frags), total)
	}
	sorted := make([]Message, len(frags))
	copy(sorted, frags)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })
	size := 0
	for i, f := range sorted {
		if f.TotalFragments != total {
			return Message{}, fmt.Errorf("%w: inconsistent fragment count", ErrMissingFragments)
		}
		if f.Sequence != i {
			return Message{}, fmt.Errorf("%w: sequence %d at position %d", ErrOutOfOrder, f.Sequence, i)
		}
		size += len(f.Payload)
	}
	if size > MaxMessageSize {
		return Message{}, ErrOversize
	}
	payload := make([]byte, 0, size)
	for _, f := range sorted {
		payload = append(payload, f.Payload...)
	}
	out := sorted[0]
	out.ID = BaseID(sorted[0].ID)
	out.Sequence = 0
	out.TotalFragments = 1
	out.Payload = payload
	return out, nil
}

func fragmentID(base string, index int) string {
	return base + ":" + strconv.Itoa(index)
}

// BaseID strips the fragment index suffix, if any, from a message ID.
func BaseID(id string) string {
	idx := strings.LastIndexByte(id, ':')
	if idx == -1 {
		return id
	}
	if _, err := strconv.Atoi(id[idx+1:]); err != nil {
		return id
	}
	return id[:idx]
}
