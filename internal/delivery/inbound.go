package delivery

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meshpay/internal/wire"
)

// Inbound is the frame sink wired to the lifecycle manager. Fragments are
// buffered per (peer, base id) until complete; acks resolve pending sends
// without touching the crypto path; everything else is verified, decrypted,
// acked and dispatched by type.
func (d *Layer) Inbound(peerID string, frame []byte) {
	msg, err := d.codec.Unmarshal(frame)
	if err != nil {
		d.log.Debug("drop malformed frame", zap.String("peer", peerID), zap.Error(err))
		return
	}
	if msg.TotalFragments > 1 {
		complete, ok := d.bufferFragment(peerID, msg)
		if !ok {
			return
		}
		msg = complete
	}
	if msg.Type == wire.TypeAck {
		d.resolveAck(peerID, string(msg.Payload))
		return
	}
	if err := d.codec.Validate(msg, d.cfg.ReplayWindow); err != nil {
		d.log.Debug("drop invalid message",
			zap.String("peer", peerID),
			zap.String("msg", msg.ID),
			zap.Error(err))
		return
	}

	var signingKey []byte
	if d.registry != nil {
		if dev, err := d.registry.Get(peerID); err == nil {
			signingKey = dev.SigningKey
		}
	}
	plain, err := d.sessions.VerifyAndDecrypt(msg, peerID, signingKey)
	if err != nil {
		d.log.Warn("reject message",
			zap.String("peer", peerID),
			zap.String("msg", msg.ID),
			zap.Error(err))
		return
	}

	d.sendAck(peerID, msg.ID)

	d.mu.Lock()
	handler := d.handlers[msg.Type]
	d.mu.Unlock()
	if handler == nil {
		d.log.Info("no handler for message type",
			zap.String("peer", peerID),
			zap.String("type", msg.Type))
		return
	}
	handler(peerID, msg.Type, plain)
}

// bufferFragment stores one fragment and returns the reassembled message once
// the set is complete. Incomplete sets age out of the LRU.
func (d *Layer) bufferFragment(peerID string, frag wire.Message) (wire.Message, bool) {
	key := peerID + "|" + wire.BaseID(frag.ID)

	d.mu.Lock()
	buf, ok := d.reassembly.Get(key)
	if !ok {
		buf = &fragmentBuffer{total: frag.TotalFragments, parts: make(map[int]wire.Message)}
		d.reassembly.Add(key, buf)
	}
	if buf.total != frag.TotalFragments {
		// inconsistent declaration, restart the buffer
		buf = &fragmentBuffer{total: frag.TotalFragments, parts: make(map[int]wire.Message)}
		d.reassembly.Add(key, buf)
	}
	buf.parts[frag.Sequence] = frag
	if len(buf.parts) < buf.total {
		d.mu.Unlock()
		return wire.Message{}, false
	}
	frags := make([]wire.Message, 0, buf.total)
	for _, part := range buf.parts {
		frags = append(frags, part)
	}
	d.reassembly.Remove(key)
	d.mu.Unlock()

	msg, err := d.codec.Reassemble(frags)
	if err != nil {
		d.log.Debug("drop fragment set",
			zap.String("peer", peerID),
			zap.String("base", wire.BaseID(frag.ID)),
			zap.Error(err))
		return wire.Message{}, false
	}
	return msg, true
}

// resolveAck completes the pending send for originalID. Only the peer the
// message was addressed to may acknowledge it.
func (d *Layer) resolveAck(peerID, originalID string) {
	d.mu.Lock()
	job, ok := d.jobs[originalID]
	d.mu.Unlock()
	if !ok || job.peerID != peerID {
		return
	}
	d.metrics.Inc(d.metrics.AcksReceived)
	job.ackOnce.Do(func() { close(job.ack) })
}

// sendAck confirms receipt of one message. Acks are fire-and-forget: they are
// signed so the envelope validates, but never encrypted, retried or acked
// themselves.
func (d *Layer) sendAck(peerID, originalID string) {
	ack := wire.Message{
		Version:   wire.Version,
		ID:        uuid.NewString(),
		Type:      wire.TypeAck,
		Payload:   []byte(originalID),
		From:      d.localID,
		To:        peerID,
		Timestamp: time.Now().UnixMilli(),
	}
	sig, err := d.sessions.Sign(ack)
	if err != nil {
		d.log.Debug("sign ack", zap.String("peer", peerID), zap.Error(err))
		return
	}
	ack.Signature = sig
	raw, err := d.codec.Marshal(ack)
	if err != nil {
		d.log.Debug("marshal ack", zap.String("peer", peerID), zap.Error(err))
		return
	}
	if err := d.links.Write(peerID, raw); err != nil {
		d.log.Debug("write ack", zap.String("peer", peerID), zap.Error(err))
	}
}
