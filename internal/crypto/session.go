package crypto

import (
	"crypto/ecdh"
	"errors"
	"fmt"
	"sync"
	"time"

	"meshpay/internal/signer"
	"meshpay/internal/wire"
)

const DefaultSessionTTL = 1 * time.Hour

var (
	ErrNoSession      = errors.New("crypto: no session for peer")
	ErrSessionExpired = errors.New("crypto: session expired")
	ErrBadSignature   = errors.New("crypto: signature verification failed")
)

type session struct {
	key       []byte
	createdAt time.Time
	expiresAt time.Time
}

// Sessions owns the per-peer symmetric session keys. Key material never
// leaves this package: callers get ciphertext, plaintext, or errors.
type Sessions struct {
	mu      sync.Mutex
	local   *ecdh.PrivateKey
	signer  signer.Service
	keyID   string
	codec   *wire.Codec
	ttl     time.Duration
	byPeer  map[string]*session
}

func NewSessions(local *ecdh.PrivateKey, sig signer.Service, keyID string, codec *wire.Codec, ttl time.Duration) (*Sessions, error) {
	if local == nil {
		return nil, fmt.Errorf("crypto: missing agreement key")
	}
	if sig == nil {
		return nil, fmt.Errorf("crypto: missing signer")
	}
	if codec == nil {
		return nil, fmt.Errorf("crypto: missing codec")
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Sessions{
		local:  local,
		signer: sig,
		keyID:  keyID,
		codec:  codec,
		ttl:    ttl,
		byPeer: make(map[string]*session),
	}, nil
}

// AgreementPublicKey returns the local X25519 public key to advertise.
func (s *Sessions) AgreementPublicKey() []byte {
	return s.local.PublicKey().Bytes()
}

// AgreeKey derives a session key with the peer and stores it under peerID,
// replacing any previous session. Both sides derive the same key from the
// same key pair, so nothing secret crosses the link.
func (s *Sessions) AgreeKey(peerID string, peerAgreementPub []byte) error {
	key, err := deriveSessionKey(s.local, peerAgreementPub)
	if err != nil {
		return err
	}
	now := time.Now()
	s.mu.Lock()
	if old, ok := s.byPeer[peerID]; ok {
		zeroBytes(old.key)
	}
	s.byPeer[peerID] = &session{key: key, createdAt: now, expiresAt: now.Add(s.ttl)}
	s.mu.Unlock()
	return nil
}

func (s *Sessions) get(peerID string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byPeer[peerID]
	if !ok {
		return nil, ErrNoSession
	}
	if time.Now().After(sess.expiresAt) {
		zeroBytes(sess.key)
		delete(s.byPeer, peerID)
		return nil, ErrSessionExpired
	}
	return sess, nil
}

func (s *Sessions) Encrypt(peerID string, plaintext []byte) ([]byte, error) {
	sess, err := s.get(peerID)
	if err != nil {
		return nil, err
	}
	return Seal(sess.key, plaintext)
}

func (s *Sessions) Decrypt(peerID string, sealed []byte) ([]byte, error) {
	sess, err := s.get(peerID)
	if err != nil {
		return nil, err
	}
	return Open(sess.key, sealed)
}

// HasValidSession reports whether a live session exists, revoking it first
// if it has expired.
func (s *Sessions) HasValidSession(peerID string) bool {
	_, err := s.get(peerID)
	return err == nil
}

func (s *Sessions) Revoke(peerID string) {
	s.mu.Lock()
	if sess, ok := s.byPeer[peerID]; ok {
		zeroBytes(sess.key)
		delete(s.byPeer, peerID)
	}
	s.mu.Unlock()
}

func (s *Sessions) ExpireAll() {
	s.mu.Lock()
	for id, sess := range s.byPeer {
		zeroBytes(sess.key)
		delete(s.byPeer, id)
	}
	s.mu.Unlock()
}

// Sign signs the canonical envelope bytes with the long-term device key.
func (s *Sessions) Sign(m wire.Message) ([]byte, error) {
	data, err := s.codec.SigningBytes(m)
	if err != nil {
		return nil, err
	}
	return s.signer.Sign(s.keyID, data)
}

// Verify checks the envelope signature against the peer's long-term key.
func (s *Sessions) Verify(m wire.Message, peerSigningPub []byte) bool {
	data, err := s.codec.SigningBytes(m)
	if err != nil {
		return false
	}
	return s.signer.Verify(peerSigningPub, data, m.Signature)
}

// EncryptAndSign seals the payload for the destination peer, replaces it in
// the envelope, then signs the resulting envelope. The whole logical message
// is protected before any fragmentation happens below it.
func (s *Sessions) EncryptAndSign(m wire.Message, peerID string) (wire.Message, error) {
	sealed, err := s.Encrypt(peerID, m.Payload)
	if err != nil {
		return wire.Message{}, err
	}
	m.Payload = sealed
	m.Signature = nil
	sig, err := s.Sign(m)
	if err != nil {
		return wire.Message{}, err
	}
	m.Signature = sig
	return m, nil
}

// VerifyAndDecrypt checks the signature first and fails closed on mismatch,
// then opens the payload with the peer's session key.
func (s *Sessions) VerifyAndDecrypt(m wire.Message, peerID string, peerSigningPub []byte) ([]byte, error) {
	if !s.Verify(m, peerSigningPub) {
		return nil, ErrBadSignature
	}
	return s.Decrypt(peerID, m.Payload)
}
