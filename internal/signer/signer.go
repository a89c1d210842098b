package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Service is the boundary to the device key store. The long-term signing key
// is opaque to callers: they receive signatures and verification results,
// never key material.
type Service interface {
	Sign(keyID string, data []byte) ([]byte, error)
	Verify(pub, data, sig []byte) bool
	PublicKey(keyID string) ([]byte, error)
}

var ErrUnknownKey = errors.New("signer: unknown key id")

// FileSigner keeps Ed25519 key pairs on disk, one directory per key id.
type FileSigner struct {
	mu   sync.Mutex
	root string
	keys map[string]ed25519.PrivateKey
}

func NewFileSigner(root string) (*FileSigner, error) {
	if root == "" {
		return nil, fmt.Errorf("signer: missing root dir")
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, err
	}
	return &FileSigner{root: root, keys: make(map[string]ed25519.PrivateKey)}, nil
}

// Generate creates and persists a new key pair under keyID, replacing any
// existing one.
func (s *FileSigner) Generate(keyID string) ([]byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, keyID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "pub.hex"), []byte(hex.EncodeToString(pub)), 0600); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "priv.hex"), []byte(hex.EncodeToString(priv)), 0600); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.keys[keyID] = priv
	s.mu.Unlock()
	return pub, nil
}

func (s *FileSigner) load(keyID string) (ed25519.PrivateKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if priv, ok := s.keys[keyID]; ok {
		return priv, nil
	}
	raw, err := os.ReadFile(filepath.Join(s.root, keyID, "priv.hex"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrUnknownKey
		}
		return nil, err
	}
	priv, err := hex.DecodeString(string(raw))
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signer: bad priv.hex for %s", keyID)
	}
	s.keys[keyID] = ed25519.PrivateKey(priv)
	return s.keys[keyID], nil
}

func (s *FileSigner) Sign(keyID string, data []byte) ([]byte, error) {
	priv, err := s.load(keyID)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(priv, data), nil
}

func (s *FileSigner) Verify(pub, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig)
}

func (s *FileSigner) PublicKey(keyID string) ([]byte, error) {
	priv, err := s.load(keyID)
	if err != nil {
		return nil, err
	}
	pub := priv.Public().(ed25519.PublicKey)
	out := make([]byte, len(pub))
	copy(out, pub)
	return out, nil
}

// MemorySigner holds key pairs in memory. Used by tests and the loopback demo.
type MemorySigner struct {
	mu   sync.Mutex
	keys map[string]ed25519.PrivateKey
}

func NewMemorySigner() *MemorySigner {
	return &MemorySigner{keys: make(map[string]ed25519.PrivateKey)}
}

func (s *MemorySigner) Generate(keyID string) ([]byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.keys[keyID] = priv
	s.mu.Unlock()
	return pub, nil
}

func (s *MemorySigner) Sign(keyID string, data []byte) ([]byte, error) {
	s.mu.Lock()
	priv, ok := s.keys[keyID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrUnknownKey
	}
	return ed25519.Sign(priv, data), nil
}

func (s *MemorySigner) Verify(pub, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig)
}

func (s *MemorySigner) PublicKey(keyID string) ([]byte, error) {
	s.mu.Lock()
	priv, ok := s.keys[keyID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrUnknownKey
	}
	pub := priv.Public().(ed25519.PublicKey)
	out := make([]byte, len(pub))
	copy(out, pub)
	return out, nil
}
