package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// XChaCha20-Poly1305 sizes
	KeySize   = chacha20poly1305.KeySize
	NonceSize = chacha20poly1305.NonceSizeX

	sessionKeyLabel = "meshpay:session:v1"
)

var ErrKeyMaterial = errors.New("crypto: bad key material")

// Seal encrypts plaintext with a fresh random nonce and returns nonce||ct.
// A nonce is never reused for the same key: every call draws a new one.
func Seal(key, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: need %d byte key", ErrKeyMaterial, KeySize)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(out[:NonceSize]); err != nil {
		return nil, err
	}
	return aead.Seal(out, out[:NonceSize], plaintext, nil), nil
}

// Open decrypts nonce||ct produced by Seal.
func Open(key, sealed []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: need %d byte key", ErrKeyMaterial, KeySize)
	}
	if len(sealed) < NonceSize {
		return nil, fmt.Errorf("%w: sealed input too short", ErrKeyMaterial)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, sealed[:NonceSize], sealed[NonceSize:], nil)
}

// GenerateAgreementKey returns a new X25519 key pair for session key agreement.
func GenerateAgreementKey() (*ecdh.PrivateKey, error) {
	return ecdh.X25519().GenerateKey(rand.Reader)
}

// ParseAgreementKey parses 32 raw X25519 private key bytes.
func ParseAgreementKey(raw []byte) (*ecdh.PrivateKey, error) {
	return ecdh.X25519().NewPrivateKey(raw)
}

// deriveSessionKey runs X25519 between the local private key and the peer's
// public agreement key, then expands the shared secret with HKDF-SHA-256.
// The info binds the label and both public keys in a fixed order, so either
// side derives the same key without further exchange.
func deriveSessionKey(local *ecdh.PrivateKey, peerPub []byte) ([]byte, error) {
	if local == nil || len(peerPub) == 0 {
		return nil, ErrKeyMaterial
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMaterial, err)
	}
	shared, err := local.ECDH(pub)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(shared)

	a := local.PublicKey().Bytes()
	b := peerPub
	if lessBytes(b, a) {
		a, b = b, a
	}
	info := make([]byte, 0, len(sessionKeyLabel)+len(a)+len(b))
	info = append(info, sessionKeyLabel...)
	info = append(info, a...)
	info = append(info, b...)

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, info), key); err != nil {
		return nil, err
	}
	return key, nil
}

func lessBytes(a, b []byte) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
