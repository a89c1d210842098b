package crypto

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"meshpay/internal/signer"
	"meshpay/internal/wire"
)

func newTestPair(t *testing.T, ttl time.Duration) (*Sessions, *Sessions, *signer.MemorySigner) {
	t.Helper()
	codec, err := wire.NewCodec()
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	sig := signer.NewMemorySigner()
	for _, id := range []string{"a", "b"} {
		if _, err := sig.Generate(id); err != nil {
			t.Fatalf("generate key %s: %v", id, err)
		}
	}
	privA, err := GenerateAgreementKey()
	if err != nil {
		t.Fatalf("agreement key: %v", err)
	}
	privB, err := GenerateAgreementKey()
	if err != nil {
		t.Fatalf("agreement key: %v", err)
	}
	sa, err := NewSessions(privA, sig, "a", codec, ttl)
	if err != nil {
		t.Fatalf("sessions a: %v", err)
	}
	sb, err := NewSessions(privB, sig, "b", codec, ttl)
	if err != nil {
		t.Fatalf("sessions b: %v", err)
	}
	return sa, sb, sig
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	sa, sb, _ := newTestPair(t, 0)
	if err := sa.AgreeKey("peer-b", sb.AgreementPublicKey()); err != nil {
		t.Fatalf("agree a: %v", err)
	}
	if err := sb.AgreeKey("peer-a", sa.AgreementPublicKey()); err != nil {
		t.Fatalf("agree b: %v", err)
	}
	plain := []byte("forty-two coins")
	sealed, err := sa.Encrypt("peer-b", plain)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := sb.Decrypt("peer-a", sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("round trip mismatch")
	}
}

func TestEncryptNonceFreshness(t *testing.T) {
	sa, sb, _ := newTestPair(t, 0)
	if err := sa.AgreeKey("peer-b", sb.AgreementPublicKey()); err != nil {
		t.Fatalf("agree: %v", err)
	}
	plain := []byte("same plaintext")
	c1, err := sa.Encrypt("peer-b", plain)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	c2, err := sa.Encrypt("peer-b", plain)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Equal(c1, c2) {
		t.Fatalf("two encryptions of the same plaintext are identical")
	}
}

func TestNoSession(t *testing.T) {
	sa, _, _ := newTestPair(t, 0)
	if _, err := sa.Encrypt("stranger", []byte("x")); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected no session, got %v", err)
	}
	if sa.HasValidSession("stranger") {
		t.Fatalf("phantom session")
	}
}

func TestSessionExpiry(t *testing.T) {
	sa, sb, _ := newTestPair(t, 10*time.Millisecond)
	if err := sa.AgreeKey("peer-b", sb.AgreementPublicKey()); err != nil {
		t.Fatalf("agree: %v", err)
	}
	if !sa.HasValidSession("peer-b") {
		t.Fatalf("session should be live")
	}
	time.Sleep(30 * time.Millisecond)
	if _, err := sa.Encrypt("peer-b", []byte("x")); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
	// Expiry check auto-revokes: the follow-up sees no session at all.
	if _, err := sa.Encrypt("peer-b", []byte("x")); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected no session after auto-revoke, got %v", err)
	}
}

func TestRevokeAndExpireAll(t *testing.T) {
	sa, sb, _ := newTestPair(t, 0)
	if err := sa.AgreeKey("peer-b", sb.AgreementPublicKey()); err != nil {
		t.Fatalf("agree: %v", err)
	}
	sa.Revoke("peer-b")
	if sa.HasValidSession("peer-b") {
		t.Fatalf("revoked session still live")
	}
	if err := sa.AgreeKey("peer-b", sb.AgreementPublicKey()); err != nil {
		t.Fatalf("agree: %v", err)
	}
	sa.ExpireAll()
	if sa.HasValidSession("peer-b") {
		t.Fatalf("session survived ExpireAll")
	}
}

func TestEncryptAndSignVerifyAndDecrypt(t *testing.T) {
	sa, sb, sig := newTestPair(t, 0)
	if err := sa.AgreeKey("peer-b", sb.AgreementPublicKey()); err != nil {
		t.Fatalf("agree a: %v", err)
	}
	if err := sb.AgreeKey("peer-a", sa.AgreementPublicKey()); err != nil {
		t.Fatalf("agree b: %v", err)
	}
	pubA, err := sig.PublicKey("a")
	if err != nil {
		t.Fatalf("pubkey: %v", err)
	}
	m := wire.Message{
		Version:        wire.Version,
		ID:             "m1",
		Type:           "payment_request",
		TotalFragments: 1,
		Payload:        []byte("pay me"),
		Timestamp:      time.Now().UnixMilli(),
		From:           "peer-a",
		To:             "peer-b",
	}
	signed, err := sa.EncryptAndSign(m, "peer-b")
	if err != nil {
		t.Fatalf("encrypt and sign: %v", err)
	}
	if bytes.Equal(signed.Payload, m.Payload) {
		t.Fatalf("payload not encrypted")
	}
	plain, err := sb.VerifyAndDecrypt(signed, "peer-a", pubA)
	if err != nil {
		t.Fatalf("verify and decrypt: %v", err)
	}
	if !bytes.Equal(plain, m.Payload) {
		t.Fatalf("plaintext mismatch")
	}
}

func TestVerifyAndDecryptFailsClosedOnBadSignature(t *testing.T) {
	sa, sb, sig := newTestPair(t, 0)
	if err := sa.AgreeKey("peer-b", sb.AgreementPublicKey()); err != nil {
		t.Fatalf("agree a: %v", err)
	}
	if err := sb.AgreeKey("peer-a", sa.AgreementPublicKey()); err != nil {
		t.Fatalf("agree b: %v", err)
	}
	pubA, err := sig.PublicKey("a")
	if err != nil {
		t.Fatalf("pubkey: %v", err)
	}
	m := wire.Message{
		Version:        wire.Version,
		ID:             "m2",
		Type:           "payment_request",
		TotalFragments: 1,
		Payload:        []byte("pay me"),
		Timestamp:      time.Now().UnixMilli(),
		From:           "peer-a",
		To:             "peer-b",
	}
	signed, err := sa.EncryptAndSign(m, "peer-b")
	if err != nil {
		t.Fatalf("encrypt and sign: %v", err)
	}
	signed.To = "peer-c"
	if _, err := sb.VerifyAndDecrypt(signed, "peer-a", pubA); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected bad signature, got %v", err)
	}
}

func TestSealOpenTamper(t *testing.T) {
	key := bytes.Repeat([]byte{0x07}, KeySize)
	sealed, err := Seal(key, []byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xff
	if _, err := Open(key, sealed); err == nil {
		t.Fatalf("expected tamper failure")
	}
}
