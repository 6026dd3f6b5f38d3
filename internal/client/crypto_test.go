package client

import (
	"bytes"
	"testing"
)

func TestKeyAgreement_BothSidesDeriveSameKey(t *testing.T) {
	a, err := NewKeyPair()
	if err != nil {
		t.Fatalf("new key pair: %v", err)
	}
	b, err := NewKeyPair()
	if err != nil {
		t.Fatalf("new key pair: %v", err)
	}

	bPub, err := ParsePublicKey(b.PublicKey())
	if err != nil {
		t.Fatalf("parse public key: %v", err)
	}
	aPub, err := ParsePublicKey(a.PublicKey())
	if err != nil {
		t.Fatalf("parse public key: %v", err)
	}

	const secret = "link-secret"
	keyA, err := a.SharedSecret(bPub, secret)
	if err != nil {
		t.Fatalf("shared secret: %v", err)
	}
	keyB, err := b.SharedSecret(aPub, secret)
	if err != nil {
		t.Fatalf("shared secret: %v", err)
	}
	if !bytes.Equal(keyA, keyB) {
		t.Fatalf("derived keys differ:\n a: %x\n b: %x", keyA, keyB)
	}

	// A squatter with the right key pair but the wrong link secret derives a
	// different key.
	keyC, err := a.SharedSecret(bPub, "stolen-slot")
	if err != nil {
		t.Fatalf("shared secret: %v", err)
	}
	if bytes.Equal(keyA, keyC) {
		t.Fatalf("key identical across link secrets")
	}
}

func TestSecureChannel_SealOpenRoundTrip(t *testing.T) {
	a, _ := NewKeyPair()
	b, _ := NewKeyPair()
	bPub, _ := ParsePublicKey(b.PublicKey())
	key, err := a.SharedSecret(bPub, "s")
	if err != nil {
		t.Fatalf("shared secret: %v", err)
	}

	ch, err := NewSecureChannel(key)
	if err != nil {
		t.Fatalf("new secure channel: %v", err)
	}

	plain := []byte("the meeting is at noon")
	sealed, err := ch.Seal(plain)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, plain) {
		t.Fatalf("sealed frame leaks plaintext")
	}

	got, err := ch.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("round trip = %q, want %q", got, plain)
	}

	// Distinct frames never share a nonce.
	sealed2, err := ch.Seal(plain)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Equal(sealed, sealed2) {
		t.Fatalf("two frames sealed identically")
	}
}

func TestSecureChannel_RejectsTamperedFrame(t *testing.T) {
	key := make([]byte, 32)
	ch, err := NewSecureChannel(key)
	if err != nil {
		t.Fatalf("new secure channel: %v", err)
	}

	sealed, err := ch.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0x01

	if _, err := ch.Open(sealed); err == nil {
		t.Fatalf("tampered frame opened")
	}

	if _, err := ch.Open([]byte("short")); err == nil {
		t.Fatalf("truncated frame opened")
	}
}

func TestParsePublicKey_Invalid(t *testing.T) {
	for _, in := range []string{"", "not base64!!", "c2hvcnQ"} {
		if _, err := ParsePublicKey(in); err == nil {
			t.Errorf("ParsePublicKey(%q) succeeded, want error", in)
		}
	}
}
