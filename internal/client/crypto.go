package client

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var ErrDecryptFailed = errors.New("client: decrypt failed")

// KeyPair is an ephemeral X25519 key pair minted per handshake. Neither half
// ever reaches the broker; only the public key rides inside relayed payloads.
type KeyPair struct {
	priv [32]byte
	pub  [32]byte
}

func NewKeyPair() (*KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.priv[:]); err != nil {
		return nil, fmt.Errorf("client: generate key pair: %w", err)
	}
	kp.priv[0] &= 248
	kp.priv[31] &= 127
	kp.priv[31] |= 64

	pub, err := curve25519.X25519(kp.priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("client: derive public key: %w", err)
	}
	copy(kp.pub[:], pub)
	return &kp, nil
}

// PublicKey returns the public half in base64url as it appears on the wire.
func (kp *KeyPair) PublicKey() string {
	return base64.RawURLEncoding.EncodeToString(kp.pub[:])
}

// ParsePublicKey decodes a peer public key from its wire form.
func ParsePublicKey(s string) ([32]byte, error) {
	var pub [32]byte
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return pub, fmt.Errorf("client: decode peer public key: %w", err)
	}
	if len(raw) != 32 {
		return pub, fmt.Errorf("client: peer public key is %d bytes, want 32", len(raw))
	}
	copy(pub[:], raw)
	return pub, nil
}

// SharedSecret runs X25519 against the peer public key and expands the result
// with HKDF-SHA256 into the symmetric session key. The link secret is the HKDF
// salt: a party that squatted a session slot without the capability link
// derives a different key and decrypts nothing.
func (kp *KeyPair) SharedSecret(peerPub [32]byte, linkSecret string) ([]byte, error) {
	dh, err := curve25519.X25519(kp.priv[:], peerPub[:])
	if err != nil {
		return nil, fmt.Errorf("client: key agreement: %w", err)
	}
	r := hkdf.New(sha256.New, dh, []byte(linkSecret), []byte("duolink channel v1"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("client: expand shared key: %w", err)
	}
	return key, nil
}

// SecureChannel seals and opens data channel payloads with ChaCha20-Poly1305.
// Every sealed frame carries its own random nonce as a prefix.
type SecureChannel struct {
	aead cipher.AEAD
}

func NewSecureChannel(key []byte) (*SecureChannel, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("client: init aead: %w", err)
	}
	return &SecureChannel{aead: aead}, nil
}

func (c *SecureChannel) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSize, chacha20poly1305.NonceSize+len(plaintext)+c.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("client: generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *SecureChannel) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSize {
		return nil, ErrDecryptFailed
	}
	nonce, ciphertext := sealed[:chacha20poly1305.NonceSize], sealed[chacha20poly1305.NonceSize:]
	plain, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plain, nil
}
