// Package keycap implements the capability link two peers exchange out of
// band. A link carries the session id plus a client-generated secret; the
// server never sees the secret itself, only a proof derived from it.
package keycap

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// SecretLength is the raw byte length of a generated link secret.
const SecretLength = 32

var ErrMalformedLink = errors.New("keycap: malformed capability link")

// Link is a parsed capability link.
type Link struct {
	SessionID string
	Secret    string
}

// NewSecret returns a fresh random link secret in unpadded base64url form.
func NewSecret() (string, error) {
	buf := make([]byte, SecretLength)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("keycap: generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Format renders a link as "{session_id}:{secret}".
func Format(sessionID, secret string) string {
	return sessionID + ":" + secret
}

// Parse splits a capability link into its session id and secret. Session ids
// never contain a colon, so the split is on the first one.
func Parse(link string) (Link, error) {
	id, secret, ok := strings.Cut(link, ":")
	if !ok || id == "" || secret == "" {
		return Link{}, ErrMalformedLink
	}
	return Link{SessionID: id, Secret: secret}, nil
}

// Proof derives the possession proof a client presents when authenticating.
// The proof key is HKDF-SHA256 expanded from the secret with the session id
// as salt, so the proof is useless outside its own session; the proof itself
// is an HMAC over the session id under that key. Both sides of a link compute
// the same value, and the server compares proofs without ever learning the
// secret.
func Proof(sessionID, secret string) string {
	r := hkdf.New(sha256.New, []byte(secret), []byte(sessionID), []byte("duolink proof v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		// HKDF over SHA-256 cannot fail for a 32-byte read.
		panic(err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(sessionID))
	return hex.EncodeToString(mac.Sum(nil))
}
