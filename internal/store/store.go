// Package store persists session records in a TTL-capable key-value store.
//
// The store owns the authoritative copy of every session. The signaling relay
// keeps a derived, process-local view of live transports and reconciles it
// against this store; it never trusts its own view alone.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/duolink/duolink/internal/session"
)

var (
	// ErrSessionNotFound is returned for identifiers that are unknown or whose
	// record has expired.
	ErrSessionNotFound = errors.New("session not found or expired")

	// ErrSessionFull is returned by Join when both participant slots are taken.
	ErrSessionFull = errors.New("session full")

	// ErrStoreUnavailable wraps failures of the backing store itself. Callers
	// surface it as a generic server error without backend detail.
	ErrStoreUnavailable = errors.New("session store unavailable")
)

// Store is the session persistence contract.
//
// Join must be atomic with respect to concurrent callers for the same
// identifier: it is a single conditional update at the storage layer, never a
// separate read followed by a separate write. Two relay processes sharing one
// store may race on the same session and exactly one of them must win the
// second slot.
type Store interface {
	// Create allocates a new identifier and writes an empty record whose TTL is
	// the given expiry (already clamped by the caller).
	Create(ctx context.Context, expiry time.Duration) (session.Session, error)

	// Get returns the record if present and unexpired. A record whose logical
	// expiry has passed is deleted on the spot and reported as not found.
	Get(ctx context.Context, id string) (session.Session, error)

	// Join increments the participant count if and only if the record exists,
	// is unexpired and has a free slot. The record is persisted with a
	// refreshed TTL equal to its remaining time-to-live.
	Join(ctx context.Context, id string) (session.Session, error)

	// Leave decrements the participant count, floored at zero. It never
	// deletes the record: a fully-vacated session stays diagnosable as "was
	// full" until its TTL runs out.
	Leave(ctx context.Context, id string) error

	// Delete removes the record unconditionally.
	Delete(ctx context.Context, id string) error

	// Close releases backend resources.
	Close() error
}
