// Package session defines the session record shared by the control API, the
// session store and the signaling relay.
//
// A session is a capacity-bounded, time-bounded authorization record for
// exactly one pair of participants. It carries no identity and no message
// content; possession of the session identifier is the only credential.
package session

import (
	"time"

	"github.com/google/uuid"
)

// MaxParticipants is the hard cap on concurrent participants per session.
const MaxParticipants = 2

// Status describes a session's join capacity. It is a pure function of the
// participant count and is never stored independently of it.
type Status string

const (
	// StatusOpen means no participant has joined yet.
	StatusOpen Status = "OPEN"
	// StatusJoined means exactly one participant is present.
	StatusJoined Status = "JOINED"
	// StatusClosed means both slots are taken; further joins are rejected.
	StatusClosed Status = "CLOSED"
)

// StatusForCount maps a participant count to its status.
func StatusForCount(n int) Status {
	switch {
	case n <= 0:
		return StatusOpen
	case n == 1:
		return StatusJoined
	default:
		return StatusClosed
	}
}

// Session is the authoritative store record.
type Session struct {
	// ID is the opaque, unguessable session identifier (uuid v4).
	ID string `json:"session_id"`

	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is the logical expiry. The backing store additionally expires
	// the record via TTL; every read re-checks this field to self-heal against
	// drift between the two clocks.
	ExpiresAt time.Time `json:"expires_at"`

	// ParticipantCount is the number of logically joined participants, 0..2.
	ParticipantCount int `json:"participant_count"`
}

// NewID allocates a fresh session identifier.
func NewID() string {
	return uuid.NewString()
}

// Status derives the lifecycle status from the participant count.
func (s Session) Status() Status {
	return StatusForCount(s.ParticipantCount)
}

// Expired reports whether the logical expiry has passed at the given instant.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Remaining returns the time left until logical expiry, floored at zero.
func (s Session) Remaining(now time.Time) time.Duration {
	if s.Expired(now) {
		return 0
	}
	return s.ExpiresAt.Sub(now)
}

// Full reports whether both participant slots are taken.
func (s Session) Full() bool {
	return s.ParticipantCount >= MaxParticipants
}
