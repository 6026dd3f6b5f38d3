// Package protocol defines the signaling wire format shared by the broker and
// its clients.
//
// Every frame is a tagged JSON object {type, payload}. Except for auth, the
// payload is opaque to the broker: it is copied verbatim from one connection
// to its peer and never decoded server-side. Keeping negotiation bodies and
// key material structurally invisible to the relay is what makes the
// zero-knowledge guarantee hold; do not add server-side validation of offer,
// answer or ice-candidate contents.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Type tags a signaling message.
type Type string

const (
	TypeAuth         Type = "auth"
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice-candidate"
	TypeReady        Type = "ready"
	TypePeerLeft     Type = "peer-left"
	TypeError        Type = "error"
)

func (t Type) known() bool {
	switch t {
	case TypeAuth, TypeOffer, TypeAnswer, TypeICECandidate, TypeReady, TypePeerLeft, TypeError:
		return true
	}
	return false
}

// Role is the fixed pairing role assigned by arrival order. The initiator
// drives offer creation; roles are never renegotiated within a session.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// Message is one signaling frame.
type Message struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuthPayload is the only payload the broker decodes.
type AuthPayload struct {
	SessionID string `json:"sessionId"`

	// Proof is an optional proof-of-possession of the capability secret.
	// The broker never learns the secret itself; it can only pin the first
	// proof seen for a session and require the second participant to match.
	Proof string `json:"proof,omitempty"`
}

// AuthAckPayload acknowledges a successful authentication.
type AuthAckPayload struct {
	Success          bool `json:"success"`
	Role             Role `json:"role"`
	ParticipantCount int  `json:"participant_count"`
}

// Error codes carried by ErrorPayload.
const (
	CodeSessionNotFound   = "session-not-found"
	CodeSessionFull       = "session-full"
	CodeMalformedMessage  = "malformed-message"
	CodeNotAuthenticated  = "not-authenticated"
	CodeBadProof          = "bad-proof"
	CodeRelayTargetAbsent = "relay-target-absent"
	CodeStoreUnavailable  = "store-unavailable"
)

// ErrorPayload is the body of a typed error frame. None of these are fatal to
// the broker; most are not fatal to the connection either.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Parse decodes and validates a single frame. The raw bytes should be kept by
// the caller: relayed frames are forwarded byte-for-byte, not re-encoded.
func Parse(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	if !msg.Type.known() {
		return Message{}, fmt.Errorf("unsupported message type %q", msg.Type)
	}
	return msg, nil
}

// ParseAuth decodes an auth payload.
func ParseAuth(msg Message) (AuthPayload, error) {
	if msg.Type != TypeAuth {
		return AuthPayload{}, fmt.Errorf("message type %q is not auth", msg.Type)
	}
	var p AuthPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return AuthPayload{}, fmt.Errorf("decode auth payload: %w", err)
	}
	if p.SessionID == "" {
		return AuthPayload{}, fmt.Errorf("auth payload missing sessionId")
	}
	return p, nil
}

// NewAuth builds an auth frame.
func NewAuth(sessionID, proof string) Message {
	return mustMessage(TypeAuth, AuthPayload{SessionID: sessionID, Proof: proof})
}

// NewAuthAck builds the acknowledgment for a successful auth.
func NewAuthAck(role Role, participants int) Message {
	return mustMessage(TypeAuth, AuthAckPayload{
		Success:          true,
		Role:             role,
		ParticipantCount: participants,
	})
}

// NewReady builds the session-wide readiness broadcast.
func NewReady() Message {
	return Message{Type: TypeReady}
}

// NewPeerLeft builds the departure notification. peer-left is a normal
// lifecycle event, not an error.
func NewPeerLeft() Message {
	return Message{Type: TypePeerLeft}
}

// NewError builds a typed error frame.
func NewError(code, text string) Message {
	return mustMessage(TypeError, ErrorPayload{Code: code, Message: text})
}

// NewRelayed builds a frame of the given type around an opaque payload.
func NewRelayed(t Type, payload json.RawMessage) Message {
	return Message{Type: t, Payload: payload}
}

func mustMessage(t Type, payload any) Message {
	raw, err := json.Marshal(payload)
	if err != nil {
		// All payload types above marshal unconditionally.
		panic(err)
	}
	return Message{Type: t, Payload: raw}
}
