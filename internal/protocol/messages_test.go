package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		want    Type
		wantErr bool
	}{
		{"auth", `{"type":"auth","payload":{"sessionId":"abc"}}`, TypeAuth, false},
		{"offer with opaque payload", `{"type":"offer","payload":{"sdp":"v=0...","publicKey":"AAAA"}}`, TypeOffer, false},
		{"ice candidate", `{"type":"ice-candidate","payload":{"candidate":"candidate:1"}}`, TypeICECandidate, false},
		{"ready without payload", `{"type":"ready"}`, TypeReady, false},
		{"unknown type", `{"type":"broadcast"}`, "", true},
		{"unknown field", `{"type":"ready","extra":1}`, "", true},
		{"trailing data", `{"type":"ready"}{"type":"ready"}`, "", true},
		{"not json", `hello`, "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Parse([]byte(tc.raw))
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if msg.Type != tc.want {
				t.Fatalf("type = %q, want %q", msg.Type, tc.want)
			}
		})
	}
}

func TestParsePreservesPayloadBytes(t *testing.T) {
	payload := `{"sdp":"v=0\r\no=- 46117 2 IN IP4 127.0.0.1","publicKey":"MCowBQYDK2VuAyEA"}`
	raw := `{"type":"offer","payload":` + payload + `}`

	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(msg.Payload, []byte(payload)) {
		t.Fatalf("payload mutated:\n got %s\nwant %s", msg.Payload, payload)
	}

	// Round-tripping the frame must not disturb the opaque payload either.
	out, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), payload) {
		t.Fatalf("re-encoded frame mutated payload: %s", out)
	}
}

func TestParseAuth(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		msg := NewAuth("sess-1", "proof-1")
		p, err := ParseAuth(msg)
		if err != nil {
			t.Fatal(err)
		}
		if p.SessionID != "sess-1" || p.Proof != "proof-1" {
			t.Fatalf("payload = %+v", p)
		}
	})

	t.Run("missing session id", func(t *testing.T) {
		if _, err := ParseAuth(Message{Type: TypeAuth, Payload: json.RawMessage(`{}`)}); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("wrong type", func(t *testing.T) {
		if _, err := ParseAuth(NewReady()); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestNewAuthAck(t *testing.T) {
	msg := NewAuthAck(RoleResponder, 2)
	if msg.Type != TypeAuth {
		t.Fatalf("type = %q", msg.Type)
	}
	var p AuthAckPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if !p.Success || p.Role != RoleResponder || p.ParticipantCount != 2 {
		t.Fatalf("ack = %+v", p)
	}
}

func TestNewError(t *testing.T) {
	msg := NewError(CodeSessionFull, "session already has two participants")
	var p ErrorPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Code != CodeSessionFull {
		t.Fatalf("code = %q", p.Code)
	}
}
