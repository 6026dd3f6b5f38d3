package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duolink/duolink/internal/protocol"
)

const signalWriteWait = 5 * time.Second

// SignalConn is the client side of the broker's signaling channel.
type SignalConn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
}

// SignalURL converts a broker base URL into the signaling endpoint URL.
func SignalURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("client: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
	u.Path = "/signal"
	return u.String(), nil
}

// DialSignal connects to the broker's signaling endpoint.
func DialSignal(ctx context.Context, baseURL string) (*SignalConn, error) {
	wsURL, err := SignalURL(baseURL)
	if err != nil {
		return nil, err
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial signaling: %w", err)
	}
	return &SignalConn{ws: ws}, nil
}

// Auth authenticates into a session and returns the granted role.
func (c *SignalConn) Auth(sessionID, proof string) (protocol.AuthAckPayload, error) {
	var ack protocol.AuthAckPayload
	if err := c.Send(protocol.NewAuth(sessionID, proof)); err != nil {
		return ack, err
	}
	msg, err := c.Read()
	if err != nil {
		return ack, err
	}
	switch msg.Type {
	case protocol.TypeAuth:
		if err := json.Unmarshal(msg.Payload, &ack); err != nil {
			return ack, fmt.Errorf("client: decode auth ack: %w", err)
		}
		return ack, nil
	case protocol.TypeError:
		return ack, errorFromPayload(msg.Payload)
	default:
		return ack, fmt.Errorf("client: unexpected %q during auth", msg.Type)
	}
}

func (c *SignalConn) Send(msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("client: encode signal message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(signalWriteWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("client: write signal message: %w", err)
	}
	return nil
}

func (c *SignalConn) Read() (protocol.Message, error) {
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return protocol.Message{}, fmt.Errorf("client: read signal message: %w", err)
	}
	msg, err := protocol.Parse(raw)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("client: parse signal message: %w", err)
	}
	return msg, nil
}

func (c *SignalConn) Close() error {
	deadline := time.Now().Add(signalWriteWait)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.ws.Close()
}

// SignalError is a typed error frame received from the broker.
type SignalError struct {
	Code    string
	Message string
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("signal error %s: %s", e.Code, e.Message)
}

func errorFromPayload(payload json.RawMessage) error {
	var p protocol.ErrorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errors.New("client: undecodable error frame")
	}
	return &SignalError{Code: p.Code, Message: p.Message}
}
