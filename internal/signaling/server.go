// Package signaling exposes the relay over a WebSocket endpoint.
//
// The server enforces transport-level hygiene only: origin policy, an
// authentication deadline, a message size cap and a per-connection rate
// limit. Everything protocol-level (capacity, roles, forwarding) lives in
// the relay; handshake ordering beyond "must authenticate first" is the
// clients' contract.
package signaling

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/duolink/duolink/internal/origin"
	"github.com/duolink/duolink/internal/protocol"
	"github.com/duolink/duolink/internal/relay"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 75 * time.Second
)

// Config wires the runtime dependencies of the signaling endpoint.
type Config struct {
	Relay  *relay.Relay
	Logger *slog.Logger

	// AllowedOrigins is the browser Origin allowlist; empty means same-host.
	AllowedOrigins []string

	// AuthTimeout bounds how long a connection may idle before its first
	// successful authentication.
	AuthTimeout time.Duration

	MaxMessageBytes   int64
	MessagesPerSecond int
}

// Server serves GET /signal.
type Server struct {
	relay *relay.Relay
	log   *slog.Logger

	allowedOrigins    []string
	authTimeout       time.Duration
	maxMessageBytes   int64
	messagesPerSecond int

	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		relay:             cfg.Relay,
		log:               logger,
		allowedOrigins:    cfg.AllowedOrigins,
		authTimeout:       cfg.AuthTimeout,
		maxMessageBytes:   cfg.MaxMessageBytes,
		messagesPerSecond: cfg.MessagesPerSecond,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return origin.CheckRequest(r.Header.Get("Origin"), r.Host, s.allowedOrigins)
		},
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", s.ServeHTTP)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error (incl. origin rejects).
		return
	}

	conn := newWSConn(ws)
	defer func() { _ = conn.Close() }()

	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(ws, done)

	var authed atomic.Bool

	if s.maxMessageBytes > 0 {
		ws.SetReadLimit(s.maxMessageBytes)
	}
	_ = ws.SetReadDeadline(time.Now().Add(s.authTimeout))
	ws.SetPongHandler(func(string) error {
		// Pongs must not let an unauthenticated connection outlive its
		// authentication deadline.
		if !authed.Load() {
			return nil
		}
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	limiter := rate.NewLimiter(rate.Limit(s.messagesPerSecond), s.messagesPerSecond)

	// The loop runs past the handler's request context: the connection is
	// hijacked, and disconnect bookkeeping must complete even when the client
	// is already gone.
	ctx := context.Background()

	var sessionID string

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}

		if !limiter.Allow() {
			s.writeClose(ws, websocket.ClosePolicyViolation, "rate limit exceeded")
			break
		}

		msg, err := protocol.Parse(data)
		if err != nil {
			_ = conn.Send(protocol.NewError(protocol.CodeMalformedMessage, "malformed signaling message"))
			continue
		}

		if msg.Type == protocol.TypeAuth {
			auth, err := protocol.ParseAuth(msg)
			if err != nil {
				_ = conn.Send(protocol.NewError(protocol.CodeMalformedMessage, "malformed auth payload"))
				continue
			}
			if authed.Load() {
				_ = conn.Send(protocol.NewError(protocol.CodeMalformedMessage, "connection already authenticated"))
				continue
			}
			if _, err := s.relay.Authenticate(ctx, conn, auth); err != nil {
				// The relay already sent the typed error; the client may retry
				// until the auth deadline fires.
				continue
			}
			authed.Store(true)
			sessionID = auth.SessionID
			_ = ws.SetReadDeadline(time.Now().Add(pongWait))
			continue
		}

		if !authed.Load() {
			_ = conn.Send(protocol.NewError(protocol.CodeNotAuthenticated, "authenticate first"))
			continue
		}

		s.relay.Forward(sessionID, conn, msg)
	}

	conn.markClosed()
	if authed.Load() {
		s.relay.Disconnect(ctx, sessionID, conn)
	}
}

func (s *Server) pingLoop(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeClose(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}
