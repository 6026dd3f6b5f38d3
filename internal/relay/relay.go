// Package relay pairs authenticated signaling connections and forwards
// opaque handshake messages between them.
//
// The relay keeps a process-local registry of live transports per session.
// The session store remains authoritative for "who logically joined"; the
// registry is authoritative only for "which transports are open right now".
// The reconciliation pass run on every authentication is the bridge between
// the two views.
package relay

import (
	"context"
	"errors"
	"log/slog"

	"github.com/duolink/duolink/internal/metrics"
	"github.com/duolink/duolink/internal/protocol"
	"github.com/duolink/duolink/internal/store"
)

var (
	// ErrBadProof is returned when proof enforcement is on and the presented
	// capability proof does not match the one pinned for the session.
	ErrBadProof = errors.New("capability proof mismatch")

	// ErrAlreadyAuthenticated is returned when a connection authenticates a
	// second time.
	ErrAlreadyAuthenticated = errors.New("connection already authenticated")
)

// Options tune relay behavior.
type Options struct {
	// RequireProof makes Authenticate pin the first capability proof per
	// session and reject a second participant whose proof differs. Off by
	// default: the documented credential is possession of the session id.
	RequireProof bool
}

// Relay routes signaling frames between at most two connections per session.
type Relay struct {
	store   store.Store
	metrics *metrics.Metrics
	log     *slog.Logger
	opts    Options

	reg *registry
}

// New builds a relay on top of the given session store.
func New(st store.Store, m *metrics.Metrics, logger *slog.Logger, opts Options) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		store:   st,
		metrics: m,
		log:     logger,
		opts:    opts,
		reg:     newRegistry(),
	}
}

// Authenticate runs the full admission sequence for conn against the session
// named in auth: reconcile stale links, check in-process capacity, join the
// store, assign a role. On success the connection receives its auth
// acknowledgment, and when it is the second participant both connections
// receive the ready broadcast, in that order. On failure a typed error frame
// is sent to conn and the connection stays open so the client may retry.
func (r *Relay) Authenticate(ctx context.Context, conn Conn, auth protocol.AuthPayload) (protocol.Role, error) {
	e := r.reg.acquire(auth.SessionID)
	role, err := r.admitLocked(ctx, conn, auth, e)
	e.mu.Unlock()
	if err != nil {
		// A failed admission must not keep an empty arena slot, or a proof
		// pinned by nobody, alive.
		r.reg.drop(auth.SessionID)
	}
	return role, err
}

// admitLocked runs the admission sequence for conn. Caller holds e.mu.
func (r *Relay) admitLocked(ctx context.Context, conn Conn, auth protocol.AuthPayload, e *entry) (protocol.Role, error) {
	r.reconcileLocked(ctx, auth.SessionID, e)

	for _, l := range e.links {
		if l.conn == conn {
			r.sendError(conn, protocol.CodeMalformedMessage, "connection already authenticated")
			return "", ErrAlreadyAuthenticated
		}
	}

	if len(e.links) >= 2 {
		r.metrics.AuthResult(metrics.AuthResultSessionFull)
		r.sendError(conn, protocol.CodeSessionFull, "session already has two participants")
		return "", store.ErrSessionFull
	}

	if r.opts.RequireProof {
		switch {
		case auth.Proof == "":
			r.metrics.AuthResult(metrics.AuthResultBadProof)
			r.sendError(conn, protocol.CodeBadProof, "capability proof required")
			return "", ErrBadProof
		case e.pinnedProof == "":
			e.pinnedProof = auth.Proof
		case auth.Proof != e.pinnedProof:
			r.metrics.AuthResult(metrics.AuthResultBadProof)
			r.sendError(conn, protocol.CodeBadProof, "capability proof mismatch")
			return "", ErrBadProof
		}
	}

	sess, err := r.store.Join(ctx, auth.SessionID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrSessionNotFound):
			r.metrics.AuthResult(metrics.AuthResultSessionNotFound)
			r.sendError(conn, protocol.CodeSessionNotFound, "session expired or not found")
		case errors.Is(err, store.ErrSessionFull):
			// Another relay instance may hold the remaining slot.
			r.metrics.AuthResult(metrics.AuthResultSessionFull)
			r.sendError(conn, protocol.CodeSessionFull, "session already has two participants")
		default:
			r.metrics.AuthResult(metrics.AuthResultStoreError)
			r.sendError(conn, protocol.CodeStoreUnavailable, "session store unavailable")
		}
		return "", err
	}

	role := protocol.RoleInitiator
	if len(e.links) == 1 {
		role = protocol.RoleResponder
	}
	e.links = append(e.links, &link{conn: conn, role: role})
	r.metrics.ConnectionOpened()
	r.metrics.AuthResult(metrics.AuthResultAccepted)

	r.send(conn, protocol.NewAuthAck(role, sess.ParticipantCount))

	if len(e.links) == 2 {
		ready := protocol.NewReady()
		for _, l := range e.links {
			r.send(l.conn, ready)
		}
	}

	r.log.Info("signaling connection authenticated",
		"session_id", auth.SessionID,
		"role", role,
		"participant_count", sess.ParticipantCount,
	)
	return role, nil
}

// Forward copies msg verbatim to the peer of from, if one is registered and
// its transport is open. Delivery is best-effort: with no live peer the frame
// is dropped and the sender is told, non-fatally, that the target is absent.
func (r *Relay) Forward(sessionID string, from Conn, msg protocol.Message) {
	e := r.reg.lookup(sessionID)
	if e == nil {
		r.metrics.RelayDropped()
		r.sendError(from, protocol.CodeRelayTargetAbsent, "no peer connected")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	other := e.otherThan(from)
	if other == nil || !other.conn.Open() {
		r.metrics.RelayDropped()
		r.sendError(from, protocol.CodeRelayTargetAbsent, "no peer connected")
		return
	}

	r.send(other.conn, msg)
	r.metrics.Relayed(string(msg.Type))
}

// Disconnect handles transport close for conn: unregister, issue exactly one
// compensating leave, and notify the remaining peer. Calling it for an
// unknown connection is a no-op, so transport teardown paths may call it
// unconditionally.
func (r *Relay) Disconnect(ctx context.Context, sessionID string, conn Conn) {
	e := r.reg.lookup(sessionID)
	if e == nil {
		return
	}

	e.mu.Lock()
	removed := e.remove(conn)
	var remaining *link
	if removed != nil {
		remaining = e.otherThan(conn)
		r.metrics.ConnectionClosed()
		if err := r.store.Leave(ctx, sessionID); err != nil {
			r.log.Warn("compensating leave failed", "session_id", sessionID, "err", err)
		}
		if remaining != nil {
			r.send(remaining.conn, protocol.NewPeerLeft())
			r.metrics.PeerLeft()
		}
	}
	e.mu.Unlock()

	if removed != nil {
		r.reg.drop(sessionID)
		r.log.Info("signaling connection closed",
			"session_id", sessionID,
			"role", removed.role,
			"peer_notified", remaining != nil,
		)
	}
}

// LiveConnections reports how many transports are registered for a session.
func (r *Relay) LiveConnections(sessionID string) int {
	return r.reg.size(sessionID)
}

// reconcileLocked evicts links whose transport has silently died and issues
// one compensating leave per eviction. This keeps the store's participant
// count from drifting upward when a transport closes without a disconnect
// event reaching the relay. Caller holds e.mu.
func (r *Relay) reconcileLocked(ctx context.Context, sessionID string, e *entry) {
	kept := e.links[:0]
	for _, l := range e.links {
		if l.conn.Open() {
			kept = append(kept, l)
			continue
		}
		r.metrics.StaleEviction()
		r.metrics.ConnectionClosed()
		if err := r.store.Leave(ctx, sessionID); err != nil {
			r.log.Warn("compensating leave failed", "session_id", sessionID, "err", err)
		}
		r.log.Info("evicted stale signaling connection", "session_id", sessionID, "role", l.role)
	}
	e.links = kept
}

func (r *Relay) sendError(conn Conn, code, text string) {
	r.send(conn, protocol.NewError(code, text))
}

// send is fire-and-forget: a peer that cannot be written to will be caught by
// the next reconciliation pass or by its own read-loop teardown.
func (r *Relay) send(conn Conn, msg protocol.Message) {
	if err := conn.Send(msg); err != nil {
		r.log.Debug("send failed", "type", msg.Type, "err", err)
	}
}
