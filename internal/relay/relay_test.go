package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/duolink/duolink/internal/protocol"
	"github.com/duolink/duolink/internal/store"
)

type fakeConn struct {
	mu   sync.Mutex
	open bool
	msgs []protocol.Message
}

func newFakeConn() *fakeConn {
	return &fakeConn{open: true}
}

func (c *fakeConn) Send(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return errors.New("transport closed")
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
	return nil
}

// die simulates a transport vanishing without any close event.
func (c *fakeConn) die() {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
}

func (c *fakeConn) received(t protocol.Type) []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Message
	for _, m := range c.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) errorCode(t *testing.T) string {
	t.Helper()
	errs := c.received(protocol.TypeError)
	if len(errs) == 0 {
		t.Fatal("expected an error frame")
	}
	var p protocol.ErrorPayload
	if err := json.Unmarshal(errs[len(errs)-1].Payload, &p); err != nil {
		t.Fatal(err)
	}
	return p.Code
}

func (c *fakeConn) ack(t *testing.T) protocol.AuthAckPayload {
	t.Helper()
	acks := c.received(protocol.TypeAuth)
	if len(acks) == 0 {
		t.Fatal("expected an auth acknowledgment")
	}
	var p protocol.AuthAckPayload
	if err := json.Unmarshal(acks[0].Payload, &p); err != nil {
		t.Fatal(err)
	}
	return p
}

// countingStore wraps a Store and counts Leave calls.
type countingStore struct {
	store.Store
	leaves atomic.Int64
}

func (s *countingStore) Leave(ctx context.Context, id string) error {
	s.leaves.Add(1)
	return s.Store.Leave(ctx, id)
}

func newTestRelay(t *testing.T, opts Options) (*Relay, *countingStore, string) {
	t.Helper()
	cs := &countingStore{Store: store.NewMemoryStore(nil)}
	r := New(cs, nil, nil, opts)

	sess, err := cs.Create(context.Background(), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	return r, cs, sess.ID
}

func TestAuthenticate_RolesByArrivalOrder(t *testing.T) {
	r, _, sid := newTestRelay(t, Options{})
	ctx := context.Background()

	a, b := newFakeConn(), newFakeConn()

	roleA, err := r.Authenticate(ctx, a, protocol.AuthPayload{SessionID: sid})
	if err != nil {
		t.Fatal(err)
	}
	if roleA != protocol.RoleInitiator {
		t.Fatalf("first role = %s", roleA)
	}
	if ack := a.ack(t); ack.Role != protocol.RoleInitiator || ack.ParticipantCount != 1 {
		t.Fatalf("first ack = %+v", ack)
	}

	// Ready must not fire before the second authentication.
	if got := a.received(protocol.TypeReady); len(got) != 0 {
		t.Fatalf("premature ready: %v", got)
	}

	roleB, err := r.Authenticate(ctx, b, protocol.AuthPayload{SessionID: sid})
	if err != nil {
		t.Fatal(err)
	}
	if roleB != protocol.RoleResponder {
		t.Fatalf("second role = %s", roleB)
	}
	if ack := b.ack(t); ack.Role != protocol.RoleResponder || ack.ParticipantCount != 2 {
		t.Fatalf("second ack = %+v", ack)
	}

	for name, c := range map[string]*fakeConn{"initiator": a, "responder": b} {
		if got := c.received(protocol.TypeReady); len(got) != 1 {
			t.Fatalf("%s received %d ready frames", name, len(got))
		}
	}
}

func TestAuthenticate_ThirdConnectionRejected(t *testing.T) {
	r, _, sid := newTestRelay(t, Options{})
	ctx := context.Background()

	a, b, c := newFakeConn(), newFakeConn(), newFakeConn()
	if _, err := r.Authenticate(ctx, a, protocol.AuthPayload{SessionID: sid}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Authenticate(ctx, b, protocol.AuthPayload{SessionID: sid}); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Authenticate(ctx, c, protocol.AuthPayload{SessionID: sid}); !errors.Is(err, store.ErrSessionFull) {
		t.Fatalf("expected ErrSessionFull, got %v", err)
	}
	if code := c.errorCode(t); code != protocol.CodeSessionFull {
		t.Fatalf("error code = %q", code)
	}

	// The paired connections are unaffected.
	if !a.Open() || !b.Open() {
		t.Fatal("existing connections must stay open")
	}
	if r.LiveConnections(sid) != 2 {
		t.Fatalf("live connections = %d", r.LiveConnections(sid))
	}
}

func TestAuthenticate_UnknownSession(t *testing.T) {
	r, _, _ := newTestRelay(t, Options{})

	c := newFakeConn()
	_, err := r.Authenticate(context.Background(), c, protocol.AuthPayload{SessionID: "nope"})
	if !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if code := c.errorCode(t); code != protocol.CodeSessionNotFound {
		t.Fatalf("error code = %q", code)
	}
}

func TestAuthenticate_ConcurrentPairRace(t *testing.T) {
	r, _, sid := newTestRelay(t, Options{})
	ctx := context.Background()

	const callers = 8
	conns := make([]*fakeConn, callers)
	roles := make([]protocol.Role, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		conns[i] = newFakeConn()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			roles[i], errs[i] = r.Authenticate(ctx, conns[i], protocol.AuthPayload{SessionID: sid})
		}(i)
	}
	wg.Wait()

	var initiators, responders, rejected int
	for i := range conns {
		switch {
		case errs[i] == nil && roles[i] == protocol.RoleInitiator:
			initiators++
		case errs[i] == nil && roles[i] == protocol.RoleResponder:
			responders++
		case errors.Is(errs[i], store.ErrSessionFull):
			rejected++
		default:
			t.Fatalf("caller %d: unexpected result role=%q err=%v", i, roles[i], errs[i])
		}
	}
	if initiators != 1 || responders != 1 {
		t.Fatalf("got %d initiators and %d responders", initiators, responders)
	}
	if rejected != callers-2 {
		t.Fatalf("rejected = %d", rejected)
	}
}

func TestForward_RoundTripPreservesPayload(t *testing.T) {
	r, _, sid := newTestRelay(t, Options{})
	ctx := context.Background()

	a, b := newFakeConn(), newFakeConn()
	if _, err := r.Authenticate(ctx, a, protocol.AuthPayload{SessionID: sid}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Authenticate(ctx, b, protocol.AuthPayload{SessionID: sid}); err != nil {
		t.Fatal(err)
	}

	payload := json.RawMessage(`{"sdp":"v=0\r\no=- 1 2 IN IP4 0.0.0.0","publicKey":"AJf3lQ=="}`)
	r.Forward(sid, a, protocol.NewRelayed(protocol.TypeOffer, payload))

	offers := b.received(protocol.TypeOffer)
	if len(offers) != 1 {
		t.Fatalf("peer received %d offers", len(offers))
	}
	if string(offers[0].Payload) != string(payload) {
		t.Fatalf("payload mutated:\n got %s\nwant %s", offers[0].Payload, payload)
	}
}

func TestForward_NoPeer(t *testing.T) {
	r, _, sid := newTestRelay(t, Options{})
	ctx := context.Background()

	a := newFakeConn()
	if _, err := r.Authenticate(ctx, a, protocol.AuthPayload{SessionID: sid}); err != nil {
		t.Fatal(err)
	}

	r.Forward(sid, a, protocol.NewRelayed(protocol.TypeICECandidate, json.RawMessage(`{}`)))
	if code := a.errorCode(t); code != protocol.CodeRelayTargetAbsent {
		t.Fatalf("error code = %q", code)
	}
}

func TestDisconnect_NotifiesPeerExactlyOnce(t *testing.T) {
	r, cs, sid := newTestRelay(t, Options{})
	ctx := context.Background()

	a, b := newFakeConn(), newFakeConn()
	if _, err := r.Authenticate(ctx, a, protocol.AuthPayload{SessionID: sid}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Authenticate(ctx, b, protocol.AuthPayload{SessionID: sid}); err != nil {
		t.Fatal(err)
	}

	cs.leaves.Store(0)
	_ = a.Close()
	r.Disconnect(ctx, sid, a)
	// Transport teardown paths may fire more than once; the second call must
	// be a no-op.
	r.Disconnect(ctx, sid, a)

	if got := b.received(protocol.TypePeerLeft); len(got) != 1 {
		t.Fatalf("peer received %d peer-left frames", len(got))
	}
	if got := cs.leaves.Load(); got != 1 {
		t.Fatalf("store received %d leaves", got)
	}

	sess, err := cs.Get(ctx, sid)
	if err != nil {
		t.Fatal(err)
	}
	if sess.ParticipantCount != 1 {
		t.Fatalf("participant count = %d", sess.ParticipantCount)
	}
}

func TestDisconnect_VacatedSlotAllowsReauth(t *testing.T) {
	r, _, sid := newTestRelay(t, Options{})
	ctx := context.Background()

	a, b := newFakeConn(), newFakeConn()
	if _, err := r.Authenticate(ctx, a, protocol.AuthPayload{SessionID: sid}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Authenticate(ctx, b, protocol.AuthPayload{SessionID: sid}); err != nil {
		t.Fatal(err)
	}

	_ = b.Close()
	r.Disconnect(ctx, sid, b)

	// Any freshly authenticated second party is treated as the legitimate peer.
	c := newFakeConn()
	role, err := r.Authenticate(ctx, c, protocol.AuthPayload{SessionID: sid})
	if err != nil {
		t.Fatal(err)
	}
	if role != protocol.RoleResponder {
		t.Fatalf("reconnect role = %s", role)
	}
}

func TestAuthenticate_ReconciliationEvictsSilentlyDeadTransport(t *testing.T) {
	r, cs, sid := newTestRelay(t, Options{})
	ctx := context.Background()

	a, b := newFakeConn(), newFakeConn()
	if _, err := r.Authenticate(ctx, a, protocol.AuthPayload{SessionID: sid}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Authenticate(ctx, b, protocol.AuthPayload{SessionID: sid}); err != nil {
		t.Fatal(err)
	}

	// A's transport dies without any close event reaching the relay.
	a.die()
	cs.leaves.Store(0)

	c := newFakeConn()
	role, err := r.Authenticate(ctx, c, protocol.AuthPayload{SessionID: sid})
	if err != nil {
		t.Fatal(err)
	}
	if role != protocol.RoleResponder {
		t.Fatalf("role after eviction = %s", role)
	}
	if got := cs.leaves.Load(); got != 1 {
		t.Fatalf("evictions issued %d compensating leaves", got)
	}

	sess, err := cs.Get(ctx, sid)
	if err != nil {
		t.Fatal(err)
	}
	if sess.ParticipantCount > 2 {
		t.Fatalf("participant count drifted to %d", sess.ParticipantCount)
	}
	if r.LiveConnections(sid) != 2 {
		t.Fatalf("live connections = %d", r.LiveConnections(sid))
	}
}

func TestAuthenticate_FailureLeavesNoRegistryEntry(t *testing.T) {
	r, _, _ := newTestRelay(t, Options{})
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		c := newFakeConn()
		_, err := r.Authenticate(ctx, c, protocol.AuthPayload{SessionID: "ghost-" + strconv.Itoa(i)})
		if !errors.Is(err, store.ErrSessionNotFound) {
			t.Fatalf("expected ErrSessionNotFound, got %v", err)
		}
	}

	r.reg.mu.Lock()
	n := len(r.reg.entries)
	r.reg.mu.Unlock()
	if n != 0 {
		t.Fatalf("registry holds %d entries after rejected authentications", n)
	}
}

func TestRegistry_AcquireRefusesDroppedEntry(t *testing.T) {
	reg := newRegistry()

	// Interleaving where a disconnect removes the entry after another caller
	// has already read the pointer from the map but before it takes the entry
	// lock.
	e := reg.acquire("sid")
	e.mu.Unlock()
	reg.drop("sid")

	e.mu.Lock()
	dead := e.dead
	e.mu.Unlock()
	if !dead {
		t.Fatal("removed entry not marked dead")
	}

	e2 := reg.acquire("sid")
	defer e2.mu.Unlock()
	if e2 == e {
		t.Fatal("acquire returned an entry that drop had removed")
	}
	reg.mu.Lock()
	mapped := reg.entries["sid"]
	reg.mu.Unlock()
	if mapped != e2 {
		t.Fatal("acquired entry is not the one registered in the map")
	}
}

func TestAuthenticateDisconnectChurnKeepsStoreBalanced(t *testing.T) {
	r, cs, sid := newTestRelay(t, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newFakeConn()
			if _, err := r.Authenticate(ctx, c, protocol.AuthPayload{SessionID: sid}); err != nil {
				return
			}
			r.Disconnect(ctx, sid, c)
		}()
	}
	wg.Wait()

	sess, err := cs.Get(ctx, sid)
	if err != nil {
		t.Fatal(err)
	}
	if sess.ParticipantCount != 0 {
		t.Fatalf("participant count leaked to %d", sess.ParticipantCount)
	}
	if got := r.LiveConnections(sid); got != 0 {
		t.Fatalf("live connections = %d", got)
	}
	r.reg.mu.Lock()
	n := len(r.reg.entries)
	r.reg.mu.Unlock()
	if n != 0 {
		t.Fatalf("registry holds %d entries after all disconnects", n)
	}
}

func TestAuthenticate_ProofPinning(t *testing.T) {
	r, _, sid := newTestRelay(t, Options{RequireProof: true})
	ctx := context.Background()

	a, b, c := newFakeConn(), newFakeConn(), newFakeConn()

	if _, err := r.Authenticate(ctx, a, protocol.AuthPayload{SessionID: sid}); !errors.Is(err, ErrBadProof) {
		t.Fatalf("missing proof: expected ErrBadProof, got %v", err)
	}

	if _, err := r.Authenticate(ctx, a, protocol.AuthPayload{SessionID: sid, Proof: "p1"}); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Authenticate(ctx, b, protocol.AuthPayload{SessionID: sid, Proof: "p2"}); !errors.Is(err, ErrBadProof) {
		t.Fatalf("wrong proof: expected ErrBadProof, got %v", err)
	}
	if code := b.errorCode(t); code != protocol.CodeBadProof {
		t.Fatalf("error code = %q", code)
	}

	if _, err := r.Authenticate(ctx, c, protocol.AuthPayload{SessionID: sid, Proof: "p1"}); err != nil {
		t.Fatal(err)
	}
}
