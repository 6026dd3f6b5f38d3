package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandler_ExposesCounters(t *testing.T) {
	m := New()
	m.SessionCreated()
	m.SessionCreated()
	m.AuthResult(AuthResultAccepted)
	m.AuthResult(AuthResultSessionFull)
	m.Relayed("offer")
	m.RelayDropped()
	m.PeerLeft()
	m.StaleEviction()
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}

	body := rr.Body.String()
	for _, want := range []string{
		"# TYPE duolink_sessions_created_total counter",
		"duolink_sessions_created_total 2",
		`duolink_signaling_auth_total{result="accepted"} 1`,
		`duolink_signaling_auth_total{result="session_full"} 1`,
		`duolink_signaling_relayed_total{type="offer"} 1`,
		"duolink_signaling_dropped_total 1",
		"duolink_signaling_peer_left_total 1",
		"duolink_signaling_stale_evictions_total 1",
		"duolink_signaling_connections_active 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in exposition:\n%s", want, body)
		}
	}
}

func TestNilMetrics_ObservationsAreNoOps(t *testing.T) {
	var m *Metrics
	m.SessionCreated()
	m.SessionDeleted()
	m.AuthResult(AuthResultAccepted)
	m.Relayed("offer")
	m.RelayDropped()
	m.PeerLeft()
	m.StaleEviction()
	m.ConnectionOpened()
	m.ConnectionClosed()

	if m.Handler() == nil {
		t.Fatalf("nil metrics handler is nil")
	}
}
