package relay

import "github.com/duolink/duolink/internal/protocol"

// Conn is one live transport link from a client to the relay.
//
// Implementations must make Send safe for concurrent use; delivery is
// best-effort and a failed Send is not an error the relay acts on. Open must
// report false once the underlying transport is gone, even when no close
// event ever reached the relay; that is what the reconciliation pass keys
// off.
type Conn interface {
	Send(msg protocol.Message) error
	Open() bool
	Close() error
}
