package signaling

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duolink/duolink/internal/protocol"
)

const writeWait = 5 * time.Second

var errConnClosed = errors.New("signaling: connection closed")

// wsConn adapts a gorilla websocket connection to relay.Conn.
//
// The relay may write from several goroutines (its sends run under the
// per-session lock of whichever connection triggered them), so writes are
// serialized here. A failed write latches the connection closed, which is how
// a silently dead transport becomes visible to the relay's reconciliation
// pass before any read error surfaces.
type wsConn struct {
	ws     *websocket.Conn
	mu     sync.Mutex
	closed atomic.Bool
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Send(msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return errConnClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.closed.Store(true)
		return err
	}
	return nil
}

func (c *wsConn) Open() bool {
	return !c.closed.Load()
}

func (c *wsConn) Close() error {
	c.closed.Store(true)
	return c.ws.Close()
}

// markClosed latches the closed state without touching the socket; the read
// loop calls it when the transport errors out on its own.
func (c *wsConn) markClosed() {
	c.closed.Store(true)
}
