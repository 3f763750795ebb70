package tunnel

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// controlConn is one physical WebSocket bound to the tunnel. The generation
// tells apart the connection a forward started on from any later replacement.
type controlConn struct {
	ws         *websocket.Conn
	generation uint64

	wmu       sync.Mutex // gorilla allows one concurrent writer
	closeOnce sync.Once
	closed    atomic.Bool
}

func newControlConn(ws *websocket.Conn, generation uint64) *controlConn {
	return &controlConn{ws: ws, generation: generation}
}

func (c *controlConn) write(frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// close tears the socket down once; the blocked reader then returns and the
// session schedules the single reconnect for this connection.
func (c *controlConn) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}

// stopReading unblocks the reader without closing the socket, so replies can
// still be written.
func (c *controlConn) stopReading() {
	_ = c.ws.UnderlyingConn().SetReadDeadline(time.Now())
}

func (c *controlConn) isClosed() bool { return c.closed.Load() }
