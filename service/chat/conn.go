package chat

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/simanam/omni-realtime/tools/ids"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Transport is the slice of *websocket.Conn the manager needs. Tests
// substitute a fake; production always hands in a gorilla conn.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Conn is one live session bound to exactly one authenticated user.
// The transport handle is exclusively owned here and closed exactly
// once, on disconnect. channels is guarded by the manager's lock.
type Conn struct {
	ID        string
	UserID    string
	CreatedAt time.Time

	ws       Transport
	writeMu  sync.Mutex // serializes frames: per-connection FIFO
	closed   atomic.Bool
	channels map[string]struct{}
}

func newConn(user string, ws Transport) *Conn {
	return &Conn{
		ID:        ids.GenerateString(),
		UserID:    user,
		CreatedAt: time.Now(),
		ws:        ws,
		channels:  make(map[string]struct{}),
	}
}

// write pushes one frame with a deadline. The write mutex keeps
// deliveries to this connection in invocation order.
func (c *Conn) write(data []byte, deadline time.Duration) error {
	if c.closed.Load() {
		return errors.New("connection closed")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(deadline)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// closeQuiet closes the transport once; later calls are no-ops.
func (c *Conn) closeQuiet() {
	if c.closed.CompareAndSwap(false, true) {
		_ = c.ws.Close()
	}
}
