package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the abstract bidirectional frame stream the core speaks over.
type Conn interface {
	Send(ctx context.Context, env Envelope) error
	Receive(ctx context.Context) (Envelope, error)
	Close() error
}

// WSConn adapts a gorilla websocket to Conn. Writes are serialized; the
// websocket package forbids concurrent writers.
type WSConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// Dial connects to a server URL and wraps the socket.
func Dial(ctx context.Context, url string, header http.Header) (*WSConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return &WSConn{ws: ws}, nil
}

// WrapWebsocket adapts an already-upgraded server-side socket.
func WrapWebsocket(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws}
}

// Send implements Conn.
func (c *WSConn) Send(ctx context.Context, env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
	} else {
		_ = c.ws.SetWriteDeadline(time.Now().Add(30 * time.Second))
	}
	return c.ws.WriteJSON(env)
}

// Receive implements Conn.
func (c *WSConn) Receive(ctx context.Context) (Envelope, error) {
	var env Envelope
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(deadline)
	} else {
		_ = c.ws.SetReadDeadline(time.Time{})
	}
	err := c.ws.ReadJSON(&env)
	return env, err
}

// Close implements Conn.
func (c *WSConn) Close() error { return c.ws.Close() }
