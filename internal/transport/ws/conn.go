// Package ws adapts gorilla/websocket connections to the chat frame
// protocol: serialized writes with deadlines, typed frame reads and close
// codes derived from protocol.CloseReason.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PaulBabatuyi/secureChat/internal/protocol"
)

// ErrConnClosed is returned by writes on a connection that has been closed.
var ErrConnClosed = errors.New("connection closed")

// closeGrace bounds how long the close handshake frame may take to write.
const closeGrace = time.Second

// Conn is safe for one reader and any number of concurrent writers.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	decode       func([]byte) (protocol.Frame, error)

	mu     sync.Mutex // serializes writes
	closed bool
}

// New wraps an established server-side websocket; inbound frames are
// validated as client frames. maxFrame caps inbound frame size;
// zero leaves it unlimited.
func New(c *websocket.Conn, writeTimeout time.Duration, maxFrame int64) *Conn {
	if maxFrame > 0 {
		c.SetReadLimit(maxFrame)
	}
	return &Conn{ws: c, writeTimeout: writeTimeout, decode: protocol.Decode}
}

// NewUpgrader returns an upgrader that accepts the listed origins, or any
// origin when the list is empty.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			return slices.Contains(allowedOrigins, r.Header.Get("Origin"))
		},
	}
}

// Dial opens a client connection to url. Server frames are parsed but not
// validated.
func Dial(ctx context.Context, url string, header http.Header, writeTimeout time.Duration) (*Conn, *http.Response, error) {
	c, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, resp, err
	}
	conn := New(c, writeTimeout, 0)
	conn.decode = protocol.Parse
	return conn, resp, nil
}

func (c *Conn) deadline() time.Time {
	if c.writeTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.writeTimeout)
}

// WriteFrame sends f as a JSON text message.
func (c *Conn) WriteFrame(f protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if err := c.ws.SetWriteDeadline(c.deadline()); err != nil {
		return err
	}
	return c.ws.WriteJSON(f)
}

// Ping sends a WebSocket ping control frame.
func (c *Conn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, c.deadline())
}

// OnPong registers fn to run whenever a pong control frame arrives. It is
// called from the reading goroutine.
func (c *Conn) OnPong(fn func()) {
	c.ws.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

// ReadFrame blocks for the next client frame. Malformed frames return an
// error wrapping protocol.ErrInvalidFrame and leave the connection usable;
// any other error means the connection is gone.
func (c *Conn) ReadFrame() (protocol.Frame, error) {
	typ, b, err := c.ws.ReadMessage()
	if err != nil {
		return protocol.Frame{}, err
	}
	if typ != websocket.TextMessage {
		return protocol.Frame{}, fmt.Errorf("%w: binary frames are not supported", protocol.ErrInvalidFrame)
	}
	return c.decode(b)
}

// Close sends a close frame carrying the reason's code and closes the
// socket. Only the first call has any effect.
func (c *Conn) Close(reason protocol.CloseReason) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	msg := websocket.FormatCloseMessage(reason.Code(), string(reason))
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	return c.ws.Close()
}

// CloseCode extracts the peer's close code from a read error, or -1.
func CloseCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return -1
}
