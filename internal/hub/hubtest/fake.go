// Package hubtest provides an in-memory client connection for tests.
package hubtest

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/PaulBabatuyi/secureChat/internal/protocol"
)

// ErrWriteFailed is returned by writes when FailWrites is set.
var ErrWriteFailed = errors.New("write failed")

// Conn records frames and close reasons. Writes after Close fail. Frames
// passed to Send are returned by ReadFrame.
type Conn struct {
	mu         sync.Mutex
	frames     []protocol.Frame
	pings      int
	closed     bool
	reason     protocol.CloseReason
	failWrites bool
	notify     chan struct{}
	onPong     func()

	inbound chan inbound
	done    chan struct{}
}

type inbound struct {
	f   protocol.Frame
	err error
}

func NewConn() *Conn {
	return &Conn{
		notify:  make(chan struct{}, 1),
		inbound: make(chan inbound, 64),
		done:    make(chan struct{}),
	}
}

// Send queues a frame for ReadFrame, as if the client wrote it.
func (c *Conn) Send(f protocol.Frame) {
	c.inbound <- inbound{f: f}
}

// SendErr makes ReadFrame return err, e.g. a wrapped protocol.ErrInvalidFrame.
func (c *Conn) SendErr(err error) {
	c.inbound <- inbound{err: err}
}

// ReadFrame returns the next sent frame, or io.EOF once closed.
func (c *Conn) ReadFrame() (protocol.Frame, error) {
	select {
	case in := <-c.inbound:
		return in.f, in.err
	case <-c.done:
		return protocol.Frame{}, io.EOF
	}
}

func (c *Conn) OnPong(fn func()) {
	c.mu.Lock()
	c.onPong = fn
	c.mu.Unlock()
}

// Pong simulates a pong control frame from the client.
func (c *Conn) Pong() {
	c.mu.Lock()
	fn := c.onPong
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *Conn) WriteFrame(f protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.failWrites {
		return ErrWriteFailed
	}
	c.frames = append(c.frames, f)
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.failWrites {
		return ErrWriteFailed
	}
	c.pings++
	return nil
}

func (c *Conn) Close(reason protocol.CloseReason) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.reason = reason
		close(c.done)
	}
	return nil
}

// FailWrites makes subsequent writes and pings fail.
func (c *Conn) FailWrites() {
	c.mu.Lock()
	c.failWrites = true
	c.mu.Unlock()
}

func (c *Conn) Frames() []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Frame(nil), c.frames...)
}

// Messages returns the ids of delivered message frames in order.
func (c *Conn) Messages() []string {
	var ids []string
	for _, f := range c.Frames() {
		if f.Type == protocol.TypeMessage {
			ids = append(ids, f.MessageID)
		}
	}
	return ids
}

func (c *Conn) Pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

// Done is closed when Close is called.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Closed reports whether Close was called and with which reason.
func (c *Conn) Closed() (bool, protocol.CloseReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.reason
}

// WaitFrames blocks until at least n frames were written or timeout passes.
func (c *Conn) WaitFrames(n int, timeout time.Duration) []protocol.Frame {
	deadline := time.After(timeout)
	for {
		if fs := c.Frames(); len(fs) >= n {
			return fs
		}
		select {
		case <-c.notify:
		case <-deadline:
			return c.Frames()
		}
	}
}
