package hub

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"

	"github.com/PaulBabatuyi/secureChat/internal/hub/hubtest"
	"github.com/PaulBabatuyi/secureChat/internal/protocol"
)

func newHub(t *testing.T) *Hub {
	t.Helper()
	log, _ := test.NewNullLogger()
	return New(Config{HeartbeatInterval: time.Second, HeartbeatTimeout: 2 * time.Second}, log)
}

func TestHub_RegisterAndPush(t *testing.T) {
	h := newHub(t)
	c := hubtest.NewConn()
	id := h.Register(1, c)

	// draining connections do not take live pushes
	if h.Push(1, protocol.Deliver("m1", 2, "x", time.Now())) {
		t.Fatalf("push to draining connection should fail")
	}
	if !h.PushTo(id, protocol.Deliver("m0", 2, "x", time.Now())) {
		t.Fatalf("PushTo should write regardless of state")
	}

	if !h.MarkLive(id) {
		t.Fatalf("MarkLive failed")
	}
	if !h.Push(1, protocol.Deliver("m1", 2, "x", time.Now())) {
		t.Fatalf("push to live connection failed")
	}
	assert.Equal(t, []string{"m0", "m1"}, c.Messages())

	conn, ok := h.Lookup(1)
	assert.True(t, ok)
	assert.Equal(t, id, conn.ID)
	assert.Equal(t, StateLive, conn.State)
}

func TestHub_PushToOffline(t *testing.T) {
	h := newHub(t)
	if h.Push(99, protocol.Pong()) {
		t.Fatalf("expected push to offline user to fail")
	}
	if h.PushTo(42, protocol.Pong()) {
		t.Fatalf("expected PushTo unknown connection to fail")
	}
}

func TestHub_Supersede(t *testing.T) {
	h := newHub(t)
	first := hubtest.NewConn()
	second := hubtest.NewConn()

	id1 := h.Register(1, first)
	h.MarkLive(id1)
	id2 := h.Register(1, second)

	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatalf("superseded connection was not closed")
	}
	closed, reason := first.Closed()
	if !closed || reason != protocol.CloseSuperseded {
		t.Fatalf("first connection should be closed as superseded, got %v %q", closed, reason)
	}
	if closed, _ := second.Closed(); closed {
		t.Fatalf("second connection must stay open")
	}

	// the stale session cleaning up must not evict the new connection
	if h.Deregister(id1) {
		t.Fatalf("deregister of superseded id should be a no-op")
	}
	conn, ok := h.Lookup(1)
	assert.True(t, ok)
	assert.Equal(t, id2, conn.ID)
	assert.Equal(t, StateDraining, conn.State)
	assert.Equal(t, 1, h.Len())
}

func TestHub_WriteFailureDropsConnection(t *testing.T) {
	h := newHub(t)
	c := hubtest.NewConn()
	id := h.Register(1, c)
	h.MarkLive(id)

	c.FailWrites()
	if h.Push(1, protocol.Pong()) {
		t.Fatalf("push should fail when the write fails")
	}
	if h.Presence().IsOnline(1) {
		t.Fatalf("failed connection should be deregistered")
	}
	_, reason := c.Closed()
	assert.Equal(t, protocol.CloseTransportError, reason)
}

func TestHub_HeartbeatSweep(t *testing.T) {
	h := newHub(t)
	now := time.Now()
	h.now = func() time.Time { return now }

	quiet := hubtest.NewConn()
	chatty := hubtest.NewConn()
	h.Register(1, quiet)
	idChatty := h.Register(2, chatty)

	now = now.Add(1500 * time.Millisecond)
	h.Touch(idChatty)
	h.sweep()
	assert.Equal(t, 1, quiet.Pings())
	assert.Equal(t, 1, chatty.Pings())

	now = now.Add(1 * time.Second)
	h.sweep()

	closed, reason := quiet.Closed()
	if !closed || reason != protocol.CloseHeartbeatTimeout {
		t.Fatalf("silent connection should time out, got %v %q", closed, reason)
	}
	if closed, _ := chatty.Closed(); closed {
		t.Fatalf("active connection closed by sweep")
	}
	assert.Equal(t, []int64{2}, h.Presence().ListOnline())
}

func TestHub_Shutdown(t *testing.T) {
	h := newHub(t)
	a, b := hubtest.NewConn(), hubtest.NewConn()
	h.Register(1, a)
	h.Register(2, b)

	h.Shutdown(protocol.CloseServerShutdown)

	for _, c := range []*hubtest.Conn{a, b} {
		closed, reason := c.Closed()
		if !closed || reason != protocol.CloseServerShutdown {
			t.Fatalf("expected shutdown close, got %v %q", closed, reason)
		}
	}
	assert.Equal(t, 0, h.Len())
}

func TestPresence(t *testing.T) {
	h := newHub(t)
	p := h.Presence()

	assert.Empty(t, p.ListOnline())
	id3 := h.Register(3, hubtest.NewConn())
	h.Register(1, hubtest.NewConn())
	h.Register(2, hubtest.NewConn())

	// draining users are already online
	assert.True(t, p.IsOnline(3))
	assert.Equal(t, []int64{1, 2, 3}, p.ListOnline())

	h.Close(id3, protocol.CloseNormal)
	assert.False(t, p.IsOnline(3))
	assert.Equal(t, []int64{1, 2}, p.ListOnline())
}

func TestHub_ConcurrentRegisterKeepsOneConnection(t *testing.T) {
	h := newHub(t)
	conns := make([]*hubtest.Conn, 50)
	var wg sync.WaitGroup
	for i := range conns {
		conns[i] = hubtest.NewConn()
		wg.Add(1)
		go func(c *hubtest.Conn) {
			defer wg.Done()
			unlock := h.LockUser(1)
			defer unlock()
			h.Register(1, c)
		}(conns[i])
	}
	wg.Wait()

	assert.Eventually(t, func() bool {
		open := 0
		for _, c := range conns {
			if closed, _ := c.Closed(); !closed {
				open++
			}
		}
		return open == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, h.Len())
}

// stalledConn blocks in Close until release is closed, like a WebSocket
// whose close frame waits behind a stuck write.
type stalledConn struct {
	*hubtest.Conn
	release chan struct{}
}

func (c *stalledConn) Close(reason protocol.CloseReason) error {
	<-c.release
	return c.Conn.Close(reason)
}

func TestHub_RegisterDoesNotWaitForSupersededClose(t *testing.T) {
	h := newHub(t)
	old := &stalledConn{Conn: hubtest.NewConn(), release: make(chan struct{})}
	h.MarkLive(h.Register(1, old))

	next := hubtest.NewConn()
	registered := make(chan ConnectionID, 1)
	go func() {
		unlock := h.LockUser(1)
		defer unlock()
		registered <- h.Register(1, next)
	}()

	var id ConnectionID
	select {
	case id = <-registered:
	case <-time.After(time.Second):
		t.Fatalf("register blocked on the superseded connection's close")
	}
	conn, ok := h.Lookup(1)
	assert.True(t, ok)
	assert.Equal(t, id, conn.ID)
	if closed, _ := old.Closed(); closed {
		t.Fatalf("stalled close should still be pending")
	}

	close(old.release)
	select {
	case <-old.Done():
	case <-time.After(time.Second):
		t.Fatalf("superseded connection was never closed")
	}
	_, reason := old.Closed()
	assert.Equal(t, protocol.CloseSuperseded, reason)
}
