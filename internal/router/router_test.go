package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaulBabatuyi/secureChat/internal/apperr"
	"github.com/PaulBabatuyi/secureChat/internal/auth"
	"github.com/PaulBabatuyi/secureChat/internal/data"
	"github.com/PaulBabatuyi/secureChat/internal/data/memstore"
	"github.com/PaulBabatuyi/secureChat/internal/hub"
	"github.com/PaulBabatuyi/secureChat/internal/hub/hubtest"
	"github.com/PaulBabatuyi/secureChat/internal/notify"
	"github.com/PaulBabatuyi/secureChat/internal/protocol"
	"github.com/PaulBabatuyi/secureChat/internal/queue"
	"github.com/PaulBabatuyi/secureChat/internal/retry"
)

const waitFor = 2 * time.Second

var fastRetry = retry.Policy{Attempts: 2, Backoff: time.Millisecond}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) PublishQueued(_ context.Context, ev notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Events() []notify.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]notify.Event(nil), p.events...)
}

type fixture struct {
	r      *Router
	hub    *hub.Hub
	queue  *queue.Queue
	stores data.Stores
	pub    *recordingPublisher
	jwt    *auth.JWTManager
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	return newFixtureWithQueue(t, cfg, nil)
}

// newFixtureWithQueue creates users 1, 2 and 3. qs replaces the queue store
// when non-nil.
func newFixtureWithQueue(t *testing.T, cfg Config, qs func(data.QueueStore) data.QueueStore) *fixture {
	t.Helper()
	log, _ := test.NewNullLogger()
	stores := memstore.New().Stores()
	for _, name := range []string{"alice", "bob", "carol"} {
		_, err := stores.Users.CreateUser(context.Background(), name, "hash")
		require.NoError(t, err)
	}
	queueStore := stores.Queue
	if qs != nil {
		queueStore = qs(queueStore)
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = fastRetry
	}

	h := hub.New(hub.Config{HeartbeatInterval: time.Minute}, log)
	q := queue.New(queueStore, stores.Messages, 2, fastRetry, log)
	pub := &recordingPublisher{}
	jwt := auth.NewJWTManager("test-secret", time.Minute)
	return &fixture{
		r:      New(h, q, stores.Users, stores.Messages, pub, jwt, cfg, log),
		hub:    h,
		queue:  q,
		stores: stores,
		pub:    pub,
		jwt:    jwt,
	}
}

// connect authenticates userID and serves conn in the background. The
// returned channel yields Serve's result.
func (f *fixture) connect(t *testing.T, userID int64, conn *hubtest.Conn) <-chan error {
	t.Helper()
	token, _, err := f.jwt.GenerateToken(userID, fmt.Sprintf("user%d", userID))
	require.NoError(t, err)
	s, err := f.r.Authenticate(token)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.r.Serve(context.Background(), s, conn) }()
	return done
}

func (f *fixture) waitLive(t *testing.T, userID int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		c, ok := f.hub.Lookup(userID)
		return ok && c.State == hub.StateLive
	}, waitFor, time.Millisecond)
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(waitFor):
		t.Fatal("session did not end")
		return nil
	}
}

func TestSendMessage_UnknownRecipient(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	res, err := f.r.SendMessage(ctx, 1, 999, "ciphertext")
	assert.ErrorIs(t, err, apperr.ErrUnknownRecipient)
	assert.Equal(t, protocol.StatusFailed, res.Status)
	assert.Empty(t, res.MessageID)

	pending, err := f.stores.Messages.ListUndelivered(ctx, data.Cursor{}, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "no message row may be created")
}

func TestSendMessage_InvalidContent(t *testing.T) {
	f := newFixture(t, Config{MaxCiphertext: 8})
	ctx := context.Background()

	_, err := f.r.SendMessage(ctx, 1, 2, "")
	assert.ErrorIs(t, err, apperr.ErrEmptyMessage)

	_, err = f.r.SendMessage(ctx, 1, 2, strings.Repeat("x", 9))
	assert.ErrorIs(t, err, apperr.ErrMessageTooLarge)
}

func TestSendMessage_OfflineIsQueuedAndNotified(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	res, err := f.r.SendMessage(ctx, 1, 2, "hi")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusQueued, res.Status)
	assert.NotEmpty(t, res.MessageID)

	m, err := f.stores.Messages.GetMessage(ctx, res.MessageID)
	require.NoError(t, err)
	assert.False(t, m.Delivered)
	assert.Equal(t, "hi", m.Ciphertext)

	n, err := f.queue.Pending(ctx, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	events := f.pub.Events()
	require.Len(t, events, 1)
	assert.Equal(t, res.MessageID, events[0].MessageID)
	assert.EqualValues(t, 2, events[0].ReceiverID)
}

// Alice sends "hi" while Bob is offline; Bob connects, receives it exactly
// once before anything else, and the message flips to delivered.
func TestOfflineMessageDeliveredOnConnect(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	res, err := f.r.SendMessage(ctx, 1, 2, "hi")
	require.NoError(t, err)
	require.Equal(t, protocol.StatusQueued, res.Status)

	bob := hubtest.NewConn()
	bob.Send(protocol.Frame{Type: protocol.TypePing})
	done := f.connect(t, 2, bob)
	f.waitLive(t, 2)

	frames := bob.WaitFrames(2, waitFor)
	require.Len(t, frames, 2)
	assert.Equal(t, protocol.TypeMessage, frames[0].Type)
	assert.Equal(t, res.MessageID, frames[0].MessageID)
	assert.Equal(t, "hi", frames[0].Content)
	assert.EqualValues(t, 1, frames[0].SenderID)
	assert.Equal(t, protocol.TypePong, frames[1].Type)

	m, err := f.stores.Messages.GetMessage(ctx, res.MessageID)
	require.NoError(t, err)
	assert.True(t, m.Delivered)
	empty, err := f.queue.IsEmpty(ctx, 2)
	require.NoError(t, err)
	assert.True(t, empty)

	// reconnecting does not redeliver
	_ = bob.Close(protocol.CloseNormal)
	require.NoError(t, waitDone(t, done))
	bob2 := hubtest.NewConn()
	done2 := f.connect(t, 2, bob2)
	f.waitLive(t, 2)
	bob2.Send(protocol.Frame{Type: protocol.TypePing})
	frames = bob2.WaitFrames(1, waitFor)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypePong, frames[0].Type)
	_ = bob2.Close(protocol.CloseNormal)
	waitDone(t, done2)
}

func TestDrainOrderAcrossBatches(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	var want []string
	for i := range 5 {
		res, err := f.r.SendMessage(ctx, 1, 2, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
		want = append(want, res.MessageID)
	}

	bob := hubtest.NewConn()
	done := f.connect(t, 2, bob)
	f.waitLive(t, 2)
	bob.WaitFrames(5, waitFor)
	assert.Equal(t, want, bob.Messages())

	_ = bob.Close(protocol.CloseNormal)
	waitDone(t, done)
}

func TestLiveDeliveryPreservesOrder(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	bob := hubtest.NewConn()
	done := f.connect(t, 2, bob)
	f.waitLive(t, 2)

	var want []string
	for i := range 10 {
		res, err := f.r.SendMessage(ctx, 1, 2, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
		require.Equal(t, protocol.StatusDelivered, res.Status)
		want = append(want, res.MessageID)

		m, err := f.stores.Messages.GetMessage(ctx, res.MessageID)
		require.NoError(t, err)
		assert.True(t, m.Delivered)
	}
	assert.Equal(t, want, bob.Messages())
	assert.Empty(t, f.pub.Events())

	_ = bob.Close(protocol.CloseNormal)
	waitDone(t, done)
	assert.False(t, f.hub.Presence().IsOnline(2))
}

func TestWebSocketSendAcks(t *testing.T) {
	f := newFixture(t, Config{})

	alice := hubtest.NewConn()
	bob := hubtest.NewConn()
	doneA := f.connect(t, 1, alice)
	doneB := f.connect(t, 2, bob)
	f.waitLive(t, 1)
	f.waitLive(t, 2)

	alice.Send(protocol.Frame{Type: protocol.TypeMessage, ReceiverID: 2, Content: "c1", Ref: "r1"})
	alice.Send(protocol.Frame{Type: protocol.TypeMessage, ReceiverID: 3, Content: "c2", Ref: "r2"})
	alice.Send(protocol.Frame{Type: protocol.TypeMessage, ReceiverID: 999, Content: "c3", Ref: "r3"})
	alice.SendErr(fmt.Errorf("%w: bad json", protocol.ErrInvalidFrame))

	acks := alice.WaitFrames(4, waitFor)
	require.Len(t, acks, 4)
	assert.Equal(t, "r1", acks[0].Ref)
	assert.Equal(t, protocol.StatusDelivered, acks[0].Status)
	assert.NotEmpty(t, acks[0].MessageID)
	assert.Equal(t, "r2", acks[1].Ref)
	assert.Equal(t, protocol.StatusQueued, acks[1].Status)
	assert.Equal(t, "r3", acks[2].Ref)
	assert.Equal(t, protocol.StatusFailed, acks[2].Status)
	assert.Equal(t, "unknown_recipient", acks[2].Error)
	assert.Equal(t, protocol.StatusFailed, acks[3].Status)
	assert.Equal(t, "invalid_frame", acks[3].Error)

	frames := bob.WaitFrames(1, waitFor)
	require.Len(t, frames, 1)
	assert.Equal(t, acks[0].MessageID, frames[0].MessageID)
	assert.EqualValues(t, 1, frames[0].SenderID)

	_ = alice.Close(protocol.CloseNormal)
	_ = bob.Close(protocol.CloseNormal)
	waitDone(t, doneA)
	waitDone(t, doneB)
}

func TestInboundRateLimit(t *testing.T) {
	f := newFixture(t, Config{MessagesPerSec: 1})

	alice := hubtest.NewConn()
	done := f.connect(t, 1, alice)
	f.waitLive(t, 1)

	alice.Send(protocol.Frame{Type: protocol.TypeMessage, ReceiverID: 2, Content: "a", Ref: "r1"})
	alice.Send(protocol.Frame{Type: protocol.TypeMessage, ReceiverID: 2, Content: "b", Ref: "r2"})
	acks := alice.WaitFrames(2, waitFor)
	require.Len(t, acks, 2)
	assert.Equal(t, protocol.StatusQueued, acks[0].Status)
	assert.Equal(t, protocol.StatusFailed, acks[1].Status)
	assert.Equal(t, "rate_limited", acks[1].Error)

	_ = alice.Close(protocol.CloseNormal)
	waitDone(t, done)
}

func TestSupersededSessionEnds(t *testing.T) {
	f := newFixture(t, Config{})

	first := hubtest.NewConn()
	done1 := f.connect(t, 2, first)
	f.waitLive(t, 2)

	second := hubtest.NewConn()
	done2 := f.connect(t, 2, second)

	require.NoError(t, waitDone(t, done1))
	closed, reason := first.Closed()
	assert.True(t, closed)
	assert.Equal(t, protocol.CloseSuperseded, reason)

	// the first session's cleanup left the new connection in place
	f.waitLive(t, 2)
	res, err := f.r.SendMessage(context.Background(), 1, 2, "x")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusDelivered, res.Status)
	assert.Equal(t, []string{res.MessageID}, second.Messages())
	assert.Empty(t, first.Messages())

	_ = second.Close(protocol.CloseNormal)
	waitDone(t, done2)
}

type brokenQueue struct{ data.QueueStore }

func (brokenQueue) NextBatch(context.Context, int64, data.Cursor, int) ([]*data.Message, error) {
	return nil, errors.New("server selection timeout")
}

func TestDrainFailureClosesWithStoreUnavailable(t *testing.T) {
	f := newFixtureWithQueue(t, Config{}, func(q data.QueueStore) data.QueueStore { return brokenQueue{q} })

	bob := hubtest.NewConn()
	err := waitDone(t, f.connect(t, 2, bob))
	assert.ErrorIs(t, err, apperr.ErrStoreUnavailable)

	closed, reason := bob.Closed()
	assert.True(t, closed)
	assert.Equal(t, protocol.CloseStoreUnavailable, reason)
	assert.False(t, f.hub.Presence().IsOnline(2))
}

func TestPongTouchesConnection(t *testing.T) {
	f := newFixture(t, Config{})
	bob := hubtest.NewConn()
	done := f.connect(t, 2, bob)
	f.waitLive(t, 2)

	before, _ := f.hub.Lookup(2)
	time.Sleep(5 * time.Millisecond)
	bob.Pong()
	after, _ := f.hub.Lookup(2)
	assert.True(t, after.LastHeartbeatAt.After(before.LastHeartbeatAt))

	_ = bob.Close(protocol.CloseNormal)
	waitDone(t, done)
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t, Config{})

	s, err := f.r.Authenticate("garbage")
	assert.ErrorIs(t, err, apperr.ErrAuth)
	assert.Equal(t, StateClosed, s.State())
	assert.ErrorIs(t, f.r.Serve(context.Background(), s, hubtest.NewConn()), ErrInvalidTransition)

	token, _, err := f.jwt.GenerateToken(2, "bob")
	require.NoError(t, err)
	s, err = f.r.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, s.State())
	assert.EqualValues(t, 2, s.UserID())
}

func TestConcurrentSendsDuringConnect(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	// queue some before the connect, race the rest against the drain
	var mu sync.Mutex
	var ids []string
	for i := range 3 {
		res, err := f.r.SendMessage(ctx, 1, 2, fmt.Sprintf("pre%d", i))
		require.NoError(t, err)
		ids = append(ids, res.MessageID)
	}

	bob := hubtest.NewConn()
	done := f.connect(t, 2, bob)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.r.SendMessage(ctx, 3, 2, fmt.Sprintf("race%d", i))
			if assert.NoError(t, err) {
				mu.Lock()
				ids = append(ids, res.MessageID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	f.waitLive(t, 2)

	got := bob.WaitFrames(len(ids), waitFor)
	seen := map[string]int{}
	for _, fr := range got {
		seen[fr.MessageID]++
	}
	for _, id := range ids {
		assert.Equal(t, 1, seen[id], "message %s delivered %d times", id, seen[id])
	}
	empty, err := f.queue.IsEmpty(ctx, 2)
	require.NoError(t, err)
	assert.True(t, empty)

	_ = bob.Close(protocol.CloseNormal)
	waitDone(t, done)
}

// lostAckStore writes the first message it is given and then reports a
// timeout, as a store does when the reply to a committed insert is lost.
type lostAckStore struct {
	data.MessageStore
	mu    sync.Mutex
	calls int
}

func (s *lostAckStore) SaveMessage(ctx context.Context, m *data.Message) error {
	s.mu.Lock()
	s.calls++
	first := s.calls == 1
	s.mu.Unlock()
	if err := s.MessageStore.SaveMessage(ctx, m); err != nil {
		return err
	}
	if first {
		return errors.New("i/o timeout")
	}
	return nil
}

func TestSendMessage_SaveRetryAfterLostAckIsQueued(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	store := &lostAckStore{MessageStore: f.stores.Messages}
	f.r.msgs = store

	res, err := f.r.SendMessage(ctx, 1, 2, "hi")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusQueued, res.Status)
	assert.Equal(t, 2, store.calls)

	m, err := f.stores.Messages.GetMessage(ctx, res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, "hi", m.Ciphertext)
	n, err := f.queue.Pending(ctx, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	bob := hubtest.NewConn()
	done := f.connect(t, 2, bob)
	f.waitLive(t, 2)
	bob.WaitFrames(1, waitFor)
	assert.Equal(t, []string{res.MessageID}, bob.Messages())
	_ = bob.Close(protocol.CloseNormal)
	waitDone(t, done)
}

type failingEnqueue struct{ data.QueueStore }

func (failingEnqueue) Enqueue(context.Context, *data.Message) error {
	return errors.New("connection refused")
}

// A message persisted but not queued fails the send with its id, so the
// client can match the copy startup recovery delivers later.
func TestSendMessage_EnqueueFailureReportsMessageID(t *testing.T) {
	f := newFixtureWithQueue(t, Config{}, func(q data.QueueStore) data.QueueStore { return failingEnqueue{q} })
	ctx := context.Background()

	res, err := f.r.SendMessage(ctx, 1, 2, "hi")
	assert.ErrorIs(t, err, apperr.ErrStoreUnavailable)
	assert.Equal(t, protocol.StatusFailed, res.Status)
	require.NotEmpty(t, res.MessageID)
	assert.Empty(t, f.pub.Events())

	log, _ := test.NewNullLogger()
	healthy := queue.New(f.stores.Queue, f.stores.Messages, 2, fastRetry, log)
	recovered, err := healthy.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	var ids []string
	for m, err := range healthy.Drain(ctx, 2) {
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{res.MessageID}, ids)
}

// A live push whose write fails drops the connection and queues the
// message for the next one.
func TestSendMessage_WriteFailureFallsBackToQueue(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	bob := hubtest.NewConn()
	done := f.connect(t, 2, bob)
	f.waitLive(t, 2)
	bob.FailWrites()

	res, err := f.r.SendMessage(ctx, 1, 2, "hi")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusQueued, res.Status)
	n, err := f.queue.Pending(ctx, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	closed, reason := bob.Closed()
	assert.True(t, closed)
	assert.Equal(t, protocol.CloseTransportError, reason)
	waitDone(t, done)
	assert.Len(t, f.pub.Events(), 1)

	next := hubtest.NewConn()
	done2 := f.connect(t, 2, next)
	f.waitLive(t, 2)
	next.WaitFrames(1, waitFor)
	assert.Equal(t, []string{res.MessageID}, next.Messages())

	m, err := f.stores.Messages.GetMessage(ctx, res.MessageID)
	require.NoError(t, err)
	assert.True(t, m.Delivered)
	_ = next.Close(protocol.CloseNormal)
	waitDone(t, done2)
}
