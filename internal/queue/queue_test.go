package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaulBabatuyi/secureChat/internal/apperr"
	"github.com/PaulBabatuyi/secureChat/internal/data"
	"github.com/PaulBabatuyi/secureChat/internal/data/datatest"
	"github.com/PaulBabatuyi/secureChat/internal/data/memstore"
	"github.com/PaulBabatuyi/secureChat/internal/retry"
)

var fastRetry = retry.Policy{Attempts: 3, Backoff: time.Millisecond}

func newQueue(t *testing.T, batch int) (*Queue, data.Stores) {
	t.Helper()
	s := memstore.New().Stores()
	log, _ := test.NewNullLogger()
	return New(s.Queue, s.Messages, batch, fastRetry, log), s
}

// persist saves and enqueues n messages for receiver 2, one millisecond apart.
func persist(t *testing.T, q *Queue, s data.Stores, n int) []string {
	t.Helper()
	ctx := context.Background()
	base := time.Now()
	ids := make([]string, n)
	for i := range n {
		m := datatest.NewMessage(1, 2, "c", base.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, s.Messages.SaveMessage(ctx, m))
		require.NoError(t, q.Enqueue(ctx, m))
		ids[i] = m.ID
	}
	return ids
}

func drainIDs(t *testing.T, q *Queue, receiver int64) []string {
	t.Helper()
	var ids []string
	for m, err := range q.Drain(context.Background(), receiver) {
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}
	return ids
}

func TestDrain_OrderAcrossBatches(t *testing.T) {
	q, s := newQueue(t, 2)
	ids := persist(t, q, s, 5)

	assert.Equal(t, ids, drainIDs(t, q, 2))
	assert.Empty(t, drainIDs(t, q, 1))

	// draining does not consume
	n, err := q.Pending(context.Background(), 2)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
}

func TestDrain_RestartsFromOldestUnacked(t *testing.T) {
	q, s := newQueue(t, 2)
	ctx := context.Background()
	ids := persist(t, q, s, 4)

	// stop after two deliveries, acking only the first
	var seen []string
	for m, err := range q.Drain(ctx, 2) {
		require.NoError(t, err)
		seen = append(seen, m.ID)
		if len(seen) == 1 {
			require.NoError(t, q.Ack(ctx, m.ID))
		}
		if len(seen) == 2 {
			break
		}
	}
	assert.Equal(t, ids[:2], seen)

	assert.Equal(t, ids[1:], drainIDs(t, q, 2))
}

func TestAck_MarksDeliveredOnce(t *testing.T) {
	q, s := newQueue(t, 10)
	ctx := context.Background()
	ids := persist(t, q, s, 1)

	require.NoError(t, q.Ack(ctx, ids[0]))
	m, err := s.Messages.GetMessage(ctx, ids[0])
	require.NoError(t, err)
	assert.True(t, m.Delivered)
	require.NotNil(t, m.DeliveredAt)
	first := *m.DeliveredAt

	// idempotent
	require.NoError(t, q.Ack(ctx, ids[0]))
	m, err = s.Messages.GetMessage(ctx, ids[0])
	require.NoError(t, err)
	assert.True(t, first.Equal(*m.DeliveredAt))

	empty, err := q.IsEmpty(ctx, 2)
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestEnqueue_Idempotent(t *testing.T) {
	q, s := newQueue(t, 10)
	ctx := context.Background()
	ids := persist(t, q, s, 1)

	m, err := s.Messages.GetMessage(ctx, ids[0])
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, m))

	assert.Equal(t, ids, drainIDs(t, q, 2))
}

func TestRecover(t *testing.T) {
	q, s := newQueue(t, 2)
	ctx := context.Background()
	base := time.Now()

	// three persisted but never queued, one already delivered
	var lost []string
	for i := range 3 {
		m := datatest.NewMessage(1, 2, "c", base.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, s.Messages.SaveMessage(ctx, m))
		lost = append(lost, m.ID)
	}
	done := datatest.NewMessage(1, 2, "c", base.Add(10*time.Millisecond))
	require.NoError(t, s.Messages.SaveMessage(ctx, done))
	_, err := s.Messages.MarkDelivered(ctx, done.ID, base)
	require.NoError(t, err)

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, lost, drainIDs(t, q, 2))

	// running it again changes nothing
	_, err = q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, lost, drainIDs(t, q, 2))
}

type failingQueue struct {
	data.QueueStore
	fails int
	calls int
}

var errDown = errors.New("connection refused")

func (f *failingQueue) NextBatch(ctx context.Context, receiverID int64, after data.Cursor, limit int) ([]*data.Message, error) {
	f.calls++
	if f.calls <= f.fails {
		return nil, errDown
	}
	return f.QueueStore.NextBatch(ctx, receiverID, after, limit)
}

func TestDrain_StoreFailures(t *testing.T) {
	s := memstore.New().Stores()
	log, hook := test.NewNullLogger()

	t.Run("transient failure is retried", func(t *testing.T) {
		fq := &failingQueue{QueueStore: s.Queue, fails: 2}
		q := New(fq, s.Messages, 10, fastRetry, log)
		ids := persist(t, q, s, 2)
		assert.Equal(t, ids, drainIDs(t, q, 2))
		for _, id := range ids {
			require.NoError(t, q.Ack(context.Background(), id))
		}
	})

	t.Run("exhausted retries surface store unavailable", func(t *testing.T) {
		fq := &failingQueue{QueueStore: s.Queue, fails: 100}
		q := New(fq, s.Messages, 10, fastRetry, log)

		var got error
		for _, err := range q.Drain(context.Background(), 2) {
			got = err
		}
		assert.ErrorIs(t, got, apperr.ErrStoreUnavailable)
		assert.ErrorIs(t, got, errDown)
		assert.Equal(t, 3, fq.calls)
		assert.NotEmpty(t, hook.AllEntries())
	})
}
