// Package queue is the durable per-receiver offline queue. Entries live in
// the store, so queued messages survive restarts; delivery is at least once.
package queue

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/PaulBabatuyi/secureChat/internal/apperr"
	"github.com/PaulBabatuyi/secureChat/internal/data"
	"github.com/PaulBabatuyi/secureChat/internal/retry"
)

const defaultBatchSize = 100

// Queue reads and writes the offline queue through data.QueueStore and marks
// messages delivered through data.MessageStore.
type Queue struct {
	store     data.QueueStore
	msgs      data.MessageStore
	batchSize int
	retry     retry.Policy
	log       logrus.FieldLogger
	now       func() time.Time
}

// New creates a queue. batchSize bounds how many entries Drain loads at once.
func New(store data.QueueStore, msgs data.MessageStore, batchSize int, p retry.Policy, log logrus.FieldLogger) *Queue {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Queue{store: store, msgs: msgs, batchSize: batchSize, retry: p, log: log, now: time.Now}
}

// do runs fn with retries and maps exhaustion to ErrStoreUnavailable.
func (q *Queue) do(ctx context.Context, op string, fn func(context.Context) error) error {
	err := retry.Do(ctx, q.retry, fn)
	if err == nil || retry.Permanent(err) {
		return err
	}
	q.log.WithError(err).WithField("op", op).Error("offline queue store unavailable")
	return apperr.Wrap(apperr.ErrStoreUnavailable, err)
}

// Enqueue adds m to its receiver's queue. Enqueueing the same id twice
// leaves one entry.
func (q *Queue) Enqueue(ctx context.Context, m *data.Message) error {
	return q.do(ctx, "enqueue", func(ctx context.Context) error {
		return q.store.Enqueue(ctx, m)
	})
}

// Drain yields receiverID's queued messages oldest first, loading one batch
// at a time. Entries are not removed; call Ack after each delivery. A new
// Drain starts again from the oldest unacked entry. Iteration stops after
// the first error.
func (q *Queue) Drain(ctx context.Context, receiverID int64) iter.Seq2[*data.Message, error] {
	return func(yield func(*data.Message, error) bool) {
		var cur data.Cursor
		for {
			var batch []*data.Message
			err := q.do(ctx, "next_batch", func(ctx context.Context) error {
				var err error
				batch, err = q.store.NextBatch(ctx, receiverID, cur, q.batchSize)
				return err
			})
			if err != nil {
				yield(nil, err)
				return
			}
			for _, m := range batch {
				if !yield(m, nil) {
					return
				}
				cur = data.CursorOf(m)
			}
			if len(batch) < q.batchSize {
				return
			}
		}
	}
}

// Ack marks the message delivered and removes its queue entry. Acking twice
// is a no-op.
func (q *Queue) Ack(ctx context.Context, messageID string) error {
	at := q.now().UTC().Truncate(time.Millisecond)
	err := q.do(ctx, "mark_delivered", func(ctx context.Context) error {
		_, err := q.msgs.MarkDelivered(ctx, messageID, at)
		return err
	})
	if err != nil && !errors.Is(err, data.ErrNotFound) {
		return err
	}
	return q.do(ctx, "remove", func(ctx context.Context) error {
		return q.store.Remove(ctx, messageID)
	})
}

// Pending returns how many entries wait for receiverID.
func (q *Queue) Pending(ctx context.Context, receiverID int64) (int64, error) {
	var n int64
	err := q.do(ctx, "count", func(ctx context.Context) error {
		var err error
		n, err = q.store.Count(ctx, receiverID)
		return err
	})
	return n, err
}

func (q *Queue) IsEmpty(ctx context.Context, receiverID int64) (bool, error) {
	n, err := q.Pending(ctx, receiverID)
	return n == 0, err
}

// Recover enqueues every undelivered message. It repairs a crash between
// persisting a message and queueing it, and must run before connections are
// accepted. It returns the number of messages scanned.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	var (
		cur   data.Cursor
		total int
	)
	for {
		var batch []*data.Message
		err := q.do(ctx, "list_undelivered", func(ctx context.Context) error {
			var err error
			batch, err = q.msgs.ListUndelivered(ctx, cur, q.batchSize)
			return err
		})
		if err != nil {
			return total, err
		}
		for _, m := range batch {
			if err := q.Enqueue(ctx, m); err != nil {
				return total, err
			}
			cur = data.CursorOf(m)
			total++
		}
		if len(batch) < q.batchSize {
			break
		}
	}
	if total > 0 {
		q.log.WithField("messages", total).Info("recovered undelivered messages into offline queue")
	}
	return total, nil
}
