package data

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoQueueStore keeps offline queue entries in the offline_queue collection.
// Each entry is a full copy of the message, keyed by message id.
type MongoQueueStore struct {
	coll *mongo.Collection
}

// NewQueueStore returns a queue store over the offline_queue collection.
func NewQueueStore(coll *mongo.Collection) *MongoQueueStore {
	return &MongoQueueStore{coll: coll}
}

// Enqueue inserts msg unless an entry with the same id exists.
func (q *MongoQueueStore) Enqueue(ctx context.Context, msg *Message) error {
	if _, err := q.coll.InsertOne(ctx, msg); err != nil {
		// Already queued: Enqueue is idempotent
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return errors.Wrap(err, "queueStore.Enqueue.InsertOne: ")
	}
	return nil
}

// NextBatch returns the next page of entries for receiverID in FIFO order.
func (q *MongoQueueStore) NextBatch(ctx context.Context, receiverID int64, after Cursor, limit int) ([]*Message, error) {
	filter := bson.D{
		{Key: "receiver_id", Value: receiverID},
		{Key: "$or", Value: afterCursor(after)},
	}
	// Served by the (receiver_id, created_at, _id) index
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := q.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, "queueStore.NextBatch.Find: ")
	}
	defer cursor.Close(ctx)

	var batch []*Message
	if err := cursor.All(ctx, &batch); err != nil {
		return nil, errors.Wrap(err, "queueStore.NextBatch.All: ")
	}
	return batch, nil
}

// Remove deletes the entry for messageID if present.
func (q *MongoQueueStore) Remove(ctx context.Context, messageID string) error {
	if _, err := q.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: messageID}}); err != nil {
		return errors.Wrap(err, "queueStore.Remove.DeleteOne: ")
	}
	return nil
}

// Count returns the number of pending entries for receiverID.
func (q *MongoQueueStore) Count(ctx context.Context, receiverID int64) (int64, error) {
	n, err := q.coll.CountDocuments(ctx, bson.D{{Key: "receiver_id", Value: receiverID}})
	if err != nil {
		return 0, errors.Wrap(err, "queueStore.Count.CountDocuments: ")
	}
	return n, nil
}
