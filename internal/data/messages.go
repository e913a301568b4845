package data

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MessagesStore provides message database operations.
type MessagesStore struct {
	// coll is reference to "messages" collection in MongoDB
	// Set via NewMessagesStore() and used in all methods below
	coll *mongo.Collection
}

// NewMessagesStore returns a MessagesStore using given collection.
func NewMessagesStore(coll *mongo.Collection) *MessagesStore {
	return &MessagesStore{coll: coll}
}

// SaveMessage inserts a message document. The router assigns the id (UUIDv7)
// and created_at before calling, so a retried insert of the same message is
// reported as ErrDuplicate rather than stored twice.
func (m *MessagesStore) SaveMessage(ctx context.Context, msg *Message) error {
	if _, err := m.coll.InsertOne(ctx, msg); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return errors.Wrap(err, "messagesStore.SaveMessage.InsertOne: ")
	}
	return nil
}

// GetMessage loads a single message by id.
func (m *MessagesStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	var msg Message
	if err := m.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&msg); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "messagesStore.GetMessage.FindOne: ")
	}
	return &msg, nil
}

// MarkDelivered sets delivered=true exactly once.
func (m *MessagesStore) MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error) {
	// Filtering on delivered=false makes the transition one-way: a repeated
	// Ack matches nothing and leaves delivered_at untouched
	res, err := m.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}, {Key: "delivered", Value: false}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "delivered", Value: true},
			{Key: "delivered_at", Value: at.UTC()},
		}}},
	)
	if err != nil {
		return false, errors.Wrap(err, "messagesStore.MarkDelivered.UpdateOne: ")
	}
	if res.ModifiedCount == 1 {
		return true, nil
	}

	// Nothing modified: either already delivered or unknown id
	if _, err := m.GetMessage(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// GetMessageHistory returns recent messages between two users (ordered oldest→newest).
func (m *MessagesStore) GetMessageHistory(ctx context.Context, user1, user2 int64, limit int64) ([]*Message, error) {
	// Newest first so the limit keeps the most recent N; reversed below
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(limit)

	// Either direction of the conversation
	filter := bson.M{
		"$or": bson.A{
			bson.M{"sender_id": user1, "receiver_id": user2},
			bson.M{"sender_id": user2, "receiver_id": user1},
		},
	}

	cursor, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, "messagesStore.GetMessageHistory.Find: ")
	}
	defer cursor.Close(ctx)

	var messages []*Message
	if err = cursor.All(ctx, &messages); err != nil {
		return nil, errors.Wrap(err, "messagesStore.GetMessageHistory.All: ")
	}

	// Classic two-pointer swap back to chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// ListUndelivered pages through delivered=false messages across all
// receivers. Used by startup recovery to rebuild missing queue entries.
func (m *MessagesStore) ListUndelivered(ctx context.Context, after Cursor, limit int) ([]*Message, error) {
	filter := bson.D{
		{Key: "delivered", Value: false},
		{Key: "$or", Value: afterCursor(after)},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, "messagesStore.ListUndelivered.Find: ")
	}
	defer cursor.Close(ctx)

	var messages []*Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, errors.Wrap(err, "messagesStore.ListUndelivered.All: ")
	}
	return messages, nil
}

// afterCursor builds the keyset predicate (created_at, _id) > (c.CreatedAt, c.ID).
func afterCursor(c Cursor) bson.A {
	return bson.A{
		bson.D{{Key: "created_at", Value: bson.D{{Key: "$gt", Value: c.CreatedAt}}}},
		bson.D{
			{Key: "created_at", Value: c.CreatedAt},
			{Key: "_id", Value: bson.D{{Key: "$gt", Value: c.ID}}},
		},
	}
}
