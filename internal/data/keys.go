package data

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// KeysStore persists public keys, one document per user keyed by user id.
type KeysStore struct {
	coll *mongo.Collection
}

// NewKeysStore returns a KeysStore using the public_keys collection.
func NewKeysStore(coll *mongo.Collection) *KeysStore {
	return &KeysStore{coll: coll}
}

// UpsertPublicKey replaces the user's key document in a single write, so a
// reader observes either the old or the new key, never a mix.
func (k *KeysStore) UpsertPublicKey(ctx context.Context, rec *PublicKeyRecord) error {
	_, err := k.coll.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: rec.UserID}},
		rec,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return errors.Wrap(err, "keysStore.UpsertPublicKey.ReplaceOne: ")
	}
	return nil
}

// GetPublicKey returns the active key for userID.
func (k *KeysStore) GetPublicKey(ctx context.Context, userID int64) (*PublicKeyRecord, error) {
	var rec PublicKeyRecord
	if err := k.coll.FindOne(ctx, bson.D{{Key: "_id", Value: userID}}).Decode(&rec); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "keysStore.GetPublicKey.FindOne: ")
	}
	return &rec, nil
}
