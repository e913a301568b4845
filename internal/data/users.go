package data

import (
	"context" // Used for cancellation and timeouts
	"time"    // Timestamps

	"github.com/pkg/errors"                        // Error wrapping with call-site context
	"go.mongodb.org/mongo-driver/v2/bson"          // MongoDB document queries
	"go.mongodb.org/mongo-driver/v2/mongo"         // MongoDB driver
	"go.mongodb.org/mongo-driver/v2/mongo/options" // Query options

	"github.com/PaulBabatuyi/secureChat/internal/normalize"
)

// UsersStore performs user DB operations.
type UsersStore struct {
	// coll is reference to "users" collection in MongoDB
	coll *mongo.Collection

	// counters allocates numeric user ids; one document per sequence
	counters *mongo.Collection
}

// NewUsersStore returns a UsersStore using the provided collections.
func NewUsersStore(coll, counters *mongo.Collection) *UsersStore {
	return &UsersStore{coll: coll, counters: counters}
}

// nextID atomically increments and returns the named sequence.
func nextID(ctx context.Context, counters *mongo.Collection, name string) (int64, error) {
	// $inc on an upserted document: first call creates {_id: name, seq: 1}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After) // Return the incremented value

	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := counters.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: name}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "seq", Value: int64(1)}}}},
		opts,
	).Decode(&doc)
	if err != nil {
		return 0, errors.Wrap(err, "counters.nextID.FindOneAndUpdate: ")
	}
	return doc.Seq, nil
}

// CreateUser inserts a new user document with hashed password.
func (u *UsersStore) CreateUser(ctx context.Context, username, passwordHash string) (*User, error) {
	// Allocate the numeric id before insert; a duplicate username burns one id
	id, err := nextID(ctx, u.counters, "users")
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	user := &User{
		ID:           id,
		Username:     normalize.Username(username), // Stored in canonical form
		PasswordHash: passwordHash,                 // Already hashed by auth.HashPassword()
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if _, err := u.coll.InsertOne(ctx, user); err != nil {
		// Unique index on username rejects a second registration
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrDuplicate
		}
		return nil, errors.Wrap(err, "usersStore.CreateUser.InsertOne: ")
	}
	return user, nil
}

// GetUserByUsername finds a user by username.
func (u *UsersStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	err := u.coll.FindOne(ctx, bson.M{"username": normalize.Username(username)}).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "usersStore.GetUserByUsername.FindOne: ")
	}
	return &user, nil
}

// GetUserByID finds a user by numeric id.
func (u *UsersStore) GetUserByID(ctx context.Context, id int64) (*User, error) {
	var user User
	err := u.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "usersStore.GetUserByID.FindOne: ")
	}
	return &user, nil
}

// UserExists checks if a user exists by id.
func (u *UsersStore) UserExists(ctx context.Context, id int64) (bool, error) {
	// CountDocuments with a limit is cheaper than decoding the document
	count, err := u.coll.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return false, errors.Wrap(err, "usersStore.UserExists.CountDocuments: ")
	}
	return count > 0, nil
}

// ListUsers returns every registered user ordered by id.
func (u *UsersStore) ListUsers(ctx context.Context) ([]*User, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetProjection(bson.D{{Key: "password_hash", Value: 0}}) // Never needed for listings

	cursor, err := u.coll.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, errors.Wrap(err, "usersStore.ListUsers.Find: ")
	}
	defer cursor.Close(ctx)

	var users []*User
	if err := cursor.All(ctx, &users); err != nil {
		return nil, errors.Wrap(err, "usersStore.ListUsers.All: ")
	}
	return users, nil
}
