// Package db manages MongoDB connections and collections.
package db

import (
	"context" // For connection timeout/cancellation
	"fmt"     // Error formatting
	"time"    // Duration for timeouts

	"go.mongodb.org/mongo-driver/v2/bson"           // Ordered index keys
	"go.mongodb.org/mongo-driver/v2/mongo"          // MongoDB driver
	"go.mongodb.org/mongo-driver/v2/mongo/options"  // MongoDB options
	"go.mongodb.org/mongo-driver/v2/mongo/readpref" // MongoDB read preference

	"github.com/PaulBabatuyi/secureChat/internal/data"
)

// DefaultDatabase is used when no database name is configured.
const DefaultDatabase = "chat_db"

// Client wraps mongo.Client and exposes collections.
type Client struct {
	// client is the underlying MongoDB connection (thread-safe, can be reused)
	client *mongo.Client

	// db is the chat database; collections are accessed via this reference
	db *mongo.Database
}

// New connects to MongoDB and returns a Client.
func New(ctx context.Context, mongoURI, database string) (*Client, error) {
	opts := options.Client().
		ApplyURI(mongoURI).
		SetConnectTimeout(10 * time.Second) // Fail fast if MongoDB is unreachable

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Connect is lazy; Ping is the actual connection test
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	if database == "" {
		database = DefaultDatabase
	}
	return &Client{
		client: client,
		db:     client.Database(database),
	}, nil
}

// UsersCollection returns the users collection.
func (c *Client) UsersCollection() *mongo.Collection {
	return c.db.Collection("users")
}

// CountersCollection returns the id sequence collection.
func (c *Client) CountersCollection() *mongo.Collection {
	return c.db.Collection("counters")
}

// KeysCollection returns the public_keys collection.
func (c *Client) KeysCollection() *mongo.Collection {
	return c.db.Collection("public_keys")
}

// MessagesCollection returns the messages collection.
func (c *Client) MessagesCollection() *mongo.Collection {
	return c.db.Collection("messages")
}

// QueueCollection returns the offline_queue collection.
func (c *Client) QueueCollection() *mongo.Collection {
	return c.db.Collection("offline_queue")
}

// Ping checks the primary is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, readpref.Primary())
}

// Close disconnects from MongoDB.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// Stores returns the MongoDB-backed store bundle.
func (c *Client) Stores() data.Stores {
	return data.Stores{
		Users:    data.NewUsersStore(c.UsersCollection(), c.CountersCollection()),
		Keys:     data.NewKeysStore(c.KeysCollection()),
		Messages: data.NewMessagesStore(c.MessagesCollection()),
		Queue:    data.NewQueueStore(c.QueueCollection()),
		Ping:     c.Ping,
		Close:    c.Close,
	}
}

// CreateIndexes creates the indexes the stores rely on.
func (c *Client) CreateIndexes(ctx context.Context) error {
	// ===== USERS =====
	// Unique username: second registration fails with a duplicate key error
	_, err := c.UsersCollection().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create users index: %w", err)
	}

	// ===== MESSAGES =====
	// Key order matters for compound indexes, hence bson.D rather than a map
	messageIndexes := []mongo.IndexModel{
		{
			// GetMessageHistory: one direction of a conversation, newest first
			Keys: bson.D{
				{Key: "sender_id", Value: 1},
				{Key: "receiver_id", Value: 1},
				{Key: "created_at", Value: -1},
			},
		},
		{
			// ListUndelivered: startup recovery scan
			Keys: bson.D{
				{Key: "delivered", Value: 1},
				{Key: "created_at", Value: 1},
				{Key: "_id", Value: 1},
			},
		},
	}
	if _, err = c.MessagesCollection().Indexes().CreateMany(ctx, messageIndexes); err != nil {
		return fmt.Errorf("failed to create message indexes: %w", err)
	}

	// ===== OFFLINE QUEUE =====
	// NextBatch: per-receiver FIFO scan
	_, err = c.QueueCollection().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "receiver_id", Value: 1},
			{Key: "created_at", Value: 1},
			{Key: "_id", Value: 1},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create offline queue index: %w", err)
	}

	return nil
}
