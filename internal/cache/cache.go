// Package cache keeps public key records in Redis in front of the key store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/PaulBabatuyi/secureChat/internal/data"
)

// ErrCacheMiss is returned by Get when the key is not cached.
var ErrCacheMiss = errors.New("cache miss")

const keyPrefix = "securechat:pubkey:"

// maxFillTTL caps how long a read-through fill lives. Another instance may
// fill an old key after this one's upload failed to overwrite it.
const maxFillTTL = 30 * time.Second

// NewRedisClient connects to Redis and pings it with a short timeout.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// KeyCache stores one JSON-encoded record per user with a TTL.
type KeyCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewKeyCache(rdb *redis.Client, ttl time.Duration) *KeyCache {
	return &KeyCache{rdb: rdb, ttl: ttl}
}

func key(userID int64) string {
	return keyPrefix + strconv.FormatInt(userID, 10)
}

func (c *KeyCache) Get(ctx context.Context, userID int64) (*data.PublicKeyRecord, error) {
	b, err := c.rdb.Get(ctx, key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	var rec data.PublicKeyRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Set overwrites the cached record. Used after an upload.
func (c *KeyCache) Set(ctx context.Context, rec *data.PublicKeyRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key(rec.UserID), b, c.ttl).Err()
}

// Fill caches rec only if nothing is cached yet, so a read that raced an
// upload cannot replace the newer key. Fills expire after at most
// maxFillTTL.
func (c *KeyCache) Fill(ctx context.Context, rec *data.PublicKeyRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.rdb.SetNX(ctx, key(rec.UserID), b, c.fillTTL()).Err()
}

func (c *KeyCache) fillTTL() time.Duration {
	if c.ttl <= 0 {
		return maxFillTTL
	}
	return min(c.ttl, maxFillTTL)
}

func (c *KeyCache) Delete(ctx context.Context, userID int64) error {
	return c.rdb.Del(ctx, key(userID)).Err()
}
