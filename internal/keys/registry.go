// Package keys is the public key registry: one active X25519 public key per
// user, uploaded by its owner and readable by any authenticated user.
package keys

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/PaulBabatuyi/secureChat/internal/apperr"
	"github.com/PaulBabatuyi/secureChat/internal/cache"
	"github.com/PaulBabatuyi/secureChat/internal/data"
	"github.com/PaulBabatuyi/secureChat/internal/lock"
	"github.com/PaulBabatuyi/secureChat/internal/retry"
	"github.com/PaulBabatuyi/secureChat/pkg/e2ee"
)

// Cache is the optional read-through cache in front of the store.
type Cache interface {
	Get(ctx context.Context, userID int64) (*data.PublicKeyRecord, error)
	Set(ctx context.Context, rec *data.PublicKeyRecord) error
	Fill(ctx context.Context, rec *data.PublicKeyRecord) error
	Delete(ctx context.Context, userID int64) error
}

// Registry uploads and looks up public keys.
type Registry struct {
	store data.KeyStore
	cache Cache // nil disables caching
	locks lock.Keyed
	retry retry.Policy
	log   logrus.FieldLogger
	now   func() time.Time
}

// New creates a registry. c may be nil.
func New(store data.KeyStore, c Cache, p retry.Policy, log logrus.FieldLogger) *Registry {
	return &Registry{store: store, cache: c, retry: p, log: log, now: time.Now}
}

// UploadPublicKey replaces userID's public key. Uploads for the same user
// are serialized and the last one wins; the stored key is never a mix.
func (r *Registry) UploadPublicKey(ctx context.Context, userID int64, key e2ee.PublicKey) error {
	if _, err := e2ee.PublicKeyFromBytes(key.Bytes()); err != nil {
		return apperr.Wrap(apperr.ErrInvalidKey, err)
	}

	unlock := r.locks.Lock(userID)
	defer unlock()

	rec := &data.PublicKeyRecord{
		UserID:    userID,
		PublicKey: key.Bytes(),
		CreatedAt: r.now().UTC().Truncate(time.Millisecond),
	}
	err := retry.Do(ctx, r.retry, func(ctx context.Context) error {
		return r.store.UpsertPublicKey(ctx, rec)
	})
	if err != nil {
		r.log.WithError(err).WithField("user_id", userID).Error("public key upsert failed")
		return apperr.Wrap(apperr.ErrStoreUnavailable, err)
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, rec); err != nil {
			// a stale cached key must not outlive the upload
			r.log.WithError(err).WithField("user_id", userID).Warn("key cache write failed, evicting")
			_ = r.cache.Delete(ctx, userID)
		}
	}
	r.log.WithField("user_id", userID).Info("public key uploaded")
	return nil
}

// GetPublicKey returns userID's current key record.
func (r *Registry) GetPublicKey(ctx context.Context, userID int64) (*data.PublicKeyRecord, error) {
	if r.cache != nil {
		rec, err := r.cache.Get(ctx, userID)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			r.log.WithError(err).WithField("user_id", userID).Warn("key cache read failed")
		}
	}

	if r.cache != nil {
		// Read and fill under the upload lock so a fill of an old key
		// cannot land after an upload evicted it.
		unlock := r.locks.Lock(userID)
		defer unlock()
	}

	var rec *data.PublicKeyRecord
	err := retry.Do(ctx, r.retry, func(ctx context.Context) error {
		var err error
		rec, err = r.store.GetPublicKey(ctx, userID)
		return err
	})
	if errors.Is(err, data.ErrNotFound) {
		return nil, apperr.ErrKeyNotFound
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStoreUnavailable, err)
	}

	if r.cache != nil {
		if err := r.cache.Fill(ctx, rec); err != nil {
			r.log.WithError(err).WithField("user_id", userID).Warn("key cache fill failed")
		}
	}
	return rec, nil
}
