package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/PaulBabatuyi/secureChat/internal/data"
)

func TestDo(t *testing.T) {
	p := Policy{Attempts: 3, Backoff: time.Millisecond}
	boom := errors.New("boom")

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), p, func(context.Context) error {
			calls++
			if calls < 3 {
				return boom
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after attempts", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), p, func(context.Context) error {
			calls++
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 3, calls)
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), p, func(context.Context) error {
			calls++
			return data.ErrNotFound
		})
		assert.ErrorIs(t, err, data.ErrNotFound)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops when context is done", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := Do(ctx, Policy{Attempts: 5, Backoff: time.Hour}, func(context.Context) error {
			calls++
			cancel()
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})

	t.Run("zero attempts still tries once", func(t *testing.T) {
		calls := 0
		_ = Do(context.Background(), Policy{}, func(context.Context) error {
			calls++
			return nil
		})
		assert.Equal(t, 1, calls)
	})
}
