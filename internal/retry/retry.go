// Package retry runs store calls with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/PaulBabatuyi/secureChat/internal/data"
)

// Policy bounds the retries of one operation.
type Policy struct {
	Attempts int           // total tries, at least 1
	Backoff  time.Duration // wait before the second try; doubles after
	Max      time.Duration // cap on a single wait; zero means no cap
}

// Permanent reports errors that a retry cannot fix.
func Permanent(err error) bool {
	return errors.Is(err, data.ErrNotFound) ||
		errors.Is(err, data.ErrDuplicate) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Do calls fn until it succeeds, returns a permanent error, the attempts run
// out or ctx is done. It returns fn's last error.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	attempts := max(p.Attempts, 1)
	wait := p.Backoff
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil || Permanent(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
		wait *= 2
		if p.Max > 0 && wait > p.Max {
			wait = p.Max
		}
	}
	return err
}
