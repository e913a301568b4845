// Package lock provides a per-key mutex whose entries are freed when no
// goroutine holds or waits on them.
package lock

import "sync"

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// Keyed serializes work per key. The zero value is ready to use.
type Keyed struct {
	mu      sync.Mutex
	entries map[int64]*keyedEntry
}

// Lock blocks until key is free and returns the matching unlock func.
func (k *Keyed) Lock(key int64) (unlock func()) {
	k.mu.Lock()
	if k.entries == nil {
		k.entries = make(map[int64]*keyedEntry)
	}
	e, ok := k.entries[key]
	if !ok {
		e = &keyedEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			k.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(k.entries, key)
			}
			k.mu.Unlock()
		})
	}
}

// Len reports how many keys currently have holders or waiters.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
