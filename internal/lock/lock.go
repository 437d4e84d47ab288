// Package lock provides a keyed critical section: callers holding different
// keys never block each other, callers on the same key are served one at a
// time, and waiting is bounded.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned when the key stays held for longer than the wait.
var ErrTimeout = errors.New("lock: wait timed out")

type entry struct {
	ch   chan struct{}
	refs int
}

// Keyed serializes work per key. The zero value is not usable; use New.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func New() *Keyed {
	return &Keyed{locks: make(map[string]*entry)}
}

// Acquire blocks until key is free, wait elapses or ctx is done. On success
// the returned release func must be called exactly once.
func (k *Keyed) Acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	e := k.ref(key)

	// Uncontended fast path avoids allocating a timer.
	select {
	case e.ch <- struct{}{}:
		return k.releaser(key, e), nil
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case e.ch <- struct{}{}:
		return k.releaser(key, e), nil
	case <-timer.C:
		k.unref(key, e)
		return nil, ErrTimeout
	case <-ctx.Done():
		k.unref(key, e)
		return nil, ctx.Err()
	}
}

// Held reports how many keys currently have holders or waiters.
func (k *Keyed) Held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func (k *Keyed) ref(key string) *entry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	return e
}

func (k *Keyed) unref(key string, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

func (k *Keyed) releaser(key string, e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.unref(key, e)
		})
	}
}
