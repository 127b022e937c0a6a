// Package lock serializes read-modify-write cycles on a single call record.
package lock

import (
	"context"
	"errors"
	"sync"
)

var ErrLockTimeout = errors.New("timed out waiting for call lock")

// Locker hands out exclusive per-key locks. The returned unlock func must be
// called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// KeyedMutex serializes holders of the same key inside one process.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch      chan struct{}
	waiters int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: make(map[string]*slot)}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()

	entry, ok := k.slots[key]
	if !ok {
		entry = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = entry
	}

	entry.waiters++
	k.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, entry, false)
		return nil, errors.Join(ErrLockTimeout, ctx.Err())
	}

	var once sync.Once

	return func() {
		once.Do(func() { k.release(key, entry, true) })
	}, nil
}

// Len reports how many keys currently have holders or waiters.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	return len(k.slots)
}

func (k *KeyedMutex) release(key string, entry *slot, held bool) {
	if held {
		<-entry.ch
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	entry.waiters--
	if entry.waiters == 0 {
		delete(k.slots, key)
	}
}
