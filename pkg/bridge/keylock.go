// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"sync"
	"time"
)

// keyedLock serializes work per string key. Acquisition is bounded: a caller
// that cannot take the key within the timeout gives up instead of queueing
// forever behind a stuck holder. Entries are reference counted and dropped
// once the last holder or waiter of a key is gone, so the map does not grow
// with the number of distinct keys ever seen.
type keyedLock struct {
	mu    sync.Mutex
	locks map[string]*keyedLockEntry
}

type keyedLockEntry struct {
	sem  chan struct{}
	refs int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{locks: make(map[string]*keyedLockEntry)}
}

func (kl *keyedLock) ref(key string) *keyedLockEntry {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	entry, ok := kl.locks[key]
	if !ok {
		entry = &keyedLockEntry{sem: make(chan struct{}, 1)}
		kl.locks[key] = entry
	}
	entry.refs++
	return entry
}

func (kl *keyedLock) unref(key string) {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	entry := kl.locks[key]
	entry.refs--
	if entry.refs == 0 {
		delete(kl.locks, key)
	}
}

// Lock acquires the key or fails with ErrProvisionTimeout after the timeout.
func (kl *keyedLock) Lock(ctx context.Context, key string, timeout time.Duration) error {
	entry := kl.ref(key)
	select {
	case entry.sem <- struct{}{}:
		return nil
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case entry.sem <- struct{}{}:
		return nil
	case <-timer.C:
		kl.unref(key)
		return ErrProvisionTimeout
	case <-ctx.Done():
		kl.unref(key)
		return ctx.Err()
	}
}

// Unlock releases the key. It must only be called after a successful Lock
// of the same key.
func (kl *keyedLock) Unlock(key string) {
	kl.mu.Lock()
	entry := kl.locks[key]
	kl.mu.Unlock()
	<-entry.sem
	kl.unref(key)
}
