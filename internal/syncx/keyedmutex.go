// Package syncx provides small synchronization helpers.
package syncx

import "sync"

// KeyedMutex is a set of named mutual-exclusion scopes created on demand.
// Locking one key never serializes callers holding different keys. The
// per-key locks are advisory and non-reentrant; callers must release via the
// returned unlock function on every exit path. Entries are reference-counted
// and dropped once the last holder or waiter releases, so the set does not
// grow with the number of distinct keys seen over the process lifetime.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex returns an empty lock set.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: map[string]*keyedLock{}}
}

// Lock acquires the mutex for key, creating it on first use, and returns the
// matching unlock function.
//
//	unlock := km.Lock(source)
//	defer unlock()
func (km *KeyedMutex) Lock(key string) (unlock func()) {
	km.mu.Lock()
	l, ok := km.locks[key]
	if !ok {
		l = &keyedLock{}
		km.locks[key] = l
	}
	l.refs++
	km.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		km.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(km.locks, key)
		}
		km.mu.Unlock()
	}
}
