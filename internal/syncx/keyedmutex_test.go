package syncx

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()

	const workers = 16
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("grade_10_science")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	require.Equal(t, workers, counter)
}

func TestKeyedMutex_DifferentKeysDoNotBlock(t *testing.T) {
	km := NewKeyedMutex()

	unlockA := km.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := km.Lock("b")
		unlockB()
		close(done)
	}()

	// Must complete while "a" is still held.
	<-done
}

func TestKeyedMutex_ReleasedLockCanBeReacquired(t *testing.T) {
	km := NewKeyedMutex()

	unlock := km.Lock("k")
	unlock()

	unlock = km.Lock("k")
	unlock()
}

func TestKeyedMutex_EvictsIdleEntries(t *testing.T) {
	km := NewKeyedMutex()

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		key := string(rune('a' + i))
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock := km.Lock(key)
				unlock()
			}()
		}
	}
	wg.Wait()

	km.mu.Lock()
	defer km.mu.Unlock()
	require.Empty(t, km.locks, "released keys must not accumulate")
}
