package meta

import (
	"slices"
	"sync"
)

// keyedMutex hands out one mutex per identity. Locks are reference counted
// and freed once nobody holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) acquire(key string) *keyLock {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return l
}

func (k *keyedMutex) release(key string, l *keyLock) {
	l.Unlock()
	k.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// Lock locks key and returns the matching unlock function.
func (k *keyedMutex) Lock(key string) func() {
	l := k.acquire(key)
	return func() { k.release(key, l) }
}

// LockAll locks every distinct key in sorted order, so two callers locking
// overlapping sets cannot deadlock.
func (k *keyedMutex) LockAll(keys ...string) func() {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	held := make([]*keyLock, len(sorted))
	for i, key := range sorted {
		held[i] = k.acquire(key)
	}
	return func() {
		for i := len(sorted) - 1; i >= 0; i-- {
			k.release(sorted[i], held[i])
		}
	}
}

// held returns the number of identities currently locked or waited on.
func (k *keyedMutex) held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
