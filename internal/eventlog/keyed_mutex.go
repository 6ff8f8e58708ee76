package eventlog

import (
	"sync"

	"github.com/google/uuid"
)

type refMutex struct {
	mu   sync.Mutex
	refs int
}

// keyedMutex hands out one mutex per session id and forgets it once no
// goroutine holds or waits for it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*refMutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[uuid.UUID]*refMutex)}
}

// Lock blocks until the lock for id is held and returns its release func.
func (k *keyedMutex) Lock(id uuid.UUID) func() {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mu.Unlock()

	m.mu.Lock()
	return func() {
		m.mu.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
