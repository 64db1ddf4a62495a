package chat

import (
	"sync"

	"github.com/google/uuid"
)

// threadLocks serializes sends per thread. Without this, a second send into
// the same thread could interleave with the first one's persistence step and
// scramble message ordering. Locks are never evicted; the map is bounded by
// the number of threads touched by one process lifetime.
type threadLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func newThreadLocks() *threadLocks {
	return &threadLocks{locks: make(map[uuid.UUID]*sync.Mutex)}
}

func (l *threadLocks) lock(threadID uuid.UUID) func() {
	l.mu.Lock()
	m, ok := l.locks[threadID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[threadID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
