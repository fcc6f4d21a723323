package concurrency

import "sync"

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// KeyedMutex serializes work per key. Entries are dropped once no caller
// holds or waits on them, so the map does not grow with every key ever seen.
type KeyedMutex struct {
	locks map[string]*keyedEntry
	mu    sync.Mutex
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{
		locks: make(map[string]*keyedEntry),
	}
}

func (m *KeyedMutex) Lock(key string) {
	m.mu.Lock()
	entry, ok := m.locks[key]
	if !ok {
		entry = &keyedEntry{}
		m.locks[key] = entry
	}
	entry.refs++
	m.mu.Unlock()
	entry.mu.Lock()
}

func (m *KeyedMutex) Unlock(key string) {
	m.mu.Lock()
	entry, ok := m.locks[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()
	entry.mu.Unlock()
}

// Len reports the number of keys currently held or awaited.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
