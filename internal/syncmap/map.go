// Package syncmap provides the atomic map used for the cache entries and the
// staged/inflight hash sets. Only insert-if-absent, remove and get are
// exposed so callers cannot build read-modify-write races on top of it.
package syncmap

import "sync"

type Map[K comparable, V any] struct {
	sync.RWMutex
	items map[K]V
}

func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{items: make(map[K]V)}
}

// Get returns the value stored for key.
func (m *Map[K, V]) Get(key K) (V, bool) {
	m.RLock()
	defer m.RUnlock()
	v, ok := m.items[key]
	return v, ok
}

// Has reports whether key is present.
func (m *Map[K, V]) Has(key K) bool {
	_, ok := m.Get(key)
	return ok
}

// TryInsert stores value only if key is absent. It reports whether the
// insert happened.
func (m *Map[K, V]) TryInsert(key K, value V) bool {
	m.Lock()
	defer m.Unlock()
	if _, ok := m.items[key]; ok {
		return false
	}
	m.items[key] = value
	return true
}

// Put stores value unconditionally.
func (m *Map[K, V]) Put(key K, value V) {
	m.Lock()
	defer m.Unlock()
	m.items[key] = value
}

// TryRemove deletes key and returns the removed value.
func (m *Map[K, V]) TryRemove(key K) (V, bool) {
	m.Lock()
	defer m.Unlock()
	v, ok := m.items[key]
	if ok {
		delete(m.items, key)
	}
	return v, ok
}

// CompareAndRemove deletes key only while match returns true for its value.
func (m *Map[K, V]) CompareAndRemove(key K, match func(V) bool) bool {
	m.Lock()
	defer m.Unlock()
	v, ok := m.items[key]
	if !ok || !match(v) {
		return false
	}
	delete(m.items, key)
	return true
}

func (m *Map[K, V]) Len() int {
	m.RLock()
	defer m.RUnlock()
	return len(m.items)
}

// Snapshot copies the current contents.
func (m *Map[K, V]) Snapshot() map[K]V {
	m.RLock()
	defer m.RUnlock()
	out := make(map[K]V, len(m.items))
	for k, v := range m.items {
		out[k] = v
	}
	return out
}
