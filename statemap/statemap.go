package statemap

import (
	"hash/fnv"
	"sync"
)

const defaultShardCount = 64

// Map is a sharded, concurrency-safe keyed store. Each shard carries its
// own RWMutex, so read-modify-write cycles on unrelated keys do not
// contend. Values are stored by value; Update mutates under the shard
// write lock.
type Map[V any] struct {
	shards []*shard[V]
}

type shard[V any] struct {
	mu      sync.RWMutex
	entries map[string]V
}

// New creates a sharded map with the default shard count.
func New[V any]() *Map[V] {
	return NewWithShards[V](defaultShardCount)
}

// NewWithShards creates a sharded map with an explicit shard count.
func NewWithShards[V any](count int) *Map[V] {
	if count <= 0 {
		count = defaultShardCount
	}
	shards := make([]*shard[V], count)
	for i := range shards {
		shards[i] = &shard[V]{entries: make(map[string]V)}
	}
	return &Map[V]{shards: shards}
}

func (m *Map[V]) shardFor(key string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

// Get returns the value for key.
func (m *Map[V]) Get(key string) (V, bool) {
	s := m.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key]
	return v, ok
}

// Set stores the value for key unconditionally.
func (m *Map[V]) Set(key string, value V) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = value
}

// SetIfAbsent stores the value only if the key has no entry yet. It
// returns the winning value and whether this call stored it. This is the
// compare-and-swap used by first-writer-wins registration.
func (m *Map[V]) SetIfAbsent(key string, value V) (V, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[key]; ok {
		return existing, false
	}
	s.entries[key] = value
	return value, true
}

// Update applies fn to the current value for key under the shard write
// lock. When no entry exists, fn receives the zero value and ok=false.
// The returned value is stored. Lost updates between concurrent writers
// of the same key are impossible.
func (m *Map[V]) Update(key string, fn func(current V, ok bool) V) V {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.entries[key]
	next := fn(current, ok)
	s.entries[key] = next
	return next
}

// UpdateIfPresent applies fn to the current value under the shard write
// lock, storing the result only when an entry already exists. Returns
// false when the key is absent; a key deleted concurrently is not
// resurrected.
func (m *Map[V]) UpdateIfPresent(key string, fn func(current V) V) bool {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.entries[key]
	if !ok {
		return false
	}
	s.entries[key] = fn(current)
	return true
}

// Delete removes the entry for key, reporting whether it existed.
func (m *Map[V]) Delete(key string) bool {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok
}

// Len counts entries across all shards.
func (m *Map[V]) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Range calls fn for every entry until fn returns false. Each shard is
// snapshotted under its read lock before fn runs, so fn may call back
// into the map without deadlocking.
func (m *Map[V]) Range(fn func(key string, value V) bool) {
	for _, s := range m.shards {
		s.mu.RLock()
		keys := make([]string, 0, len(s.entries))
		values := make([]V, 0, len(s.entries))
		for k, v := range s.entries {
			keys = append(keys, k)
			values = append(values, v)
		}
		s.mu.RUnlock()
		for i := range keys {
			if !fn(keys[i], values[i]) {
				return
			}
		}
	}
}

// Keys returns a snapshot of all keys.
func (m *Map[V]) Keys() []string {
	var keys []string
	m.Range(func(key string, _ V) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}
