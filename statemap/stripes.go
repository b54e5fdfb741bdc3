package statemap

import (
	"hash/fnv"
	"sync"
)

// Stripes is a striped mutex set for serializing longer operations (I/O
// included) per key without a global lock. Two keys hashing to the same
// stripe share a mutex; unrelated keys almost never contend.
type Stripes struct {
	locks []sync.Mutex
}

// NewStripes creates a striped lock set. Count defaults to 256.
func NewStripes(count int) *Stripes {
	if count <= 0 {
		count = 256
	}
	return &Stripes{locks: make([]sync.Mutex, count)}
}

func (s *Stripes) index(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % uint32(len(s.locks))
}

// Lock acquires the stripe for key.
func (s *Stripes) Lock(key string) {
	s.locks[s.index(key)].Lock()
}

// Unlock releases the stripe for key.
func (s *Stripes) Unlock(key string) {
	s.locks[s.index(key)].Unlock()
}
