package storage

import (
	"context"
	"crypto/sha256"
	"sync"

	"github.com/pinwheel-storage/pinwheel/interfaces"
)

// MemoryStore is an in-memory object store used in tests, fixtures and
// local development. Objects survive unpinning until RemoveUnpinned is
// called, mirroring an IPFS node whose garbage collection has not yet
// run.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[interfaces.ObjectID][]byte
	pins    map[interfaces.ObjectID]map[interfaces.Region]bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[interfaces.ObjectID][]byte),
		pins:    make(map[interfaces.ObjectID]map[interfaces.Region]bool),
	}
}

// Put stores the payload under its sha256 content address.
func (s *MemoryStore) Put(ctx context.Context, data []byte) (interfaces.ObjectID, error) {
	id := interfaces.ObjectID(sha256.Sum256(data))
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.objects[id] = buf
	return id, nil
}

// Get retrieves the payload for id.
func (s *MemoryStore) Get(ctx context.Context, id interfaces.ObjectID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Pin marks the object as retained in a region.
func (s *MemoryStore) Pin(ctx context.Context, id interfaces.ObjectID, region interfaces.Region) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[id]; !ok {
		return interfaces.ErrNotFound
	}
	if s.pins[id] == nil {
		s.pins[id] = make(map[interfaces.Region]bool)
	}
	s.pins[id][region] = true
	return nil
}

// Unpin releases the object in a region. Unpinning an absent pin is not
// an error.
func (s *MemoryStore) Unpin(ctx context.Context, id interfaces.ObjectID, region interfaces.Region) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pins, ok := s.pins[id]; ok {
		delete(pins, region)
		if len(pins) == 0 {
			delete(s.pins, id)
		}
	}
	return nil
}

// Stat reports the stored size.
func (s *MemoryStore) Stat(ctx context.Context, id interfaces.ObjectID) (interfaces.ObjectStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[id]
	if !ok {
		return interfaces.ObjectStat{}, interfaces.ErrNotFound
	}
	return interfaces.ObjectStat{Size: int64(len(data))}, nil
}

// Pins returns the regions currently pinning id.
func (s *MemoryStore) Pins(id interfaces.ObjectID) []interfaces.Region {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var regions []interfaces.Region
	for r := range s.pins[id] {
		regions = append(regions, r)
	}
	return regions
}

// Remove deletes the object outright, simulating data loss.
func (s *MemoryStore) Remove(id interfaces.ObjectID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, id)
	delete(s.pins, id)
}

// RemoveUnpinned drops every object with no remaining pins, like an IPFS
// garbage collection pass.
func (s *MemoryStore) RemoveUnpinned() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id := range s.objects {
		if len(s.pins[id]) == 0 {
			delete(s.objects, id)
			removed++
		}
	}
	return removed
}

// Len reports the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
