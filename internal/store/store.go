// Package store implements ImageStore: a content-addressed, concurrent-safe
// repository of rendered images keyed by imagekey.Key. ImageStore
// exclusively owns pixel buffers; every other component holds a shared
// *rimage.Image handle.
package store

import (
	"sync"

	"github.com/nodeforge/compositor/internal/imagekey"
	"github.com/nodeforge/compositor/internal/rimage"
)

// Store is the concurrent-safe map from ImageKey to Image. Reads are
// lock-free once a handle is obtained — the lock only guards the map
// itself, never the image's own pixel or bitmap state.
type Store struct {
	mu     sync.RWMutex
	images map[imagekey.Key]*rimage.Image
}

// New creates an empty Store.
func New() *Store {
	return &Store{images: make(map[imagekey.Key]*rimage.Image)}
}

// GetOrCreate returns the existing image under key, or allocates and
// inserts a new one from params. If an image already exists, params is
// ignored and created is false.
func (s *Store) GetOrCreate(key imagekey.Key, params rimage.Params) (img *rimage.Image, created bool) {
	s.mu.RLock()
	if existing, ok := s.images[key]; ok {
		s.mu.RUnlock()
		return existing, false
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-check: a peer may have inserted between the RUnlock and Lock.
	if existing, ok := s.images[key]; ok {
		return existing, false
	}
	img = rimage.New(key, params)
	s.images[key] = img
	return img, true
}

// Get looks up an existing image, without creating one.
func (s *Store) Get(key imagekey.Key) (*rimage.Image, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	img, ok := s.images[key]
	return img, ok
}

// Evict removes a single entry.
func (s *Store) Evict(key imagekey.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.images, key)
}

// EvictAllWithHash removes every entry whose key carries the given
// node-hash — used when a node-hash change invalidates all of a node's
// cached output.
func (s *Store) EvictAllWithHash(hash uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.images {
		if k.NodeHash == hash {
			delete(s.images, k)
		}
	}
}

// Len reports the number of cached images, for diagnostics/tests.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.images)
}

// Keys returns a snapshot of all cached keys, for diagnostics/tests.
func (s *Store) Keys() []imagekey.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]imagekey.Key, 0, len(s.images))
	for k := range s.images {
		keys = append(keys, k)
	}
	return keys
}
