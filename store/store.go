// Package store implements the node's local content store: a collection of
// dht.Content entries keyed by their (key, owner, type) triple. The key is
// a DHT identifier; owner and type are free-form labels that narrow
// retrieval when a network carries more than one kind of content under the
// same key.
package store

import (
	"sync"

	"github.com/opd-ai/kademlia/dht"
)

// Store is a mutex-guarded collection of content entries.
type Store struct {
	entries []dht.Content
	mu      sync.RWMutex
}

// New creates an empty content store.
func New() *Store {
	return &Store{}
}

// Put inserts a content item, overwriting any entry with the same
// (key, owner, type) triple.
func (s *Store) Put(c dht.Content) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.entries {
		if existing.Key.Equal(c.Key) && existing.Owner == c.Owner && existing.Type == c.Type {
			s.entries[i] = c
			return
		}
	}
	s.entries = append(s.entries, c)
}

// Get returns the first entry matching the parameter. The boolean reports
// whether a match was found.
func (s *Store) Get(p dht.GetParameter) (dht.Content, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.entries {
		if p.Matches(c) {
			return c, true
		}
	}
	return dht.Content{}, false
}

// Contains reports whether any entry matches the parameter.
func (s *Store) Contains(p dht.GetParameter) bool {
	_, ok := s.Get(p)
	return ok
}

// Keys returns the exact-match parameter of every stored entry, in
// insertion order.
func (s *Store) Keys() []dht.GetParameter {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]dht.GetParameter, 0, len(s.entries))
	for _, c := range s.entries {
		keys = append(keys, dht.ParamFor(c))
	}
	return keys
}

// All returns a copy of every stored entry. Snapshots use this to persist
// the store, and refresh uses it to re-publish local content.
func (s *Store) All() []dht.Content {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]dht.Content, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
