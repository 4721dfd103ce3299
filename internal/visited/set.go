// Package visited tracks dedup keys of tasks already admitted to the frontier.
package visited

import "sync"

// Set is a concurrency-safe set of task keys. Keys are never removed.
type Set struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// New returns an empty Set.
func New() *Set {
	return &Set{keys: make(map[string]struct{})}
}

// Add inserts key and reports whether it was absent. Check and insert happen
// under one lock, so exactly one caller wins for any key.
func (s *Set) Add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return false
	}
	s.keys[key] = struct{}{}
	return true
}

// Contains reports whether key has been added.
func (s *Set) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok
}

// Len returns the number of keys.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}
