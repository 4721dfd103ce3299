// Package memory provides an in-memory record sink for tests and dry runs.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/followgraph-crawler/internal/crawler"
)

// Store keeps every consumed record. Profiles are indexed by ID; relation
// lists keep arrival order.
type Store struct {
	mu        sync.RWMutex
	profiles  map[string]crawler.Profile
	relations []crawler.RelationList
	records   int
}

// New returns an empty Store.
func New() *Store {
	return &Store{profiles: make(map[string]crawler.Profile)}
}

// Consume stores a copy of each record payload.
func (s *Store) Consume(_ context.Context, batch []crawler.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range batch {
		s.records++
		switch {
		case rec.Profile != nil:
			s.profiles[rec.Profile.ID] = *rec.Profile
		case rec.Relation != nil:
			rel := *rec.Relation
			rel.MemberIDs = append([]string(nil), rel.MemberIDs...)
			s.relations = append(s.relations, rel)
		}
	}
	return nil
}

// Close implements the sink interface; it performs no action.
func (s *Store) Close(context.Context) error {
	return nil
}

// Profile returns the stored profile for id.
func (s *Store) Profile(id string) (crawler.Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	return p, ok
}

// ProfileCount returns the number of distinct profiles stored.
func (s *Store) ProfileCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.profiles)
}

// Members concatenates every partial list stored for owner and direction in
// arrival order.
func (s *Store) Members(owner string, direction crawler.Direction) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, rel := range s.relations {
		if rel.OwnerID == owner && rel.Direction == direction {
			out = append(out, rel.MemberIDs...)
		}
	}
	return out
}

// Relations returns a copy of the stored relation lists.
func (s *Store) Relations() []crawler.RelationList {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.RelationList, len(s.relations))
	copy(out, s.relations)
	return out
}

// Len returns the total number of consumed records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records
}
