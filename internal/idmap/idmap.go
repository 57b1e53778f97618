// Package idmap holds the business-key → platform-identifier maps accumulated
// over a run, partitioned by entity type.
//
// A Store has a single owner (the run orchestrator). Resolvers and generators
// only ever see the read-only Reader view.
package idmap

import (
	"fmt"
	"sort"
)

// MergePolicy decides what happens when a key is written twice.
type MergePolicy string

const (
	// PreferNew overwrites an existing entry (default).
	PreferNew MergePolicy = "prefer-new"
	// PreferExisting keeps the first identifier written for a key.
	PreferExisting MergePolicy = "prefer-existing"
)

// ParsePolicy maps a config string to a MergePolicy; empty means PreferNew.
func ParsePolicy(s string) (MergePolicy, error) {
	switch MergePolicy(s) {
	case "", PreferNew:
		return PreferNew, nil
	case PreferExisting:
		return PreferExisting, nil
	}
	return "", fmt.Errorf("unknown id merge policy %q (want %q or %q)", s, PreferNew, PreferExisting)
}

// Map is one entity type's identifiers.
type Map map[string]string

// Reader is the read-only view handed to resolvers and generators.
type Reader interface {
	// Lookup returns the platform id for key within entity.
	Lookup(entity, key string) (string, bool)
	// Keys returns the business keys known for entity, sorted.
	Keys(entity string) []string
	// HasID reports whether id is already a platform identifier of entity.
	HasID(entity, id string) bool
}

// Store accumulates identifier maps for one run.
type Store struct {
	policy MergePolicy
	maps   map[string]Map
	// ids counts the keys pointing at each platform id.
	ids map[string]map[string]int
}

// NewStore returns an empty store using policy (empty = PreferNew).
func NewStore(policy MergePolicy) *Store {
	if policy == "" {
		policy = PreferNew
	}
	return &Store{policy: policy, maps: map[string]Map{}, ids: map[string]map[string]int{}}
}

// Policy returns the configured merge policy.
func (s *Store) Policy() MergePolicy { return s.policy }

// Lookup implements Reader.
func (s *Store) Lookup(entity, key string) (string, bool) {
	m, ok := s.maps[entity]
	if !ok {
		return "", false
	}
	id, ok := m[key]
	return id, ok
}

// HasID implements Reader.
func (s *Store) HasID(entity, id string) bool {
	_, ok := s.ids[entity][id]
	return ok
}

// Keys implements Reader.
func (s *Store) Keys(entity string) []string {
	m := s.maps[entity]
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Merge folds in identifiers for entity according to the store's policy and
// returns how many entries were written. Empty keys or ids are skipped.
func (s *Store) Merge(entity string, in Map) int {
	if len(in) == 0 {
		return 0
	}
	m, ok := s.maps[entity]
	if !ok {
		m = Map{}
		s.maps[entity] = m
		s.ids[entity] = map[string]int{}
	}
	refs := s.ids[entity]
	written := 0
	for k, id := range in {
		if k == "" || id == "" {
			continue
		}
		old, exists := m[k]
		if exists && s.policy == PreferExisting {
			continue
		}
		if exists {
			if refs[old]--; refs[old] <= 0 {
				delete(refs, old)
			}
		}
		m[k] = id
		refs[id]++
		written++
	}
	return written
}

// Entity returns a copy of one entity type's map.
func (s *Store) Entity(entity string) Map {
	out := Map{}
	for k, v := range s.maps[entity] {
		out[k] = v
	}
	return out
}

// Len returns the number of identifiers stored for entity.
func (s *Store) Len(entity string) int { return len(s.maps[entity]) }

// Snapshot returns a deep copy of every map, for reports and debugging.
func (s *Store) Snapshot() map[string]Map {
	out := make(map[string]Map, len(s.maps))
	for e := range s.maps {
		out[e] = s.Entity(e)
	}
	return out
}

// Static is a Reader over fixed maps, convenient for tests and for seeding a
// run with identifiers created elsewhere.
type Static map[string]Map

func (st Static) Lookup(entity, key string) (string, bool) {
	id, ok := st[entity][key]
	return id, ok
}

func (st Static) HasID(entity, id string) bool {
	for _, v := range st[entity] {
		if v == id {
			return true
		}
	}
	return false
}

func (st Static) Keys(entity string) []string {
	keys := make([]string, 0, len(st[entity]))
	for k := range st[entity] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
