package caseless

import "iter"

// Set is an insertion-ordered set of case-insensitive strings.
type Set struct {
	m *Map[struct{}]
}

// NewSet creates a set holding items.
func NewSet(items ...string) *Set {
	s := &Set{m: NewMap[struct{}]()}
	for _, it := range items {
		s.Add(it)
	}
	return s
}

// Add inserts item, reporting whether it was absent.
func (s *Set) Add(item string) bool {
	if s.m.Has(item) {
		return false
	}
	s.m.Set(item, struct{}{})
	return true
}

func (s *Set) Has(item string) bool { return s.m.Has(item) }

// Remove deletes item, reporting whether it was present.
func (s *Set) Remove(item string) bool { return s.m.Delete(item) }

func (s *Set) Len() int { return s.m.Len() }

func (s *Set) Clear() { s.m.Clear() }

// All iterates over the items in insertion order.
func (s *Set) All() iter.Seq[string] {
	return func(yield func(string) bool) {
		for k := range s.m.All() {
			if !yield(k) {
				return
			}
		}
	}
}
