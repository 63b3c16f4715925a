package caseless

import "iter"

type entry[V any] struct {
	key   string
	value V
}

// Map is an insertion-ordered map from case-insensitive string keys to values.
// The zero value is not ready for use; call NewMap.
type Map[V any] struct {
	index   map[string]int // folded key -> position in entries
	entries []*entry[V]    // nil slots are deleted entries
	live    int
}

// NewMap creates an empty Map.
func NewMap[V any]() *Map[V] {
	return &Map[V]{index: map[string]int{}}
}

// Set stores v under key. If an equal key is already present its original
// spelling is kept and only the value is replaced.
func (m *Map[V]) Set(key string, v V) {
	fk := Fold(key)
	if i, ok := m.index[fk]; ok {
		m.entries[i].value = v
		return
	}
	m.index[fk] = len(m.entries)
	m.entries = append(m.entries, &entry[V]{key: key, value: v})
	m.live++
}

// Get returns the value stored under key.
func (m *Map[V]) Get(key string) (V, bool) {
	i, ok := m.index[Fold(key)]
	if !ok {
		var zero V
		return zero, false
	}
	return m.entries[i].value, true
}

// Has reports whether key is present.
func (m *Map[V]) Has(key string) bool {
	_, ok := m.index[Fold(key)]
	return ok
}

// Key returns the stored spelling of key.
func (m *Map[V]) Key(key string) (string, bool) {
	i, ok := m.index[Fold(key)]
	if !ok {
		return "", false
	}
	return m.entries[i].key, true
}

// Delete removes key, reporting whether it was present.
func (m *Map[V]) Delete(key string) bool {
	_, ok := m.Pop(key)
	return ok
}

// Pop removes key and returns its value.
func (m *Map[V]) Pop(key string) (V, bool) {
	fk := Fold(key)
	i, ok := m.index[fk]
	if !ok {
		var zero V
		return zero, false
	}
	v := m.entries[i].value
	delete(m.index, fk)
	m.entries[i] = nil
	m.live--
	if m.live == 0 {
		m.entries = m.entries[:0]
	} else if len(m.entries) > 32 && m.live < len(m.entries)/2 {
		m.compact()
	}
	return v, true
}

func (m *Map[V]) compact() {
	entries := make([]*entry[V], 0, m.live)
	for _, e := range m.entries {
		if e == nil {
			continue
		}
		m.index[Fold(e.key)] = len(entries)
		entries = append(entries, e)
	}
	m.entries = entries
}

// Len returns the number of keys.
func (m *Map[V]) Len() int {
	if m == nil {
		return 0
	}
	return m.live
}

// Keys returns the keys in insertion order, with their original spelling.
func (m *Map[V]) Keys() []string {
	keys := make([]string, 0, m.Len())
	for k := range m.All() {
		keys = append(keys, k)
	}
	return keys
}

// All iterates over the entries in insertion order.
func (m *Map[V]) All() iter.Seq2[string, V] {
	return func(yield func(string, V) bool) {
		if m == nil {
			return
		}
		for _, e := range m.entries {
			if e == nil {
				continue
			}
			if !yield(e.key, e.value) {
				return
			}
		}
	}
}

// Clear removes all entries.
func (m *Map[V]) Clear() {
	clear(m.index)
	clear(m.entries)
	m.entries = m.entries[:0]
	m.live = 0
}

// ToMap returns a plain map keyed by the original spelling of each key.
func (m *Map[V]) ToMap() map[string]V {
	res := make(map[string]V, m.Len())
	for k, v := range m.All() {
		res[k] = v
	}
	return res
}
