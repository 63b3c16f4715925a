package cmpxchg

import (
	"bytes"
	"encoding/json"
	"fmt"
	"iter"
	"sync"

	"github.com/signadot/docsession/jsonconv"
)

// Metadata is a read-only view of the metadata of a value. Unless
// materialized, entries are decoded on first access. Nested objects are
// themselves Metadata views. It is safe for concurrent use.
type Metadata struct {
	keys []string
	raw  map[string]json.RawMessage

	mu     sync.Mutex
	values map[string]any
}

func newMetadata(data json.RawMessage, materialize bool) (*Metadata, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}
	m := &Metadata{raw: map[string]json.RawMessage{}, values: map[string]any{}}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := tok.(string)
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		if _, dup := m.raw[key]; !dup {
			m.keys = append(m.keys, key)
		}
		m.raw[key] = v
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	if materialize {
		for _, k := range m.keys {
			if _, err := m.decode(k, true); err != nil {
				return nil, fmt.Errorf("metadata %q: %w", k, err)
			}
		}
	}
	return m, nil
}

func (m *Metadata) decode(key string, materialize bool) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.values[key]; ok {
		return v, nil
	}
	raw := bytes.TrimSpace(m.raw[key])
	var v any
	var err error
	if len(raw) != 0 && raw[0] == '{' {
		v, err = newMetadata(raw, materialize)
	} else {
		v, err = jsonconv.Decode(raw)
	}
	if err != nil {
		return nil, err
	}
	m.values[key] = v
	return v, nil
}

// Get returns the entry for key.
func (m *Metadata) Get(key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	if _, ok := m.raw[key]; !ok {
		return nil, false
	}
	v, err := m.decode(key, false)
	if err != nil {
		return nil, false
	}
	return v, true
}

// String returns the entry for key if it is a string.
func (m *Metadata) String(key string) string {
	v, _ := m.Get(key)
	s, _ := v.(string)
	return s
}

// Len returns the number of entries.
func (m *Metadata) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys returns the keys in the order they were received.
func (m *Metadata) Keys() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.keys...)
}

// Decoded returns how many entries have been decoded.
func (m *Metadata) Decoded() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.values)
}

// All iterates over the entries, decoding them as needed.
func (m *Metadata) All() iter.Seq2[string, any] {
	return func(yield func(string, any) bool) {
		for _, k := range m.Keys() {
			v, _ := m.Get(k)
			if !yield(k, v) {
				return
			}
		}
	}
}

// ToMap returns the entries as a tree.
func (m *Metadata) ToMap() map[string]any {
	if m == nil {
		return nil
	}
	res := make(map[string]any, len(m.keys))
	for k, v := range m.All() {
		if nested, ok := v.(*Metadata); ok {
			v = nested.ToMap()
		}
		res[k] = v
	}
	return res
}
