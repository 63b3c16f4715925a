// Package jsonconv converts between typed entities and generic JSON trees.
//
// A tree is what encoding/json produces when decoding into an any with
// UseNumber: map[string]any, []any, string, json.Number, bool and nil.
package jsonconv

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"maps"
)

// Serializer converts entities to and from document trees.
type Serializer interface {
	// ToDocument serializes entity to a document tree.
	ToDocument(entity any) (map[string]any, error)
	// FromDocument populates target, a non-nil pointer, from doc.
	FromDocument(doc map[string]any, target any) error
}

// JSON is a Serializer using encoding/json struct tags.
type JSON struct{}

func (JSON) ToDocument(entity any) (map[string]any, error) {
	tree, err := ToTree(entity)
	if err != nil {
		return nil, err
	}
	doc, ok := tree.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("entity of type %T does not serialize to an object", entity)
	}
	return doc, nil
}

func (JSON) FromDocument(doc map[string]any, target any) error {
	return FromTree(doc, target)
}

// Decode parses data into a tree.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected data after JSON value")
	}
	return v, nil
}

// Unmarshal decodes data into v like json.Unmarshal, but numbers in trees
// held by v are json.Number.
func Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("unexpected data after JSON value")
	}
	return nil
}

// DecodeObject parses data into an object tree.
func DecodeObject(data []byte) (map[string]any, error) {
	v, err := Decode(data)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected JSON object, got %T", v)
	}
	return m, nil
}

// ToTree converts v to a tree by round-tripping it through its JSON encoding.
func ToTree(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %T: %w", v, err)
	}
	return Decode(data)
}

// FromTree populates target, a non-nil pointer, from tree.
func FromTree(tree any, target any) error {
	data, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("failed to encode tree: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("failed to populate %T: %w", target, err)
	}
	return nil
}

// Clone returns a deep copy of a tree.
func Clone(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return CloneObject(x)
	case []any:
		res := make([]any, len(x))
		for i, e := range x {
			res[i] = Clone(e)
		}
		return res
	default:
		return v
	}
}

// CloneObject returns a deep copy of an object tree.
func CloneObject(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	res := make(map[string]any, len(m))
	for k, e := range m {
		res[k] = Clone(e)
	}
	return res
}

// Merge returns a shallow copy of dst with the entries of src added.
func Merge(dst, src map[string]any) map[string]any {
	res := make(map[string]any, len(dst)+len(src))
	maps.Copy(res, dst)
	maps.Copy(res, src)
	return res
}
