package cmpxchg

import (
	"encoding/json"

	"github.com/signadot/docsession/api"
	"github.com/signadot/docsession/jsonconv"
)

// Value is a compare-exchange value as of Index.
type Value[T any] struct {
	Key      string
	Index    int64
	Value    T
	Metadata *Metadata
}

// decodeValue converts the Object field of a value to T. A tree already
// holding a T, such as a string for T string or an object for T
// map[string]any, is taken as is; anything else is reconstructed through
// its JSON encoding.
func decodeValue[T any](key string, object json.RawMessage) (T, error) {
	var out T
	if len(object) == 0 {
		return out, nil
	}
	tree, err := jsonconv.Decode(object)
	if err != nil {
		return out, api.Errorf(api.ErrCodeMalformedResponse, "invalid value of %q: %v", key, err)
	}
	if tree == nil {
		return out, nil
	}
	if v, ok := tree.(T); ok {
		return v, nil
	}
	if err := jsonconv.FromTree(tree, &out); err != nil {
		return out, api.Errorf(api.ErrCodeTypeMismatch, "value of %q: %v", key, err)
	}
	return out, nil
}
