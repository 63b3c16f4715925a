// Package cmpxchg decodes compare-exchange values returned by the server.
package cmpxchg

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/signadot/docsession/api"
	"github.com/signadot/docsession/caseless"
)

type response struct {
	Results *[]*item `json:"Results"`
}

type item struct {
	Key   *string                    `json:"Key"`
	Index *int64                     `json:"Index"`
	Value map[string]json.RawMessage `json:"Value"`
}

// Parse decodes a compare-exchange response into values keyed
// case-insensitively by key. Empty input yields an empty map. When
// materializeMetadata is set, metadata is decoded eagerly.
func Parse[T any](raw []byte, materializeMetadata bool) (*caseless.Map[*Value[T]], error) {
	res := caseless.NewMap[*Value[T]]()
	if len(bytes.TrimSpace(raw)) == 0 {
		return res, nil
	}
	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, api.Errorf(api.ErrCodeMalformedResponse, "invalid compare exchange response: %v", err)
	}
	if resp.Results == nil {
		return nil, api.NewError(api.ErrCodeMalformedResponse, "compare exchange response has no Results")
	}
	for i, it := range *resp.Results {
		v, err := parseItem[T](i, it, materializeMetadata)
		if err != nil {
			return nil, err
		}
		res.Set(v.Key, v)
	}
	return res, nil
}

// ParseOne decodes a response holding at most one value. It returns nil when
// there is none.
func ParseOne[T any](raw []byte, materializeMetadata bool) (*Value[T], error) {
	values, err := Parse[T](raw, materializeMetadata)
	if err != nil {
		return nil, err
	}
	for _, v := range values.All() {
		return v, nil
	}
	return nil, nil
}

func parseItem[T any](i int, it *item, materialize bool) (*Value[T], error) {
	switch {
	case it == nil:
		return nil, api.Errorf(api.ErrCodeMalformedResponse, "compare exchange result %d is null", i)
	case it.Key == nil || *it.Key == "":
		return nil, api.Errorf(api.ErrCodeMalformedResponse, "compare exchange result %d has no Key", i)
	case it.Index == nil:
		return nil, api.Errorf(api.ErrCodeMalformedResponse, "compare exchange result %q has no Index", *it.Key)
	}
	v := &Value[T]{Key: *it.Key, Index: *it.Index}
	if it.Value == nil {
		return v, nil
	}
	if meta, ok := it.Value[api.MetadataKey]; ok && !isNull(meta) {
		m, err := newMetadata(meta, materialize)
		if err != nil {
			return nil, api.Errorf(api.ErrCodeMalformedResponse, "invalid metadata of %q: %v", v.Key, err)
		}
		v.Metadata = m
	}
	val, err := decodeValue[T](v.Key, it.Value[ObjectField])
	if err != nil {
		return nil, err
	}
	v.Value = val
	return v, nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

// ObjectField holds the value within a compare-exchange item.
const ObjectField = "Object"

// Get fetches the values of keys and decodes them.
func Get[T any](ctx context.Context, getter api.CompareExchangeGetter, keys []string, materializeMetadata bool) (*caseless.Map[*Value[T]], error) {
	raw, err := getter.GetCompareExchangeValues(ctx, keys)
	if err != nil {
		return nil, err
	}
	return Parse[T](raw, materializeMetadata)
}
