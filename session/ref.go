package session

import (
	"reflect"

	"github.com/signadot/docsession/api"
)

// Ref identifies an entity by reference rather than by value. Two pointers
// to structurally equal entities yield distinct Refs. Ref is comparable and
// may be used as a map key.
type Ref struct {
	p any
}

// NewRef wraps v, which must be a non-nil pointer; otherwise the zero Ref is
// returned. Wrapping a Ref yields that Ref.
func NewRef(v any) Ref {
	switch r := v.(type) {
	case Ref:
		return r
	case *Ref:
		if r == nil {
			return Ref{}
		}
		return *r
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return Ref{}
	}
	return Ref{p: v}
}

// IsZero reports whether r wraps nothing.
func (r Ref) IsZero() bool { return r.p == nil }

// Value returns the wrapped entity.
func (r Ref) Value() any { return r.p }

// Equal reports whether other refers to the same entity. Other must itself
// be a Ref; comparing against an entity is a TypeMismatch.
func (r Ref) Equal(other any) (bool, error) {
	switch o := other.(type) {
	case Ref:
		return r == o, nil
	case *Ref:
		if o == nil {
			return r.IsZero(), nil
		}
		return r == *o, nil
	}
	return false, api.Errorf(api.ErrCodeTypeMismatch, "cannot compare entity reference with %T", other)
}
