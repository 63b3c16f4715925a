// Package libdiff detects changes between two snapshots of a document.
//
// Snapshots are generic JSON trees as produced by jsonconv. Values are
// normalized before comparison, so 3 and 3.0, or the same instant written in
// two time zones, are not reported as changes.
package libdiff

import (
	"encoding/json"

	jsonpatch "github.com/evanphx/json-patch"

	"github.com/signadot/docsession/jsonconv"
)

// FieldDifference is one detected change.
type FieldDifference struct {
	// FieldName is the name of the changed field.
	FieldName string
	// FieldPath is the dotted path of the object holding the field, empty
	// for top level fields.
	FieldPath string
	// Index is the array slot for array changes and -1 otherwise.
	Index    int
	Change   ChangeKind
	OldValue any
	NewValue any
}

// Path returns the full dotted path of the field.
func (d *FieldDifference) Path() string {
	if d.FieldPath == "" {
		return d.FieldName
	}
	return d.FieldPath + "." + d.FieldName
}

// Diff computes the differences between the original and current snapshots
// of a document. Object fields are visited in sorted order.
func Diff(original, current map[string]any) []FieldDifference {
	if quickEqual(original, current) {
		return nil
	}
	d := &differ{}
	d.object("", original, current)
	return d.res
}

// quickEqual compares the raw encodings, catching the common case of an
// untouched document without walking it.
func quickEqual(a, b map[string]any) bool {
	ad, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bd, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return jsonpatch.Equal(ad, bd)
}

// Equal reports whether two trees are equal after normalization.
func Equal(a, b any) bool {
	return jsonconv.Canonical(a) == jsonconv.Canonical(b)
}

// MergePatch returns the RFC 7386 merge patch turning original into current.
func MergePatch(original, current map[string]any) ([]byte, error) {
	od, err := json.Marshal(original)
	if err != nil {
		return nil, err
	}
	cd, err := json.Marshal(current)
	if err != nil {
		return nil, err
	}
	return jsonpatch.CreateMergePatch(od, cd)
}

type differ struct {
	res []FieldDifference
}

func (d *differ) add(fd FieldDifference) {
	d.res = append(d.res, fd)
}
