package libdiff

import (
	"maps"
	"slices"
)

func (d *differ) object(path string, from, to map[string]any) {
	keys := slices.Sorted(maps.Keys(from))
	for k := range to {
		if _, ok := from[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	for _, k := range keys {
		fv, fok := from[k]
		tv, tok := to[k]
		switch {
		case !fok && tv == nil, !tok && fv == nil:
			// absent and null are equivalent
		case !fok:
			d.add(FieldDifference{FieldName: k, FieldPath: path, Index: -1, Change: NewField, NewValue: tv})
		case !tok:
			d.add(FieldDifference{FieldName: k, FieldPath: path, Index: -1, Change: RemovedField, OldValue: fv})
		default:
			d.value(path, k, fv, tv)
		}
	}
}

func (d *differ) value(path, name string, from, to any) {
	switch f := from.(type) {
	case map[string]any:
		if t, ok := to.(map[string]any); ok {
			d.object(join(path, name), f, t)
			return
		}
	case []any:
		if t, ok := to.([]any); ok {
			d.array(path, name, f, t)
			return
		}
	}
	if !Equal(from, to) {
		d.add(FieldDifference{FieldName: name, FieldPath: path, Index: -1, Change: FieldChanged, OldValue: from, NewValue: to})
	}
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}
