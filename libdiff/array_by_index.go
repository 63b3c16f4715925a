package libdiff

import (
	"slices"
	"unicode/utf8"

	diffpatch "github.com/sergi/go-diff/diffmatchpatch"

	"github.com/signadot/docsession/jsonconv"
)

// we summarize each element by its canonical encoding, map each distinct
// summary to a rune and diff the rune sequences.
//
//  1. equal runs are equal elements, nothing to report
//  2. a run of deletes followed by inserts is a substitution, slot by slot,
//     reported as a value change at the original index
//  3. unpaired deletes and inserts are removals and additions
//
// Objects inside arrays are not diffed field by field.
func (d *differ) array(path, name string, from, to []any) {
	m := map[string]rune{}
	fromRunes, fromSums := mapValues(m, from)
	toRunes, toSums := mapValues(m, to)
	if slices.Equal(fromRunes, toRunes) {
		return
	}
	if len(m) > maxSummaries || isPermutation(fromSums, toSums) {
		// order matters, but a pure reordering is a single change. Arrays
		// with more distinct elements than there are runes are reported
		// whole as well.
		d.add(FieldDifference{FieldName: name, FieldPath: path, Index: -1, Change: ArrayValueChanged, OldValue: from, NewValue: to})
		return
	}

	diffCfg := diffpatch.New()
	diffs := diffCfg.DiffMainRunes(fromRunes, toRunes, false)

	fi, ti := 0, 0
	var dels []int // from indices of the pending delete run
	flush := func() {
		for _, di := range dels {
			d.add(FieldDifference{FieldName: name, FieldPath: path, Index: di, Change: ArrayValueRemoved, OldValue: from[di]})
		}
		dels = dels[:0]
	}
	for i := range diffs {
		diff := &diffs[i]
		n := utf8.RuneCountInString(diff.Text)
		switch diff.Type {
		case diffpatch.DiffDelete:
			for range n {
				dels = append(dels, fi)
				fi++
			}
		case diffpatch.DiffEqual:
			flush()
			fi += n
			ti += n
		case diffpatch.DiffInsert:
			for range n {
				if len(dels) != 0 {
					di := dels[0]
					dels = dels[1:]
					d.add(FieldDifference{FieldName: name, FieldPath: path, Index: di, Change: ArrayValueChanged, OldValue: from[di], NewValue: to[ti]})
				} else {
					d.add(FieldDifference{FieldName: name, FieldPath: path, Index: ti, Change: ArrayValueAdded, NewValue: to[ti]})
				}
				ti++
			}
			flush()
		}
	}
	flush()
}

func mapValues(m map[string]rune, vs []any) ([]rune, []string) {
	rs := make([]rune, len(vs))
	sums := make([]string, len(vs))
	for i, v := range vs {
		sum := jsonconv.Canonical(v)
		r, ok := m[sum]
		if !ok {
			r = summaryRune(len(m))
			m[sum] = r
		}
		rs[i] = r
		sums[i] = sum
	}
	return rs, sums
}

// maxSummaries is the number of runes summaryRune can produce.
var maxSummaries = int(utf8.MaxRune) + 1 - 0x800

// summaryRune skips the surrogate range, which does not survive the
// string conversions inside diffmatchpatch.
func summaryRune(i int) rune {
	if i >= 0xD800 {
		return rune(i + 0x800)
	}
	return rune(i)
}

func isPermutation(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, s := range a {
		counts[s]++
	}
	for _, s := range b {
		counts[s]--
		if counts[s] < 0 {
			return false
		}
	}
	return true
}
