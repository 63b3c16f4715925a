package libdiff

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/signadot/docsession/jsonconv"
)

func doc(t *testing.T, s string) map[string]any {
	t.Helper()
	m, err := jsonconv.DecodeObject([]byte(s))
	if err != nil {
		t.Fatalf("bad fixture %s: %v", s, err)
	}
	return m
}

type kindAt struct {
	Path   string
	Index  int
	Change ChangeKind
}

func summarize(diffs []FieldDifference) []kindAt {
	res := make([]kindAt, len(diffs))
	for i := range diffs {
		res[i] = kindAt{Path: diffs[i].Path(), Index: diffs[i].Index, Change: diffs[i].Change}
	}
	return res
}

func TestDiff(t *testing.T) {
	tests := []struct {
		name     string
		from, to string
		want     []kindAt
	}{
		{
			name: "identical",
			from: `{"a":1,"b":[1,2],"c":{"d":"x"}}`,
			to:   `{"c":{"d":"x"},"b":[1,2],"a":1}`,
		},
		{
			name: "normalized numbers and dates",
			from: `{"n":3,"at":"2024-01-01T10:00:00Z"}`,
			to:   `{"n":3.0,"at":"2024-01-01T12:00:00+02:00"}`,
		},
		{
			name: "absent equals null",
			from: `{"a":null}`,
			to:   `{"b":null}`,
		},
		{
			name: "field changes",
			from: `{"name":"a","age":1,"gone":true}`,
			to:   `{"name":"b","age":1,"added":"x"}`,
			want: []kindAt{
				{"added", -1, NewField},
				{"gone", -1, RemovedField},
				{"name", -1, FieldChanged},
			},
		},
		{
			name: "explicit null to value",
			from: `{"a":null}`,
			to:   `{"a":1}`,
			want: []kindAt{{"a", -1, FieldChanged}},
		},
		{
			name: "nested object",
			from: `{"address":{"city":"Paris","zip":"1"}}`,
			to:   `{"address":{"city":"Lyon","zip":"1","street":"x"}}`,
			want: []kindAt{
				{"address.city", -1, FieldChanged},
				{"address.street", -1, NewField},
			},
		},
		{
			name: "type change",
			from: `{"a":{"b":1}}`,
			to:   `{"a":[1]}`,
			want: []kindAt{{"a", -1, FieldChanged}},
		},
		{
			name: "append",
			from: `{"l":[1,2,3]}`,
			to:   `{"l":[1,2,3,4]}`,
			want: []kindAt{{"l", 3, ArrayValueAdded}},
		},
		{
			name: "remove middle",
			from: `{"l":["a","b","c"]}`,
			to:   `{"l":["a","c"]}`,
			want: []kindAt{{"l", 1, ArrayValueRemoved}},
		},
		{
			name: "swap",
			from: `{"l":["a","b"]}`,
			to:   `{"l":["b","a"]}`,
			want: []kindAt{{"l", -1, ArrayValueChanged}},
		},
		{
			name: "substitute",
			from: `{"l":["a","b","c"]}`,
			to:   `{"l":["a","x","c"]}`,
			want: []kindAt{{"l", 1, ArrayValueChanged}},
		},
		{
			name: "object element changed",
			from: `{"l":[{"k":1},{"k":2}]}`,
			to:   `{"l":[{"k":1},{"k":3}]}`,
			want: []kindAt{{"l", 1, ArrayValueChanged}},
		},
		{
			name: "object element key order",
			from: `{"l":[{"a":1,"b":2}]}`,
			to:   `{"l":[{"b":2,"a":1}]}`,
		},
		{
			name: "substitute and grow",
			from: `{"l":[1,2]}`,
			to:   `{"l":[1,5,6]}`,
			want: []kindAt{
				{"l", 1, ArrayValueChanged},
				{"l", 2, ArrayValueAdded},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := summarize(Diff(doc(t, tt.from), doc(t, tt.to)))
			if diff := cmp.Diff(tt.want, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("diff mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDiffValues(t *testing.T) {
	diffs := Diff(doc(t, `{"l":[1,2]}`), doc(t, `{"l":[1,2,3]}`))
	if len(diffs) != 1 {
		t.Fatalf("expected 1 difference, got %d", len(diffs))
	}
	d := diffs[0]
	if d.OldValue != nil || d.NewValue != json.Number("3") {
		t.Errorf("unexpected values old=%v new=%v", d.OldValue, d.NewValue)
	}

	diffs = Diff(doc(t, `{"name":"a"}`), doc(t, `{"name":"b"}`))
	if len(diffs) != 1 || diffs[0].OldValue != "a" || diffs[0].NewValue != "b" {
		t.Errorf("unexpected field change %+v", diffs)
	}
}

func TestDiffManyDistinctElements(t *testing.T) {
	from := make([]any, 0, 60000)
	for i := range 60000 {
		from = append(from, json.Number(itoa(i)))
	}
	to := append(append([]any{}, from...), json.Number("-1"))
	diffs := Diff(map[string]any{"l": from}, map[string]any{"l": to})
	if len(diffs) != 1 || diffs[0].Change != ArrayValueAdded || diffs[0].Index != 60000 {
		t.Fatalf("unexpected diffs %v", summarize(diffs))
	}
}

func TestDiffTooManyDistinctElements(t *testing.T) {
	defer func(n int) { maxSummaries = n }(maxSummaries)
	maxSummaries = 3

	from := []any{"a", "b"}
	to := []any{"a", "b", "c", "d"}
	diffs := Diff(map[string]any{"l": from}, map[string]any{"l": to})
	want := []kindAt{{Path: "l", Index: -1, Change: ArrayValueChanged}}
	if diff := cmp.Diff(want, summarize(diffs)); diff != "" {
		t.Errorf("diff mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(to, diffs[0].NewValue); diff != "" {
		t.Errorf("new value mismatch (-want +got):\n%s", diff)
	}
}

func itoa(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}

func TestChangeKindString(t *testing.T) {
	if got := DocumentAddedToSession.String(); got != "document_added_to_session" {
		t.Errorf("got %q", got)
	}
	if got := ChangeKind(99).String(); got != "unknown" {
		t.Errorf("got %q", got)
	}
}

func TestMergePatch(t *testing.T) {
	patch, err := MergePatch(doc(t, `{"a":1,"b":2}`), doc(t, `{"a":1,"c":3}`))
	if err != nil {
		t.Fatalf("MergePatch: %v", err)
	}
	got, err := jsonconv.DecodeObject(patch)
	if err != nil {
		t.Fatalf("decode patch: %v", err)
	}
	want := map[string]any{"b": nil, "c": json.Number("3")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("patch mismatch (-want +got):\n%s", diff)
	}
}
