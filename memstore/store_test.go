package memstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/http/httptest"
	"regexp"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/signadot/docsession/api"
)

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func put(id string, cv string, collection string) api.CommandData {
	return api.PutCommand(id, cv, map[string]any{
		"v":             1,
		api.MetadataKey: map[string]any{api.MetadataCollection: collection, "tag": "x"},
	})
}

func TestBatch(t *testing.T) {
	s := New(&Spec{Database: "db", Log: testLog()})
	var events []api.DocumentChange
	s.OnChange(func(ev api.DocumentChange) { events = append(events, ev) })
	ctx := context.Background()

	res, err := s.Batch(ctx, &api.BatchCommand{Commands: []api.CommandData{
		put("Users/1", "", "Users"),
		put("users/2", "", ""),
	}})
	if err != nil {
		t.Fatal(err)
	}
	cvPattern := regexp.MustCompile(`^A:\d+-[0-9a-f-]{36}$`)
	for _, r := range res.Results {
		if !cvPattern.MatchString(r.ChangeVector) {
			t.Errorf("change vector %q", r.ChangeVector)
		}
	}
	if res.Results[1].Collection != api.EmptyCollection {
		t.Errorf("collection = %q, want %q", res.Results[1].Collection, api.EmptyCollection)
	}

	// puts keep the first spelling of the id
	res2, err := s.Batch(ctx, &api.BatchCommand{Commands: []api.CommandData{
		put("USERS/1", res.Results[0].ChangeVector, "Users"),
		api.DeleteCommand("users/2", ""),
		api.DeleteCommand("users/9", ""),
	}})
	if err != nil {
		t.Fatal(err)
	}
	if res2.Results[0].ID != "Users/1" || !res2.Results[1].Deleted || res2.Results[2].Deleted {
		t.Errorf("results = %+v", res2.Results)
	}
	if *res2.TransactionIndex != 2 {
		t.Errorf("transaction index = %d", *res2.TransactionIndex)
	}

	got, err := s.GetDocuments(ctx, []string{"users/1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	meta := got.Results[0][api.MetadataKey].(map[string]any)
	if meta["tag"] != "x" || meta[api.MetadataID] != "Users/1" {
		t.Errorf("metadata = %v", meta)
	}

	var kinds []string
	for _, ev := range events {
		kinds = append(kinds, ev.Type+" "+ev.ID)
	}
	want := []string{"Put Users/1", "Put users/2", "Put Users/1", "Delete users/2"}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestBatchIsAtomic(t *testing.T) {
	s := New(&Spec{Database: "db", Log: testLog()})
	ctx := context.Background()
	_, err := s.Batch(ctx, &api.BatchCommand{Commands: []api.CommandData{
		put("users/1", "", "Users"),
		put("users/2", "A:5-nope", "Users"),
	}})
	var ce *api.ConcurrencyError
	if !errors.As(err, &ce) || ce.ID != "users/2" || ce.Actual != "" {
		t.Fatalf("Batch() = %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("rejected batch stored %d documents", s.Len())
	}

	if _, err := s.Batch(ctx, &api.BatchCommand{Commands: []api.CommandData{{Type: api.CommandPut}}}); !errors.Is(err, api.ErrInvalidOperation) {
		t.Errorf("command without id = %v", err)
	}
}

func TestPartialBatches(t *testing.T) {
	s := New(&Spec{Database: "db", PartialBatches: true, Log: testLog()})
	res, err := s.Batch(context.Background(), &api.BatchCommand{Commands: []api.CommandData{
		put("users/1", "", "Users"),
		put("users/2", "A:5-nope", "Users"),
	}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Results[0].Error != nil || res.Results[1].Error == nil {
		t.Errorf("results = %+v", res.Results)
	}
	if s.Len() != 1 {
		t.Errorf("store has %d documents, want 1", s.Len())
	}
}

func TestServerRoutes(t *testing.T) {
	s := New(&Spec{Database: "db", TCPInfo: api.TCPInfo{URL: "tcp://x", Certificate: "abc"}, Log: testLog()})
	ts := httptest.NewServer(NewServer(s))
	defer ts.Close()

	tests := []struct {
		method, path string
		body         string
		status       int
		contains     string
	}{
		{method: "GET", path: "/databases/db/docs", status: http.StatusBadRequest},
		{method: "GET", path: "/databases/other/docs?id=a", status: http.StatusServiceUnavailable, contains: "DatabaseDoesNotExistException"},
		{method: "POST", path: "/databases/DB/bulk_docs", body: `{"Commands":[{"Id":"a","Type":"PUT","Document":{}}]}`, status: http.StatusCreated},
		{method: "POST", path: "/databases/db/bulk_docs", body: `{"Commands":[{"Id":"a","Type":"PUT","ChangeVector":"x","Document":{}}]}`, status: http.StatusConflict, contains: "ConcurrencyException"},
		{method: "POST", path: "/databases/db/bulk_docs", body: `{`, status: http.StatusBadRequest},
		{method: "GET", path: "/databases/db/docs?id=a", status: http.StatusOK, contains: `"@id":"a"`},
		{method: "GET", path: "/info/tcp", status: http.StatusOK, contains: `"Certificate":"abc"`},
		{method: "GET", path: "/metrics", status: http.StatusOK, contains: `memstore_requests_total{route="bulk_docs"} 3`},
	}
	for _, tt := range tests {
		req, err := http.NewRequest(tt.method, ts.URL+tt.path, strings.NewReader(tt.body))
		if err != nil {
			t.Fatal(err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != tt.status {
			t.Errorf("%s %s: status %d, want %d (%s)", tt.method, tt.path, resp.StatusCode, tt.status, data)
		}
		if !strings.Contains(string(data), tt.contains) {
			t.Errorf("%s %s: body %s does not contain %s", tt.method, tt.path, data, tt.contains)
		}
	}
}

func TestGetDocumentsIncludes(t *testing.T) {
	s := New(&Spec{Database: "db", Log: testLog()})
	ctx := context.Background()
	_, err := s.Batch(ctx, &api.BatchCommand{Commands: []api.CommandData{
		api.PutCommand("customers/1", "", map[string]any{"Name": "Ann"}),
		api.PutCommand("orders/1", "", map[string]any{
			"Customer": "customers/1",
			"Lines":    []any{map[string]any{"Product": "products/1"}, map[string]any{"Product": 7}},
		}),
	}})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDocuments(ctx, []string{"orders/1", "orders/2"}, []string{"Customer", "Lines[].Product", "Missing.Path"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Results[0] == nil || got.Results[1] != nil {
		t.Fatalf("results = %v", got.Results)
	}
	if diff := cmp.Diff([]string{"customers/1", "products/1"}, slices.Sorted(maps.Keys(got.Includes))); diff != "" {
		t.Errorf("includes mismatch (-want +got):\n%s", diff)
	}
	if got.Includes["customers/1"]["Name"] != "Ann" || got.Includes["products/1"] != nil {
		t.Errorf("includes = %v", got.Includes)
	}
}
