package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/signadot/docsession/api"
	"github.com/signadot/docsession/config"
	"github.com/signadot/docsession/libdiff"
	"github.com/signadot/docsession/memstore"
)

type User struct {
	Name    string   `json:"name"`
	Age     int      `json:"age"`
	Tags    []string `json:"tags,omitempty"`
	Address *Address `json:"address,omitempty"`
}

type Address struct {
	City string `json:"city"`
}

type Company struct {
	Name string `json:"name"`
}

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder records the calls made to an executor.
type recorder struct {
	api.RequestExecutor
	gets     [][]string
	includes [][]string
	batches  []*api.BatchCommand
}

func (r *recorder) GetDocuments(ctx context.Context, ids, includes []string) (*api.GetDocumentsResult, error) {
	r.gets = append(r.gets, ids)
	r.includes = append(r.includes, includes)
	return r.RequestExecutor.GetDocuments(ctx, ids, includes)
}

func (r *recorder) Batch(ctx context.Context, cmd *api.BatchCommand) (*api.BatchResult, error) {
	r.batches = append(r.batches, cmd)
	return r.RequestExecutor.Batch(ctx, cmd)
}

func newStore() *memstore.Store {
	return memstore.New(&memstore.Spec{Database: "db", Log: testLog()})
}

func newSession(exec api.RequestExecutor) *Session {
	return New(&Spec{Database: "db", Executor: exec, Log: testLog()})
}

// seed stores entities under ids in a fresh session and saves them.
func seed(t *testing.T, exec api.RequestExecutor, entities map[string]any) {
	t.Helper()
	s := newSession(exec)
	for id, e := range entities {
		if err := s.Store(e, id); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SaveChanges(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestStoreGeneratesID(t *testing.T) {
	s := newSession(newStore())
	u := &User{Name: "Ann"}
	if err := s.Store(u, ""); err != nil {
		t.Fatal(err)
	}
	id := s.GetDocumentID(u)
	if !strings.HasPrefix(id, "users/") || len(id) != len("users/")+26 {
		t.Errorf("generated id %q", id)
	}
	meta, err := s.GetMetadataFor(u)
	if err != nil {
		t.Fatal(err)
	}
	if got := meta[api.MetadataCollection]; got != "Users" {
		t.Errorf("collection = %v", got)
	}

	c := &Company{Name: "Acme"}
	if err := s.Store(c, ""); err != nil {
		t.Fatal(err)
	}
	if id := s.GetDocumentID(c); !strings.HasPrefix(id, "companies/") {
		t.Errorf("generated id %q", id)
	}

	m := &map[string]any{"a": 1}
	if err := s.Store(m, ""); err != nil {
		t.Fatal(err)
	}
	if id := s.GetDocumentID(m); strings.Contains(id, "/") {
		t.Errorf("id of an unnamed type %q has a collection prefix", id)
	}
}

func TestStoreIdentity(t *testing.T) {
	s := newSession(newStore())
	u := &User{Name: "Ann"}
	if err := s.Store(u, "users/1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Store(u, "USERS/1"); err != nil {
		t.Errorf("storing again under the same id: %v", err)
	}
	if err := s.Store(u, ""); err != nil {
		t.Errorf("storing again without an id: %v", err)
	}
	if err := s.Store(u, "users/2"); !errors.Is(err, api.ErrIdentityConflict) {
		t.Errorf("storing under another id = %v, want identity conflict", err)
	}

	other := &User{Name: "Bob"}
	if err := s.Store(other, "users/1"); !errors.Is(err, api.ErrIdentityConflict) {
		t.Errorf("storing another entity under a tracked id = %v, want identity conflict", err)
	}
	if err := s.Store(other, "users/1", Replace()); err != nil {
		t.Fatalf("Store(Replace) = %v", err)
	}
	if s.GetDocumentID(u) != "" {
		t.Error("replaced entity is still tracked")
	}
	if got := s.GetDocumentID(other); got != "users/1" {
		t.Errorf("GetDocumentID() = %q", got)
	}
	if n := s.DocumentsByEntity().Len(); n != 1 {
		t.Errorf("DocumentsByEntity().Len() = %d", n)
	}

	if err := s.Store(User{}, "users/3"); !errors.Is(err, api.ErrInvalidOperation) {
		t.Errorf("storing a non-pointer = %v", err)
	}
	if err := s.Store((*User)(nil), "users/3"); !errors.Is(err, api.ErrInvalidOperation) {
		t.Errorf("storing a nil pointer = %v", err)
	}
}

func TestLoad(t *testing.T) {
	store := newStore()
	seed(t, store, map[string]any{
		"users/1": &User{Name: "Ann", Age: 30},
		"users/2": &User{Name: "Bob", Age: 40},
	})
	rec := &recorder{RequestExecutor: store}
	s := newSession(rec)
	ctx := context.Background()

	u, err := Load[User](ctx, s, "Users/1")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(&User{Name: "Ann", Age: 30}, u); diff != "" {
		t.Errorf("loaded user mismatch (-want +got):\n%s", diff)
	}
	again, err := Load[User](ctx, s, "users/1")
	if err != nil {
		t.Fatal(err)
	}
	if again != u {
		t.Error("loading a tracked id returned another entity")
	}
	if got := s.GetDocumentID(u); got != "users/1" {
		t.Errorf("GetDocumentID() = %q, want the stored spelling", got)
	}
	cv, err := s.GetChangeVectorFor(u)
	if err != nil || !strings.HasPrefix(cv, "A:") {
		t.Errorf("GetChangeVectorFor() = %q, %v", cv, err)
	}

	res, err := LoadMany[User](ctx, s, "users/1", "users/2", "users/3", "USERS/2")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"users/1", "users/2", "users/3"}, res.Keys()); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
	if missing, _ := res.Get("users/3"); missing != nil {
		t.Errorf("missing document loaded as %+v", missing)
	}
	if _, err := Load[User](ctx, s, "users/3"); err != nil {
		t.Fatal(err)
	}
	want := [][]string{{"Users/1"}, {"users/2", "users/3"}}
	if diff := cmp.Diff(want, rec.gets); diff != "" {
		t.Errorf("server calls mismatch (-want +got):\n%s", diff)
	}
	if n := s.NumberOfRequests(); n != 2 {
		t.Errorf("NumberOfRequests() = %d, want 2", n)
	}
	if !s.IsLoaded("USERS/2") || s.IsLoaded("users/3") {
		t.Error("IsLoaded mismatch")
	}

	if _, err := Load[Company](ctx, s, "users/1"); !errors.Is(err, api.ErrTypeMismatch) {
		t.Errorf("loading a tracked id as another type = %v", err)
	}
	if _, err := Load[User](ctx, s, ""); !errors.Is(err, api.ErrInvalidOperation) {
		t.Errorf("loading an empty id = %v", err)
	}
}

func TestWhatChanged(t *testing.T) {
	store := newStore()
	seed(t, store, map[string]any{
		"users/1": &User{Name: "Ann", Age: 30, Tags: []string{"a", "b"}, Address: &Address{City: "Oslo"}},
		"users/2": &User{Name: "Bob"},
	})
	s := newSession(store)
	ctx := context.Background()
	ann, err := Load[User](ctx, s, "users/1")
	if err != nil {
		t.Fatal(err)
	}
	bob, err := Load[User](ctx, s, "users/2")
	if err != nil {
		t.Fatal(err)
	}
	if changed, err := s.HasChanges(); err != nil || changed {
		t.Fatalf("HasChanges() = %v, %v right after load", changed, err)
	}

	ann.Age = 31
	ann.Tags[1] = "c"
	ann.Address.City = "Bergen"
	if err := s.Delete(bob); err != nil {
		t.Fatal(err)
	}
	carl := &User{Name: "Carl"}
	if err := s.Store(carl, "users/3"); err != nil {
		t.Fatal(err)
	}

	changes, err := s.WhatChanged()
	if err != nil {
		t.Fatal(err)
	}
	want := []libdiff.FieldDifference{
		{FieldName: "city", FieldPath: "address", Index: -1, Change: libdiff.FieldChanged, OldValue: "Oslo", NewValue: "Bergen"},
		{FieldName: "age", Index: -1, Change: libdiff.FieldChanged, OldValue: json.Number("30"), NewValue: json.Number("31")},
		{FieldName: "tags", Index: 1, Change: libdiff.ArrayValueChanged, OldValue: "b", NewValue: "c"},
	}
	got, _ := changes.Get("users/1")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("users/1 changes mismatch (-want +got):\n%s", diff)
	}
	got, _ = changes.Get("users/2")
	if diff := cmp.Diff([]libdiff.FieldDifference{{Index: -1, Change: libdiff.DocumentDeleted}}, got); diff != "" {
		t.Errorf("users/2 changes mismatch (-want +got):\n%s", diff)
	}
	got, _ = changes.Get("users/3")
	if len(got) != 1 || got[0].Change != libdiff.DocumentAddedToSession {
		t.Errorf("users/3 changes = %+v", got)
	}

	if changed, _ := s.HasChanged(ann); !changed {
		t.Error("HasChanged(ann) = false")
	}
	if err := s.IgnoreChangesFor(ann); err != nil {
		t.Fatal(err)
	}
	if changed, _ := s.HasChanged(ann); changed {
		t.Error("HasChanged() reports an ignored entity")
	}
	if _, err := s.HasChanged(&User{}); !errors.Is(err, api.ErrInvalidOperation) {
		t.Errorf("HasChanged(untracked) = %v", err)
	}
}

func TestMetadataChanges(t *testing.T) {
	store := newStore()
	seed(t, store, map[string]any{"users/1": &User{Name: "Ann"}})
	s := newSession(store)
	ctx := context.Background()
	u, err := Load[User](ctx, s, "users/1")
	if err != nil {
		t.Fatal(err)
	}
	meta, err := s.GetMetadataFor(u)
	if err != nil {
		t.Fatal(err)
	}
	meta[api.MetadataExpires] = "2030-01-01T00:00:00Z"
	changes, err := s.WhatChanged()
	if err != nil {
		t.Fatal(err)
	}
	got, _ := changes.Get("users/1")
	if len(got) != 1 || got[0].FieldName != api.MetadataKey {
		t.Fatalf("changes = %+v", got)
	}
	if err := s.SaveChanges(ctx); err != nil {
		t.Fatal(err)
	}

	res, err := store.GetDocuments(ctx, []string{"users/1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	stored := res.Results[0][api.MetadataKey].(map[string]any)
	if stored[api.MetadataExpires] != "2030-01-01T00:00:00Z" {
		t.Errorf("stored metadata = %v", stored)
	}
	if changed, _ := s.HasChanges(); changed {
		t.Error("HasChanges() after save")
	}
}

func TestSaveChanges(t *testing.T) {
	store := newStore()
	seed(t, store, map[string]any{
		"users/1": &User{Name: "Ann"},
		"users/2": &User{Name: "Bob"},
	})
	rec := &recorder{RequestExecutor: store}
	s := newSession(rec)
	ctx := context.Background()

	ann, err := Load[User](ctx, s, "users/1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Load[User](ctx, s, "users/2"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("users/2"); err != nil {
		t.Fatal(err)
	}
	ann.Name = "Anne"
	if err := s.Store(&User{Name: "Carl"}, "users/3"); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveChanges(ctx); err != nil {
		t.Fatal(err)
	}

	if len(rec.batches) != 1 {
		t.Fatalf("%d batches sent, want 1", len(rec.batches))
	}
	var got []string
	for _, c := range rec.batches[0].Commands {
		got = append(got, string(c.Type)+" "+c.ID)
		if c.ID == "users/1" && c.ChangeVector == nil {
			t.Error("loaded document saved without its change vector")
		}
		if c.ID == "users/3" && c.ChangeVector != nil {
			t.Error("new document saved with a change vector")
		}
	}
	want := []string{"PUT users/1", "PUT users/3", "DELETE users/2"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}

	if s.IsLoaded("users/2") || s.DocumentsByID().Contains("users/2") {
		t.Error("deleted document is still tracked")
	}
	if store.Len() != 2 {
		t.Errorf("store has %d documents, want 2", store.Len())
	}
	if changed, _ := s.HasChanges(); changed {
		t.Error("HasChanges() after save")
	}
	if err := s.SaveChanges(ctx); err != nil {
		t.Fatal(err)
	}
	if len(rec.batches) != 1 {
		t.Error("saving without changes contacted the server")
	}
	if u, _ := Load[User](ctx, s, "users/2"); u != nil {
		t.Error("deleted document loaded again")
	}
	if len(rec.gets) != 2 {
		t.Errorf("%d loads, want the deleted id known missing", len(rec.gets))
	}
}

func TestOptimisticConcurrency(t *testing.T) {
	store := newStore()
	seed(t, store, map[string]any{"users/1": &User{Name: "Ann"}})
	ctx := context.Background()

	first, second := newSession(store), newSession(store)
	a, err := Load[User](ctx, first, "users/1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Load[User](ctx, second, "users/1")
	if err != nil {
		t.Fatal(err)
	}
	a.Age = 1
	b.Age = 2
	if err := first.SaveChanges(ctx); err != nil {
		t.Fatal(err)
	}
	err = second.SaveChanges(ctx)
	if !errors.Is(err, api.ErrConcurrencyViolation) {
		t.Fatalf("SaveChanges() = %v, want concurrency violation", err)
	}
	if changed, _ := second.HasChanged(b); !changed {
		t.Error("rejected changes were dropped")
	}

	cfg := config.DefaultSessionConfig()
	cfg.UseOptimisticConcurrency = false
	last := New(&Spec{Database: "db", Executor: store, Config: cfg, Log: testLog()})
	c, err := Load[User](ctx, last, "users/1")
	if err != nil {
		t.Fatal(err)
	}
	c.Age = 3
	a.Age = 4
	if err := first.SaveChanges(ctx); err != nil {
		t.Fatal(err)
	}
	if err := last.SaveChanges(ctx); err != nil {
		t.Errorf("SaveChanges() without optimistic concurrency = %v", err)
	}
}

func TestStoreWithChangeVector(t *testing.T) {
	store := newStore()
	cfg := config.DefaultSessionConfig()
	cfg.UseOptimisticConcurrency = false
	s := New(&Spec{Database: "db", Executor: store, Config: cfg, Log: testLog()})
	if err := s.Store(&User{Name: "Ann"}, "users/1", WithChangeVector("A:99-stale")); err != nil {
		t.Fatal(err)
	}
	err := s.SaveChanges(context.Background())
	var ce *api.ConcurrencyError
	if !errors.As(err, &ce) {
		t.Fatalf("SaveChanges() = %v, want a concurrency error", err)
	}
	if ce.ID != "users/1" || ce.Expected != "A:99-stale" {
		t.Errorf("concurrency error = %+v", ce)
	}
}

func TestPartialBatch(t *testing.T) {
	store := memstore.New(&memstore.Spec{Database: "db", PartialBatches: true, Log: testLog()})
	seed(t, store, map[string]any{
		"users/1": &User{Name: "Ann"},
		"users/2": &User{Name: "Bob"},
	})
	ctx := context.Background()

	s := newSession(store)
	res, err := LoadMany[User](ctx, s, "users/1", "users/2")
	if err != nil {
		t.Fatal(err)
	}
	ann, _ := res.Get("users/1")
	bob, _ := res.Get("users/2")

	other := newSession(store)
	b, err := Load[User](ctx, other, "users/2")
	if err != nil {
		t.Fatal(err)
	}
	b.Age = 50
	if err := other.SaveChanges(ctx); err != nil {
		t.Fatal(err)
	}

	ann.Age = 1
	bob.Age = 2
	err = s.SaveChanges(ctx)
	var be *api.BatchError
	if !errors.As(err, &be) {
		t.Fatalf("SaveChanges() = %v, want a batch error", err)
	}
	conflicts := api.ConcurrencyErrors(err)
	if len(conflicts) != 1 || conflicts[0].ID != "users/2" {
		t.Fatalf("conflicts = %+v", conflicts)
	}
	if changed, _ := s.HasChanged(ann); changed {
		t.Error("applied document still has changes")
	}
	if changed, _ := s.HasChanged(bob); !changed {
		t.Error("rejected document lost its changes")
	}
}

func TestEvictAndClear(t *testing.T) {
	store := newStore()
	seed(t, store, map[string]any{"users/1": &User{Name: "Ann"}})
	rec := &recorder{RequestExecutor: store}
	s := newSession(rec)
	ctx := context.Background()

	u, err := Load[User](ctx, s, "users/1")
	if err != nil {
		t.Fatal(err)
	}
	u.Name = "changed"
	if err := s.Evict(u); err != nil {
		t.Fatal(err)
	}
	if changed, _ := s.HasChanges(); changed {
		t.Error("evicted entity still has changes")
	}
	again, err := Load[User](ctx, s, "users/1")
	if err != nil {
		t.Fatal(err)
	}
	if again == u || again.Name != "Ann" {
		t.Errorf("reloaded %+v", again)
	}
	if len(rec.gets) != 2 {
		t.Errorf("%d loads, want 2", len(rec.gets))
	}
	if err := s.Evict(u); !errors.Is(err, api.ErrInvalidOperation) {
		t.Errorf("evicting an untracked entity = %v", err)
	}

	s.Clear()
	if s.DocumentsByEntity().Len() != 0 || s.DocumentsByID().Len() != 0 {
		t.Error("Clear() left tracked documents")
	}
	if err := s.Delete("users/1"); !errors.Is(err, api.ErrInvalidOperation) {
		t.Errorf("deleting an untracked id = %v", err)
	}
}

func TestMaxRequests(t *testing.T) {
	store := newStore()
	cfg := config.DefaultSessionConfig()
	cfg.MaxRequests = 2
	s := New(&Spec{Database: "db", Executor: store, Config: cfg, Log: testLog()})
	ctx := context.Background()
	for i, id := range []string{"users/1", "users/2"} {
		if _, err := Load[User](ctx, s, id); err != nil {
			t.Fatalf("load %d: %v", i, err)
		}
	}
	if _, err := Load[User](ctx, s, "users/3"); !errors.Is(err, api.ErrInvalidOperation) {
		t.Errorf("third request = %v, want invalid operation", err)
	}
}

func TestDeleteThenStore(t *testing.T) {
	s := newSession(newStore())
	u := &User{Name: "Ann"}
	if err := s.Store(u, "users/1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(u); err != nil {
		t.Fatal(err)
	}
	if err := s.Store(u, ""); !errors.Is(err, api.ErrInvalidOperation) {
		t.Errorf("storing a deleted entity = %v", err)
	}
	if err := s.Store(&User{}, "users/1", Replace()); !errors.Is(err, api.ErrIdentityConflict) {
		t.Errorf("replacing a deleted id = %v", err)
	}
}

func TestStoreThenLoad(t *testing.T) {
	rec := &recorder{RequestExecutor: newStore()}
	s := newSession(rec)
	u := &User{Name: "Ann"}
	if err := s.Store(u, "users/1"); err != nil {
		t.Fatal(err)
	}
	got, err := Load[User](context.Background(), s, "USERS/1")
	if err != nil {
		t.Fatal(err)
	}
	if got != u {
		t.Error("Load after Store returned another entity")
	}
	if len(rec.gets) != 0 {
		t.Errorf("Load of a stored entity called the server: %v", rec.gets)
	}
}

type Line struct {
	Product string `json:"product"`
	Qty     int    `json:"qty"`
}

type Order struct {
	Company string `json:"company"`
	Lines   []Line `json:"lines"`
}

type Product struct {
	Name string `json:"name"`
}

func TestLoadIncluding(t *testing.T) {
	store := newStore()
	seed(t, store, map[string]any{
		"companies/1": &Company{Name: "Acme"},
		"products/1":  &Product{Name: "Bolt"},
		"products/2":  &Product{Name: "Nut"},
		"orders/1": &Order{Company: "companies/1", Lines: []Line{
			{Product: "products/1", Qty: 2},
			{Product: "products/2", Qty: 1},
			{Product: "products/9", Qty: 5},
		}},
	})
	rec := &recorder{RequestExecutor: store}
	s := newSession(rec)
	ctx := context.Background()

	res, err := LoadIncluding[Order](ctx, s, []string{"company", "lines[].product"}, "orders/1")
	if err != nil {
		t.Fatal(err)
	}
	if o, _ := res.Get("orders/1"); o == nil || len(o.Lines) != 3 {
		t.Fatalf("order = %+v", o)
	}
	if !s.IsLoaded("Companies/1") || !s.IsLoaded("products/2") || s.IsLoaded("products/9") {
		t.Error("included documents are not loaded")
	}
	if n := s.DocumentsByID().Len(); n != 1 {
		t.Errorf("%d documents tracked, want only the order", n)
	}

	c, err := Load[Company](ctx, s, "companies/1")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.Name != "Acme" {
		t.Errorf("company = %+v", c)
	}
	products, err := LoadMany[Product](ctx, s, "products/1", "products/2", "products/9")
	if err != nil {
		t.Fatal(err)
	}
	if p, _ := products.Get("products/2"); p == nil || p.Name != "Nut" {
		t.Errorf("product = %+v", p)
	}
	if p, _ := products.Get("products/9"); p != nil {
		t.Errorf("missing product loaded as %+v", p)
	}
	if diff := cmp.Diff([][]string{{"orders/1"}}, rec.gets); diff != "" {
		t.Errorf("server calls mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]string{{"company", "lines[].product"}}, rec.includes); diff != "" {
		t.Errorf("includes mismatch (-want +got):\n%s", diff)
	}

	c.Name = "Acme Corp"
	changed, err := s.HasChanged(c)
	if err != nil || !changed {
		t.Errorf("HasChanged() = %v, %v", changed, err)
	}

	s.Clear()
	if s.IsLoaded("products/1") {
		t.Error("Clear kept included documents")
	}
}
