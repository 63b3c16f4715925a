// Package memstore is an in-memory document server for one database.
//
// Store implements api.RequestExecutor directly, and Server exposes the same
// store over HTTP together with a changes endpoint, so that sessions and
// change connections can be exercised without a real server.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signadot/docsession/api"
	"github.com/signadot/docsession/caseless"
	"github.com/signadot/docsession/jsonconv"
)

// Spec holds the runtime settings for a store.
type Spec struct {
	Database string
	// PartialBatches applies the commands of a batch which pass their
	// concurrency check and reports the others per document, instead of
	// rejecting the whole batch.
	PartialBatches bool
	// TCPInfo is returned by GetTCPInfo.
	TCPInfo api.TCPInfo
	Log     *slog.Logger
}

type document struct {
	id           string
	collection   string
	body         map[string]any
	meta         map[string]any // user metadata
	changeVector string
	lastModified time.Time
}

type cmpxchgValue struct {
	index int64
	value any
	meta  map[string]any
}

// Store is an in-memory database. It is safe for concurrent use.
type Store struct {
	Spec Spec

	mu        sync.RWMutex
	docs      *caseless.Map[*document]
	etag      int64
	txIndex   int64
	dbID      string
	cmpxchg   map[string]*cmpxchgValue
	cmpIndex  int64
	notifiers []func(api.DocumentChange)
}

// New creates an empty store.
func New(spec *Spec) *Store {
	if spec.Log == nil {
		spec.Log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slogLevel(),
		}))
	}
	return &Store{
		Spec:    *spec,
		docs:    caseless.NewMap[*document](),
		dbID:    uuid.NewString(),
		cmpxchg: map[string]*cmpxchgValue{},
	}
}

func slogLevel() slog.Level {
	if os.Getenv("DEBUG") != "" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// OnChange registers fn to be called after every applied document change.
func (s *Store) OnChange(fn func(api.DocumentChange)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifiers = append(s.notifiers, fn)
}

// Len returns the number of documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs.Len()
}

// GetDocuments implements api.RequestExecutor.
func (s *Store) GetDocuments(ctx context.Context, ids, includes []string) (*api.GetDocumentsResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := &api.GetDocumentsResult{Results: make([]map[string]any, len(ids))}
	for i, id := range ids {
		d, ok := s.docs.Get(id)
		if !ok {
			continue
		}
		res.Results[i] = d.toWire()
		for _, path := range includes {
			for _, ref := range referencedIDs(d.body, strings.Split(path, ".")) {
				if res.Includes == nil {
					res.Includes = map[string]map[string]any{}
				}
				if _, done := res.Includes[ref]; done {
					continue
				}
				if inc, ok := s.docs.Get(ref); ok {
					res.Includes[ref] = inc.toWire()
				} else {
					res.Includes[ref] = nil
				}
			}
		}
	}
	return res, nil
}

// referencedIDs returns the strings found at path in v. Arrays along the
// path are walked element by element; a "[]" suffix on a segment is
// accepted for them.
func referencedIDs(v any, path []string) []string {
	switch v := v.(type) {
	case string:
		if len(path) == 0 && v != "" {
			return []string{v}
		}
	case []any:
		var res []string
		for _, e := range v {
			res = append(res, referencedIDs(e, path)...)
		}
		return res
	case map[string]any:
		if len(path) == 0 {
			return nil
		}
		return referencedIDs(v[strings.TrimSuffix(path[0], "[]")], path[1:])
	}
	return nil
}

func (d *document) toWire() map[string]any {
	meta := jsonconv.CloneObject(d.meta)
	if meta == nil {
		meta = map[string]any{}
	}
	meta[api.MetadataID] = d.id
	meta[api.MetadataCollection] = d.collection
	meta[api.MetadataChangeVector] = d.changeVector
	meta[api.MetadataLastModified] = d.lastModified.Format(time.RFC3339Nano)
	return jsonconv.WithMetadata(jsonconv.CloneObject(d.body), meta)
}

// Batch implements api.RequestExecutor. Unless PartialBatches is set, a
// failed concurrency check rejects the whole batch with an
// *api.ConcurrencyError.
func (s *Store) Batch(ctx context.Context, cmd *api.BatchCommand) (*api.BatchResult, error) {
	s.mu.Lock()
	conflicts := make(map[int]*api.ConcurrencyError)
	for i := range cmd.Commands {
		c := &cmd.Commands[i]
		if c.ID == "" {
			s.mu.Unlock()
			return nil, api.Errorf(api.ErrCodeInvalidOperation, "command %d has no id", i)
		}
		switch c.Type {
		case api.CommandPut, api.CommandDelete:
		default:
			s.mu.Unlock()
			return nil, api.Errorf(api.ErrCodeInvalidOperation, "unsupported command type %q", c.Type)
		}
		if c.ChangeVector == nil {
			continue
		}
		actual := ""
		if d, ok := s.docs.Get(c.ID); ok {
			actual = d.changeVector
		}
		if actual != *c.ChangeVector {
			conflicts[i] = &api.ConcurrencyError{ID: c.ID, Expected: *c.ChangeVector, Actual: actual}
		}
	}
	if len(conflicts) != 0 && !s.Spec.PartialBatches {
		s.mu.Unlock()
		for i := range cmd.Commands {
			if ce, ok := conflicts[i]; ok {
				s.Spec.Log.Info("rejected batch", "database", s.Spec.Database, "id", ce.ID, "conflicts", len(conflicts))
				return nil, ce
			}
		}
	}

	now := time.Now().UTC()
	res := &api.BatchResult{Results: make([]api.DocumentResult, len(cmd.Commands))}
	var events []api.DocumentChange
	for i := range cmd.Commands {
		c := &cmd.Commands[i]
		if ce, ok := conflicts[i]; ok {
			res.Results[i] = api.DocumentResult{Type: c.Type, ID: c.ID, Error: ce}
			continue
		}
		switch c.Type {
		case api.CommandPut:
			d := s.put(c, now)
			res.Results[i] = api.DocumentResult{
				Type:         api.CommandPut,
				ID:           d.id,
				Collection:   d.collection,
				ChangeVector: d.changeVector,
				LastModified: d.lastModified.Format(time.RFC3339Nano),
			}
			events = append(events, api.DocumentChange{Type: api.DocumentPut, ID: d.id, CollectionName: d.collection, ChangeVector: d.changeVector})
		case api.CommandDelete:
			d, ok := s.docs.Pop(c.ID)
			res.Results[i] = api.DocumentResult{Type: api.CommandDelete, ID: c.ID, Deleted: ok}
			if ok {
				s.etag++
				events = append(events, api.DocumentChange{Type: api.DocumentDelete, ID: d.id, CollectionName: d.collection, ChangeVector: s.changeVector()})
			}
		}
	}
	s.txIndex++
	txIndex := s.txIndex
	res.TransactionIndex = &txIndex
	notifiers := s.notifiers
	s.mu.Unlock()

	s.Spec.Log.Debug("applied batch", "database", s.Spec.Database, "commands", len(cmd.Commands), "conflicts", len(conflicts))
	for _, ev := range events {
		for _, fn := range notifiers {
			fn(ev)
		}
	}
	return res, nil
}

func (s *Store) put(c *api.CommandData, now time.Time) *document {
	body, meta := jsonconv.SplitMetadata(c.Document)
	collection := jsonconv.MetadataString(meta, api.MetadataCollection)
	if collection == "" {
		collection = api.EmptyCollection
	}
	for _, k := range []string{api.MetadataID, api.MetadataCollection, api.MetadataChangeVector, api.MetadataLastModified} {
		delete(meta, k)
	}
	id := c.ID
	if prev, ok := s.docs.Get(c.ID); ok {
		id = prev.id
	}
	s.etag++
	d := &document{
		id:           id,
		collection:   collection,
		body:         body,
		meta:         meta,
		changeVector: s.changeVector(),
		lastModified: now,
	}
	s.docs.Set(id, d)
	return d
}

func (s *Store) changeVector() string {
	return fmt.Sprintf("A:%d-%s", s.etag, s.dbID)
}

// GetTCPInfo implements api.RequestExecutor.
func (s *Store) GetTCPInfo(ctx context.Context) (*api.TCPInfo, error) {
	info := s.Spec.TCPInfo
	return &info, nil
}

// PutCompareExchange sets the value of key and returns its new index.
func (s *Store) PutCompareExchange(key string, value any, meta map[string]any) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmpIndex++
	s.cmpxchg[strings.ToLower(key)] = &cmpxchgValue{index: s.cmpIndex, value: value, meta: meta}
	return s.cmpIndex
}

type cmpxchgItem struct {
	Key   string         `json:"Key"`
	Index int64          `json:"Index"`
	Value map[string]any `json:"Value"`
}

// GetCompareExchangeValues implements api.CompareExchangeGetter. Missing
// keys are left out of the response.
func (s *Store) GetCompareExchangeValues(ctx context.Context, keys []string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]cmpxchgItem, 0, len(keys))
	for _, k := range keys {
		v, ok := s.cmpxchg[strings.ToLower(k)]
		if !ok {
			continue
		}
		val := map[string]any{"Object": v.value}
		if len(v.meta) != 0 {
			val[api.MetadataKey] = v.meta
		}
		items = append(items, cmpxchgItem{Key: k, Index: v.index, Value: val})
	}
	return json.Marshal(map[string]any{"Results": items})
}
