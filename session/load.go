package session

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signadot/docsession/api"
	"github.com/signadot/docsession/caseless"
	"github.com/signadot/docsession/jsonconv"
)

// Load returns the entity stored under id, or nil if there is none.
//
// Tracked entities are returned without contacting the server, so within a
// session the same id always yields the same pointer.
func Load[T any](ctx context.Context, s *Session, id string) (*T, error) {
	res, err := LoadMany[T](ctx, s, id)
	if err != nil {
		return nil, err
	}
	e, _ := res.Get(id)
	return e, nil
}

// LoadMany loads several entities with at most one server call. The result
// maps each requested id, case-insensitively, to its entity or to nil.
func LoadMany[T any](ctx context.Context, s *Session, ids ...string) (*caseless.Map[*T], error) {
	return load[T](ctx, s, nil, ids)
}

// LoadIncluding is LoadMany which also fetches, in the same server call, the
// documents whose ids are found at the include paths of the loaded
// documents, such as "Customer" or "Lines.Product". The session keeps them,
// so that loading them afterwards makes no server call. Nothing is fetched
// when every id is already tracked.
func LoadIncluding[T any](ctx context.Context, s *Session, includes []string, ids ...string) (*caseless.Map[*T], error) {
	return load[T](ctx, s, includes, ids)
}

func load[T any](ctx context.Context, s *Session, includes, ids []string) (_ *caseless.Map[*T], err error) {
	ctx, span := tracer.Start(ctx, "Session.LoadMany", trace.WithAttributes(
		attribute.String("db.name", s.Spec.Database),
		attribute.Int("ids", len(ids)),
		attribute.Int("includes", len(includes)),
	))
	defer func() { endSpan(span, err) }()

	res := caseless.NewMap[*T]()
	var fetch []string
	for _, id := range ids {
		if id == "" {
			return nil, api.NewError(api.ErrCodeInvalidOperation, "cannot load an empty id")
		}
		if res.Has(id) {
			continue
		}
		res.Set(id, nil)
		if info, ok := s.byID.Get(id); ok {
			if info.Deleted {
				continue
			}
			e, ok := info.Entity.(*T)
			if !ok {
				var want *T
				return nil, api.Errorf(api.ErrCodeTypeMismatch, "document %q is tracked as %T, not %T", id, info.Entity, want)
			}
			res.Set(id, e)
			continue
		}
		if raw, ok := s.included.Pop(id); ok {
			e, err := track[T](s, id, raw)
			if err != nil {
				return nil, err
			}
			res.Set(id, e)
			continue
		}
		if s.knownMissing.Has(id) {
			continue
		}
		fetch = append(fetch, id)
	}
	span.SetAttributes(attribute.Int("fetched", len(fetch)))
	if len(fetch) == 0 {
		return res, nil
	}

	if err := s.incrementRequests(); err != nil {
		return nil, err
	}
	got, err := s.Spec.Executor.GetDocuments(ctx, fetch, includes)
	if err != nil {
		return nil, fmt.Errorf("failed to load %d documents: %w", len(fetch), err)
	}
	if len(got.Results) != len(fetch) {
		return nil, api.Errorf(api.ErrCodeMalformedResponse, "requested %d documents, got %d results", len(fetch), len(got.Results))
	}
	for i, raw := range got.Results {
		id := fetch[i]
		if raw == nil {
			s.knownMissing.Add(id)
			continue
		}
		e, err := track[T](s, id, raw)
		if err != nil {
			return nil, err
		}
		res.Set(id, e)
	}
	for ref, raw := range got.Includes {
		switch {
		case s.byID.Contains(ref):
		case raw == nil:
			s.knownMissing.Add(ref)
		default:
			s.knownMissing.Remove(ref)
			s.included.Set(ref, raw)
		}
	}
	s.log.Debug("loaded documents", "requested", len(ids), "fetched", len(fetch), "included", len(got.Includes))
	return res, nil
}

func track[T any](s *Session, id string, raw map[string]any) (*T, error) {
	body, meta := jsonconv.SplitMetadata(raw)
	if mid := jsonconv.MetadataString(meta, api.MetadataID); mid != "" {
		id = mid
	}
	e := new(T)
	if err := s.Spec.Serializer.FromDocument(body, e); err != nil {
		return nil, fmt.Errorf("failed to deserialize %q: %w", id, err)
	}
	// snapshot the entity as it serializes, so that fields the type does
	// not carry are not reported as changes
	snapshot, err := s.Spec.Serializer.ToDocument(e)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %q: %w", id, err)
	}
	info := &DocumentInfo{
		ID:               id,
		Entity:           e,
		Collection:       jsonconv.MetadataString(meta, api.MetadataCollection),
		Original:         snapshot,
		Metadata:         meta,
		OriginalMetadata: jsonconv.CloneObject(meta),
		ChangeVector:     jsonconv.MetadataString(meta, api.MetadataChangeVector),
	}
	s.byEntity.Put(info)
	s.byID.Put(info)
	return e, nil
}
