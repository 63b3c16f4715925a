// Package session implements a unit of work over documents of one database.
//
// A Session tracks every entity it loads or stores. Application code mutates
// tracked entities in place; SaveChanges diffs each of them against the
// snapshot taken when it was loaded and sends only what changed.
//
// A Session is not safe for concurrent use. Use one session per logical flow.
package session

import (
	"fmt"
	"log/slog"
	"maps"
	"os"

	"github.com/oklog/ulid/v2"

	"github.com/signadot/docsession/api"
	"github.com/signadot/docsession/caseless"
	"github.com/signadot/docsession/config"
	"github.com/signadot/docsession/jsonconv"
)

// Spec holds the runtime settings for a session.
type Spec struct {
	Database    string
	Executor    api.RequestExecutor
	Serializer  jsonconv.Serializer
	Conventions *Conventions
	Config      *config.SessionConfig
	Log         *slog.Logger
}

// Session is a unit of work.
type Session struct {
	Spec Spec

	id           string
	byEntity     *DocumentsByEntity
	byID         *DocumentsByID
	knownMissing *caseless.Set
	included     *caseless.Map[map[string]any]
	requests     int
	log          *slog.Logger
}

// New creates a session.
func New(spec *Spec) *Session {
	if spec.Log == nil {
		spec.Log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slogLevel(),
		}))
	}
	if spec.Serializer == nil {
		spec.Serializer = jsonconv.JSON{}
	}
	if spec.Config == nil {
		spec.Config = config.DefaultSessionConfig()
	}
	spec.Config.FillDefaults()
	if spec.Conventions == nil {
		spec.Conventions = DefaultConventions()
		if sep := spec.Config.IdentitySeparator; sep != "" {
			spec.Conventions.IdentitySeparator = sep
		}
	}
	id := ulid.Make().String()
	return &Session{
		Spec:         *spec,
		id:           id,
		byEntity:     NewDocumentsByEntity(),
		byID:         NewDocumentsByID(),
		knownMissing: caseless.NewSet(),
		included:     caseless.NewMap[map[string]any](),
		log:          spec.Log.With("session", id, "database", spec.Database),
	}
}

func slogLevel() slog.Level {
	if os.Getenv("DEBUG") != "" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// DocumentsByEntity returns the registry of tracked entities.
func (s *Session) DocumentsByEntity() *DocumentsByEntity { return s.byEntity }

// DocumentsByID returns the registry of tracked documents by id.
func (s *Session) DocumentsByID() *DocumentsByID { return s.byID }

// StoreOption configures Store.
type StoreOption func(*storeOptions)

type storeOptions struct {
	changeVector string
	replace      bool
	metadata     map[string]any
}

// WithChangeVector makes the next save of the entity conditional on the
// document having change vector cv on the server.
func WithChangeVector(cv string) StoreOption {
	return func(o *storeOptions) { o.changeVector = cv }
}

// Replace lets Store take over an id tracked with another entity.
func Replace() StoreOption {
	return func(o *storeOptions) { o.replace = true }
}

// WithMetadata adds metadata entries to a newly stored entity.
func WithMetadata(meta map[string]any) StoreOption {
	return func(o *storeOptions) { o.metadata = meta }
}

// Store starts tracking entity, a non-nil pointer, under id. An empty id is
// generated from the session conventions. Storing a tracked entity again
// under the same or an empty id does nothing.
func (s *Session) Store(entity any, id string, opts ...StoreOption) error {
	ref := NewRef(entity)
	if ref.IsZero() {
		return api.Errorf(api.ErrCodeInvalidOperation, "cannot store %T: entities must be non-nil pointers", entity)
	}
	var o storeOptions
	for _, opt := range opts {
		opt(&o)
	}

	if info, ok := s.byEntity.Get(ref); ok {
		if id != "" && !caseless.Equal(id, info.ID) {
			return api.Errorf(api.ErrCodeIdentityConflict, "entity is already stored as %q, cannot store it as %q", info.ID, id)
		}
		if info.Deleted {
			return api.Errorf(api.ErrCodeInvalidOperation, "cannot store %q: it was deleted in this session", info.ID)
		}
		if o.changeVector != "" {
			info.ChangeVector = o.changeVector
			info.ConcurrencyCheck = true
		}
		return nil
	}

	collection := s.Spec.Conventions.FindCollectionName(entity)
	if id == "" {
		var err error
		id, err = s.Spec.Conventions.GenerateID(collection, entity)
		if err != nil {
			return fmt.Errorf("failed to generate id: %w", err)
		}
	}

	info := &DocumentInfo{
		ID:               id,
		Entity:           entity,
		Collection:       collection,
		Metadata:         map[string]any{api.MetadataCollection: collection},
		ChangeVector:     o.changeVector,
		ConcurrencyCheck: o.changeVector != "",
		New:              true,
	}
	if prev, ok := s.byID.Get(id); ok {
		switch {
		case prev.Deleted:
			return api.Errorf(api.ErrCodeIdentityConflict, "cannot store %q: it was deleted in this session", prev.ID)
		case !o.replace:
			return api.Errorf(api.ErrCodeIdentityConflict, "id %q is already tracked with a different entity", prev.ID)
		}
		// the new entity inherits the tracked document's state
		s.byEntity.Pop(prev.Entity)
		s.byID.Pop(prev.ID)
		info.ID = prev.ID
		info.Original = prev.Original
		info.OriginalMetadata = prev.OriginalMetadata
		info.Metadata = jsonconv.CloneObject(prev.Metadata)
		info.New = prev.New
		if info.ChangeVector == "" {
			info.ChangeVector = prev.ChangeVector
		}
	}
	maps.Copy(info.Metadata, o.metadata)

	s.knownMissing.Remove(info.ID)
	s.included.Delete(info.ID)
	s.byEntity.Put(info)
	s.byID.Put(info)
	s.log.Debug("stored entity", "id", info.ID, "collection", collection)
	return nil
}

// Delete marks an entity, given by reference or by id, for deletion on the
// next save.
func (s *Session) Delete(entityOrID any) error {
	info, err := s.lookup(entityOrID)
	if err != nil {
		return err
	}
	info.Deleted = true
	s.log.Debug("deleted entity", "id", info.ID)
	return nil
}

func (s *Session) lookup(entityOrID any) (*DocumentInfo, error) {
	if id, ok := entityOrID.(string); ok {
		info, ok := s.byID.Get(id)
		if !ok {
			return nil, api.Errorf(api.ErrCodeInvalidOperation, "document %q is not tracked by this session", id)
		}
		return info, nil
	}
	info, ok := s.byEntity.Get(entityOrID)
	if !ok {
		return nil, api.Errorf(api.ErrCodeInvalidOperation, "%T is not tracked by this session", entityOrID)
	}
	return info, nil
}

// IsLoaded reports whether id is tracked and not deleted, or was included
// by an earlier load.
func (s *Session) IsLoaded(id string) bool {
	if info, ok := s.byID.Get(id); ok {
		return !info.Deleted
	}
	return s.included.Has(id)
}

// GetDocumentID returns the id of a tracked entity, or "".
func (s *Session) GetDocumentID(entity any) string {
	if info, ok := s.byEntity.Get(entity); ok {
		return info.ID
	}
	return ""
}

// GetMetadataFor returns the metadata of a tracked entity. Changes to the
// returned map are saved with the entity.
func (s *Session) GetMetadataFor(entity any) (map[string]any, error) {
	info, err := s.lookup(entity)
	if err != nil {
		return nil, err
	}
	return info.Metadata, nil
}

// GetChangeVectorFor returns the last known change vector of a tracked
// entity.
func (s *Session) GetChangeVectorFor(entity any) (string, error) {
	info, err := s.lookup(entity)
	if err != nil {
		return "", err
	}
	return info.ChangeVector, nil
}

// IgnoreChangesFor excludes an entity from change detection and saving.
func (s *Session) IgnoreChangesFor(entity any) error {
	info, err := s.lookup(entity)
	if err != nil {
		return err
	}
	info.IgnoreChanges = true
	return nil
}

// Evict stops tracking an entity. Pending changes to it are dropped.
func (s *Session) Evict(entity any) error {
	info, err := s.lookup(entity)
	if err != nil {
		return err
	}
	s.byEntity.Pop(info.Entity)
	s.byID.Pop(info.ID)
	return nil
}

// Clear stops tracking all entities.
func (s *Session) Clear() {
	s.byEntity.Clear()
	s.byID.Clear()
	s.knownMissing.Clear()
	s.included.Clear()
}

// NumberOfRequests returns the number of server calls made so far.
func (s *Session) NumberOfRequests() int { return s.requests }

func (s *Session) incrementRequests() error {
	s.requests++
	if limit := s.Spec.Config.MaxRequests; limit > 0 && s.requests > limit {
		return api.Errorf(api.ErrCodeInvalidOperation,
			"the session exceeded its limit of %d requests; use more sessions or raise session.maxRequests", limit)
	}
	return nil
}
