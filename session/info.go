package session

// DocumentInfo is the session's record of one tracked entity.
type DocumentInfo struct {
	ID string
	// Entity is the application object, always a non-nil pointer.
	Entity     any
	Collection string
	// Original is the entity as it was last loaded or saved, nil for
	// entities stored in this session and not yet saved.
	Original map[string]any
	Metadata map[string]any
	// OriginalMetadata is Metadata as it was last loaded or saved.
	OriginalMetadata map[string]any
	ChangeVector     string
	// ConcurrencyCheck sends ChangeVector even when optimistic concurrency
	// is disabled.
	ConcurrencyCheck bool

	New           bool
	Deleted       bool
	IgnoreChanges bool
}
