package session

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signadot/docsession/api"
	"github.com/signadot/docsession/caseless"
	"github.com/signadot/docsession/jsonconv"
	"github.com/signadot/docsession/libdiff"
)

// WhatChanged reports the pending changes of every tracked document.
// Documents without changes are omitted. Deleted documents report a single
// DocumentDeleted and newly stored ones a single DocumentAddedToSession.
func (s *Session) WhatChanged() (*caseless.Map[[]libdiff.FieldDifference], error) {
	res := caseless.NewMap[[]libdiff.FieldDifference]()
	for _, info := range s.byEntity.All() {
		diffs, _, err := s.changesFor(info)
		if err != nil {
			return nil, err
		}
		if len(diffs) != 0 {
			res.Set(info.ID, diffs)
		}
	}
	return res, nil
}

// HasChanges reports whether SaveChanges would send anything.
func (s *Session) HasChanges() (bool, error) {
	for _, info := range s.byEntity.All() {
		diffs, _, err := s.changesFor(info)
		if err != nil {
			return false, err
		}
		if len(diffs) != 0 {
			return true, nil
		}
	}
	return false, nil
}

// HasChanged reports whether a tracked entity has pending changes.
func (s *Session) HasChanged(entity any) (bool, error) {
	info, err := s.lookup(entity)
	if err != nil {
		return false, err
	}
	diffs, _, err := s.changesFor(info)
	return len(diffs) != 0, err
}

// changesFor returns the differences of info and, for entities which are
// not deleted, the current serialized document.
func (s *Session) changesFor(info *DocumentInfo) ([]libdiff.FieldDifference, map[string]any, error) {
	if info.Deleted {
		return []libdiff.FieldDifference{{Index: -1, Change: libdiff.DocumentDeleted}}, nil, nil
	}
	if info.IgnoreChanges {
		return nil, nil, nil
	}
	doc, err := s.Spec.Serializer.ToDocument(info.Entity)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to serialize %q: %w", info.ID, err)
	}
	if info.New {
		return []libdiff.FieldDifference{{Index: -1, Change: libdiff.DocumentAddedToSession, NewValue: doc}}, doc, nil
	}
	diffs := libdiff.Diff(info.Original, doc)
	if !libdiff.Equal(info.OriginalMetadata, info.Metadata) {
		diffs = append(diffs, libdiff.FieldDifference{
			FieldName: api.MetadataKey,
			Index:     -1,
			Change:    libdiff.FieldChanged,
			OldValue:  info.OriginalMetadata,
			NewValue:  info.Metadata,
		})
	}
	return diffs, doc, nil
}

type pendingCommand struct {
	info *DocumentInfo
	doc  map[string]any // nil for deletes
}

// SaveChanges sends all pending changes in one batch: puts of new and
// changed documents in tracking order, then deletes in tracking order.
//
// When the server rejects the batch nothing is updated locally. When the
// server applies the batch partially, the applied documents are updated and
// the returned *api.BatchError holds an api.ConcurrencyError for each
// document that was not; those keep their previous snapshot.
func (s *Session) SaveChanges(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "Session.SaveChanges", trace.WithAttributes(
		attribute.String("db.name", s.Spec.Database),
	))
	defer func() { endSpan(span, err) }()

	var puts, dels []pendingCommand
	for _, info := range s.byEntity.All() {
		if info.Deleted {
			dels = append(dels, pendingCommand{info: info})
			continue
		}
		diffs, doc, err := s.changesFor(info)
		if err != nil {
			return err
		}
		if len(diffs) != 0 {
			puts = append(puts, pendingCommand{info: info, doc: doc})
		}
	}
	pending := append(puts, dels...)
	span.SetAttributes(attribute.Int("puts", len(puts)), attribute.Int("deletes", len(dels)))
	if len(pending) == 0 {
		return nil
	}

	cmd := &api.BatchCommand{Commands: make([]api.CommandData, len(pending))}
	for i, p := range pending {
		cv := p.info.ChangeVector
		if !s.Spec.Config.UseOptimisticConcurrency && !p.info.ConcurrencyCheck {
			cv = ""
		}
		if p.doc == nil {
			cmd.Commands[i] = api.DeleteCommand(p.info.ID, cv)
			continue
		}
		cmd.Commands[i] = api.PutCommand(p.info.ID, cv, jsonconv.WithMetadata(p.doc, p.info.Metadata))
	}

	if err := s.incrementRequests(); err != nil {
		return err
	}
	res, err := s.Spec.Executor.Batch(ctx, cmd)
	if err != nil {
		s.log.Warn("save changes failed", "puts", len(puts), "deletes", len(dels), "error", err)
		return fmt.Errorf("failed to save changes: %w", err)
	}
	if len(res.Results) != len(pending) {
		return api.Errorf(api.ErrCodeMalformedResponse, "sent %d commands, got %d results", len(pending), len(res.Results))
	}

	var failed []error
	for i := range res.Results {
		r := &res.Results[i]
		p := pending[i]
		if r.Error != nil {
			ce := *r.Error
			if ce.ID == "" {
				ce.ID = p.info.ID
			}
			failed = append(failed, &ce)
			continue
		}
		if p.doc == nil {
			s.byEntity.Pop(p.info.Entity)
			s.byID.Pop(p.info.ID)
			s.knownMissing.Add(p.info.ID)
			continue
		}
		s.applyPut(p, r)
	}
	if res.TransactionIndex != nil {
		span.SetAttributes(attribute.Int64("transaction.index", *res.TransactionIndex))
	}
	s.log.Debug("saved changes", "puts", len(puts), "deletes", len(dels), "failed", len(failed))
	if len(failed) != 0 {
		return &api.BatchError{Errs: failed}
	}
	return nil
}

func (s *Session) applyPut(p pendingCommand, r *api.DocumentResult) {
	info := p.info
	info.New = false
	info.Original = p.doc
	if r.ChangeVector != "" {
		info.ChangeVector = r.ChangeVector
		info.Metadata[api.MetadataChangeVector] = r.ChangeVector
	}
	if r.LastModified != "" {
		info.Metadata[api.MetadataLastModified] = r.LastModified
	}
	if r.Collection != "" {
		info.Collection = r.Collection
		info.Metadata[api.MetadataCollection] = r.Collection
	}
	info.Metadata[api.MetadataID] = info.ID
	info.OriginalMetadata = jsonconv.CloneObject(info.Metadata)
}
