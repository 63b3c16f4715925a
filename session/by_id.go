package session

import (
	"iter"

	"github.com/signadot/docsession/caseless"
)

// DocumentsByID maps document ids, case-insensitively, to their
// DocumentInfo.
type DocumentsByID struct {
	m *caseless.Map[*DocumentInfo]
}

func NewDocumentsByID() *DocumentsByID {
	return &DocumentsByID{m: caseless.NewMap[*DocumentInfo]()}
}

func (d *DocumentsByID) Put(info *DocumentInfo) { d.m.Set(info.ID, info) }

func (d *DocumentsByID) Get(id string) (*DocumentInfo, bool) { return d.m.Get(id) }

func (d *DocumentsByID) Contains(id string) bool { return d.m.Has(id) }

func (d *DocumentsByID) Pop(id string) (*DocumentInfo, bool) { return d.m.Pop(id) }

func (d *DocumentsByID) Len() int { return d.m.Len() }

func (d *DocumentsByID) All() iter.Seq2[string, *DocumentInfo] { return d.m.All() }

func (d *DocumentsByID) Clear() { d.m.Clear() }
