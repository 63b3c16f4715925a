package session

import "iter"

// DocumentsByEntity maps tracked entities, by reference, to their
// DocumentInfo. Iteration follows tracking order.
type DocumentsByEntity struct {
	index map[Ref]int
	infos []*DocumentInfo // nil slots are removed entries
	live  int
}

func NewDocumentsByEntity() *DocumentsByEntity {
	return &DocumentsByEntity{index: map[Ref]int{}}
}

// Put tracks info under its entity, replacing any previous record.
func (d *DocumentsByEntity) Put(info *DocumentInfo) {
	ref := NewRef(info.Entity)
	if i, ok := d.index[ref]; ok {
		d.infos[i] = info
		return
	}
	d.index[ref] = len(d.infos)
	d.infos = append(d.infos, info)
	d.live++
}

// Get returns the record of entity, which may be given as a Ref.
func (d *DocumentsByEntity) Get(entity any) (*DocumentInfo, bool) {
	i, ok := d.index[NewRef(entity)]
	if !ok {
		return nil, false
	}
	return d.infos[i], true
}

func (d *DocumentsByEntity) Contains(entity any) bool {
	_, ok := d.index[NewRef(entity)]
	return ok
}

// Pop removes and returns the record of entity.
func (d *DocumentsByEntity) Pop(entity any) (*DocumentInfo, bool) {
	ref := NewRef(entity)
	i, ok := d.index[ref]
	if !ok {
		return nil, false
	}
	info := d.infos[i]
	delete(d.index, ref)
	d.infos[i] = nil
	d.live--
	if d.live == 0 {
		d.infos = d.infos[:0]
	} else if len(d.infos) > 32 && d.live < len(d.infos)/2 {
		d.compact()
	}
	return info, true
}

func (d *DocumentsByEntity) compact() {
	infos := make([]*DocumentInfo, 0, d.live)
	for _, info := range d.infos {
		if info == nil {
			continue
		}
		d.index[NewRef(info.Entity)] = len(infos)
		infos = append(infos, info)
	}
	d.infos = infos
}

func (d *DocumentsByEntity) Len() int { return d.live }

// All iterates over tracked entities and their records. The registry must
// not be modified during iteration.
func (d *DocumentsByEntity) All() iter.Seq2[any, *DocumentInfo] {
	return func(yield func(any, *DocumentInfo) bool) {
		for _, info := range d.infos {
			if info == nil {
				continue
			}
			if !yield(info.Entity, info) {
				return
			}
		}
	}
}

// Entities iterates over tracked entities.
func (d *DocumentsByEntity) Entities() iter.Seq[any] {
	return func(yield func(any) bool) {
		for e := range d.All() {
			if !yield(e) {
				return
			}
		}
	}
}

func (d *DocumentsByEntity) Clear() {
	clear(d.index)
	clear(d.infos)
	d.infos = d.infos[:0]
	d.live = 0
}
