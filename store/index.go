// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"container/list"
	"time"

	"github.com/absmach/fluxjms/storage"
	"github.com/absmach/fluxjms/types"
)

// Entry is a message held by an Index.
type Entry struct {
	Message  *types.Message
	Handle   storage.Handle
	InFlight bool
	size     int64
	elem     *list.Element
	band     int
}

// Index orders messages by priority band and arrival. It is not safe for
// concurrent use; stores guard it with their own lock.
type Index struct {
	ordering Ordering
	bands    [types.MaxPriority + 1]*list.List
	entries  map[uint64]*Entry
	bytes    int64
	inFlight int
}

// NewIndex returns an empty index delivering in the given order.
func NewIndex(o Ordering) *Index {
	idx := &Index{ordering: o, entries: make(map[uint64]*Entry)}
	for i := range idx.bands {
		idx.bands[i] = list.New()
	}
	return idx
}

func (idx *Index) band(p uint8) int {
	if idx.ordering == FIFO {
		return 0
	}
	return int(min(p, types.MaxPriority))
}

// Add appends msg to the back of its priority band.
func (idx *Index) Add(msg *types.Message, h storage.Handle) *Entry {
	b := idx.band(msg.Priority)
	e := &Entry{Message: msg, Handle: h, size: msg.Size(), band: b}
	e.elem = idx.bands[b].PushBack(e)
	idx.entries[msg.ID] = e
	idx.bytes += e.size
	return e
}

// Get returns the entry of id.
func (idx *Index) Get(id uint64) (*Entry, bool) {
	e, ok := idx.entries[id]
	return e, ok
}

// Remove drops id from the index.
func (idx *Index) Remove(id uint64) (*Entry, bool) {
	e, ok := idx.entries[id]
	if !ok {
		return nil, false
	}
	idx.bands[e.band].Remove(e.elem)
	delete(idx.entries, id)
	idx.bytes -= e.size
	if e.InFlight {
		idx.inFlight--
	}
	return e, true
}

// SetInFlight flips the delivery state of an entry.
func (idx *Index) SetInFlight(e *Entry, v bool) {
	if e.InFlight == v {
		return
	}
	e.InFlight = v
	if v {
		idx.inFlight++
	} else {
		idx.inFlight--
	}
}

// Next returns the first pending entry the filter accepts, scanning bands from
// the highest priority. Expired pending entries met on the way are removed and
// passed to expired.
func (idx *Index) Next(filter Filter, now time.Time, expired func(*Entry)) (*Entry, bool) {
	for b := len(idx.bands) - 1; b >= 0; b-- {
		for el := idx.bands[b].Front(); el != nil; {
			e := el.Value.(*Entry)
			el = el.Next()
			if e.InFlight {
				continue
			}
			if e.Message.Expired(now) {
				idx.Remove(e.Message.ID)
				if expired != nil {
					expired(e)
				}
				continue
			}
			if filter.accepts(e.Message) {
				return e, true
			}
		}
	}
	return nil, false
}

// Len returns the number of messages, in flight included.
func (idx *Index) Len() int {
	return len(idx.entries)
}

// Bytes returns the summed message size.
func (idx *Index) Bytes() int64 {
	return idx.bytes
}

// InFlight returns the number of messages taken and not yet settled.
func (idx *Index) InFlight() int {
	return idx.inFlight
}

// Full reports whether adding size bytes would exceed c.
func (c Capacity) Full(count int, bytes, size int64) bool {
	if c.MaxMessages > 0 && count+1 > c.MaxMessages {
		return true
	}
	return c.MaxBytes > 0 && bytes+size > c.MaxBytes
}
