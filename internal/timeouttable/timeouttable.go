// Package timeouttable implements the TimeoutTable (component A): an
// ordered record of outstanding remote requests that have stalled, so they
// can be reissued to a fresh peer.
package timeouttable

import (
	"container/list"

	"github.com/nilsbren/swarmcore/internal/domain"
)

// Table is a FIFO of domain.OutstandingRequest with at most one entry per
// (piece_index, begin_offset, length) triple.
type Table struct {
	order *list.List
	index map[domain.RequestKey]*list.Element
}

// New builds an empty TimeoutTable.
func New() *Table {
	return &Table{
		order: list.New(),
		index: make(map[domain.RequestKey]*list.Element),
	}
}

// Add inserts the request if no entry exists for its (index, begin, length)
// triple. Returns whether the insertion happened.
func (t *Table) Add(req domain.OutstandingRequest) bool {
	key := req.Key()
	if _, exists := t.index[key]; exists {
		return false
	}
	el := t.order.PushBack(req)
	t.index[key] = el
	return true
}

// Remove removes the entry matching (index, begin, length), if any. Returns
// whether an entry was removed.
func (t *Table) Remove(index, begin, length int) bool {
	key := domain.RequestKey{PieceIndex: index, Begin: begin, Length: length}
	el, ok := t.index[key]
	if !ok {
		return false
	}
	t.order.Remove(el)
	delete(t.index, key)
	return true
}

// PushFront re-inserts req at the head — used when a just-popped entry
// could not be resent to its new candidate peer due to backpressure, so it
// should be the next thing tried rather than going to the back of the line.
func (t *Table) PushFront(req domain.OutstandingRequest) bool {
	key := req.Key()
	if _, exists := t.index[key]; exists {
		return false
	}
	el := t.order.PushFront(req)
	t.index[key] = el
	return true
}

// PopByKey removes and returns the entry matching (index, begin, length),
// if any — used when a delivered piece needs to know the entry's
// origin_peer before discarding it.
func (t *Table) PopByKey(index, begin, length int) (domain.OutstandingRequest, bool) {
	key := domain.RequestKey{PieceIndex: index, Begin: begin, Length: length}
	el, ok := t.index[key]
	if !ok {
		return domain.OutstandingRequest{}, false
	}
	req := el.Value.(domain.OutstandingRequest)
	t.order.Remove(el)
	delete(t.index, key)
	return req, true
}

// PopFront removes and returns the oldest entry, or false if empty.
func (t *Table) PopFront() (domain.OutstandingRequest, bool) {
	el := t.order.Front()
	if el == nil {
		return domain.OutstandingRequest{}, false
	}
	req := el.Value.(domain.OutstandingRequest)
	t.order.Remove(el)
	delete(t.index, req.Key())
	return req, true
}

// Len reports the number of outstanding entries.
func (t *Table) Len() int {
	return t.order.Len()
}

// RemoveByPeer removes every entry originated by peer id, returning them in
// FIFO order. It removes in a single pass over the linked list, saving each
// element's successor before removal, so there is no index shift and no
// O(n^2) rescan.
func (t *Table) RemoveByPeer(id domain.PeerID) []domain.OutstandingRequest {
	var removed []domain.OutstandingRequest
	for el := t.order.Front(); el != nil; {
		next := el.Next()
		req := el.Value.(domain.OutstandingRequest)
		if req.Origin == id {
			removed = append(removed, req)
			t.order.Remove(el)
			delete(t.index, req.Key())
		}
		el = next
	}
	return removed
}
