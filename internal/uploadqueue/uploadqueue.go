// Package uploadqueue implements the UploadQueue (component B): pending
// read requests from remote peers awaiting a disk read, plus each peer's
// in-flight concurrency count.
package uploadqueue

import (
	"container/list"

	"github.com/nilsbren/swarmcore/internal/domain"
)

// Queue is an ordered sequence of (piece_index, begin_offset, peer) entries,
// with in_flight[peer] always equal to the count of entries owned by peer.
type Queue struct {
	entries  *list.List
	inFlight map[domain.PeerID]int
}

// New builds an empty UploadQueue.
func New() *Queue {
	return &Queue{
		entries:  list.New(),
		inFlight: make(map[domain.PeerID]int),
	}
}

// InFlight returns the current in-flight count for peer.
func (q *Queue) InFlight(peer domain.PeerID) int {
	return q.inFlight[peer]
}

// Enqueue appends the entry and increments the peer's in-flight count. The
// caller must have already rejected the request if InFlight was at the cap.
func (q *Queue) Enqueue(index, begin int, peer domain.PeerID) {
	q.entries.PushBack(domain.UploadEntry{PieceIndex: index, Begin: begin, Peer: peer})
	q.inFlight[peer]++
}

// Complete scans from the head for the first entry matching (index, begin),
// owned by any peer, removes it and decrements that peer's in-flight count.
// "First match" is deliberate: distinct peers may request the same offset
// through separate sessions, and FIFO order disambiguates which is served.
func (q *Queue) Complete(index, begin int) (domain.UploadEntry, bool) {
	for el := q.entries.Front(); el != nil; el = el.Next() {
		entry := el.Value.(domain.UploadEntry)
		if entry.PieceIndex == index && entry.Begin == begin {
			q.entries.Remove(el)
			q.inFlight[entry.Peer]--
			if q.inFlight[entry.Peer] <= 0 {
				delete(q.inFlight, entry.Peer)
			}
			return entry, true
		}
	}
	return domain.UploadEntry{}, false
}

// CountFor returns the number of queued entries owned by peer — used by the
// invariant check that it always equals InFlight(peer).
func (q *Queue) CountFor(peer domain.PeerID) int {
	n := 0
	for el := q.entries.Front(); el != nil; el = el.Next() {
		if el.Value.(domain.UploadEntry).Peer == peer {
			n++
		}
	}
	return n
}

// RemoveByPeer drops every queued entry owned by peer and clears its
// in-flight count — used on dispose.
func (q *Queue) RemoveByPeer(peer domain.PeerID) {
	for el := q.entries.Front(); el != nil; {
		next := el.Next()
		if el.Value.(domain.UploadEntry).Peer == peer {
			q.entries.Remove(el)
		}
		el = next
	}
	delete(q.inFlight, peer)
}

// Len reports the total number of queued entries across all peers.
func (q *Queue) Len() int {
	return q.entries.Len()
}
