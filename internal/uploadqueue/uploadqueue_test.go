package uploadqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nilsbren/swarmcore/internal/domain"
)

func Test_EnqueueIncrementsInFlight(t *testing.T) {
	q := New()
	q.Enqueue(1, 0, "p1")
	q.Enqueue(1, 16384, "p1")
	q.Enqueue(2, 0, "p2")

	assert.Equal(t, 2, q.InFlight("p1"))
	assert.Equal(t, 1, q.InFlight("p2"))
	assert.Equal(t, 3, q.Len())
}

func Test_CompleteMatchesFirstByFIFO(t *testing.T) {
	q := New()
	q.Enqueue(1, 0, "p1")
	q.Enqueue(1, 0, "p2")

	entry, ok := q.Complete(1, 0)
	assert.True(t, ok)
	assert.Equal(t, domain.PeerID("p1"), entry.Peer)
	assert.Equal(t, 0, q.InFlight("p1"))
	assert.Equal(t, 1, q.InFlight("p2"))
	assert.Equal(t, 1, q.Len())

	entry, ok = q.Complete(1, 0)
	assert.True(t, ok)
	assert.Equal(t, domain.PeerID("p2"), entry.Peer)
	assert.Equal(t, 0, q.InFlight("p2"))
	assert.Equal(t, 0, q.Len())
}

func Test_CompleteNoMatchReturnsFalse(t *testing.T) {
	q := New()
	q.Enqueue(1, 0, "p1")

	_, ok := q.Complete(9, 9)
	assert.False(t, ok)
	assert.Equal(t, 1, q.Len())
}

func Test_CountForMatchesInFlightInvariant(t *testing.T) {
	q := New()
	q.Enqueue(1, 0, "p1")
	q.Enqueue(1, 16384, "p1")
	q.Enqueue(1, 32768, "p1")

	assert.Equal(t, q.InFlight("p1"), q.CountFor("p1"))

	q.Complete(1, 16384)
	assert.Equal(t, q.InFlight("p1"), q.CountFor("p1"))
}

func Test_RemoveByPeerClearsEntriesAndCount(t *testing.T) {
	q := New()
	q.Enqueue(1, 0, "p1")
	q.Enqueue(2, 0, "p1")
	q.Enqueue(3, 0, "p2")

	q.RemoveByPeer("p1")

	assert.Equal(t, 0, q.InFlight("p1"))
	assert.Equal(t, 0, q.CountFor("p1"))
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 1, q.InFlight("p2"))
}
