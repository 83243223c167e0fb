package timeouttable

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nilsbren/swarmcore/internal/domain"
)

func Test_AddRejectsDuplicateTriple(t *testing.T) {
	tbl := New()
	req := domain.OutstandingRequest{PieceIndex: 5, Begin: 0, Length: 16384, Origin: "p1"}
	assert.True(t, tbl.Add(req))
	assert.False(t, tbl.Add(req))
	assert.Equal(t, 1, tbl.Len())
}

func Test_PopFrontIsFIFO(t *testing.T) {
	tbl := New()
	r1 := domain.OutstandingRequest{PieceIndex: 1, Begin: 0, Length: 16384, Origin: "p1"}
	r2 := domain.OutstandingRequest{PieceIndex: 2, Begin: 0, Length: 16384, Origin: "p2"}
	tbl.Add(r1)
	tbl.Add(r2)

	got, ok := tbl.PopFront()
	assert.True(t, ok)
	assert.Equal(t, r1, got)

	got, ok = tbl.PopFront()
	assert.True(t, ok)
	assert.Equal(t, r2, got)

	_, ok = tbl.PopFront()
	assert.False(t, ok)
}

func Test_RemoveByPeerDropsOnlyThatPeer(t *testing.T) {
	tbl := New()
	tbl.Add(domain.OutstandingRequest{PieceIndex: 1, Begin: 0, Length: 16384, Origin: "p1"})
	tbl.Add(domain.OutstandingRequest{PieceIndex: 2, Begin: 0, Length: 16384, Origin: "p2"})
	tbl.Add(domain.OutstandingRequest{PieceIndex: 3, Begin: 0, Length: 16384, Origin: "p1"})

	removed := tbl.RemoveByPeer("p1")
	assert.Len(t, removed, 2)
	assert.Equal(t, 1, tbl.Len())
}

func Test_RemoveMissingIsNoop(t *testing.T) {
	tbl := New()
	assert.False(t, tbl.Remove(0, 0, 0))
}

func Test_PushFrontIsTriedBeforeExistingEntries(t *testing.T) {
	tbl := New()
	r1 := domain.OutstandingRequest{PieceIndex: 1, Begin: 0, Length: 16384, Origin: "p1"}
	r2 := domain.OutstandingRequest{PieceIndex: 2, Begin: 0, Length: 16384, Origin: "p2"}
	tbl.Add(r1)
	assert.True(t, tbl.PushFront(r2))

	got, ok := tbl.PopFront()
	assert.True(t, ok)
	assert.Equal(t, r2, got)
}

func Test_PopByKeyReturnsOriginPeer(t *testing.T) {
	tbl := New()
	req := domain.OutstandingRequest{PieceIndex: 1, Begin: 16384, Length: 16384, Origin: "origin-peer"}
	tbl.Add(req)

	got, ok := tbl.PopByKey(1, 16384, 16384)
	assert.True(t, ok)
	assert.Equal(t, domain.PeerID("origin-peer"), got.Origin)
	assert.Equal(t, 0, tbl.Len())

	_, ok = tbl.PopByKey(1, 16384, 16384)
	assert.False(t, ok)
}
