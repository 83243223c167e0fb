// Package piecemanager implements the PieceProvider and PieceManager
// external interfaces (§6): piece lookup plus rarest-first sub-piece
// selection, grounded in the rarest-first selectors the retrieval pack's
// Charana123-torrent repo implements, adapted to this core's Piece/Bitfield
// types.
package piecemanager

import (
	"sync"

	"github.com/nilsbren/swarmcore/internal/domain"
)

// Table is the concrete PieceProvider: an index-based accessor over every
// piece in the torrent, built once the piece lengths are known from
// metainfo.
type Table struct {
	mu     sync.Mutex
	pieces map[int]*domain.Piece
}

// NewTable builds a Table with one domain.Piece per entry in lengths,
// indexed 0..len(lengths)-1.
func NewTable(lengths []int) *Table {
	t := &Table{pieces: make(map[int]*domain.Piece, len(lengths))}
	for i, l := range lengths {
		t.pieces[i] = domain.NewPiece(i, l)
	}
	return t
}

// Piece returns the piece at idx, or false if idx is out of range.
func (t *Table) Piece(idx int) (*domain.Piece, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pieces[idx]
	return p, ok
}

// Len reports the total piece count.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pieces)
}
