package domain

import "github.com/nilsbren/swarmcore/internal/config"

// Piece tracks the download state of a single torrent piece: the queue of
// sub-pieces still to request and the set of peers known to hold it.
type Piece struct {
	Index      int
	ByteLength int

	pending   []int // sub-piece ordinals not yet requested, head = next
	available map[PeerID]struct{}
}

// NewPiece builds a Piece with every sub-piece ordinal queued in order.
func NewPiece(index, byteLength int) *Piece {
	n := (byteLength + config.DefaultRequestLength - 1) / config.DefaultRequestLength
	p := &Piece{
		Index:      index,
		ByteLength: byteLength,
		pending:    make([]int, n),
		available:  make(map[PeerID]struct{}),
	}
	for i := 0; i < n; i++ {
		p.pending[i] = i
	}
	return p
}

// SubPieceCount returns the number of 16 KiB sub-pieces this piece is split into.
func (p *Piece) SubPieceCount() int {
	return (p.ByteLength + config.DefaultRequestLength - 1) / config.DefaultRequestLength
}

// SubPieceLength returns the byte length of sub-piece ordinal n, truncated
// for the final sub-piece.
func (p *Piece) SubPieceLength(n int) int {
	begin := n * config.DefaultRequestLength
	length := config.DefaultRequestLength
	if begin+length > p.ByteLength {
		length = p.ByteLength - begin
	}
	return length
}

// PopSubPiece removes and returns the head of the pending queue, or false if
// every sub-piece is already out for request.
func (p *Piece) PopSubPiece() (int, bool) {
	if len(p.pending) == 0 {
		return 0, false
	}
	n := p.pending[0]
	p.pending = p.pending[1:]
	return n, true
}

// PushSubPiece returns sub-piece n to the head of the queue — fast retry,
// used after a transient send failure.
func (p *Piece) PushSubPiece(n int) {
	p.pending = append([]int{n}, p.pending...)
}

// PushSubPieceLast returns sub-piece n to the tail — deprioritize, used
// after a reject.
func (p *Piece) PushSubPieceLast(n int) {
	p.pending = append(p.pending, n)
}

// HaveAvailableSubPiece reports whether any sub-piece is still pending.
func (p *Piece) HaveAvailableSubPiece() bool {
	return len(p.pending) > 0
}

// AddAvailablePeer records that peer id holds this piece.
func (p *Piece) AddAvailablePeer(id PeerID) {
	p.available[id] = struct{}{}
}

// RemoveAvailablePeer removes peer id from this piece's availability set.
func (p *Piece) RemoveAvailablePeer(id PeerID) {
	delete(p.available, id)
}

// HasAvailablePeer reports whether any peer is known to hold this piece.
func (p *Piece) HasAvailablePeer() bool {
	return len(p.available) > 0
}

// AvailablePeers returns a snapshot of the peer ids known to hold this piece.
func (p *Piece) AvailablePeers() []PeerID {
	out := make([]PeerID, 0, len(p.available))
	for id := range p.available {
		out = append(out, id)
	}
	return out
}
