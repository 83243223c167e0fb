package piecemanager

import (
	"sync"

	"github.com/nilsbren/swarmcore/internal/cache"
	"github.com/nilsbren/swarmcore/internal/domain"
)

// PieceProvider is the index-based piece accessor the Manager consults to
// weigh candidates by availability; satisfied by *Table.
type PieceProvider interface {
	Piece(idx int) (*domain.Piece, bool)
}

// Strategy selects how SelectPiece picks among candidates once the
// suggested-piece fast path is exhausted, grounded in
// Charana123-torrent's rarestFirstPieceManager.go and
// sequentialPieceManager.go (the latter wraps the former and walks pieces
// in index order instead of scoring by holder count).
type Strategy int

const (
	// RarestFirst prefers whichever needed piece has the fewest known
	// holders, the default for swarm throughput.
	RarestFirst Strategy = iota
	// Sequential prefers the lowest-index needed piece, for
	// streaming-style in-order playback.
	Sequential
)

// Manager is the PieceManager external interface: rarest-first (or
// sequential) selection over whatever pieces remain un-written locally,
// restricted to whatever a given remote claims to hold.
type Manager struct {
	mu         sync.Mutex
	pieceLen   map[int]int
	written    map[int]int
	remaining  map[int]struct{}
	pieceCount int
	strategy   Strategy
	onComplete []func(idx int)

	availability *cache.AvailabilityCache
}

// New builds a rarest-first Manager for a torrent whose pieces have the
// given byte lengths, indexed 0..len(lengths)-1; every piece starts
// "remaining".
func New(lengths []int) *Manager {
	return NewWithStrategy(lengths, RarestFirst)
}

// NewWithStrategy builds a Manager using the given selection Strategy.
func NewWithStrategy(lengths []int, strategy Strategy) *Manager {
	m := &Manager{
		pieceLen:     make(map[int]int, len(lengths)),
		written:      make(map[int]int, len(lengths)),
		remaining:    make(map[int]struct{}, len(lengths)),
		pieceCount:   len(lengths),
		strategy:     strategy,
		availability: cache.NewAvailabilityCache(),
	}
	for i, l := range lengths {
		m.pieceLen[i] = l
		m.remaining[i] = struct{}{}
	}
	return m
}

// MarkLocallyComplete removes idx from the remaining set without going
// through the write-tracking path — used when resuming from a persisted
// bitfield at startup.
func (m *Manager) MarkLocallyComplete(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.remaining, idx)
	m.written[idx] = m.pieceLen[idx]
}

// SelectPiece picks a piece we still need that the remote claims to hold,
// preferring suggested indices, then, under RarestFirst, the rarest (fewest
// known holders) of the remaining candidates, ties breaking on lowest index
// for determinism; under Sequential, the lowest-index candidate regardless
// of holder count.
func (m *Manager) SelectPiece(peerID domain.PeerID, remoteComplete domain.Bitfield, provider PieceProvider, suggested []int) (*domain.Piece, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, idx := range suggested {
		if _, needed := m.remaining[idx]; !needed {
			continue
		}
		if !remoteComplete.Get(idx) {
			continue
		}
		if p, ok := provider.Piece(idx); ok && p.HaveAvailableSubPiece() {
			return p, true
		}
	}

	if m.strategy == Sequential {
		return m.selectSequential(remoteComplete, provider)
	}

	var best *domain.Piece
	bestRarity := -1
	for idx := range m.remaining {
		if !remoteComplete.Get(idx) {
			continue
		}
		p, ok := provider.Piece(idx)
		if !ok || !p.HaveAvailableSubPiece() {
			continue
		}
		rarity := m.availability.HolderCount(idx, p)
		if best == nil || rarity < bestRarity || (rarity == bestRarity && idx < best.Index) {
			best, bestRarity = p, rarity
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

// selectSequential walks pieces in ascending index order, returning the
// first one still needed, remote-held and with an available sub-piece.
func (m *Manager) selectSequential(remoteComplete domain.Bitfield, provider PieceProvider) (*domain.Piece, bool) {
	for idx := 0; idx < m.pieceCount; idx++ {
		if _, needed := m.remaining[idx]; !needed {
			continue
		}
		if !remoteComplete.Get(idx) {
			continue
		}
		if p, ok := provider.Piece(idx); ok && p.HaveAvailableSubPiece() {
			return p, true
		}
	}
	return nil, false
}

// SelectPieceWhenReceiveData is called right after a block lands, to decide
// whether the same peer should keep draining the piece it just contributed
// to or move on to a fresh rarest-first pick.
func (m *Manager) SelectPieceWhenReceiveData(peerID domain.PeerID, remoteComplete domain.Bitfield, idx, begin int, provider PieceProvider) (int, bool) {
	m.mu.Lock()
	_, stillNeeded := m.remaining[idx]
	m.mu.Unlock()

	if stillNeeded {
		if p, ok := provider.Piece(idx); ok && p.HaveAvailableSubPiece() {
			return idx, true
		}
	}
	if p, ok := m.SelectPiece(peerID, remoteComplete, provider, nil); ok {
		return p.Index, true
	}
	return 0, false
}

// ProcessSubPieceWriteComplete records length bytes written at begin within
// piece idx; once the running total reaches the piece's byte length, the
// piece is dropped from "remaining" and every OnPieceComplete handler
// fires.
func (m *Manager) ProcessSubPieceWriteComplete(idx, begin, length int) {
	m.mu.Lock()
	m.written[idx] += length
	complete := m.written[idx] >= m.pieceLen[idx]
	if complete {
		delete(m.remaining, idx)
	}
	handlers := append([]func(int){}, m.onComplete...)
	m.mu.Unlock()

	if complete {
		for _, fn := range handlers {
			fn(idx)
		}
	}
}

// OnPieceComplete registers a handler fired once per piece as it finishes.
func (m *Manager) OnPieceComplete(fn func(idx int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onComplete = append(m.onComplete, fn)
}

// RemainingCount reports how many pieces are not yet fully written, mainly
// for tests and status reporting.
func (m *Manager) RemainingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.remaining)
}
