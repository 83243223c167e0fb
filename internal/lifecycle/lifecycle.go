// Package lifecycle implements the reusable, independently-testable parts
// of the Completion & Lifecycle Orchestrator (component G): the
// paused-request buffers pause()/resume() drain, and the keep-alive timer
// pause() arms and resume() cancels. The peer-set-wide operations
// (dispose_all_seeders, dispose) stay on the Swarm Coordinator itself,
// since they need direct access to the active peer map this package does
// not own.
package lifecycle

import (
	"sync"
	"time"

	"github.com/nilsbren/swarmcore/internal/config"
	"github.com/nilsbren/swarmcore/internal/domain"
)

// OutgoingTrigger is a deferred request_pieces(peer, hint) call buffered
// while paused.
type OutgoingTrigger struct {
	PeerID domain.PeerID
	Hint   int // -1 means "no hint"
}

// IncomingRequest is a deferred remote "request" event buffered while
// paused, replayed through the normal remote-request handler on resume.
type IncomingRequest struct {
	PieceIndex int
	Begin      int
	Length     int
}

// PauseState holds the FIFO of deferred outgoing triggers and the per-peer
// FIFO of deferred incoming requests, capped at
// config.MaxPausedRequestsPerPeer.
type PauseState struct {
	mu       sync.Mutex
	paused   bool
	outgoing []OutgoingTrigger
	incoming map[domain.PeerID][]IncomingRequest
}

// NewPauseState builds an initially-unpaused state.
func NewPauseState() *PauseState {
	return &PauseState{incoming: make(map[domain.PeerID][]IncomingRequest)}
}

// Pause sets the paused flag.
func (s *PauseState) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// IsPaused reports the current paused flag.
func (s *PauseState) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// BufferOutgoing appends a deferred request_pieces call.
func (s *PauseState) BufferOutgoing(peerID domain.PeerID, hint int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outgoing = append(s.outgoing, OutgoingTrigger{PeerID: peerID, Hint: hint})
}

// BufferIncoming appends a deferred remote request for peerID. Returns
// true if this insertion pushed the peer's buffer past
// MaxPausedRequestsPerPeer — the caller must dispose the peer with reason
// "too many requests" in that case.
func (s *PauseState) BufferIncoming(peerID domain.PeerID, idx, begin, length int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incoming[peerID] = append(s.incoming[peerID], IncomingRequest{PieceIndex: idx, Begin: begin, Length: length})
	return len(s.incoming[peerID]) > config.MaxPausedRequestsPerPeer
}

// DropPeer removes all buffered state for peerID — used on dispose.
func (s *PauseState) DropPeer(peerID domain.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.incoming, peerID)
	kept := s.outgoing[:0:0]
	for _, t := range s.outgoing {
		if t.PeerID != peerID {
			kept = append(kept, t)
		}
	}
	s.outgoing = kept
}

// Resume clears the paused flag and returns (and clears) every buffered
// outgoing trigger and incoming request, for the caller to replay.
func (s *PauseState) Resume() ([]OutgoingTrigger, map[domain.PeerID][]IncomingRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	outgoing := s.outgoing
	incoming := s.incoming
	s.outgoing = nil
	s.incoming = make(map[domain.PeerID][]IncomingRequest)
	return outgoing, incoming
}

// KeepAliveTimer arms/cancels the single keep-alive broadcast pause()
// schedules at config.KeepAliveInterval.
type KeepAliveTimer struct {
	mu    sync.Mutex
	timer *time.Timer
}

// Schedule cancels any existing timer and arms a new one that calls fn
// after d.
func (k *KeepAliveTimer) Schedule(d time.Duration, fn func()) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.timer != nil {
		k.timer.Stop()
	}
	k.timer = time.AfterFunc(d, fn)
}

// Cancel stops any pending timer.
func (k *KeepAliveTimer) Cancel() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.timer != nil {
		k.timer.Stop()
		k.timer = nil
	}
}
