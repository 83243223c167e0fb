// Package swarm implements the Swarm Coordinator (component E): the hub
// that owns the active peer set and routes every peer event to scheduling,
// upload, and storage collaborators, grounded in the teacher's
// peerpool.peerPoolImpl (a single goroutine owning a peer slice and a
// per-peer event-handler setup) generalized into the single-threaded
// cooperative actor §5 requires — Pause/Resume/DisposeAllSeeders/Dispose
// post their own work onto the actor's queue, and peeradapter posts every
// OnPeer* call there, so no two event handlers ever execute concurrently.
package swarm

import (
	"net"
	"sync"
	"time"

	"github.com/nilsbren/swarmcore/internal/accounting"
	"github.com/nilsbren/swarmcore/internal/config"
	"github.com/nilsbren/swarmcore/internal/domain"
	"github.com/nilsbren/swarmcore/internal/extensions"
	"github.com/nilsbren/swarmcore/internal/lifecycle"
	"github.com/nilsbren/swarmcore/internal/logger"
	"github.com/nilsbren/swarmcore/internal/peer"
	"github.com/nilsbren/swarmcore/internal/pex"
	"github.com/nilsbren/swarmcore/internal/piecemanager"
	"github.com/nilsbren/swarmcore/internal/timeouttable"
	"github.com/nilsbren/swarmcore/internal/uploadqueue"
)

var log = logger.Named("swarm")

// noHint marks "no specific piece" for request_pieces(peer, hint).
const noHint = -1

// FileManager is the subset of the FileManager external interface (§6) the
// Coordinator drives.
type FileManager interface {
	LocalBitfield() domain.Bitfield
	LocalHave(idx int) bool
	Write(idx, begin int, block []byte) error
	Read(idx, begin, length int) ([]byte, error)
	UpdateBitfield(idx int) error
	Flush(indices []int) error
	UpdateUpload(uploadedTotal int64)
	IsAllComplete(pieceCount int) bool
	OnSubPieceWriteComplete(fn func(idx, begin, length int))
	OnSubPieceReadComplete(fn func(idx, begin int, block []byte))
}

// PieceManager is the PieceManager external interface (§6).
type PieceManager interface {
	SelectPiece(peerID domain.PeerID, remoteComplete domain.Bitfield, provider piecemanager.PieceProvider, suggested []int) (*domain.Piece, bool)
	SelectPieceWhenReceiveData(peerID domain.PeerID, remoteComplete domain.Bitfield, idx, begin int, provider piecemanager.PieceProvider) (int, bool)
	ProcessSubPieceWriteComplete(idx, begin, length int)
	OnPieceComplete(fn func(idx int))
	RemainingCount() int
}

// Status is a read-only snapshot for the status HTTP surface.
type Status struct {
	ActivePeers     int
	UploadedTotal   int64
	RemainingPieces int
	LocalExternalIP net.IP
	Paused          bool
}

// Coordinator is the hub described in §4.E. Construct with New, wire
// outbound event handlers, then call Run on its own goroutine.
type Coordinator struct {
	queue  chan func()
	stopCh chan struct{}

	stateMu         sync.RWMutex
	peers           map[domain.PeerID]peer.Peer
	localExternalIP net.IP
	disposed        bool

	provider  piecemanager.PieceProvider
	pieceMgr  PieceManager
	fileMgr   FileManager
	uploadQ   *uploadqueue.Queue
	timeouts  *timeouttable.Table
	pexEngine *pex.Engine
	acct      *accounting.Accounting

	pauseState *lifecycle.PauseState
	keepAlive  *lifecycle.KeepAliveTimer
	pexTicker  *time.Ticker

	pieceLength int
	pieceCount  int

	flushBuffer map[int]struct{}

	hookMu         sync.Mutex
	onNewPeerFound []func(uri string)
	onAllComplete  []func()
	onNoActivePeer []func()
}

// New builds a Coordinator. provider supplies per-index Piece lookups;
// pieceMgr implements the selection policy; fileMgr is the on-disk
// projection; pieceLength/pieceCount describe the torrent's layout.
func New(fileMgr FileManager, pieceMgr PieceManager, provider piecemanager.PieceProvider, pieceLength, pieceCount int, uploadedSoFar int64) *Coordinator {
	c := &Coordinator{
		queue:       make(chan func(), 4096),
		stopCh:      make(chan struct{}),
		peers:       make(map[domain.PeerID]peer.Peer),
		provider:    provider,
		pieceMgr:    pieceMgr,
		fileMgr:     fileMgr,
		uploadQ:     uploadqueue.New(),
		timeouts:    timeouttable.New(),
		pexEngine:   pex.New(),
		acct:        accounting.New(config.UploadNotifyThreshold, uploadedSoFar),
		pauseState:  lifecycle.NewPauseState(),
		keepAlive:   &lifecycle.KeepAliveTimer{},
		pieceLength: pieceLength,
		pieceCount:  pieceCount,
		flushBuffer: make(map[int]struct{}),
	}

	fileMgr.OnSubPieceWriteComplete(func(idx, begin, length int) {
		if c.isDisposed() {
			return
		}
		pieceMgr.ProcessSubPieceWriteComplete(idx, begin, length)
	})
	fileMgr.OnSubPieceReadComplete(func(idx, begin int, block []byte) {
		if c.isDisposed() {
			return
		}
		c.Post(func() { c.subPieceReadComplete(idx, begin, block) })
	})
	pieceMgr.OnPieceComplete(func(idx int) {
		if c.isDisposed() {
			return
		}
		c.Post(func() { c.pieceComplete(idx) })
	})
	c.acct.OnNotifyThreshold(func(delta int64) {
		fileMgr.UpdateUpload(c.acct.UploadedTotal())
	})

	return c
}

// Post schedules fn to run on the actor's own goroutine, preserving the
// single-threaded discipline §5 requires even when called from a peer's
// own I/O goroutine.
func (c *Coordinator) Post(fn func()) {
	c.queue <- fn
}

// Run drains the event queue and the PEX ticker until Dispose closes
// stopCh. Intended to run on its own goroutine for the lifetime of the
// torrent session.
func (c *Coordinator) Run() {
	c.pexTicker = time.NewTicker(config.PEXInterval)
	defer c.pexTicker.Stop()
	for {
		select {
		case fn := <-c.queue:
			fn()
		case <-c.pexTicker.C:
			c.tickPEX()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Coordinator) isDisposed() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.disposed
}

// IsActive reports whether id is in the active peer set — hook_peer's
// no-op check.
func (c *Coordinator) IsActive(id domain.PeerID) bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	_, ok := c.peers[id]
	return ok
}

// LocalExternalIP returns the address peers report seeing us as, or nil
// before any extended handshake has supplied one.
func (c *Coordinator) LocalExternalIP() net.IP {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.localExternalIP
}

// Status returns a read-only snapshot for cmd/serve's status endpoint. Safe
// to call from any goroutine.
func (c *Coordinator) Status() Status {
	c.stateMu.RLock()
	peerCount := len(c.peers)
	ip := c.localExternalIP
	c.stateMu.RUnlock()
	return Status{
		ActivePeers:     peerCount,
		UploadedTotal:   c.acct.UploadedTotal(),
		RemainingPieces: c.pieceMgr.RemainingCount(),
		LocalExternalIP: ip,
		Paused:          c.pauseState.IsPaused(),
	}
}

// snapshotPeers copies the active peer set under lock, for iteration
// outside of it.
func (c *Coordinator) snapshotPeers() []peer.Peer {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	out := make([]peer.Peer, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	return out
}

// --- outbound event registration ---

// OnNewPeerFound registers a handler for addresses discovered via PEX,
// worth dialing.
func (c *Coordinator) OnNewPeerFound(fn func(uri string)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onNewPeerFound = append(c.onNewPeerFound, fn)
}

// OnAllComplete registers a handler fired once every piece is present and
// flushed.
func (c *Coordinator) OnAllComplete(fn func()) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onAllComplete = append(c.onAllComplete, fn)
}

// OnNoActivePeer registers a handler fired whenever the active set becomes
// empty.
func (c *Coordinator) OnNoActivePeer(fn func()) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onNoActivePeer = append(c.onNoActivePeer, fn)
}

func (c *Coordinator) fireNewPeerFound(uri string) {
	c.hookMu.Lock()
	handlers := append([]func(string){}, c.onNewPeerFound...)
	c.hookMu.Unlock()
	for _, fn := range handlers {
		fn(uri)
	}
}

func (c *Coordinator) fireAllComplete() {
	c.hookMu.Lock()
	handlers := append([]func(){}, c.onAllComplete...)
	c.hookMu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

func (c *Coordinator) fireNoActivePeer() {
	c.hookMu.Lock()
	handlers := append([]func(){}, c.onNoActivePeer...)
	c.hookMu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

// --- peer event handlers (§4.E) ---

// OnPeerConnect adds p to the active set and sends our handshake.
func (c *Coordinator) OnPeerConnect(p peer.Peer) {
	c.stateMu.Lock()
	c.peers[p.ID()] = p
	c.stateMu.Unlock()
	p.SendHandshake()
}

// OnPeerHandshake sends our current bitfield once the BitTorrent handshake
// completes. yourIP is unused here — a peer's view of our external address,
// when supplied, arrives later via OnPeerExtendedEvent.
func (c *Coordinator) OnPeerHandshake(p peer.Peer, yourIP net.IP) {
	p.SendBitfield(c.fileMgr.LocalBitfield())
}

// OnPeerBitfield sends interested=true if the peer holds anything we lack,
// else interested=false.
func (c *Coordinator) OnPeerBitfield(p peer.Peer, bf domain.Bitfield) {
	c.sendInterestedIfNeeded(p, bf)
}

// OnPeerHaveAll treats the peer as holding every piece.
func (c *Coordinator) OnPeerHaveAll(p peer.Peer) {
	full := domain.NewBitfield(c.pieceCount)
	for i := 0; i < c.pieceCount; i++ {
		full.Set(i)
	}
	c.sendInterestedIfNeeded(p, full)
}

// OnPeerHaveNone sends interested=false; the peer holds nothing.
func (c *Coordinator) OnPeerHaveNone(p peer.Peer) {
	p.SendInterested(false)
}

func (c *Coordinator) sendInterestedIfNeeded(p peer.Peer, remote domain.Bitfield) {
	for i := 0; i < c.pieceCount; i++ {
		if remote.Get(i) && !c.fileMgr.LocalHave(i) {
			p.SendInterested(true)
			return
		}
	}
	p.SendInterested(false)
}

// OnPeerHave marks idx available from p and schedules a fetch attempt if
// we still lack it.
func (c *Coordinator) OnPeerHave(p peer.Peer, idx int) {
	if c.fileMgr.LocalHave(idx) {
		return
	}
	p.SendInterested(true)
	if piece, ok := c.provider.Piece(idx); ok {
		piece.AddAvailablePeer(p.ID())
	}
	c.scheduleRequestPieces(p, noHint)
}

// OnPeerChokeChange maintains the per-piece availability sets and, on
// unchoke, schedules a fetch attempt. Outstanding requests are left alone:
// a choking peer may still deliver in-flight blocks.
func (c *Coordinator) OnPeerChokeChange(p peer.Peer, choked bool) {
	bf := p.RemoteBitfield()
	for i := 0; i < c.pieceCount; i++ {
		if !bf.Get(i) {
			continue
		}
		piece, ok := c.provider.Piece(i)
		if !ok {
			continue
		}
		if choked {
			piece.RemoveAvailablePeer(p.ID())
		} else {
			piece.AddAvailablePeer(p.ID())
		}
	}
	if !choked {
		c.scheduleRequestPieces(p, noHint)
	}
}

// OnPeerInterestedChange implements the no-fairness unchoke policy: unchoke
// anyone interested in us.
func (c *Coordinator) OnPeerInterestedChange(p peer.Peer, interested bool) {
	p.SendChoke(!interested)
}

// OnPeerAllowFast bypasses the choke gate per BEP-6 when the piece still
// has something to give.
func (c *Coordinator) OnPeerAllowFast(p peer.Peer, idx int) {
	piece, ok := c.provider.Piece(idx)
	if !ok || !piece.HaveAvailableSubPiece() {
		return
	}
	piece.AddAvailablePeer(p.ID())
	c.scheduleRequestPieces(p, idx)
}

// OnPeerRejectRequest deprioritizes the rejected sub-piece rather than
// blaming the peer.
func (c *Coordinator) OnPeerRejectRequest(p peer.Peer, idx, begin, length int) {
	piece, ok := c.provider.Piece(idx)
	if !ok {
		return
	}
	piece.PushSubPieceLast(begin / config.DefaultRequestLength)
}

// OnPeerRequest services (or buffers, or rejects) a remote read request.
func (c *Coordinator) OnPeerRequest(p peer.Peer, idx, begin, length int) {
	if length > config.MaxRequestLength {
		p.Dispose("request exceeds max length")
		return
	}
	if c.pauseState.IsPaused() {
		if overflow := c.pauseState.BufferIncoming(p.ID(), idx, begin, length); overflow {
			p.Dispose("too many requests")
		}
		return
	}
	c.serviceRemoteRequest(p, idx, begin, length)
}

func (c *Coordinator) serviceRemoteRequest(p peer.Peer, idx, begin, length int) {
	if c.uploadQ.InFlight(p.ID()) >= config.MaxUploadsPerPeer {
		p.Dispose("too many requests")
		return
	}
	c.uploadQ.Enqueue(idx, begin, p.ID())
	if _, err := c.fileMgr.Read(idx, begin, length); err != nil {
		log.Sugar().Debugw("read failed", "peer", p.ID(), "idx", idx, "err", err)
	}
}

// OnPeerPiece writes the delivered block, clears any matching timeout
// entry (cancelling it on whichever peer actually owned it), and keeps the
// pipeline full for this peer.
func (c *Coordinator) OnPeerPiece(p peer.Peer, idx, begin int, block []byte) {
	if req, ok := c.timeouts.PopByKey(idx, begin, len(block)); ok {
		if origin := c.peerByID(req.Origin); origin != nil {
			origin.RemoveRequest(idx, begin, len(block))
		}
	}
	if err := c.fileMgr.Write(idx, begin, block); err != nil {
		log.Sugar().Warnw("write failed", "peer", p.ID(), "idx", idx, "err", err)
		return
	}
	if nextIdx, ok := c.pieceMgr.SelectPieceWhenReceiveData(p.ID(), p.RemoteBitfield(), idx, begin, c.provider); ok {
		c.scheduleRequestPieces(p, nextIdx)
	}
}

func (c *Coordinator) peerByID(id domain.PeerID) peer.Peer {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.peers[id]
}

// OnPeerRequestTimeout parks the stalled request for opportunistic
// reassignment; it is not re-requested immediately.
func (c *Coordinator) OnPeerRequestTimeout(p peer.Peer, idx, begin, length int) {
	c.timeouts.Add(domain.OutstandingRequest{PieceIndex: idx, Begin: begin, Length: length, Origin: p.ID()})
}

// OnPeerDispose returns the peer's in-flight sub-pieces to their queues,
// drops it from every availability set and queue, and fires
// OnNoActivePeer if the active set is now empty.
func (c *Coordinator) OnPeerDispose(p peer.Peer, reason string) {
	for _, req := range p.RequestBuffer() {
		c.timeouts.Remove(req.PieceIndex, req.Begin, req.Length)
		if piece, ok := c.provider.Piece(req.PieceIndex); ok {
			piece.PushSubPiece(req.SubPieceOrdinal())
		}
	}

	bf := p.RemoteBitfield()
	for i := 0; i < c.pieceCount; i++ {
		if bf.Get(i) {
			if piece, ok := c.provider.Piece(i); ok {
				piece.RemoveAvailablePeer(p.ID())
			}
		}
	}

	c.pauseState.DropPeer(p.ID())
	c.uploadQ.RemoveByPeer(p.ID())

	c.stateMu.Lock()
	delete(c.peers, p.ID())
	empty := len(c.peers) == 0
	c.stateMu.Unlock()

	log.Sugar().Debugw("peer disposed", "peer", p.ID(), "reason", reason)
	if empty {
		c.fireNoActivePeer()
	}
}

// OnPeerExtendedEvent dispatches ut_pex gossip into new_peer_found events
// and records the peer's view of our external IP when the extended
// handshake supplies one.
func (c *Coordinator) OnPeerExtendedEvent(p peer.Peer, name string, payload peer.ExtendedPayload) {
	switch name {
	case extensions.NamePEX:
		for _, addr := range c.pexEngine.HandleReceived(payload) {
			c.fireNewPeerFound(addr.String())
		}
	case extensions.NameHandshake:
		yourIP, ok := payload["yourip"].(net.IP)
		if !ok || yourIP == nil {
			return
		}
		c.stateMu.Lock()
		c.localExternalIP = yourIP
		c.stateMu.Unlock()
		c.pexEngine.SetLocalExternalIP(yourIP)
	default:
		log.Sugar().Debugw("unhandled extended event", "peer", p.ID(), "name", name)
	}
}

// --- request-issuing core ---

// scheduleRequestPieces posts requestPieces to a later turn, per §5's
// re-entrancy rule: the Coordinator must never call back into its own
// request logic inline from an event handler.
func (c *Coordinator) scheduleRequestPieces(p peer.Peer, hint int) {
	c.Post(func() { c.requestPieces(p, hint) })
}

// requestPieces is request_pieces(peer, hint) from §4.E.
func (c *Coordinator) requestPieces(p peer.Peer, hint int) {
	if c.pauseState.IsPaused() {
		c.pauseState.BufferOutgoing(p.ID(), hint)
		return
	}
	if p.State().IsDisposed {
		return
	}

	var piece *domain.Piece
	var ok bool
	if hint != noHint {
		piece, ok = c.provider.Piece(hint)
	} else {
		piece, ok = c.pieceMgr.SelectPiece(p.ID(), p.RemoteBitfield(), c.provider, p.RemoteSuggested())
	}

	if !ok || piece == nil || !piece.HaveAvailableSubPiece() {
		c.reassignStalestTimeout(p)
		return
	}

	sub, has := piece.PopSubPiece()
	if !has {
		c.reassignStalestTimeout(p)
		return
	}
	begin := sub * config.DefaultRequestLength
	length := piece.SubPieceLength(sub)
	if !p.SendRequest(piece.Index, begin, length) {
		piece.PushSubPiece(sub)
	}
}

func (c *Coordinator) reassignStalestTimeout(p peer.Peer) {
	t, has := c.timeouts.PopFront()
	if !has {
		return
	}
	if origin := c.peerByID(t.Origin); origin != nil {
		origin.RemoveRequest(t.PieceIndex, t.Begin, t.Length)
	}
	if !p.SendRequest(t.PieceIndex, t.Begin, t.Length) {
		c.timeouts.PushFront(t)
	}
}

// subPieceReadComplete is the upload-side completion §4.E describes: the
// UploadQueue hands the block to whichever peer asked for it.
func (c *Coordinator) subPieceReadComplete(idx, begin int, block []byte) {
	entry, ok := c.uploadQ.Complete(idx, begin)
	if !ok {
		return
	}
	p := c.peerByID(entry.Peer)
	if p == nil {
		return
	}
	if p.SendPiece(idx, begin, block) {
		c.acct.RecordUpload(len(block))
	}
}

// pieceComplete is piece_complete(idx): bitfield update, HAVE broadcast,
// flush-threshold draining, and the all_complete signal.
func (c *Coordinator) pieceComplete(idx int) {
	if c.fileMgr.LocalHave(idx) {
		return
	}
	if err := c.fileMgr.UpdateBitfield(idx); err != nil {
		log.Sugar().Errorw("failed to mark piece present", "idx", idx, "err", err)
		return
	}
	c.broadcastHave(idx)
	c.flushBuffer[idx] = struct{}{}

	allComplete := c.fileMgr.IsAllComplete(c.pieceCount)
	if len(c.flushBuffer)*c.pieceLength >= config.FlushThreshold || allComplete {
		indices := make([]int, 0, len(c.flushBuffer))
		for i := range c.flushBuffer {
			indices = append(indices, i)
		}
		if err := c.fileMgr.Flush(indices); err != nil {
			log.Sugar().Errorw("flush failed", "err", err)
			return
		}
		c.flushBuffer = make(map[int]struct{})
	}
	if allComplete {
		c.fireAllComplete()
	}
}

func (c *Coordinator) broadcastHave(idx int) {
	for _, p := range c.snapshotPeers() {
		p.SendHave(idx)
	}
}

func (c *Coordinator) tickPEX() {
	peers := c.snapshotPeers()
	senders := make([]pex.Sender, 0, len(peers))
	for _, p := range peers {
		senders = append(senders, p)
	}
	c.pexEngine.Tick(senders)
}

// --- lifecycle (§4.G) ---

// Pause defers outgoing and incoming requests and arms the 110-second
// keep-alive broadcast.
func (c *Coordinator) Pause() {
	c.Post(func() {
		c.pauseState.Pause()
		c.keepAlive.Schedule(config.KeepAliveInterval, func() {
			c.Post(c.broadcastKeepAlive)
		})
	})
}

func (c *Coordinator) broadcastKeepAlive() {
	for _, p := range c.snapshotPeers() {
		p.SendKeepAlive()
	}
}

// Resume clears the paused flag, cancels the keep-alive timer, and replays
// every deferred outgoing request_pieces call and incoming remote request.
func (c *Coordinator) Resume() {
	c.Post(func() {
		c.keepAlive.Cancel()
		outgoing, incoming := c.pauseState.Resume()

		for _, trig := range outgoing {
			p := c.peerByID(trig.PeerID)
			if p == nil {
				continue
			}
			c.scheduleRequestPieces(p, trig.Hint)
		}
		for peerID, reqs := range incoming {
			p := c.peerByID(peerID)
			if p == nil {
				continue
			}
			for _, r := range reqs {
				req := r
				c.Post(func() { c.OnPeerRequest(p, req.PieceIndex, req.Begin, req.Length) })
			}
		}
	})
}

// DisposeAllSeeders disposes every peer whose remote bitfield is complete
// — used once our own download finishes and seeders are no longer useful.
func (c *Coordinator) DisposeAllSeeders(reason string) {
	c.Post(func() {
		for _, p := range c.snapshotPeers() {
			if p.RemoteBitfield().AllSet(c.pieceCount) {
				p.Dispose(reason)
			}
		}
	})
}

// Dispose idempotently tears the Coordinator down: cancels timers, flushes
// remaining dirty pieces, clears every queue, and disposes every peer.
// Subscriptions registered in New check isDisposed and no-op afterward,
// approximating detachment since FileManager/PieceManager expose no
// handler-removal API.
func (c *Coordinator) Dispose() {
	c.Post(func() {
		c.stateMu.Lock()
		if c.disposed {
			c.stateMu.Unlock()
			return
		}
		c.disposed = true
		c.stateMu.Unlock()

		c.keepAlive.Cancel()
		if c.pexTicker != nil {
			c.pexTicker.Stop()
		}

		if len(c.flushBuffer) > 0 {
			indices := make([]int, 0, len(c.flushBuffer))
			for i := range c.flushBuffer {
				indices = append(indices, i)
			}
			if err := c.fileMgr.Flush(indices); err != nil {
				log.Sugar().Errorw("flush on dispose failed", "err", err)
			}
			c.flushBuffer = make(map[int]struct{})
		}

		c.uploadQ = uploadqueue.New()
		c.timeouts = timeouttable.New()
		c.pauseState = lifecycle.NewPauseState()

		peers := c.snapshotPeers()
		c.stateMu.Lock()
		c.peers = make(map[domain.PeerID]peer.Peer)
		c.stateMu.Unlock()

		for _, p := range peers {
			p.Dispose("Peer Manager disposed")
		}
		close(c.stopCh)
	})
}
