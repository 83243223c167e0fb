package swarm

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nilsbren/swarmcore/internal/config"
	"github.com/nilsbren/swarmcore/internal/domain"
	"github.com/nilsbren/swarmcore/internal/extensions"
	"github.com/nilsbren/swarmcore/internal/peer"
	"github.com/nilsbren/swarmcore/internal/piecemanager"
)

// fakePeer is a hand-written Peer double. On*/Off* are stubbed since the
// Coordinator never calls them directly (peeradapter owns that wiring);
// every Send*/Dispose/RemoveRequest call is recorded for assertions.
type fakePeer struct {
	id             domain.PeerID
	addr           domain.Address
	state          peer.State
	remoteBitfield domain.Bitfield
	remoteSuggested []int
	requestBuffer  []domain.OutstandingRequest

	handshakeSent   bool
	sentBitfield    domain.Bitfield
	sentInterested  []bool
	sentChoke       []bool
	sentHave        []int
	sentRequests    [][3]int
	sentPieces      [][3]int
	keepAliveCount  int
	sentExtended    []string
	removedRequests [][3]int
	registeredExt   []string
	disposeReason   string

	sendRequestOK bool
	sendPieceOK   bool
}

func newFakePeer(id domain.PeerID) *fakePeer {
	return &fakePeer{id: id, sendRequestOK: true, sendPieceOK: true}
}

func (f *fakePeer) ID() domain.PeerID               { return f.id }
func (f *fakePeer) Address() domain.Address         { return f.addr }
func (f *fakePeer) State() peer.State               { return f.state }
func (f *fakePeer) RemoteBitfield() domain.Bitfield { return f.remoteBitfield }
func (f *fakePeer) RemoteSuggested() []int          { return f.remoteSuggested }
func (f *fakePeer) RequestBuffer() []domain.OutstandingRequest {
	return f.requestBuffer
}
func (f *fakePeer) DownloadRate() float64 { return 0 }
func (f *fakePeer) UploadRate() float64   { return 0 }

func (f *fakePeer) OnDispose(func(string)) peer.HandlerID                            { return 0 }
func (f *fakePeer) OnBitfield(func(domain.Bitfield)) peer.HandlerID                  { return 0 }
func (f *fakePeer) OnHaveAll(func()) peer.HandlerID                                  { return 0 }
func (f *fakePeer) OnHaveNone(func()) peer.HandlerID                                 { return 0 }
func (f *fakePeer) OnHandshake(func(net.IP)) peer.HandlerID                          { return 0 }
func (f *fakePeer) OnChokeChange(func(bool)) peer.HandlerID                          { return 0 }
func (f *fakePeer) OnInterestedChange(func(bool)) peer.HandlerID                     { return 0 }
func (f *fakePeer) OnConnect(func()) peer.HandlerID                                  { return 0 }
func (f *fakePeer) OnHave(func(int)) peer.HandlerID                                  { return 0 }
func (f *fakePeer) OnPiece(func(int, int, []byte)) peer.HandlerID                    { return 0 }
func (f *fakePeer) OnRequest(func(int, int, int)) peer.HandlerID                     { return 0 }
func (f *fakePeer) OnRequestTimeout(func(int, int, int)) peer.HandlerID              { return 0 }
func (f *fakePeer) OnRejectRequest(func(int, int, int)) peer.HandlerID               { return 0 }
func (f *fakePeer) OnAllowFast(func(int)) peer.HandlerID                             { return 0 }
func (f *fakePeer) OnExtendedEvent(func(string, peer.ExtendedPayload)) peer.HandlerID { return 0 }

func (f *fakePeer) OffDispose(peer.HandlerID)          {}
func (f *fakePeer) OffBitfield(peer.HandlerID)         {}
func (f *fakePeer) OffHaveAll(peer.HandlerID)          {}
func (f *fakePeer) OffHaveNone(peer.HandlerID)         {}
func (f *fakePeer) OffHandshake(peer.HandlerID)        {}
func (f *fakePeer) OffChokeChange(peer.HandlerID)      {}
func (f *fakePeer) OffInterestedChange(peer.HandlerID) {}
func (f *fakePeer) OffConnect(peer.HandlerID)          {}
func (f *fakePeer) OffHave(peer.HandlerID)             {}
func (f *fakePeer) OffPiece(peer.HandlerID)            {}
func (f *fakePeer) OffRequest(peer.HandlerID)          {}
func (f *fakePeer) OffRequestTimeout(peer.HandlerID)   {}
func (f *fakePeer) OffRejectRequest(peer.HandlerID)    {}
func (f *fakePeer) OffAllowFast(peer.HandlerID)        {}
func (f *fakePeer) OffExtendedEvent(peer.HandlerID)    {}
func (f *fakePeer) UnhookAll()                         {}

func (f *fakePeer) SendHandshake()               { f.handshakeSent = true }
func (f *fakePeer) SendBitfield(bf domain.Bitfield) { f.sentBitfield = bf }
func (f *fakePeer) SendInterested(interested bool)  { f.sentInterested = append(f.sentInterested, interested) }
func (f *fakePeer) SendChoke(choked bool)           { f.sentChoke = append(f.sentChoke, choked) }
func (f *fakePeer) SendHave(idx int)                { f.sentHave = append(f.sentHave, idx) }
func (f *fakePeer) SendRequest(idx, begin, length int) bool {
	if !f.sendRequestOK {
		return false
	}
	f.sentRequests = append(f.sentRequests, [3]int{idx, begin, length})
	return true
}
func (f *fakePeer) SendPiece(idx, begin int, block []byte) bool {
	if !f.sendPieceOK {
		return false
	}
	f.sentPieces = append(f.sentPieces, [3]int{idx, begin, len(block)})
	return true
}
func (f *fakePeer) SendKeepAlive() { f.keepAliveCount++ }
func (f *fakePeer) SendExtendedMessage(name string, payload peer.ExtendedPayload) {
	f.sentExtended = append(f.sentExtended, name)
}
func (f *fakePeer) RemoveRequest(idx, begin, length int) {
	f.removedRequests = append(f.removedRequests, [3]int{idx, begin, length})
}
func (f *fakePeer) RegisterExtension(name string) { f.registeredExt = append(f.registeredExt, name) }
func (f *fakePeer) Connect() error                { return nil }
func (f *fakePeer) Dispose(reason string)         { f.disposeReason = reason }

var _ peer.Peer = &fakePeer{}

// fakeFileManager is an in-memory FileManager double.
type fakeFileManager struct {
	local         domain.Bitfield
	writes        [][3]int
	reads         [][3]int
	flushes       [][]int
	uploadedTotal int64
	allComplete   bool

	onWriteComplete []func(idx, begin, length int)
	onReadComplete  []func(idx, begin int, block []byte)
}

func newFakeFileManager(pieceCount int) *fakeFileManager {
	return &fakeFileManager{local: domain.NewBitfield(pieceCount)}
}

func (f *fakeFileManager) LocalBitfield() domain.Bitfield { return f.local }
func (f *fakeFileManager) LocalHave(idx int) bool         { return f.local.Get(idx) }
func (f *fakeFileManager) Write(idx, begin int, block []byte) error {
	f.writes = append(f.writes, [3]int{idx, begin, len(block)})
	for _, fn := range f.onWriteComplete {
		fn(idx, begin, len(block))
	}
	return nil
}
func (f *fakeFileManager) Read(idx, begin, length int) ([]byte, error) {
	f.reads = append(f.reads, [3]int{idx, begin, length})
	block := make([]byte, length)
	for _, fn := range f.onReadComplete {
		fn(idx, begin, block)
	}
	return block, nil
}
func (f *fakeFileManager) UpdateBitfield(idx int) error { return f.local.Set(idx) }
func (f *fakeFileManager) Flush(indices []int) error {
	f.flushes = append(f.flushes, append([]int{}, indices...))
	return nil
}
func (f *fakeFileManager) UpdateUpload(total int64)       { f.uploadedTotal = total }
func (f *fakeFileManager) IsAllComplete(int) bool         { return f.allComplete }
func (f *fakeFileManager) OnSubPieceWriteComplete(fn func(idx, begin, length int)) {
	f.onWriteComplete = append(f.onWriteComplete, fn)
}
func (f *fakeFileManager) OnSubPieceReadComplete(fn func(idx, begin int, block []byte)) {
	f.onReadComplete = append(f.onReadComplete, fn)
}

var _ FileManager = &fakeFileManager{}

// fakePieceManager lets each test dictate exactly which piece/index the
// selection policy hands back, isolating Coordinator logic from the real
// rarest-first algorithm (covered separately in piecemanager's own tests).
type fakePieceManager struct {
	selectPieceResult *domain.Piece
	selectOk          bool

	selectWhenReceiveResult int
	selectWhenReceiveOK     bool

	processCalls [][3]int
	onComplete   []func(idx int)
	remaining    int
}

func (f *fakePieceManager) SelectPiece(domain.PeerID, domain.Bitfield, piecemanager.PieceProvider, []int) (*domain.Piece, bool) {
	return f.selectPieceResult, f.selectOk
}
func (f *fakePieceManager) SelectPieceWhenReceiveData(domain.PeerID, domain.Bitfield, int, int, piecemanager.PieceProvider) (int, bool) {
	return f.selectWhenReceiveResult, f.selectWhenReceiveOK
}
func (f *fakePieceManager) ProcessSubPieceWriteComplete(idx, begin, length int) {
	f.processCalls = append(f.processCalls, [3]int{idx, begin, length})
}
func (f *fakePieceManager) OnPieceComplete(fn func(idx int)) {
	f.onComplete = append(f.onComplete, fn)
}
func (f *fakePieceManager) RemainingCount() int { return f.remaining }

var _ PieceManager = &fakePieceManager{}

// drainOne receives and runs exactly one posted closure, failing the test
// if the queue is empty.
func drainOne(t *testing.T, c *Coordinator) {
	select {
	case fn := <-c.queue:
		fn()
	default:
		t.Fatal("expected a posted closure but the queue was empty")
	}
}

// drainAll runs every currently posted closure, including ones posted by
// closures it runs along the way (e.g. Resume's replay).
func drainAll(c *Coordinator) {
	for {
		select {
		case fn := <-c.queue:
			fn()
		default:
			return
		}
	}
}

func Test_OnPeerConnect_AddsPeerAndSendsHandshake(t *testing.T) {
	c := New(newFakeFileManager(1), &fakePieceManager{}, piecemanager.NewTable([]int{16384}), 16384, 1, 0)
	p := newFakePeer("p1")

	c.OnPeerConnect(p)

	assert.True(t, p.handshakeSent)
	assert.True(t, c.IsActive("p1"))
}

func Test_OnPeerHandshake_SendsBitfield(t *testing.T) {
	ffm := newFakeFileManager(1)
	ffm.local.Set(0)
	c := New(ffm, &fakePieceManager{}, piecemanager.NewTable([]int{16384}), 16384, 1, 0)
	p := newFakePeer("p1")

	c.OnPeerHandshake(p, nil)

	assert.Equal(t, ffm.local, p.sentBitfield)
}

func Test_OnPeerExtendedEvent_HandshakeRecordsExternalIP(t *testing.T) {
	c := New(newFakeFileManager(1), &fakePieceManager{}, piecemanager.NewTable([]int{16384}), 16384, 1, 0)
	p := newFakePeer("p1")

	c.OnPeerExtendedEvent(p, extensions.NameHandshake, peer.ExtendedPayload{"yourip": net.ParseIP("203.0.113.5")})

	assert.True(t, net.ParseIP("203.0.113.5").Equal(c.LocalExternalIP()))
}

func Test_OnPeerBitfield_SendsInterestedWhenRemoteHasMissingPiece(t *testing.T) {
	c := New(newFakeFileManager(2), &fakePieceManager{}, piecemanager.NewTable([]int{16384, 16384}), 16384, 2, 0)
	p := newFakePeer("p1")

	remote := domain.NewBitfield(2)
	remote.Set(1)
	c.OnPeerBitfield(p, remote)

	assert.Equal(t, []bool{true}, p.sentInterested)
}

func Test_OnPeerBitfield_SendsNotInterestedWhenNothingNeeded(t *testing.T) {
	ffm := newFakeFileManager(2)
	ffm.local.Set(1)
	c := New(ffm, &fakePieceManager{}, piecemanager.NewTable([]int{16384, 16384}), 16384, 2, 0)
	p := newFakePeer("p1")

	remote := domain.NewBitfield(2)
	remote.Set(1)
	c.OnPeerBitfield(p, remote)

	assert.Equal(t, []bool{false}, p.sentInterested)
}

func Test_OnPeerHave_NoopWhenAlreadyHaveLocally(t *testing.T) {
	ffm := newFakeFileManager(1)
	ffm.local.Set(0)
	c := New(ffm, &fakePieceManager{}, piecemanager.NewTable([]int{16384}), 16384, 1, 0)
	p := newFakePeer("p1")

	c.OnPeerHave(p, 0)

	assert.Empty(t, p.sentInterested)
	assert.Equal(t, 0, len(c.queue))
}

func Test_OnPeerHave_SchedulesRequestPiecesWhenPieceMissing(t *testing.T) {
	provider := piecemanager.NewTable([]int{16384})
	piece0, _ := provider.Piece(0)
	fpm := &fakePieceManager{selectPieceResult: piece0, selectOk: true}
	c := New(newFakeFileManager(1), fpm, provider, 16384, 1, 0)
	p := newFakePeer("p1")

	c.OnPeerHave(p, 0)

	assert.Equal(t, []bool{true}, p.sentInterested)
	assert.True(t, piece0.HasAvailablePeer())
	drainOne(t, c)
	assert.Len(t, p.sentRequests, 1)
	assert.Equal(t, [3]int{0, 0, 16384}, p.sentRequests[0])
}

func Test_OnPeerChokeChange_UnchokeMarksAvailableAndSchedulesRequest(t *testing.T) {
	provider := piecemanager.NewTable([]int{16384, 16384})
	piece0, _ := provider.Piece(0)
	fpm := &fakePieceManager{selectPieceResult: piece0, selectOk: true}
	c := New(newFakeFileManager(2), fpm, provider, 16384, 2, 0)
	p := newFakePeer("p1")
	p.remoteBitfield = domain.NewBitfield(2)
	p.remoteBitfield.Set(0)

	c.OnPeerChokeChange(p, false)

	assert.True(t, piece0.HasAvailablePeer())
	drainOne(t, c)
	assert.Len(t, p.sentRequests, 1)
}

func Test_OnPeerChokeChange_ChokeRemovesAvailability(t *testing.T) {
	provider := piecemanager.NewTable([]int{16384})
	piece0, _ := provider.Piece(0)
	piece0.AddAvailablePeer("p1")
	c := New(newFakeFileManager(1), &fakePieceManager{}, provider, 16384, 1, 0)
	p := newFakePeer("p1")
	p.remoteBitfield = domain.NewBitfield(1)
	p.remoteBitfield.Set(0)

	c.OnPeerChokeChange(p, true)

	assert.False(t, piece0.HasAvailablePeer())
	assert.Equal(t, 0, len(c.queue))
}

func Test_OnPeerInterestedChange_TogglesChoke(t *testing.T) {
	c := New(newFakeFileManager(1), &fakePieceManager{}, piecemanager.NewTable([]int{16384}), 16384, 1, 0)
	p := newFakePeer("p1")

	c.OnPeerInterestedChange(p, true)
	c.OnPeerInterestedChange(p, false)

	assert.Equal(t, []bool{false, true}, p.sentChoke)
}

func Test_OnPeerAllowFast_SchedulesRequestForAllowedPiece(t *testing.T) {
	provider := piecemanager.NewTable([]int{16384})
	piece0, _ := provider.Piece(0)
	c := New(newFakeFileManager(1), &fakePieceManager{}, provider, 16384, 1, 0)
	p := newFakePeer("p1")

	c.OnPeerAllowFast(p, 0)

	assert.True(t, piece0.HasAvailablePeer())
	drainOne(t, c)
	assert.Len(t, p.sentRequests, 1)
}

func Test_OnPeerRejectRequest_DeprioritizesSubPiece(t *testing.T) {
	provider := piecemanager.NewTable([]int{49152}) // three 16 KiB sub-pieces
	piece0, _ := provider.Piece(0)
	c := New(newFakeFileManager(1), &fakePieceManager{}, provider, 49152, 1, 0)

	piece0.PopSubPiece() // ordinal 0 now in flight
	piece0.PopSubPiece() // ordinal 1 now in flight

	c.OnPeerRejectRequest(newFakePeer("p1"), 0, 16384, 16384) // ordinal 1 rejected

	first, _ := piece0.PopSubPiece()
	second, _ := piece0.PopSubPiece()
	assert.Equal(t, 2, first)
	assert.Equal(t, 1, second)
}

func Test_OnPeerRequest_RejectsOversizedLength(t *testing.T) {
	c := New(newFakeFileManager(1), &fakePieceManager{}, piecemanager.NewTable([]int{16384}), 16384, 1, 0)
	p := newFakePeer("p1")

	c.OnPeerRequest(p, 0, 0, config.MaxRequestLength+1)

	assert.Equal(t, "request exceeds max length", p.disposeReason)
}

func Test_OnPeerRequest_EnqueuesAndReadsUnderCap(t *testing.T) {
	ffm := newFakeFileManager(1)
	c := New(ffm, &fakePieceManager{}, piecemanager.NewTable([]int{16384}), 16384, 1, 0)
	p := newFakePeer("p1")

	c.OnPeerRequest(p, 0, 0, 16384)

	assert.Empty(t, p.disposeReason)
	assert.Len(t, ffm.reads, 1)
	assert.Equal(t, 1, c.uploadQ.InFlight("p1"))
}

func Test_OnPeerRequest_DisposesPeerWhenUploadCapExceeded(t *testing.T) {
	c := New(newFakeFileManager(1), &fakePieceManager{}, piecemanager.NewTable([]int{16384}), 16384, 1, 0)
	p := newFakePeer("p1")

	for i := 0; i < config.MaxUploadsPerPeer; i++ {
		c.OnPeerRequest(p, 0, i, 16384)
	}
	assert.Empty(t, p.disposeReason)

	c.OnPeerRequest(p, 0, 999, 16384)
	assert.Equal(t, "too many requests", p.disposeReason)
}

func Test_OnPeerRequest_BuffersWhilePausedThenOverflowDisposes(t *testing.T) {
	c := New(newFakeFileManager(1), &fakePieceManager{}, piecemanager.NewTable([]int{16384}), 16384, 1, 0)
	p := newFakePeer("p1")
	c.pauseState.Pause()

	for i := 0; i < config.MaxPausedRequestsPerPeer; i++ {
		c.OnPeerRequest(p, 0, i, 16384)
	}
	assert.Empty(t, p.disposeReason)

	c.OnPeerRequest(p, 0, 999, 16384)
	assert.Equal(t, "too many requests", p.disposeReason)
}

func Test_OnPeerPiece_WritesCancelsTimeoutAndSchedulesNextRequest(t *testing.T) {
	ffm := newFakeFileManager(1)
	provider := piecemanager.NewTable([]int{32768})
	fpm := &fakePieceManager{selectWhenReceiveResult: 0, selectWhenReceiveOK: true}
	c := New(ffm, fpm, provider, 32768, 1, 0)

	origin := newFakePeer("origin")
	c.OnPeerConnect(origin)
	c.timeouts.Add(domain.OutstandingRequest{PieceIndex: 0, Begin: 0, Length: 16384, Origin: "origin"})

	p := newFakePeer("p1")
	c.OnPeerPiece(p, 0, 0, make([]byte, 16384))

	assert.Equal(t, 0, c.timeouts.Len())
	assert.Len(t, origin.removedRequests, 1)
	assert.Len(t, ffm.writes, 1)

	drainOne(t, c)
	assert.Len(t, p.sentRequests, 1)
}

func Test_RequestPieces_FallsBackToTimeoutReassignmentWhenNothingSelected(t *testing.T) {
	c := New(newFakeFileManager(1), &fakePieceManager{selectOk: false}, piecemanager.NewTable([]int{16384}), 16384, 1, 0)

	origin := newFakePeer("origin")
	c.OnPeerConnect(origin)
	c.timeouts.Add(domain.OutstandingRequest{PieceIndex: 0, Begin: 0, Length: 16384, Origin: "origin"})

	fresh := newFakePeer("fresh")
	c.requestPieces(fresh, noHint)

	assert.Len(t, origin.removedRequests, 1)
	assert.Len(t, fresh.sentRequests, 1)
	assert.Equal(t, 0, c.timeouts.Len())
}

func Test_RequestPieces_ReassignmentRetriesOnSendFailure(t *testing.T) {
	c := New(newFakeFileManager(1), &fakePieceManager{selectOk: false}, piecemanager.NewTable([]int{16384}), 16384, 1, 0)
	c.timeouts.Add(domain.OutstandingRequest{PieceIndex: 0, Begin: 0, Length: 16384, Origin: "origin"})

	busy := newFakePeer("busy")
	busy.sendRequestOK = false
	c.requestPieces(busy, noHint)

	assert.Empty(t, busy.sentRequests)
	assert.Equal(t, 1, c.timeouts.Len())
}

func Test_PieceComplete_BroadcastsHaveAndFlushesAtThreshold(t *testing.T) {
	ffm := newFakeFileManager(1)
	c := New(ffm, &fakePieceManager{}, piecemanager.NewTable([]int{config.FlushThreshold}), config.FlushThreshold, 1, 0)
	p := newFakePeer("p1")
	c.OnPeerConnect(p)

	c.pieceComplete(0)

	assert.Contains(t, p.sentHave, 0)
	assert.Len(t, ffm.flushes, 1)
	assert.Equal(t, []int{0}, ffm.flushes[0])
}

func Test_PieceComplete_FiresAllCompleteWhenFileManagerReportsDone(t *testing.T) {
	ffm := newFakeFileManager(1)
	ffm.allComplete = true
	c := New(ffm, &fakePieceManager{}, piecemanager.NewTable([]int{16384}), 16384, 1, 0)

	fired := false
	c.OnAllComplete(func() { fired = true })

	c.pieceComplete(0)

	assert.True(t, fired)
	assert.Len(t, ffm.flushes, 1)
}

func Test_PieceComplete_NoopWhenAlreadyLocallyPresent(t *testing.T) {
	ffm := newFakeFileManager(1)
	ffm.local.Set(0)
	c := New(ffm, &fakePieceManager{}, piecemanager.NewTable([]int{16384}), 16384, 1, 0)
	p := newFakePeer("p1")
	c.OnPeerConnect(p)

	c.pieceComplete(0)

	assert.Empty(t, p.sentHave)
	assert.Empty(t, ffm.flushes)
}

func Test_PauseThenResume_ReplaysBufferedOutgoingAndIncoming(t *testing.T) {
	ffm := newFakeFileManager(1)
	provider := piecemanager.NewTable([]int{32768})
	piece0, _ := provider.Piece(0)
	fpm := &fakePieceManager{selectPieceResult: piece0, selectOk: true}
	c := New(ffm, fpm, provider, 32768, 1, 0)
	p := newFakePeer("p1")
	c.OnPeerConnect(p)

	c.pauseState.Pause()
	c.requestPieces(p, noHint)
	assert.Empty(t, p.sentRequests)

	c.OnPeerRequest(p, 0, 0, 16384)
	assert.Empty(t, ffm.reads)

	c.Resume()
	drainAll(c)

	assert.Len(t, p.sentRequests, 1)
	assert.Len(t, ffm.reads, 1)
	assert.False(t, c.pauseState.IsPaused())
}

func Test_OnPeerDispose_ReturnsInFlightSubPiecesAndClearsAvailability(t *testing.T) {
	provider := piecemanager.NewTable([]int{32768})
	piece0, _ := provider.Piece(0)
	piece0.PopSubPiece() // ordinal 0 in flight
	c := New(newFakeFileManager(1), &fakePieceManager{}, provider, 32768, 1, 0)

	p := newFakePeer("p1")
	p.remoteBitfield = domain.NewBitfield(1)
	p.remoteBitfield.Set(0)
	p.requestBuffer = []domain.OutstandingRequest{{PieceIndex: 0, Begin: 0, Length: 16384, Origin: "p1"}}
	piece0.AddAvailablePeer("p1")
	c.OnPeerConnect(p)

	c.OnPeerDispose(p, "stalled")

	assert.False(t, piece0.HasAvailablePeer())
	got, ok := piece0.PopSubPiece()
	assert.True(t, ok)
	assert.Equal(t, 0, got)
	assert.False(t, c.IsActive("p1"))
}

func Test_OnPeerDispose_FiresNoActivePeerWhenSetBecomesEmpty(t *testing.T) {
	c := New(newFakeFileManager(1), &fakePieceManager{}, piecemanager.NewTable([]int{16384}), 16384, 1, 0)
	p := newFakePeer("p1")
	c.OnPeerConnect(p)

	fired := false
	c.OnNoActivePeer(func() { fired = true })

	c.OnPeerDispose(p, "timeout")

	assert.True(t, fired)
}

func Test_OnPeerExtendedEvent_DispatchesPEXToNewPeerFound(t *testing.T) {
	c := New(newFakeFileManager(1), &fakePieceManager{}, piecemanager.NewTable([]int{16384}), 16384, 1, 0)

	var found []string
	c.OnNewPeerFound(func(uri string) { found = append(found, uri) })

	addr := domain.Address{IP: net.ParseIP("198.51.100.7"), Port: 6881}
	payload := peer.ExtendedPayload{"added": []domain.Address{addr}}
	c.OnPeerExtendedEvent(newFakePeer("p1"), extensions.NamePEX, payload)

	assert.Equal(t, []string{addr.String()}, found)
}

func Test_DisposeAllSeeders_DisposesOnlyPeersWithCompleteBitfield(t *testing.T) {
	c := New(newFakeFileManager(2), &fakePieceManager{}, piecemanager.NewTable([]int{16384, 16384}), 16384, 2, 0)

	seeder := newFakePeer("seeder")
	seeder.remoteBitfield = domain.NewBitfield(2)
	seeder.remoteBitfield.Set(0)
	seeder.remoteBitfield.Set(1)
	leecher := newFakePeer("leecher")
	leecher.remoteBitfield = domain.NewBitfield(2)
	leecher.remoteBitfield.Set(0)

	c.OnPeerConnect(seeder)
	c.OnPeerConnect(leecher)

	c.DisposeAllSeeders("download complete")
	drainOne(t, c)

	assert.Equal(t, "download complete", seeder.disposeReason)
	assert.Empty(t, leecher.disposeReason)
}

func Test_Dispose_DisposesActivePeersAndStopsRun(t *testing.T) {
	c := New(newFakeFileManager(1), &fakePieceManager{}, piecemanager.NewTable([]int{16384}), 16384, 1, 0)
	p := newFakePeer("p1")
	c.OnPeerConnect(p)

	c.Dispose()
	drainOne(t, c)

	assert.Equal(t, "Peer Manager disposed", p.disposeReason)
	_, open := <-c.stopCh
	assert.False(t, open)
}
