package peer

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nilsbren/swarmcore/internal/domain"
	"github.com/nilsbren/swarmcore/internal/extensions"
	"github.com/nilsbren/swarmcore/internal/logger"
)

// Wire message ids, BEP 3 plus the BEP 6 fast-extension and BEP 10 extended
// message.
const (
	msgChoke         = 0
	msgUnchoke       = 1
	msgInterested    = 2
	msgNotInterested = 3
	msgHave          = 4
	msgBitfield      = 5
	msgRequest       = 6
	msgPiece         = 7
	msgCancel        = 8
	msgSuggestPiece  = 13
	msgHaveAll       = 14
	msgHaveNone      = 15
	msgRejectRequest = 16
	msgAllowedFast   = 17
	msgExtended      = 20
)

const sendQueueDepth = 64

var log = logger.Named("peer")

// wirePeer is the concrete Peer implementation over a net.Conn, grounded in
// the teacher's lib/platform/peer.peerImpl, generalized to the full event
// set the Coordinator consumes.
type wirePeer struct {
	id       domain.PeerID
	addr     domain.Address
	infoHash []byte
	ourID    []byte

	conn net.Conn

	mu             sync.Mutex
	state          State
	remoteBF       domain.Bitfield
	suggested      []int
	requestBuf     map[domain.RequestKey]domain.OutstandingRequest
	ourExtIDs      map[string]int64
	remoteExtIDs   map[string]int64
	downloadedLast time.Time
	downloadRate   float64
	uploadedLast   time.Time
	uploadRate     float64

	sendQueue chan []byte

	onDispose          *handlerSet[func(reason string)]
	onBitfield         *handlerSet[func(domain.Bitfield)]
	onHaveAll          *handlerSet[func()]
	onHaveNone         *handlerSet[func()]
	onHandshake        *handlerSet[func(net.IP)]
	onChokeChange      *handlerSet[func(bool)]
	onInterestedChange *handlerSet[func(bool)]
	onConnect          *handlerSet[func()]
	onHave             *handlerSet[func(int)]
	onPiece            *handlerSet[func(int, int, []byte)]
	onRequest          *handlerSet[func(int, int, int)]
	onRequestTimeout   *handlerSet[func(int, int, int)]
	onRejectRequest    *handlerSet[func(int, int, int)]
	onAllowFast        *handlerSet[func(int)]
	onExtendedEvent    *handlerSet[func(string, ExtendedPayload)]
}

// New constructs a Peer bound to a remote address, ready to Connect.
func New(id domain.PeerID, addr domain.Address, infoHash, ourID []byte) Peer {
	return &wirePeer{
		id:           id,
		addr:         addr,
		infoHash:     infoHash,
		ourID:        ourID,
		requestBuf:   make(map[domain.RequestKey]domain.OutstandingRequest),
		ourExtIDs:    make(map[string]int64),
		remoteExtIDs: make(map[string]int64),
		sendQueue:    make(chan []byte, sendQueueDepth),

		onDispose:          newHandlerSet[func(string)](),
		onBitfield:         newHandlerSet[func(domain.Bitfield)](),
		onHaveAll:          newHandlerSet[func()](),
		onHaveNone:         newHandlerSet[func()](),
		onHandshake:        newHandlerSet[func(net.IP)](),
		onChokeChange:      newHandlerSet[func(bool)](),
		onInterestedChange: newHandlerSet[func(bool)](),
		onConnect:          newHandlerSet[func()](),
		onHave:             newHandlerSet[func(int)](),
		onPiece:            newHandlerSet[func(int, int, []byte)](),
		onRequest:          newHandlerSet[func(int, int, int)](),
		onRequestTimeout:   newHandlerSet[func(int, int, int)](),
		onRejectRequest:    newHandlerSet[func(int, int, int)](),
		onAllowFast:        newHandlerSet[func(int)](),
		onExtendedEvent:    newHandlerSet[func(string, ExtendedPayload)](),
	}
}

var _ Peer = &wirePeer{}

func (p *wirePeer) ID() domain.PeerID    { return p.id }
func (p *wirePeer) Address() domain.Address { return p.addr }

func (p *wirePeer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *wirePeer) RemoteBitfield() domain.Bitfield {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteBF.Clone()
}

func (p *wirePeer) RemoteSuggested() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.suggested...)
}

func (p *wirePeer) RequestBuffer() []domain.OutstandingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.OutstandingRequest, 0, len(p.requestBuf))
	for _, r := range p.requestBuf {
		out = append(out, r)
	}
	return out
}

func (p *wirePeer) DownloadRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.downloadRate
}

func (p *wirePeer) UploadRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uploadRate
}

// --- event registration ---

func (p *wirePeer) OnDispose(fn func(string)) HandlerID                      { return p.onDispose.Add(fn) }
func (p *wirePeer) OnBitfield(fn func(domain.Bitfield)) HandlerID            { return p.onBitfield.Add(fn) }
func (p *wirePeer) OnHaveAll(fn func()) HandlerID                            { return p.onHaveAll.Add(fn) }
func (p *wirePeer) OnHaveNone(fn func()) HandlerID                           { return p.onHaveNone.Add(fn) }
func (p *wirePeer) OnHandshake(fn func(net.IP)) HandlerID                    { return p.onHandshake.Add(fn) }
func (p *wirePeer) OnChokeChange(fn func(bool)) HandlerID                    { return p.onChokeChange.Add(fn) }
func (p *wirePeer) OnInterestedChange(fn func(bool)) HandlerID               { return p.onInterestedChange.Add(fn) }
func (p *wirePeer) OnConnect(fn func()) HandlerID                            { return p.onConnect.Add(fn) }
func (p *wirePeer) OnHave(fn func(int)) HandlerID                            { return p.onHave.Add(fn) }
func (p *wirePeer) OnPiece(fn func(int, int, []byte)) HandlerID              { return p.onPiece.Add(fn) }
func (p *wirePeer) OnRequest(fn func(int, int, int)) HandlerID               { return p.onRequest.Add(fn) }
func (p *wirePeer) OnRequestTimeout(fn func(int, int, int)) HandlerID        { return p.onRequestTimeout.Add(fn) }
func (p *wirePeer) OnRejectRequest(fn func(int, int, int)) HandlerID         { return p.onRejectRequest.Add(fn) }
func (p *wirePeer) OnAllowFast(fn func(int)) HandlerID                       { return p.onAllowFast.Add(fn) }
func (p *wirePeer) OnExtendedEvent(fn func(string, ExtendedPayload)) HandlerID {
	return p.onExtendedEvent.Add(fn)
}

func (p *wirePeer) OffDispose(id HandlerID)          { p.onDispose.Remove(id) }
func (p *wirePeer) OffBitfield(id HandlerID)         { p.onBitfield.Remove(id) }
func (p *wirePeer) OffHaveAll(id HandlerID)          { p.onHaveAll.Remove(id) }
func (p *wirePeer) OffHaveNone(id HandlerID)         { p.onHaveNone.Remove(id) }
func (p *wirePeer) OffHandshake(id HandlerID)        { p.onHandshake.Remove(id) }
func (p *wirePeer) OffChokeChange(id HandlerID)      { p.onChokeChange.Remove(id) }
func (p *wirePeer) OffInterestedChange(id HandlerID) { p.onInterestedChange.Remove(id) }
func (p *wirePeer) OffConnect(id HandlerID)          { p.onConnect.Remove(id) }
func (p *wirePeer) OffHave(id HandlerID)             { p.onHave.Remove(id) }
func (p *wirePeer) OffPiece(id HandlerID)            { p.onPiece.Remove(id) }
func (p *wirePeer) OffRequest(id HandlerID)          { p.onRequest.Remove(id) }
func (p *wirePeer) OffRequestTimeout(id HandlerID)   { p.onRequestTimeout.Remove(id) }
func (p *wirePeer) OffRejectRequest(id HandlerID)    { p.onRejectRequest.Remove(id) }
func (p *wirePeer) OffAllowFast(id HandlerID)        { p.onAllowFast.Remove(id) }
func (p *wirePeer) OffExtendedEvent(id HandlerID)    { p.onExtendedEvent.Remove(id) }

// UnhookAll detaches every registered handler, for unhook_peer.
func (p *wirePeer) UnhookAll() {
	p.onDispose.RemoveAll()
	p.onBitfield.RemoveAll()
	p.onHaveAll.RemoveAll()
	p.onHaveNone.RemoveAll()
	p.onHandshake.RemoveAll()
	p.onChokeChange.RemoveAll()
	p.onInterestedChange.RemoveAll()
	p.onConnect.RemoveAll()
	p.onHave.RemoveAll()
	p.onPiece.RemoveAll()
	p.onRequest.RemoveAll()
	p.onRequestTimeout.RemoveAll()
	p.onRejectRequest.RemoveAll()
	p.onAllowFast.RemoveAll()
	p.onExtendedEvent.RemoveAll()
}

// --- connect / transport ---

func (p *wirePeer) Connect() error {
	hostPort := net.JoinHostPort(p.addr.IP.String(), fmt.Sprintf("%d", p.addr.Port))
	conn, err := net.DialTimeout("tcp", hostPort, 5*time.Second)
	if err != nil {
		return err
	}
	p.conn = conn
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	req := handshakeMsg{proto: protoBitTorrent, reserved: extendedProtocolBit, infoHash: p.infoHash, peerID: p.ourID}
	if _, err := conn.Write(req.getBytes()); err != nil {
		conn.Close()
		return err
	}

	respBuf := make([]byte, 68)
	n, err := readFull(conn, respBuf[:68])
	if err != nil {
		conn.Close()
		return err
	}
	resp := newHandshake(respBuf[:n])
	if !resp.matches(req) {
		conn.Close()
		return fmt.Errorf("peer: handshake mismatch")
	}
	conn.SetDeadline(time.Time{})

	p.mu.Lock()
	p.state.Connected = true
	p.state.AmChoking = true
	p.state.PeerChoking = true
	p.mu.Unlock()

	go p.writeLoop()
	go p.readLoop()

	if resp.supportsExtended() {
		p.sendExtendedHandshake()
	}

	for _, fn := range p.onConnect.Snapshot() {
		fn()
	}
	// The BitTorrent handshake is complete regardless of whether the peer
	// negotiates the extended protocol at all; "yourip" (extended-handshake
	// only, and itself optional) is delivered separately via onExtendedEvent
	// once/if it arrives, not gated here.
	for _, fn := range p.onHandshake.Snapshot() {
		fn(nil)
	}
	return nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		k, err := conn.Read(buf[n:])
		if err != nil {
			return n, err
		}
		n += k
	}
	return n, nil
}

func (p *wirePeer) writeLoop() {
	w := bufio.NewWriter(p.conn)
	for msg := range p.sendQueue {
		if _, err := w.Write(msg); err != nil {
			log.Sugar().Debugw("write failed", "peer", p.id, "err", err)
			p.Dispose("write error")
			return
		}
		if err := w.Flush(); err != nil {
			p.Dispose("write error")
			return
		}
	}
}

func (p *wirePeer) readLoop() {
	for {
		lenBuf := make([]byte, 4)
		if _, err := readFull(p.conn, lenBuf); err != nil {
			p.Dispose("read error")
			return
		}
		msgLen := binary.BigEndian.Uint32(lenBuf)
		if msgLen == 0 {
			continue // keep-alive
		}
		msgBuf := make([]byte, msgLen)
		if _, err := readFull(p.conn, msgBuf); err != nil {
			p.Dispose("read error")
			return
		}
		p.handleMessage(msgBuf)
	}
}

// enqueue pushes a framed message onto the send queue, returning false if
// the queue is full (backpressure) or the peer has already been disposed.
// The disposed check and the send share p.mu with Dispose's close of
// sendQueue, since a select's default case does not guard against sending
// on a channel that another goroutine closed concurrently.
func (p *wirePeer) enqueue(payload []byte, id byte) bool {
	frame := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(1+len(payload)))
	frame[4] = id
	copy(frame[5:], payload)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.IsDisposed {
		return false
	}
	select {
	case p.sendQueue <- frame:
		return true
	default:
		return false
	}
}

func (p *wirePeer) SendHandshake() {
	// Handshake is sent inline by Connect; Accept-side transports send it
	// from their own accept loop. No-op here to satisfy the Peer contract
	// for symmetry with SendBitfield etc.
}

func (p *wirePeer) SendBitfield(bf domain.Bitfield) {
	p.enqueue(bf, msgBitfield)
}

func (p *wirePeer) SendInterested(interested bool) {
	p.mu.Lock()
	p.state.AmInterested = interested
	p.mu.Unlock()
	if interested {
		p.enqueue(nil, msgInterested)
	} else {
		p.enqueue(nil, msgNotInterested)
	}
}

func (p *wirePeer) SendChoke(choked bool) {
	p.mu.Lock()
	p.state.AmChoking = choked
	p.mu.Unlock()
	if choked {
		p.enqueue(nil, msgChoke)
	} else {
		p.enqueue(nil, msgUnchoke)
	}
}

func (p *wirePeer) SendHave(idx int) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(idx))
	p.enqueue(buf, msgHave)
}

func (p *wirePeer) SendRequest(idx, begin, length int) bool {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:], uint32(idx))
	binary.BigEndian.PutUint32(buf[4:], uint32(begin))
	binary.BigEndian.PutUint32(buf[8:], uint32(length))
	if !p.enqueue(buf, msgRequest) {
		return false
	}
	p.mu.Lock()
	key := domain.RequestKey{PieceIndex: idx, Begin: begin, Length: length}
	p.requestBuf[key] = domain.OutstandingRequest{PieceIndex: idx, Begin: begin, Length: length, Origin: p.id}
	p.mu.Unlock()
	return true
}

func (p *wirePeer) SendPiece(idx, begin int, block []byte) bool {
	buf := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(buf[0:], uint32(idx))
	binary.BigEndian.PutUint32(buf[4:], uint32(begin))
	copy(buf[8:], block)
	ok := p.enqueue(buf, msgPiece)
	if ok {
		p.mu.Lock()
		p.uploadedLast = time.Now()
		p.mu.Unlock()
	}
	return ok
}

func (p *wirePeer) SendKeepAlive() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.IsDisposed {
		return
	}
	select {
	case p.sendQueue <- []byte{0, 0, 0, 0}:
	default:
	}
}

func (p *wirePeer) RemoveRequest(idx, begin, length int) {
	p.mu.Lock()
	delete(p.requestBuf, domain.RequestKey{PieceIndex: idx, Begin: begin, Length: length})
	p.mu.Unlock()
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:], uint32(idx))
	binary.BigEndian.PutUint32(buf[4:], uint32(begin))
	binary.BigEndian.PutUint32(buf[8:], uint32(length))
	p.enqueue(buf, msgCancel)
}

func (p *wirePeer) RegisterExtension(name string) {
	p.mu.Lock()
	if _, exists := p.ourExtIDs[name]; !exists {
		p.ourExtIDs[name] = int64(len(p.ourExtIDs) + 1)
	}
	p.mu.Unlock()
}

func (p *wirePeer) SendExtendedMessage(name string, payload ExtendedPayload) {
	p.mu.Lock()
	remoteID, ok := p.remoteExtIDs[name]
	p.mu.Unlock()
	if !ok {
		return // peer hasn't negotiated this extension
	}
	var body []byte
	var err error
	switch name {
	case extensions.NamePEX:
		added, _ := payload["added"].([]byte)
		dropped, _ := payload["dropped"].([]byte)
		added6, _ := payload["added6"].([]byte)
		dropped6, _ := payload["dropped6"].([]byte)
		body, err = extensions.EncodePEXRaw(added, dropped, added6, dropped6)
	default:
		return
	}
	if err != nil {
		return
	}
	frame := make([]byte, 1+len(body))
	frame[0] = byte(remoteID)
	copy(frame[1:], body)
	p.enqueue(frame, msgExtended)
}

func (p *wirePeer) sendExtendedHandshake() {
	p.mu.Lock()
	ids := make(map[string]int64, len(p.ourExtIDs))
	for k, v := range p.ourExtIDs {
		ids[k] = v
	}
	p.mu.Unlock()
	body, err := extensions.EncodeHandshake(ids)
	if err != nil {
		return
	}
	frame := make([]byte, 1+len(body))
	frame[0] = 0
	copy(frame[1:], body)
	p.enqueue(frame, msgExtended)
}

// Dispose tears the connection down and fires onDispose exactly once.
// IsDisposed and the close of sendQueue happen under the same lock enqueue
// and SendKeepAlive check, so no send can race past a closed channel.
func (p *wirePeer) Dispose(reason string) {
	p.mu.Lock()
	if p.state.IsDisposed {
		p.mu.Unlock()
		return
	}
	p.state.IsDisposed = true
	close(p.sendQueue)
	p.mu.Unlock()

	if p.conn != nil {
		p.conn.Close()
	}

	for _, fn := range p.onDispose.Snapshot() {
		fn(reason)
	}
}

// --- inbound dispatch ---

func (p *wirePeer) handleMessage(msg []byte) {
	if len(msg) == 0 {
		return
	}
	id := msg[0]
	body := msg[1:]
	switch id {
	case msgChoke:
		p.setPeerChoking(true)
	case msgUnchoke:
		p.setPeerChoking(false)
	case msgInterested:
		p.setPeerInterested(true)
	case msgNotInterested:
		p.setPeerInterested(false)
	case msgHave:
		idx := int(binary.BigEndian.Uint32(body))
		p.mu.Lock()
		if p.remoteBF != nil {
			p.remoteBF.Set(idx)
		}
		p.mu.Unlock()
		for _, fn := range p.onHave.Snapshot() {
			fn(idx)
		}
	case msgBitfield:
		bf := domain.Bitfield(append([]byte(nil), body...))
		p.mu.Lock()
		p.remoteBF = bf
		p.mu.Unlock()
		for _, fn := range p.onBitfield.Snapshot() {
			fn(bf.Clone())
		}
	case msgRequest:
		idx := int(binary.BigEndian.Uint32(body[0:4]))
		begin := int(binary.BigEndian.Uint32(body[4:8]))
		length := int(binary.BigEndian.Uint32(body[8:12]))
		for _, fn := range p.onRequest.Snapshot() {
			fn(idx, begin, length)
		}
	case msgPiece:
		idx := int(binary.BigEndian.Uint32(body[0:4]))
		begin := int(binary.BigEndian.Uint32(body[4:8]))
		block := body[8:]
		p.mu.Lock()
		delete(p.requestBuf, domain.RequestKey{PieceIndex: idx, Begin: begin, Length: len(block)})
		now := time.Now()
		if !p.downloadedLast.IsZero() {
			p.downloadRate = float64(len(block)) / now.Sub(p.downloadedLast).Seconds()
		}
		p.downloadedLast = now
		p.mu.Unlock()
		for _, fn := range p.onPiece.Snapshot() {
			fn(idx, begin, block)
		}
	case msgCancel:
		// No local queue to drop; UploadQueue owns cancellation bookkeeping.
	case msgSuggestPiece:
		idx := int(binary.BigEndian.Uint32(body))
		p.mu.Lock()
		p.suggested = append(p.suggested, idx)
		p.mu.Unlock()
	case msgHaveAll:
		for _, fn := range p.onHaveAll.Snapshot() {
			fn()
		}
	case msgHaveNone:
		for _, fn := range p.onHaveNone.Snapshot() {
			fn()
		}
	case msgRejectRequest:
		idx := int(binary.BigEndian.Uint32(body[0:4]))
		begin := int(binary.BigEndian.Uint32(body[4:8]))
		length := int(binary.BigEndian.Uint32(body[8:12]))
		p.mu.Lock()
		delete(p.requestBuf, domain.RequestKey{PieceIndex: idx, Begin: begin, Length: length})
		p.mu.Unlock()
		for _, fn := range p.onRejectRequest.Snapshot() {
			fn(idx, begin, length)
		}
	case msgAllowedFast:
		idx := int(binary.BigEndian.Uint32(body))
		for _, fn := range p.onAllowFast.Snapshot() {
			fn(idx)
		}
	case msgExtended:
		p.handleExtended(body)
	default:
		log.Sugar().Debugw("unknown message id", "peer", p.id, "id", id)
	}
}

func (p *wirePeer) setPeerChoking(choked bool) {
	p.mu.Lock()
	p.state.PeerChoking = choked
	p.mu.Unlock()
	for _, fn := range p.onChokeChange.Snapshot() {
		fn(choked)
	}
}

func (p *wirePeer) setPeerInterested(interested bool) {
	p.mu.Lock()
	p.state.PeerInterested = interested
	p.mu.Unlock()
	for _, fn := range p.onInterestedChange.Snapshot() {
		fn(interested)
	}
}

func (p *wirePeer) handleExtended(body []byte) {
	if len(body) == 0 {
		return
	}
	localID := body[0]
	payload := body[1:]
	if localID == 0 {
		h, err := extensions.DecodeHandshake(payload)
		if err != nil {
			return
		}
		p.mu.Lock()
		p.remoteExtIDs = h.M
		p.mu.Unlock()
		if h.YourIP != nil {
			for _, fn := range p.onExtendedEvent.Snapshot() {
				fn(extensions.NameHandshake, ExtendedPayload{"yourip": h.YourIP})
			}
		}
		return
	}
	name := p.extensionNameForLocalID(localID)
	if name == "" {
		return
	}
	ep := decodeExtendedPayload(name, payload)
	for _, fn := range p.onExtendedEvent.Snapshot() {
		fn(name, ep)
	}
}

func (p *wirePeer) extensionNameForLocalID(id byte) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, v := range p.ourExtIDs {
		if int64(id) == v {
			return name
		}
	}
	return ""
}

func decodeExtendedPayload(name string, payload []byte) ExtendedPayload {
	switch name {
	case extensions.NamePEX:
		added, dropped, err := extensions.DecodePEX(payload)
		if err != nil {
			return nil
		}
		return ExtendedPayload{"added": added, "dropped": dropped}
	case extensions.NameMetadata:
		msgType, piece, totalSize, data, err := extensions.DecodeMetadataMessage(payload)
		if err != nil {
			return nil
		}
		return ExtendedPayload{"msg_type": msgType, "piece": piece, "total_size": totalSize, "data": data}
	default:
		return ExtendedPayload{"raw": payload}
	}
}
