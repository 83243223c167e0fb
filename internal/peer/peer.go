// Package peer defines the Peer collaborator contract the swarm Coordinator
// drives: the wire-level handshake, framing and transport are external to
// this core (grounded in the teacher's lib/platform/peer, generalized to the
// event set the Coordinator needs).
package peer

import (
	"net"

	"github.com/nilsbren/swarmcore/internal/domain"
)

// State is the flow-control and lifecycle snapshot of a peer session.
type State struct {
	Connected      bool
	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool
	IsDisposed     bool
	IsSeeder       bool
}

// ExtendedPayload is the decoded body of an extended protocol message
// (BEP 10), e.g. the ut_pex {added, dropped} dict.
type ExtendedPayload map[string]interface{}

// Peer is the contract the Coordinator drives. Implementations own the wire
// protocol and transport; this core only ever calls Send*/Connect/Dispose
// and reacts to the On* events.
type Peer interface {
	ID() domain.PeerID
	Address() domain.Address
	State() State

	RemoteBitfield() domain.Bitfield
	RemoteSuggested() []int
	RequestBuffer() []domain.OutstandingRequest

	DownloadRate() float64
	UploadRate() float64

	OnDispose(func(reason string)) HandlerID
	OnBitfield(func(bf domain.Bitfield)) HandlerID
	OnHaveAll(func()) HandlerID
	OnHaveNone(func()) HandlerID
	// OnHandshake fires once the BitTorrent handshake completes, independent
	// of the extended protocol; yourIP is always nil here. A peer's view of
	// our external address, when supplied, arrives later via
	// OnExtendedEvent under extensions.NameHandshake.
	OnHandshake(func(yourIP net.IP)) HandlerID
	OnChokeChange(func(choked bool)) HandlerID
	OnInterestedChange(func(interested bool)) HandlerID
	OnConnect(func()) HandlerID
	OnHave(func(idx int)) HandlerID
	OnPiece(func(idx, begin int, block []byte)) HandlerID
	OnRequest(func(idx, begin, length int)) HandlerID
	OnRequestTimeout(func(idx, begin, length int)) HandlerID
	OnRejectRequest(func(idx, begin, length int)) HandlerID
	OnAllowFast(func(idx int)) HandlerID
	OnExtendedEvent(func(name string, payload ExtendedPayload)) HandlerID

	OffDispose(HandlerID)
	OffBitfield(HandlerID)
	OffHaveAll(HandlerID)
	OffHaveNone(HandlerID)
	OffHandshake(HandlerID)
	OffChokeChange(HandlerID)
	OffInterestedChange(HandlerID)
	OffConnect(HandlerID)
	OffHave(HandlerID)
	OffPiece(HandlerID)
	OffRequest(HandlerID)
	OffRequestTimeout(HandlerID)
	OffRejectRequest(HandlerID)
	OffAllowFast(HandlerID)
	OffExtendedEvent(HandlerID)

	// UnhookAll detaches every registered handler in one call, for
	// unhook_peer.
	UnhookAll()

	SendHandshake()
	SendBitfield(bf domain.Bitfield)
	SendInterested(interested bool)
	SendChoke(choked bool)
	SendHave(idx int)
	SendRequest(idx, begin, length int) bool
	SendPiece(idx, begin int, block []byte) bool
	SendKeepAlive()
	SendExtendedMessage(name string, payload ExtendedPayload)
	RemoveRequest(idx, begin, length int)
	RegisterExtension(name string)

	Connect() error
	Dispose(reason string)
}
