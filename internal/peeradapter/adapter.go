// Package peeradapter implements the Peer Adapter (component D): it binds
// a peer.Peer's event stream to the Swarm Coordinator, posting every
// handler invocation onto the Coordinator's own serial queue so that the
// Coordinator's single-threaded actor discipline (internal/swarm) is never
// violated by a peer's own read/write goroutines calling into it directly.
package peeradapter

import (
	"net"

	"github.com/nilsbren/swarmcore/internal/domain"
	"github.com/nilsbren/swarmcore/internal/extensions"
	"github.com/nilsbren/swarmcore/internal/logger"
	"github.com/nilsbren/swarmcore/internal/peer"
)

var log = logger.Named("peeradapter")

// Coordinator is the subset of the Swarm Coordinator the adapter drives:
// one method per subscribed peer event, plus Post for scheduling and the
// two predicates hook_peer's no-op check needs.
type Coordinator interface {
	Post(fn func())
	IsActive(id domain.PeerID) bool
	LocalExternalIP() net.IP

	OnPeerConnect(p peer.Peer)
	OnPeerHandshake(p peer.Peer, yourIP net.IP)
	OnPeerBitfield(p peer.Peer, bf domain.Bitfield)
	OnPeerHaveAll(p peer.Peer)
	OnPeerHaveNone(p peer.Peer)
	OnPeerHave(p peer.Peer, idx int)
	OnPeerChokeChange(p peer.Peer, choked bool)
	OnPeerInterestedChange(p peer.Peer, interested bool)
	OnPeerAllowFast(p peer.Peer, idx int)
	OnPeerRejectRequest(p peer.Peer, idx, begin, length int)
	OnPeerRequest(p peer.Peer, idx, begin, length int)
	OnPeerPiece(p peer.Peer, idx, begin int, block []byte)
	OnPeerRequestTimeout(p peer.Peer, idx, begin, length int)
	OnPeerDispose(p peer.Peer, reason string)
	OnPeerExtendedEvent(p peer.Peer, name string, payload peer.ExtendedPayload)
}

// Adapter is the sole registrant of handlers on any Peer it hooks, which
// lets Unhook simply call UnhookAll rather than tracking individual
// HandlerIDs.
type Adapter struct {
	coord Coordinator
}

// New builds an Adapter bound to a Coordinator.
func New(coord Coordinator) *Adapter {
	return &Adapter{coord: coord}
}

// Hook subscribes to the full event set and dials p. Use this for peers
// discovered via PEX/trackers that we are initiating the connection to. A
// peer whose address matches our known external IP (self-connect) or that
// is already active is skipped.
func (a *Adapter) Hook(p peer.Peer) {
	if a.skip(p) {
		return
	}
	a.registerHandlers(p)
	p.RegisterExtension(extensions.NamePEX)

	if err := p.Connect(); err != nil {
		log.Sugar().Debugw("connect failed", "addr", p.Address().String(), "err", err)
	}
}

// HookInbound subscribes to the full event set for a peer that
// Factory.Serve already accepted, handshook, and started reading/writing
// for — it must not be re-dialed via Connect. Instead the connect and
// handshake steps, which already happened at the transport level before
// the adapter ever saw p, are synthesized directly against the
// Coordinator.
func (a *Adapter) HookInbound(p peer.Peer) {
	if a.skip(p) {
		return
	}
	a.registerHandlers(p)
	p.RegisterExtension(extensions.NamePEX)

	a.coord.Post(func() { a.coord.OnPeerConnect(p) })
	a.coord.Post(func() { a.coord.OnPeerHandshake(p, nil) })
}

// skip reports whether p is a self-connect or already active, in which
// case hook_peer's no-op check applies and neither Hook nor HookInbound
// should register handlers.
func (a *Adapter) skip(p peer.Peer) bool {
	if local := a.coord.LocalExternalIP(); local != nil && p.Address().IP.Equal(local) {
		log.Sugar().Debugw("skipping self-connect", "addr", p.Address().String())
		return true
	}
	return a.coord.IsActive(p.ID())
}

// registerHandlers subscribes to the full peer event set, posting every
// invocation onto the Coordinator's serial queue.
func (a *Adapter) registerHandlers(p peer.Peer) {
	p.OnConnect(func() {
		a.coord.Post(func() { a.coord.OnPeerConnect(p) })
	})
	p.OnHandshake(func(yourIP net.IP) {
		a.coord.Post(func() { a.coord.OnPeerHandshake(p, yourIP) })
	})
	p.OnBitfield(func(bf domain.Bitfield) {
		a.coord.Post(func() { a.coord.OnPeerBitfield(p, bf) })
	})
	p.OnHaveAll(func() {
		a.coord.Post(func() { a.coord.OnPeerHaveAll(p) })
	})
	p.OnHaveNone(func() {
		a.coord.Post(func() { a.coord.OnPeerHaveNone(p) })
	})
	p.OnHave(func(idx int) {
		a.coord.Post(func() { a.coord.OnPeerHave(p, idx) })
	})
	p.OnChokeChange(func(choked bool) {
		a.coord.Post(func() { a.coord.OnPeerChokeChange(p, choked) })
	})
	p.OnInterestedChange(func(interested bool) {
		a.coord.Post(func() { a.coord.OnPeerInterestedChange(p, interested) })
	})
	p.OnAllowFast(func(idx int) {
		a.coord.Post(func() { a.coord.OnPeerAllowFast(p, idx) })
	})
	p.OnRejectRequest(func(idx, begin, length int) {
		a.coord.Post(func() { a.coord.OnPeerRejectRequest(p, idx, begin, length) })
	})
	p.OnRequest(func(idx, begin, length int) {
		a.coord.Post(func() { a.coord.OnPeerRequest(p, idx, begin, length) })
	})
	p.OnPiece(func(idx, begin int, block []byte) {
		a.coord.Post(func() { a.coord.OnPeerPiece(p, idx, begin, block) })
	})
	p.OnRequestTimeout(func(idx, begin, length int) {
		a.coord.Post(func() { a.coord.OnPeerRequestTimeout(p, idx, begin, length) })
	})
	p.OnDispose(func(reason string) {
		a.coord.Post(func() { a.coord.OnPeerDispose(p, reason) })
	})
	p.OnExtendedEvent(func(name string, payload peer.ExtendedPayload) {
		a.coord.Post(func() { a.coord.OnPeerExtendedEvent(p, name, payload) })
	})
}

// Unhook detaches every handler this adapter registered on p. Safe to call
// more than once.
func (a *Adapter) Unhook(p peer.Peer) {
	p.UnhookAll()
}
