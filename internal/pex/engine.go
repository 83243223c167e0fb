// Package pex implements the PEX Engine (component C): periodic gossip of
// added/dropped peer addresses over the ut_pex extended message, grounded in
// the wire-level codec built in internal/extensions and the teacher's
// lib/extensions ticker pattern.
package pex

import (
	"net"
	"sync"

	"github.com/nilsbren/swarmcore/internal/domain"
	"github.com/nilsbren/swarmcore/internal/extensions"
	"github.com/nilsbren/swarmcore/internal/logger"
	"github.com/nilsbren/swarmcore/internal/peer"
)

var log = logger.Named("pex")

// Sender is the subset of peer.Peer the engine needs to gossip: an address
// to diff against and a transport to push the ut_pex payload over.
type Sender interface {
	Address() domain.Address
	SendExtendedMessage(name string, payload peer.ExtendedPayload)
}

// Engine holds the PEX state: the set of addresses announced on the
// previous tick.
type Engine struct {
	mu              sync.Mutex
	lastAnnounced   map[string]domain.Address
	localExternalIP net.IP
}

// New builds an Engine with an empty last_announced set.
func New() *Engine {
	return &Engine{lastAnnounced: make(map[string]domain.Address)}
}

// SetLocalExternalIP records the address peers report seeing us as, via the
// extended handshake's yourip field, so HandleReceived can filter
// self-advertisements. Tick does not consult it.
func (e *Engine) SetLocalExternalIP(ip net.IP) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.localExternalIP = ip
}

// Tick computes added/dropped against last_announced, encodes compact
// records, and pushes ut_pex to every connected peer. If both sets are
// empty the tick is a no-op send-wise, but last_announced is still
// refreshed to the current set.
func (e *Engine) Tick(connected []Sender) (added, dropped []domain.Address) {
	e.mu.Lock()
	current := make(map[string]domain.Address, len(connected))
	for _, s := range connected {
		addr := s.Address()
		current[addr.String()] = addr
	}
	for key, addr := range current {
		if _, ok := e.lastAnnounced[key]; !ok {
			added = append(added, addr)
		}
	}
	for key, addr := range e.lastAnnounced {
		if _, ok := current[key]; !ok {
			dropped = append(dropped, addr)
		}
	}
	e.lastAnnounced = current
	e.mu.Unlock()

	if len(added) == 0 && len(dropped) == 0 {
		return added, dropped
	}

	addedV4 := compactV4(added)
	droppedV4 := compactV4(dropped)
	addedV6 := compactV6(added)
	droppedV6 := compactV6(dropped)

	for _, s := range connected {
		s.SendExtendedMessage(extensions.NamePEX, peer.ExtendedPayload{
			"added":    addedV4,
			"dropped":  droppedV4,
			"added6":   addedV6,
			"dropped6": droppedV6,
		})
	}
	return added, dropped
}

// HandleReceived parses a received ut_pex payload (already decoded by the
// peer transport into domain.Address lists under "added"/"dropped") and
// returns the subset of added addresses worth dialing: those that aren't
// our own external address.
func (e *Engine) HandleReceived(payload peer.ExtendedPayload) []domain.Address {
	added, _ := payload["added"].([]domain.Address)
	if len(added) == 0 {
		return nil
	}
	e.mu.Lock()
	local := e.localExternalIP
	e.mu.Unlock()

	out := make([]domain.Address, 0, len(added))
	for _, a := range added {
		if local != nil && a.IP.Equal(local) {
			continue
		}
		out = append(out, a)
	}
	return out
}

func compactV4(addrs []domain.Address) []byte {
	return concatCompact(addrs, false)
}

func compactV6(addrs []domain.Address) []byte {
	return concatCompact(addrs, true)
}

func concatCompact(addrs []domain.Address, v6 bool) []byte {
	var buf []byte
	for _, a := range addrs {
		record, ok := a.EncodeCompact()
		if !ok {
			log.Sugar().Debugw("skipping non-compactable address", "addr", a.String())
			continue
		}
		if (len(record) == 18) != v6 {
			continue
		}
		buf = append(buf, record...)
	}
	return buf
}
