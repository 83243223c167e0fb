package peer

import (
	"net"
	"strconv"
	"time"

	"github.com/nilsbren/swarmcore/internal/domain"
)

// Factory builds inbound and outbound wirePeers bound to a single torrent's
// info hash and local peer id, grounded in the teacher's
// lib/platform/peer.PeerFactory.
type Factory struct {
	InfoHash []byte
	OurID    []byte
}

// New builds an outbound peer handle for addr; Connect must still be called.
func (f Factory) New(addr domain.Address) Peer {
	return New(domain.PeerID(addr.String()), addr, f.InfoHash, f.OurID)
}

// Serve listens on the first free port in [startPort, endPort) and pushes an
// already-handshaken Peer for every inbound connection onto the returned
// channel.
func (f Factory) Serve(startPort, endPort int) (<-chan Peer, net.Listener, error) {
	var lastErr error
	for port := startPort; port < endPort; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
		if err != nil {
			lastErr = err
			continue
		}
		out := make(chan Peer)
		go f.acceptLoop(ln, out)
		return out, ln, nil
	}
	return nil, nil, lastErr
}

func (f Factory) acceptLoop(ln net.Listener, out chan<- Peer) {
	defer close(out)
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go f.accept(conn, out)
	}
}

func (f Factory) accept(conn net.Conn, out chan<- Peer) {
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	respBuf := make([]byte, 68)
	n, err := readFull(conn, respBuf)
	if err != nil {
		conn.Close()
		return
	}
	req := newHandshake(respBuf[:n])

	reply := handshakeMsg{proto: protoBitTorrent, reserved: extendedProtocolBit, infoHash: req.infoHash, peerID: f.OurID}
	if _, err := conn.Write(reply.getBytes()); err != nil {
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	host, portStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		conn.Close()
		return
	}
	port, _ := strconv.Atoi(portStr)
	addr := domain.Address{IP: net.ParseIP(host), Port: uint16(port)}

	wp := New(domain.PeerID(string(req.peerID)), addr, f.InfoHash, f.OurID).(*wirePeer)
	wp.conn = conn
	wp.mu.Lock()
	wp.state.Connected = true
	wp.state.AmChoking = true
	wp.state.PeerChoking = true
	wp.mu.Unlock()

	go wp.writeLoop()
	go wp.readLoop()

	if req.supportsExtended() {
		wp.sendExtendedHandshake()
	}

	out <- wp
}
