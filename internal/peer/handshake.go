package peer

import "encoding/binary"

const protoBitTorrent = "BitTorrent protocol"

// extendedProtocolBit marks BEP 10 support in the reserved handshake bytes.
const extendedProtocolBit = 0x00_00_00_00_00_10_00_00

type handshakeMsg struct {
	proto    string
	reserved uint64
	infoHash []byte
	peerID   []byte
}

func (h handshakeMsg) matches(v handshakeMsg) bool {
	return h.proto == v.proto && string(h.infoHash) == string(v.infoHash)
}

func (h handshakeMsg) supportsExtended() bool {
	return h.reserved&extendedProtocolBit != 0
}

func (h handshakeMsg) getBytes() []byte {
	buf := make([]byte, 1+len(h.proto)+8+20+20)
	n := 0
	buf[n] = byte(len(h.proto))
	n++
	n += copy(buf[n:], []byte(h.proto))
	binary.BigEndian.PutUint64(buf[n:], h.reserved)
	n += 8
	n += copy(buf[n:], h.infoHash)
	n += copy(buf[n:], h.peerID)
	return buf[:n]
}

func newHandshake(b []byte) handshakeMsg {
	var h handshakeMsg
	protoLen := int(b[0])
	n := 1
	h.proto = string(b[n : n+protoLen])
	n += protoLen
	h.reserved = binary.BigEndian.Uint64(b[n:])
	n += 8
	h.infoHash = append([]byte(nil), b[n:n+20]...)
	n += 20
	h.peerID = append([]byte(nil), b[n:n+20]...)
	return h
}
