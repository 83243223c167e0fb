package domain

import (
	"encoding/binary"
	"errors"
	"net"
	"strconv"
)

// Address is a remote peer's network address, compact-encodable per BEP 5/11.
type Address struct {
	IP   net.IP
	Port uint16
}

// Equal compares by IP and port, mirroring the teacher's Host.Equal.
func (a Address) Equal(other Address) bool {
	return a.Port == other.Port && a.IP.Equal(other.IP)
}

// String renders "host:port" for logging and map keys.
func (a Address) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

// EncodeCompact renders the 6-byte (IPv4) or 18-byte (IPv6) compact record
// used by ut_pex: address bytes followed by a big-endian port. Returns
// (nil, false) for addresses that cannot be represented compactly.
func (a Address) EncodeCompact() ([]byte, bool) {
	if v4 := a.IP.To4(); v4 != nil {
		buf := make([]byte, 6)
		copy(buf[0:4], v4)
		binary.BigEndian.PutUint16(buf[4:6], a.Port)
		return buf, true
	}
	if v6 := a.IP.To16(); v6 != nil && a.IP.To4() == nil {
		buf := make([]byte, 18)
		copy(buf[0:16], v6)
		binary.BigEndian.PutUint16(buf[16:18], a.Port)
		return buf, true
	}
	return nil, false
}

// DecodeCompactV4 parses a concatenation of 6-byte compact records,
// silently skipping a trailing partial record.
func DecodeCompactV4(b []byte) []Address {
	var out []Address
	for i := 0; i+6 <= len(b); i += 6 {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3])
		port := binary.BigEndian.Uint16(b[i+4 : i+6])
		out = append(out, Address{IP: ip, Port: port})
	}
	return out
}

// DecodeCompactV6 parses a concatenation of 18-byte compact records (BEP 11
// v2 added6/dropped6), silently skipping a trailing partial record.
func DecodeCompactV6(b []byte) []Address {
	var out []Address
	for i := 0; i+18 <= len(b); i += 18 {
		ip := make(net.IP, 16)
		copy(ip, b[i:i+16])
		port := binary.BigEndian.Uint16(b[i+16 : i+18])
		out = append(out, Address{IP: ip, Port: port})
	}
	return out
}

// ParseAddress builds an Address from a host and numeric port, returning an
// error for a non-parseable host — the caller (PEX encode path) is expected
// to silently skip such addresses rather than fail the whole tick.
func ParseAddress(host string, port uint16) (Address, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return Address{}, errors.New("domain: address not parseable")
	}
	return Address{IP: ip, Port: port}, nil
}
