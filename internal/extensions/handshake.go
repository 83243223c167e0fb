// Package extensions encodes and decodes BEP 10 extended-protocol payloads:
// the extended handshake itself, the ut_pex gossip payload, and the kept
// ut_metadata exchange — all bencode dictionaries, grounded in the teacher's
// lib/extensions package which used the same jackpal/bencode-go encoder.
package extensions

import (
	"bytes"
	"net"

	"github.com/jackpal/bencode-go"
)

// NamePEX and NameMetadata are the extension names negotiated in the "m"
// dict of the extended handshake. NameHandshake is not negotiated — it is
// the reserved name the extended handshake message (id 0) itself is
// reported under via OnExtendedEvent, carrying whatever "yourip" it held.
const (
	NamePEX       = "ut_pex"
	NameMetadata  = "ut_metadata"
	NameHandshake = "handshake"
)

// Handshake is the decoded body of an extended handshake message (id 0).
type Handshake struct {
	// M maps extension name to the local message id the peer wants it sent
	// under.
	M map[string]int64
	// YourIP is the peer's view of our external address, raw 4 or 16 bytes.
	YourIP net.IP
	// MetadataSize is the advertised size of the torrent's info dict, 0 if
	// unknown.
	MetadataSize int64
}

// EncodeHandshake renders our extended handshake dict: the ids we assign to
// each extension we support, keyed by name.
func EncodeHandshake(ourIDs map[string]int64) ([]byte, error) {
	m := make(map[string]interface{}, len(ourIDs))
	for name, id := range ourIDs {
		m[name] = id
	}
	dict := map[string]interface{}{"m": m}
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, dict); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeHandshake parses a peer's extended handshake payload.
func DecodeHandshake(payload []byte) (Handshake, error) {
	var h Handshake
	decoded, err := bencode.Decode(bytes.NewReader(payload))
	if err != nil {
		return h, err
	}
	dict, ok := decoded.(map[string]interface{})
	if !ok {
		return h, nil
	}
	if mRaw, ok := dict["m"].(map[string]interface{}); ok {
		h.M = make(map[string]int64, len(mRaw))
		for name, v := range mRaw {
			if id, ok := v.(int64); ok {
				h.M[name] = id
			}
		}
	}
	if ipRaw, ok := dict["yourip"].(string); ok {
		h.YourIP = net.IP([]byte(ipRaw))
	}
	if size, ok := dict["metadata_size"].(int64); ok {
		h.MetadataSize = size
	}
	return h, nil
}
