package extensions

import (
	"bytes"

	"github.com/jackpal/bencode-go"

	"github.com/nilsbren/swarmcore/internal/domain"
)

// PEXPayload is the {added, dropped} dict ut_pex carries, each value the
// concatenation of compact address records (BEP 11, plus the v2 *6 keys for
// IPv6, per the spec's design-note decision to add them).
type PEXPayload struct {
	Added    []byte
	Dropped  []byte
	Added6   []byte
	Dropped6 []byte
}

// EncodePEX concatenates each address list into compact byte strings and
// bencodes the resulting dict. Addresses that cannot be represented
// compactly are silently skipped, as the spec requires.
func EncodePEX(added, dropped []domain.Address) ([]byte, error) {
	payload := PEXPayload{
		Added:    concatCompact(added, false),
		Dropped:  concatCompact(dropped, false),
		Added6:   concatCompact(added, true),
		Dropped6: concatCompact(dropped, true),
	}
	return payload.encode()
}

// EncodePEXRaw bencodes already-concatenated compact address records — used
// by the wire layer, which receives the bytes the PEX engine already built
// rather than domain.Address values.
func EncodePEXRaw(added, dropped, added6, dropped6 []byte) ([]byte, error) {
	payload := PEXPayload{Added: added, Dropped: dropped, Added6: added6, Dropped6: dropped6}
	return payload.encode()
}

func concatCompact(addrs []domain.Address, v6 bool) []byte {
	var buf bytes.Buffer
	for _, a := range addrs {
		record, ok := a.EncodeCompact()
		if !ok {
			continue
		}
		isV6 := len(record) == 18
		if isV6 != v6 {
			continue
		}
		buf.Write(record)
	}
	return buf.Bytes()
}

func (p PEXPayload) encode() ([]byte, error) {
	dict := map[string]interface{}{}
	if len(p.Added) > 0 {
		dict["added"] = string(p.Added)
	}
	if len(p.Dropped) > 0 {
		dict["dropped"] = string(p.Dropped)
	}
	if len(p.Added6) > 0 {
		dict["added6"] = string(p.Added6)
	}
	if len(p.Dropped6) > 0 {
		dict["dropped6"] = string(p.Dropped6)
	}
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, dict); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodePEX parses a received ut_pex payload back into address lists.
func DecodePEX(payload []byte) (added, dropped []domain.Address, err error) {
	decoded, err := bencode.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, nil, err
	}
	dict, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, nil, nil
	}
	added = append(added, decodeField(dict, "added", domain.DecodeCompactV4)...)
	added = append(added, decodeField(dict, "added6", domain.DecodeCompactV6)...)
	dropped = append(dropped, decodeField(dict, "dropped", domain.DecodeCompactV4)...)
	dropped = append(dropped, decodeField(dict, "dropped6", domain.DecodeCompactV6)...)
	return added, dropped, nil
}

func decodeField(dict map[string]interface{}, key string, decode func([]byte) []domain.Address) []domain.Address {
	raw, ok := dict[key].(string)
	if !ok {
		return nil
	}
	return decode([]byte(raw))
}
