package extensions

import (
	"bytes"
	"errors"

	"github.com/jackpal/bencode-go"
)

// ut_metadata message types, BEP 9.
const (
	metadataRequest = 0
	metadataData    = 1
	metadataReject  = 2
)

// EncodeMetadataRequest builds the ut_metadata "request" payload for piece n.
func EncodeMetadataRequest(piece int) ([]byte, error) {
	d := map[string]interface{}{"msg_type": metadataRequest, "piece": piece}
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeMetadataMessage splits a received ut_metadata payload into its
// bencoded header and the raw metadata bytes that trail it (present only
// for msg_type == data).
func DecodeMetadataMessage(payload []byte) (msgType int, piece int, totalSize int, data []byte, err error) {
	reader := bytes.NewReader(payload)
	decoded, err := bencode.Decode(reader)
	if err != nil {
		return 0, 0, 0, nil, err
	}
	dict, ok := decoded.(map[string]interface{})
	if !ok {
		return 0, 0, 0, nil, errors.New("extensions: malformed ut_metadata message")
	}
	mt, _ := dict["msg_type"].(int64)
	p, _ := dict["piece"].(int64)
	size, _ := dict["total_size"].(int64)

	headerLen := len(payload) - reader.Len()
	trailing := payload[headerLen:]
	if int(mt) == metadataData {
		data = trailing
	}
	return int(mt), int(p), int(size), data, nil
}

// EncodeMetadataReject builds the ut_metadata "reject" payload for piece n.
func EncodeMetadataReject(piece int) ([]byte, error) {
	d := map[string]interface{}{"msg_type": metadataReject, "piece": piece}
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
