package taskservice

import (
	"bytes"
	"encoding/gob"
)

// gobCodec is the wire codec for the internal task service. The service
// has no generated protobuf messages in this pack (no protoc toolchain is
// available to produce one), so gob is used for the handful of plain Go
// structs it exchanges; the external-facing proxy server never touches
// this codec, it only ever forwards opaque framed bytes.
type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string {
	return "gob"
}
