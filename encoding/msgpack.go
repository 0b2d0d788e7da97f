// Package encoding provides centralized serialization for branchsync.
// Everything persisted to Pebble or to durable blobs (inst records, branch
// records, markers) goes through Marshal/Unmarshal here, and update log
// entries go through FormatUpdate/ParseUpdate.
//
// Thread Safety: all functions are safe for concurrent use.
package encoding

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data using loose interface decoding, so strings
// decoded into interface{} stay Go strings instead of []byte.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}

// MarshalStrings encodes a string list such as inst markers. A nil list
// encodes to nil so empty columns stay NULL.
func MarshalStrings(v []string) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return Marshal(v)
}

// UnmarshalStrings is the inverse of MarshalStrings
func UnmarshalStrings(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out []string
	if err := Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
