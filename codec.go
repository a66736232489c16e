package memcache

import (
	"encoding/json"

	cbor "github.com/fxamacker/cbor/v2"
)

// Codec converts typed values to stored bytes for GetObject and SetObject.
// Raw reads and writes bypass it.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(b []byte, v any) error
}

// CBORCodec is the default codec.
type CBORCodec struct{}

func (CBORCodec) Marshal(v any) ([]byte, error)   { return cbor.Marshal(v) }
func (CBORCodec) Unmarshal(b []byte, v any) error { return cbor.Unmarshal(b, v) }

// JSONCodec stores values as JSON, readable by non-Go clients.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
