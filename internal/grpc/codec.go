package grpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// The platform's auth and user services accept the "json" content
// subtype, so calls go out without generated protobuf stubs.
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
