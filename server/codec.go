package server

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// JSONSubtype is the optional content subtype for JSON clients, selected with
// grpc.CallContentSubtype(JSONSubtype). The default subtype is protobuf.
const JSONSubtype = "json"

// jsonCodec encodes the recall messages with their protobuf JSON mapping.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("json codec: %T is not a proto.Message", v)
	}
	return protojson.Marshal(m)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("json codec: %T is not a proto.Message", v)
	}
	return protojson.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(data, m)
}

func (jsonCodec) Name() string { return JSONSubtype }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
