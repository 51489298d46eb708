package cache

import (
	"encoding/json"
	"errors"

	"google.golang.org/protobuf/proto"
)

// Codec converts cache values to and from bytes for the disk store. The cache never inspects values otherwise.
type Codec[V any] interface {
	Marshal(value V) ([]byte, error)
	Unmarshal(data []byte) (V, error)
}

// JSONCodec encodes values with encoding/json.
type JSONCodec[V any] struct{}

func (JSONCodec[V]) Marshal(value V) ([]byte, error) {
	return json.Marshal(value)
}

func (JSONCodec[V]) Unmarshal(data []byte) (V, error) {
	var value V
	err := json.Unmarshal(data, &value)
	return value, err
}

// StringCodec stores strings verbatim.
type StringCodec struct{}

func (StringCodec) Marshal(value string) ([]byte, error) { return []byte(value), nil }

func (StringCodec) Unmarshal(data []byte) (string, error) { return string(data), nil }

// BytesCodec stores byte slices verbatim. Unmarshal copies, so callers may keep the result.
type BytesCodec struct{}

func (BytesCodec) Marshal(value []byte) ([]byte, error) { return value, nil }

func (BytesCodec) Unmarshal(data []byte) ([]byte, error) {
	return append([]byte(nil), data...), nil
}

// ProtoCodec encodes protobuf messages in their binary wire format.
type ProtoCodec[V proto.Message] struct {
	New func() V // Allocates an empty message to unmarshal into.
}

// NewProtoCodec returns a ProtoCodec that allocates messages with `newMessage`.
func NewProtoCodec[V proto.Message](newMessage func() V) ProtoCodec[V] {
	return ProtoCodec[V]{New: newMessage}
}

func (c ProtoCodec[V]) Marshal(value V) ([]byte, error) {
	return proto.MarshalOptions{Deterministic: true}.Marshal(value)
}

func (c ProtoCodec[V]) Unmarshal(data []byte) (V, error) {
	if c.New == nil {
		var zero V
		return zero, errors.New("proto codec has no message constructor")
	}
	message := c.New()
	if err := proto.Unmarshal(data, message); err != nil {
		var zero V
		return zero, err
	}
	return message, nil
}

var (
	_ Codec[string]        = StringCodec{}
	_ Codec[[]byte]        = BytesCodec{}
	_ Codec[int]           = JSONCodec[int]{}
	_ Codec[proto.Message] = ProtoCodec[proto.Message]{}
)
