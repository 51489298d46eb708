package cache

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type testDocument struct {
	Title string   `json:"title"`
	Tags  []string `json:"tags"`
}

func TestJSONCodec(t *testing.T) {
	codec := JSONCodec[testDocument]{}
	data, err := codec.Marshal(testDocument{Title: "tiers", Tags: []string{"a", "b"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"tiers","tags":["a","b"]}`, string(data))

	doc, err := codec.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, "tiers", doc.Title)

	_, err = codec.Unmarshal([]byte("{not json"))
	assert.Error(t, err)
}

func TestJSONCodec_UnsupportedValue(t *testing.T) {
	_, err := JSONCodec[float64]{}.Marshal(math.Inf(1))
	assert.Error(t, err, "JSON cannot represent infinity")
}

func TestBytesCodec_UnmarshalCopies(t *testing.T) {
	data := []byte("payload")
	out, err := BytesCodec{}.Unmarshal(data)
	require.NoError(t, err)
	data[0] = 'X'
	assert.Equal(t, []byte("payload"), out)
}

func TestProtoCodec(t *testing.T) {
	codec := NewProtoCodec(func() *wrapperspb.StringValue { return new(wrapperspb.StringValue) })
	data, err := codec.Marshal(wrapperspb.String("hello"))
	require.NoError(t, err)

	msg, err := codec.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.GetValue())

	_, err = codec.Unmarshal([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
}

func TestProtoCodec_Struct(t *testing.T) {
	codec := NewProtoCodec(func() *structpb.Struct { return new(structpb.Struct) })
	in, err := structpb.NewStruct(map[string]any{"name": "kiwi", "size": 3})
	require.NoError(t, err)
	data, err := codec.Marshal(in)
	require.NoError(t, err)
	out, err := codec.Unmarshal(data)
	require.NoError(t, err)
	assert.True(t, proto.Equal(in, out))
}

func TestProtoCodec_MissingConstructor(t *testing.T) {
	_, err := ProtoCodec[*wrapperspb.StringValue]{}.Unmarshal(nil)
	assert.Error(t, err)
}
