package cache

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskRecord_PackUnpack(t *testing.T) {
	insertedAt := time.Unix(1_700_000_000, 123456789)
	for _, testCase := range []struct {
		name   string
		record diskRecord
	}{
		{
			name:   "plain",
			record: diskRecord{insertedAt: insertedAt, key: "user:42", payload: []byte(`{"name":"kiwi"}`)},
		},
		{
			name:   "compressed_flag",
			record: diskRecord{flags: compressedPayload, insertedAt: insertedAt, key: "k", payload: []byte{1, 2, 3}},
		},
		{
			name:   "empty_payload",
			record: diskRecord{insertedAt: insertedAt, key: "empty"},
		},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			packed := testCase.record.pack()
			assert.Len(t, packed, recordHeaderSize+len(testCase.record.key)+len(testCase.record.payload))

			unpacked, err := unpackRecord(packed)
			require.NoError(t, err)
			assert.Equal(t, testCase.record.key, unpacked.key)
			assert.Equal(t, testCase.record.flags, unpacked.flags)
			assert.Equal(t, testCase.record.insertedAt.UnixNano(), unpacked.insertedAt.UnixNano())
			assert.Equal(t, len(testCase.record.payload), len(unpacked.payload))

			header, key, err := readRecordMeta(bytes.NewReader(packed))
			require.NoError(t, err)
			assert.Equal(t, testCase.record.key, key)
			assert.Equal(t, len(testCase.record.key), header.keySize)
		})
	}
}

func TestDiskRecord_Corruption(t *testing.T) {
	packed := diskRecord{insertedAt: time.Now(), key: "key", payload: []byte("payload")}.pack()

	for _, testCase := range []struct {
		name    string
		corrupt func([]byte) []byte
	}{
		{name: "empty", corrupt: func([]byte) []byte { return nil }},
		{name: "truncated_header", corrupt: func(b []byte) []byte { return b[:recordHeaderSize-1] }},
		{name: "bad_magic", corrupt: func(b []byte) []byte { b[0] = 'X'; return b }},
		{name: "flipped_payload_bit", corrupt: func(b []byte) []byte { b[len(b)-1] ^= 0x01; return b }},
		{name: "truncated_payload", corrupt: func(b []byte) []byte { return b[:len(b)-2] }},
		{name: "truncated_key", corrupt: func(b []byte) []byte { return b[:recordHeaderSize+1] }},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := unpackRecord(testCase.corrupt(bytes.Clone(packed)))
			assert.ErrorIs(t, err, errCorruptRecord)
		})
	}
}

func TestRecordFlags_Is(t *testing.T) {
	assert.True(t, compressedPayload.Is(compressedPayload))
	assert.False(t, recordFlags(0).Is(compressedPayload))
}
