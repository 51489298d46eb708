// Every disk entry is a single file holding one record:
//
//	magic (4) | flags (1) | insertedAt unix nanos (8) | key length (4) | payload checksum (8) | key | payload
//
// Integers are big-endian. The checksum is the xxhash64 of the payload exactly as stored, i.e. after compression,
// so a torn or bit-flipped file is detected before it reaches the decompressor or the codec.

package cache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cespare/xxhash/v2"
)

var recordMagic = []byte("TCE1")

const (
	recordHeaderSize = 4 + 1 + 8 + 4 + 8
	maxRecordKeySize = 1 << 20
)

var errCorruptRecord = errors.New("corrupt disk record")

// checkKeySize rejects keys a record cannot hold.
func checkKeySize(key string) error {
	if len(key) > maxRecordKeySize {
		return fmt.Errorf("%w: key is %d bytes, at most %d are supported", ErrKeyTooLarge, len(key), maxRecordKeySize)
	}
	return nil
}

// recordFlags describe how the payload is stored.
type recordFlags uint8

// Is returns true if any of the given flags are set.
func (f recordFlags) Is(flags recordFlags) bool {
	return f&flags != 0
}

const (
	// compressedPayload marks payloads compressed with zstd.
	compressedPayload recordFlags = 1 << iota
)

// diskRecord is the decoded form of an entry file.
type diskRecord struct {
	flags      recordFlags
	insertedAt time.Time
	key        string
	payload    []byte
}

// pack serializes the record into a single byte slice.
func (r diskRecord) pack() []byte {
	buffer := make([]byte, recordHeaderSize+len(r.key)+len(r.payload))
	copy(buffer, recordMagic)
	buffer[4] = byte(r.flags)
	binary.BigEndian.PutUint64(buffer[5:13], uint64(r.insertedAt.UnixNano()))
	binary.BigEndian.PutUint32(buffer[13:17], uint32(len(r.key)))
	binary.BigEndian.PutUint64(buffer[17:25], xxhash.Sum64(r.payload))
	copy(buffer[recordHeaderSize:], r.key)
	copy(buffer[recordHeaderSize+len(r.key):], r.payload)
	return buffer
}

// recordHeader is the fixed size prefix of a record.
type recordHeader struct {
	flags      recordFlags
	insertedAt time.Time
	keySize    int
	checksum   uint64
}

func parseRecordHeader(header []byte) (recordHeader, error) {
	if len(header) < recordHeaderSize {
		return recordHeader{}, fmt.Errorf("%w: header is %d bytes", errCorruptRecord, len(header))
	}
	if !bytes.Equal(header[:4], recordMagic) {
		return recordHeader{}, fmt.Errorf("%w: bad magic %q", errCorruptRecord, header[:4])
	}
	keySize := binary.BigEndian.Uint32(header[13:17])
	if keySize > maxRecordKeySize {
		return recordHeader{}, fmt.Errorf("%w: key size %d", errCorruptRecord, keySize)
	}
	return recordHeader{
		flags:      recordFlags(header[4]),
		insertedAt: time.Unix(0, int64(binary.BigEndian.Uint64(header[5:13]))),
		keySize:    int(keySize),
		checksum:   binary.BigEndian.Uint64(header[17:25]),
	}, nil
}

// unpackRecord deserializes and verifies a whole record.
func unpackRecord(packed []byte) (diskRecord, error) {
	header, err := parseRecordHeader(packed)
	if err != nil {
		return diskRecord{}, err
	}
	if len(packed) < recordHeaderSize+header.keySize {
		return diskRecord{}, fmt.Errorf("%w: truncated key", errCorruptRecord)
	}
	payload := packed[recordHeaderSize+header.keySize:]
	if xxhash.Sum64(payload) != header.checksum {
		return diskRecord{}, fmt.Errorf("%w: checksum mismatch", errCorruptRecord)
	}
	return diskRecord{
		flags:      header.flags,
		insertedAt: header.insertedAt,
		key:        string(packed[recordHeaderSize : recordHeaderSize+header.keySize]),
		payload:    payload,
	}, nil
}

// readRecordMeta reads only the header and key; used when rebuilding the index on startup.
func readRecordMeta(r io.Reader) (recordHeader, string, error) {
	headerBytes := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return recordHeader{}, "", fmt.Errorf("%w: %v", errCorruptRecord, err)
	}
	header, err := parseRecordHeader(headerBytes)
	if err != nil {
		return recordHeader{}, "", err
	}
	key := make([]byte, header.keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return recordHeader{}, "", fmt.Errorf("%w: %v", errCorruptRecord, err)
	}
	return header, string(key), nil
}
