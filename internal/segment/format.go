package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

const (
	// FileHeaderSize is the fixed space reserved at the start of every
	// segment file. Message IDs count record bytes only, so this header is
	// excluded from ID arithmetic.
	// Layout: [4 magic][2 version][2 reserved][8 first_id][8 capacity][8 checkpoint]
	FileHeaderSize = 2048

	// RecordHeaderSize is the fixed header for each encoded record.
	// Layout: [1 flag][8 timestamp_ms][2 key_len][4 payload_len]
	RecordHeaderSize = 15

	// ChecksumSize is the trailing CRC32 checksum per record.
	ChecksumSize = 4

	// Magic identifies the segment file format.
	Magic = uint32(0x4D534547) // "MSEG"

	formatVersion = uint16(1)

	recordFlag = byte(0xA1)

	// MaxKeyLen bounds the routing key (2-byte length field).
	MaxKeyLen = 1<<16 - 1

	offMagic      = 0
	offVersion    = 4
	offFirstID    = 8
	offCapacity   = 16
	offCheckpoint = 24
)

// ErrSegmentFull is returned by Append when the record does not fit in the
// remaining capacity. The caller seals this segment and opens a new one.
var ErrSegmentFull = errors.New("segment is full")

// RecordLen returns the encoded byte length of a record, which is also the
// amount the message ID advances past it.
func RecordLen(keyLen, payloadLen int) int64 {
	return int64(RecordHeaderSize + keyLen + payloadLen + ChecksumSize)
}

func encodeHeader(firstID, capacity, checkpoint int64) []byte {
	hdr := make([]byte, FileHeaderSize)
	binary.BigEndian.PutUint32(hdr[offMagic:], Magic)
	binary.BigEndian.PutUint16(hdr[offVersion:], formatVersion)
	binary.BigEndian.PutUint64(hdr[offFirstID:], uint64(firstID))
	binary.BigEndian.PutUint64(hdr[offCapacity:], uint64(capacity))
	binary.BigEndian.PutUint64(hdr[offCheckpoint:], uint64(checkpoint))
	return hdr
}

func decodeHeader(hdr []byte) (firstID, capacity, checkpoint int64, err error) {
	if len(hdr) < FileHeaderSize {
		return 0, 0, 0, fmt.Errorf("segment header too small: %d bytes", len(hdr))
	}
	if m := binary.BigEndian.Uint32(hdr[offMagic:]); m != Magic {
		return 0, 0, 0, fmt.Errorf("invalid segment magic: 0x%08X", m)
	}
	if v := binary.BigEndian.Uint16(hdr[offVersion:]); v != formatVersion {
		return 0, 0, 0, fmt.Errorf("unsupported segment version: %d", v)
	}
	firstID = int64(binary.BigEndian.Uint64(hdr[offFirstID:]))
	capacity = int64(binary.BigEndian.Uint64(hdr[offCapacity:]))
	checkpoint = int64(binary.BigEndian.Uint64(hdr[offCheckpoint:]))
	return firstID, capacity, checkpoint, nil
}

// encodeRecord serializes one record. CRC32 covers flag through payload.
func encodeRecord(timestamp int64, key string, payload []byte) []byte {
	buf := make([]byte, RecordLen(len(key), len(payload)))
	buf[0] = recordFlag
	binary.BigEndian.PutUint64(buf[1:9], uint64(timestamp))
	binary.BigEndian.PutUint16(buf[9:11], uint16(len(key)))
	binary.BigEndian.PutUint32(buf[11:15], uint32(len(payload)))
	pos := RecordHeaderSize
	pos += copy(buf[pos:], key)
	pos += copy(buf[pos:], payload)
	crc := crc32.ChecksumIEEE(buf[:pos])
	binary.BigEndian.PutUint32(buf[pos:], crc)
	return buf
}

// record is a decoded record plus its encoded length.
type record struct {
	timestamp int64
	key       string
	payload   []byte
	length    int64
}

// decodeRecordHeader validates the fixed header and returns the record's
// timestamp, key length and payload length, without verifying the checksum.
func decodeRecordHeader(hdr []byte) (timestamp int64, keyLen, payloadLen int, err error) {
	if len(hdr) < RecordHeaderSize {
		return 0, 0, 0, fmt.Errorf("record header too small: %d bytes", len(hdr))
	}
	if hdr[0] != recordFlag {
		return 0, 0, 0, fmt.Errorf("invalid record flag: 0x%02X", hdr[0])
	}
	timestamp = int64(binary.BigEndian.Uint64(hdr[1:9]))
	keyLen = int(binary.BigEndian.Uint16(hdr[9:11]))
	payloadLen = int(binary.BigEndian.Uint32(hdr[11:15]))
	return timestamp, keyLen, payloadLen, nil
}

// decodeRecord parses and checksums a full encoded record.
func decodeRecord(raw []byte) (record, error) {
	ts, keyLen, payloadLen, err := decodeRecordHeader(raw)
	if err != nil {
		return record{}, err
	}
	total := RecordLen(keyLen, payloadLen)
	if int64(len(raw)) < total {
		return record{}, fmt.Errorf("truncated record: have %d bytes, need %d", len(raw), total)
	}
	body := total - ChecksumSize
	expected := binary.BigEndian.Uint32(raw[body:total])
	actual := crc32.ChecksumIEEE(raw[:body])
	if expected != actual {
		return record{}, fmt.Errorf("record checksum mismatch: expected 0x%08X, got 0x%08X", expected, actual)
	}
	pos := int64(RecordHeaderSize)
	key := string(raw[pos : pos+int64(keyLen)])
	pos += int64(keyLen)
	payload := make([]byte, payloadLen)
	copy(payload, raw[pos:pos+int64(payloadLen)])
	return record{timestamp: ts, key: key, payload: payload, length: total}, nil
}
