package segment

import (
	"fmt"
)

// Cursor iterates the records of one segment in forward order. It starts
// "before" its first record; Next may be called again after returning false
// and will return true once more records are committed (active segment).
//
// A Cursor does not own the File reference; the caller pairs Use with
// CloseIfUnused around the cursor's lifetime.
type Cursor struct {
	f   *File
	off int64 // file offset of the next record to read

	id        int64
	timestamp int64
	key       string
	payload   []byte
}

// Cursor returns a cursor positioned just before the first record whose ID is
// >= fromID. IDs below the segment's first ID position at the start.
func (mf *File) Cursor(fromID int64) (*Cursor, error) {
	c := &Cursor{f: mf, off: FileHeaderSize}
	if fromID <= mf.firstID {
		return c, nil
	}
	target := FileHeaderSize + (fromID - mf.firstID)
	end := mf.committedLength()
	hdr := make([]byte, RecordHeaderSize)
	for c.off < end && c.off < target {
		total, err := mf.recordLenAt(c.off, hdr)
		if err != nil {
			return nil, err
		}
		c.off += total
	}
	return c, nil
}

// CursorByTimestamp returns a cursor positioned just before the last record
// whose timestamp is <= ts, so that record is the first one returned. If
// every record is newer than ts the cursor starts at the first record.
func (mf *File) CursorByTimestamp(ts int64) (*Cursor, error) {
	c := &Cursor{f: mf, off: FileHeaderSize}
	end := mf.committedLength()
	off := int64(FileHeaderSize)
	hdr := make([]byte, RecordHeaderSize)
	for off+RecordHeaderSize+ChecksumSize <= end {
		if _, err := mf.f.ReadAt(hdr, off); err != nil {
			return nil, fmt.Errorf("reading record header at %d: %w", off, err)
		}
		recTS, keyLen, payloadLen, err := decodeRecordHeader(hdr)
		if err != nil {
			return nil, fmt.Errorf("invalid record at %d: %w", off, err)
		}
		if recTS > ts {
			break
		}
		c.off = off
		off += RecordLen(keyLen, payloadLen)
	}
	return c, nil
}

func (mf *File) recordLenAt(off int64, hdr []byte) (int64, error) {
	if _, err := mf.f.ReadAt(hdr, off); err != nil {
		return 0, fmt.Errorf("reading record header at %d: %w", off, err)
	}
	_, keyLen, payloadLen, err := decodeRecordHeader(hdr)
	if err != nil {
		return 0, fmt.Errorf("invalid record at %d: %w", off, err)
	}
	return RecordLen(keyLen, payloadLen), nil
}

// Next advances to the next committed record. Returns false at the committed
// end of the segment.
func (c *Cursor) Next() (bool, error) {
	end := c.f.committedLength()
	if c.off+RecordHeaderSize+ChecksumSize > end {
		return false, nil
	}
	hdr := make([]byte, RecordHeaderSize)
	if _, err := c.f.f.ReadAt(hdr, c.off); err != nil {
		return false, fmt.Errorf("reading record header at %d: %w", c.off, err)
	}
	_, keyLen, payloadLen, err := decodeRecordHeader(hdr)
	if err != nil {
		return false, fmt.Errorf("invalid record at %d: %w", c.off, err)
	}
	total := RecordLen(keyLen, payloadLen)
	if c.off+total > end {
		return false, nil
	}
	raw := make([]byte, total)
	if _, err := c.f.f.ReadAt(raw, c.off); err != nil {
		return false, fmt.Errorf("reading record at %d: %w", c.off, err)
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return false, fmt.Errorf("record at %d: %w", c.off, err)
	}
	c.id = c.f.firstID + c.off - FileHeaderSize
	c.timestamp = rec.timestamp
	c.key = rec.key
	c.payload = rec.payload
	c.off += total
	return true, nil
}

// ID returns the ID of the current record.
func (c *Cursor) ID() int64 { return c.id }

// Timestamp returns the timestamp of the current record in ms since epoch.
func (c *Cursor) Timestamp() int64 { return c.timestamp }

// RoutingKey returns the routing key of the current record.
func (c *Cursor) RoutingKey() string { return c.key }

// PayloadSize returns the payload length of the current record.
func (c *Cursor) PayloadSize() int { return len(c.payload) }

// Payload returns the payload of the current record.
func (c *Cursor) Payload() []byte { return c.payload }

// TimelineEntry is one sampled point of a segment's internal timeline.
type TimelineEntry struct {
	ID        int64
	Timestamp int64
	Count     int32
	Bytes     int64
}

// timelineSampleBytes controls timeline granularity within a segment.
const timelineSampleBytes = 64 * 1024

// Timeline scans the segment and returns sampled (id, timestamp) boundaries
// roughly every 64 KiB of records, with per-interval counts and byte sizes.
// The final entry carries the next ID and most recent timestamp with zero
// count and bytes.
func (mf *File) Timeline() ([]TimelineEntry, error) {
	end := mf.committedLength()
	var entries []TimelineEntry
	off := int64(FileHeaderSize)
	hdr := make([]byte, RecordHeaderSize)
	var cur *TimelineEntry
	var lastTS int64
	for off+RecordHeaderSize+ChecksumSize <= end {
		if _, err := mf.f.ReadAt(hdr, off); err != nil {
			return nil, fmt.Errorf("reading record header at %d: %w", off, err)
		}
		ts, keyLen, payloadLen, err := decodeRecordHeader(hdr)
		if err != nil {
			return nil, fmt.Errorf("invalid record at %d: %w", off, err)
		}
		total := RecordLen(keyLen, payloadLen)
		if off+total > end {
			break
		}
		if cur == nil || cur.Bytes >= timelineSampleBytes {
			entries = append(entries, TimelineEntry{ID: mf.firstID + off - FileHeaderSize, Timestamp: ts})
			cur = &entries[len(entries)-1]
		}
		cur.Count++
		cur.Bytes += total
		lastTS = ts
		off += total
	}
	entries = append(entries, TimelineEntry{ID: mf.firstID + off - FileHeaderSize, Timestamp: lastTS})
	return entries, nil
}
