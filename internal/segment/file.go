package segment

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

// File is an open segment file. The appender and any number of reader cursors
// may share one handle; access is reference counted so the owner can seal and
// release while readers keep the OS file open.
//
// Writes append records at the committed length; readers never see bytes past
// it, so concurrent ReadAt and WriteAt cannot overlap.
type File struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	firstID  int64
	capacity int64 // max physical length, header included
	length   int64 // committed physical length, header included
	count    int32
	recentTS int64
	dirty    bool // records written since the last checkpoint
	refs     int
	writable bool
	closed   bool
}

// Create makes a new segment file. capacity is the physical size limit
// including the header. The file must not already exist.
func Create(path string, firstID, capacity int64) (*File, error) {
	if capacity < FileHeaderSize+RecordHeaderSize+ChecksumSize {
		return nil, fmt.Errorf("segment capacity %d too small", capacity)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating segment file: %w", err)
	}
	if _, err := f.WriteAt(encodeHeader(firstID, capacity, FileHeaderSize), 0); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("writing segment header: %w", err)
	}
	return &File{
		f:        f,
		path:     path,
		firstID:  firstID,
		capacity: capacity,
		length:   FileHeaderSize,
		refs:     1,
		writable: true,
	}, nil
}

// OpenRead opens an existing segment for reading. Records past the last
// checkpoint are recovered by scanning; a torn trailing record is ignored.
func OpenRead(path string, firstID int64) (*File, error) {
	return open(path, firstID, false)
}

// OpenAppend reopens an existing segment to continue appending. Used when a
// buffer is reopened on a directory whose last segment has room left.
func OpenAppend(path string, firstID int64) (*File, error) {
	return open(path, firstID, true)
}

func open(path string, firstID int64, writable bool) (*File, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening segment file: %w", err)
	}
	hdr := make([]byte, FileHeaderSize)
	if _, err := io.ReadFull(io.NewSectionReader(f, 0, FileHeaderSize), hdr); err != nil {
		f.Close()
		return nil, fmt.Errorf("reading segment header from %s: %w", path, err)
	}
	hdrFirstID, capacity, _, err := decodeHeader(hdr)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("segment %s: %w", path, err)
	}
	if hdrFirstID != firstID {
		f.Close()
		return nil, fmt.Errorf("segment %s: header first id %d does not match expected %d", path, hdrFirstID, firstID)
	}

	mf := &File{
		f:        f,
		path:     path,
		firstID:  firstID,
		capacity: capacity,
		length:   FileHeaderSize,
		refs:     1,
		writable: writable,
	}
	if err := mf.recover(); err != nil {
		f.Close()
		return nil, fmt.Errorf("segment %s: %w", path, err)
	}
	return mf, nil
}

// recover scans all records from the start of the file, restoring the
// committed length, message count and most recent timestamp. The scan stops
// at the first torn or corrupt record, which the next append overwrites.
func (mf *File) recover() error {
	info, err := mf.f.Stat()
	if err != nil {
		return err
	}
	end := info.Size()
	off := int64(FileHeaderSize)
	hdr := make([]byte, RecordHeaderSize)
	for off+RecordHeaderSize+ChecksumSize <= end {
		if _, err := mf.f.ReadAt(hdr, off); err != nil {
			return fmt.Errorf("reading record header at %d: %w", off, err)
		}
		ts, keyLen, payloadLen, err := decodeRecordHeader(hdr)
		if err != nil {
			break // torn write past the durable region
		}
		total := RecordLen(keyLen, payloadLen)
		if off+total > end || off+total > mf.capacity {
			break
		}
		raw := make([]byte, total)
		if _, err := mf.f.ReadAt(raw, off); err != nil {
			return fmt.Errorf("reading record at %d: %w", off, err)
		}
		if _, err := decodeRecord(raw); err != nil {
			break
		}
		mf.count++
		mf.recentTS = ts
		off += total
	}
	mf.length = off
	return nil
}

// Append encodes one record at the committed length. Returns the assigned
// message ID, or ErrSegmentFull if the record does not fit.
func (mf *File) Append(timestamp int64, routingKey string, payload []byte) (int64, error) {
	if len(routingKey) > MaxKeyLen {
		return 0, fmt.Errorf("routing key of %d bytes exceeds %d", len(routingKey), MaxKeyLen)
	}
	mf.mu.Lock()
	defer mf.mu.Unlock()
	if mf.closed {
		return 0, fmt.Errorf("segment %s is closed", mf.path)
	}
	if !mf.writable {
		return 0, fmt.Errorf("segment %s is not open for append", mf.path)
	}
	total := RecordLen(len(routingKey), len(payload))
	if mf.length+total > mf.capacity {
		return 0, ErrSegmentFull
	}
	buf := encodeRecord(timestamp, routingKey, payload)
	if _, err := mf.f.WriteAt(buf, mf.length); err != nil {
		return 0, fmt.Errorf("writing record: %w", err)
	}
	id := mf.firstID + mf.length - FileHeaderSize
	mf.length += total
	mf.count++
	mf.recentTS = timestamp
	mf.dirty = true
	return id, nil
}

// Checkpoint records the committed length in the header. With force, or when
// records were written since the last checkpoint, the file is fsynced.
func (mf *File) Checkpoint(force bool) error {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	return mf.checkpointLocked(force)
}

func (mf *File) checkpointLocked(force bool) error {
	if mf.closed || !mf.writable {
		return nil
	}
	if !mf.dirty && !force {
		return nil
	}
	hdr := make([]byte, 8)
	binary.BigEndian.PutUint64(hdr, uint64(mf.length))
	if _, err := mf.f.WriteAt(hdr, offCheckpoint); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := mf.f.Sync(); err != nil {
		return fmt.Errorf("syncing segment: %w", err)
	}
	mf.dirty = false
	return nil
}

// RenameTo moves the segment file, used to seal the active segment under its
// final-count name. The open handle stays valid.
func (mf *File) RenameTo(path string) error {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	if err := os.Rename(mf.path, path); err != nil {
		return fmt.Errorf("renaming segment: %w", err)
	}
	mf.path = path
	return nil
}

// Use adds a reference to the handle.
func (mf *File) Use() {
	mf.mu.Lock()
	mf.refs++
	mf.mu.Unlock()
}

// CloseIfUnused drops one reference and closes the OS file when none remain.
func (mf *File) CloseIfUnused() error {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	mf.refs--
	if mf.refs > 0 {
		return nil
	}
	return mf.closeLocked()
}

// Close checkpoints (if writable) and closes the OS file regardless of the
// reference count.
func (mf *File) Close() error {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	return mf.closeLocked()
}

func (mf *File) closeLocked() error {
	if mf.closed {
		return nil
	}
	cerr := mf.checkpointLocked(false)
	mf.closed = true
	if err := mf.f.Close(); err != nil {
		return fmt.Errorf("closing segment: %w", err)
	}
	return cerr
}

// Path returns the current file path.
func (mf *File) Path() string {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	return mf.path
}

// FirstID returns the ID of the first message in the segment.
func (mf *File) FirstID() int64 {
	return mf.firstID
}

// NextID returns the ID the next appended message would get.
func (mf *File) NextID() int64 {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	return mf.firstID + mf.length - FileHeaderSize
}

// Length returns the committed physical length including the header.
func (mf *File) Length() int64 {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	return mf.length
}

// MessageCount returns the number of records in the segment.
func (mf *File) MessageCount() int32 {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	return mf.count
}

// MostRecentTimestamp returns the timestamp of the last appended record, or 0
// if the segment is empty.
func (mf *File) MostRecentTimestamp() int64 {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	return mf.recentTS
}

func (mf *File) committedLength() int64 {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	return mf.length
}
