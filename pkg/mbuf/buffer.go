package mbuf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gftdcojp/msgbuf/internal/dirindex"
	"github.com/gftdcojp/msgbuf/internal/metrics"
	"github.com/gftdcojp/msgbuf/internal/segment"
	"go.uber.org/zap"
)

// Buffer is an append-only, durable message buffer backed by a directory of
// segment files. Producers append (timestamp, routing key, payload) records;
// consumers stream them through forward cursors. The buffer is a bounded ring
// over disk: once the total size exceeds MaxSize the oldest segments are
// reclaimed.
//
// A message ID is the byte offset of its encoded record from the start of the
// buffer's logical stream, so ID deltas equal encoded sizes and size and
// timeline queries need no scanning.
//
// All methods are safe for concurrent use.
type Buffer struct {
	dir    string
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	idx     *dirindex.Index
	current *segment.File // active segment, nil until first opened for an append or a query after open
	lastLen int64         // physical length of the last segment while current == nil
	waiters []*Cursor     // sparse; nil slots reused
	open    bool

	syncTimer   *time.Timer
	syncPending bool

	shutdownID int
}

// Open creates or opens a buffer on dir. The directory is created if needed
// and must be writable; every *.qdb file in it must have a valid segment
// name.
func Open(dir string, opts Options) (*Buffer, error) {
	resolved, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating buffer dir %s: %w", dir, err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	probe, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("buffer dir %s is not writable: %w", dir, err)
	}
	probe.Close()
	os.Remove(probe.Name())

	idx, err := dirindex.Scan(dir)
	if err != nil {
		return nil, err
	}

	b := &Buffer{
		dir:    dir,
		opts:   resolved,
		logger: resolved.Logger,
		idx:    idx,
		open:   true,
	}
	if n := idx.Count(); n > 0 {
		last := idx.Tail() - 1
		fi, err := os.Stat(b.filePath(last))
		if err != nil {
			return nil, fmt.Errorf("stat last segment: %w", err)
		}
		b.lastLen = fi.Size()
	}
	b.shutdownID = registerForShutdown(b)

	b.logger.Debug("buffer opened",
		zap.String("dir", dir),
		zap.Int("segments", idx.Count()),
	)
	return b, nil
}

// filePath builds the on-disk path of segment i from the index entry.
// Callers hold b.mu.
func (b *Buffer) filePath(i int) string {
	return filepath.Join(b.dir, segment.FileName(b.idx.ID(i), b.idx.Timestamp(i), b.idx.MsgCount(i)))
}

// segmentLength resolves the configured or derived segment file size.
func (b *Buffer) segmentLength() int64 {
	if b.opts.SegmentLength > 0 {
		return b.opts.SegmentLength
	}
	ans := b.opts.MaxSize / int64(b.opts.SegmentCount)
	if ans > maxSegmentLength {
		ans = maxSegmentLength
	}
	if min := int64(b.opts.MaxPayloadSize) + 2048; ans < min {
		ans = min
	}
	return ans
}

// maxPayloadSize resolves the configured or derived per-record payload limit.
func (b *Buffer) maxPayloadSize() int {
	if b.opts.MaxPayloadSize > 0 {
		return b.opts.MaxPayloadSize
	}
	return int(b.segmentLength() - 2048)
}

// Append stores one message and returns its ID. Blocked cursors waiting for
// new messages are woken after the record is committed.
func (b *Buffer) Append(timestamp int64, routingKey string, payload []byte) (int64, error) {
	var (
		id       int64
		snapshot []*Cursor
		cleanup  bool
	)

	b.mu.Lock()
	if !b.open {
		b.mu.Unlock()
		return 0, ErrClosed
	}
	maxLen := b.maxPayloadSize()
	if len(payload) > maxLen {
		b.mu.Unlock()
		return 0, &OversizeError{Size: len(payload), Max: maxLen}
	}

	if b.current == nil {
		var err error
		if b.idx.Count() == 0 {
			err = b.createFirstSegmentLocked(timestamp)
		} else {
			err = b.ensureCurrentLocked()
		}
		if err != nil {
			b.mu.Unlock()
			return 0, err
		}
	}

	id, err := b.current.Append(timestamp, routingKey, payload)
	if errors.Is(err, segment.ErrSegmentFull) {
		id, err = b.rolloverLocked(timestamp, routingKey, payload)
		cleanup = err == nil
	}
	if err != nil {
		b.mu.Unlock()
		return 0, err
	}

	snapshot = b.waiters
	if b.opts.AutoSyncInterval > 0 && !b.syncPending {
		b.syncPending = true
		b.syncTimer = time.AfterFunc(b.opts.AutoSyncInterval, b.autoSync)
	}
	b.mu.Unlock()

	metrics.AppendsTotal.WithLabelValues(b.dir).Inc()
	metrics.AppendBytes.WithLabelValues(b.dir).Add(float64(segment.RecordLen(len(routingKey), len(payload))))

	if cleanup {
		if b.opts.Executor != nil {
			b.opts.Executor(b.cleanupTask)
		} else if err := b.Cleanup(); err != nil {
			return 0, err
		}
	}

	// Notify outside the buffer lock: a waiting cursor locks itself and
	// then the buffer, so signalling under b.mu could deadlock.
	for _, c := range snapshot {
		if c != nil {
			c.signal()
		}
	}
	return id, nil
}

// createFirstSegmentLocked starts a fresh ring: the first segment begins at
// the configured first message ID (default 0) with this append's timestamp.
func (b *Buffer) createFirstSegmentLocked(timestamp int64) error {
	firstID := b.idx.FirstIDSeed()
	path := filepath.Join(b.dir, segment.FileName(firstID, timestamp, 0))
	mf, err := segment.Create(path, firstID, b.segmentLength())
	if err != nil {
		return err
	}
	b.current = mf
	b.idx.Append(firstID, timestamp)
	metrics.SegmentCount.WithLabelValues(b.dir).Set(float64(b.idx.Count()))
	return nil
}

// ensureCurrentLocked reopens the last segment for append. Used after a
// buffer is reopened on an existing directory.
func (b *Buffer) ensureCurrentLocked() error {
	if b.current != nil {
		return nil
	}
	last := b.idx.Tail() - 1
	mf, err := segment.OpenAppend(b.filePath(last), b.idx.ID(last))
	if err != nil {
		return err
	}
	b.current = mf
	return nil
}

// rolloverLocked seals the active segment under its final-count name, opens a
// new active segment starting at the next message ID, and retries the append
// once. A second full is an invariant violation: the payload already passed
// the size check.
func (b *Buffer) rolloverLocked(timestamp int64, routingKey string, payload []byte) (int64, error) {
	last := b.idx.Tail() - 1
	count := b.current.MessageCount()

	if err := b.current.Checkpoint(true); err != nil {
		return 0, err
	}
	sealed := filepath.Join(b.dir, segment.FileName(b.idx.ID(last), b.idx.Timestamp(last), count))
	if err := b.current.RenameTo(sealed); err != nil {
		return 0, err
	}
	b.idx.SetMsgCount(last, count)

	firstID := b.current.NextID()
	b.current.CloseIfUnused() // cursors may still hold the sealed segment

	mf, err := segment.Create(filepath.Join(b.dir, segment.FileName(firstID, timestamp, 0)), firstID, b.segmentLength())
	if err != nil {
		return 0, err
	}
	b.current = mf
	b.idx.Append(firstID, timestamp)

	id, err := b.current.Append(timestamp, routingKey, payload)
	if errors.Is(err, segment.ErrSegmentFull) {
		return 0, fmt.Errorf("message of %d bytes does not fit an empty segment", len(payload))
	}
	if err != nil {
		return 0, err
	}

	metrics.SegmentRollovers.WithLabelValues(b.dir).Inc()
	metrics.SegmentCount.WithLabelValues(b.dir).Set(float64(b.idx.Count()))
	b.logger.Debug("segment rolled over",
		zap.String("sealed", sealed),
		zap.Int32("count", count),
		zap.Int64("next_first_id", firstID),
	)
	return id, nil
}

func (b *Buffer) cleanupTask() {
	if err := b.Cleanup(); err != nil {
		b.logger.Error("ring cleanup failed", zap.Error(err))
	}
}

// Cleanup deletes the oldest segments until the buffer fits MaxSize again.
// At least one segment always remains, and the active segment is never
// deleted. Segments go to the configured Archiver before they are unlinked.
func (b *Buffer) Cleanup() error {
	metrics.CleanupRuns.WithLabelValues(b.dir).Inc()
	for {
		var (
			doomed  string
			firstID int64
			firstTS int64
			count   int32
		)
		b.mu.Lock()
		if !b.open {
			b.mu.Unlock()
			return nil
		}
		size, err := b.sizeLocked()
		if err != nil {
			b.mu.Unlock()
			return err
		}
		if b.opts.MaxSize == 0 || size <= b.opts.MaxSize || b.idx.Count() < 2 {
			metrics.BufferSize.WithLabelValues(b.dir).Set(float64(size))
			metrics.SegmentCount.WithLabelValues(b.dir).Set(float64(b.idx.Count()))
			b.mu.Unlock()
			return nil
		}
		head := b.idx.Head()
		doomed = b.filePath(head)
		firstID, firstTS, count = b.idx.ID(head), b.idx.Timestamp(head), b.idx.MsgCount(head)
		b.mu.Unlock()

		if b.opts.Archiver != nil {
			if err := b.opts.Archiver.Archive(doomed, firstID, firstTS, count); err != nil {
				return fmt.Errorf("archiving %s: %w", doomed, err)
			}
		}
		b.mu.Lock()
		if !b.open || b.idx.Head() != head {
			// closed, or another pass reclaimed this segment meanwhile
			b.mu.Unlock()
			continue
		}
		b.idx.DropHead()
		b.mu.Unlock()
		if err := os.Remove(doomed); err != nil {
			return fmt.Errorf("deleting %s: %w", doomed, err)
		}
		metrics.SegmentsDeleted.WithLabelValues(b.dir).Inc()
		b.logger.Info("reclaimed oldest segment",
			zap.String("file", filepath.Base(doomed)),
			zap.Int64("first_id", firstID),
			zap.Int32("count", count),
		)
	}
}

// Sync forces a durable checkpoint of the active segment. It is a noop while
// no active segment is open.
func (b *Buffer) Sync() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return ErrClosed
	}
	if b.current == nil {
		return nil
	}
	metrics.SyncOps.WithLabelValues(b.dir).Inc()
	return b.current.Checkpoint(true)
}

// autoSync runs on the one-shot timer scheduled by Append. Clearing
// syncPending first lets the next append schedule a fresh task.
func (b *Buffer) autoSync() {
	b.mu.Lock()
	b.syncPending = false
	b.mu.Unlock()
	if err := b.Sync(); err != nil && !errors.Is(err, ErrClosed) {
		b.logger.Error("auto-sync failed", zap.Error(err))
	}
}

// Size returns the total on-disk size of the buffer in bytes.
func (b *Buffer) Size() (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return 0, ErrClosed
	}
	return b.sizeLocked()
}

// sizeLocked computes the size from ID deltas: sealed record bytes are
// ids[tail-1] - ids[head], the active segment contributes its physical
// length, and the remaining segment headers are added explicitly.
func (b *Buffer) sizeLocked() (int64, error) {
	n := b.idx.Count()
	if n == 0 {
		return 0, nil
	}
	active := b.lastLen
	if b.current != nil {
		active = b.current.Length()
	}
	head, last := b.idx.Head(), b.idx.Tail()-1
	return int64(n-1)*segment.FileHeaderSize + b.idx.ID(last) - b.idx.ID(head) + active, nil
}

// MessageCount returns the number of messages in the buffer.
func (b *Buffer) MessageCount() (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return 0, ErrClosed
	}
	if b.idx.Count() == 0 {
		return 0, nil
	}
	if err := b.ensureCurrentLocked(); err != nil {
		return 0, err
	}
	total := int64(b.current.MessageCount())
	for i := b.idx.Head(); i < b.idx.Tail()-1; i++ {
		total += int64(b.idx.MsgCount(i))
	}
	return total, nil
}

// FileCount returns the number of live segment files.
func (b *Buffer) FileCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.idx.Count()
}

// OldestMessageTime returns the timestamp (ms since epoch) of the oldest
// message, or 0 if the buffer is empty.
func (b *Buffer) OldestMessageTime() (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return 0, ErrClosed
	}
	if b.idx.Count() == 0 {
		return 0, nil
	}
	return b.idx.Timestamp(b.idx.Head()), nil
}

// NextMessageID returns the ID the next appended message will get.
func (b *Buffer) NextMessageID() (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextMessageIDLocked()
}

func (b *Buffer) nextMessageIDLocked() (int64, error) {
	if !b.open {
		return 0, ErrClosed
	}
	if b.idx.Count() == 0 {
		return b.idx.FirstIDSeed(), nil
	}
	if err := b.ensureCurrentLocked(); err != nil {
		return 0, err
	}
	return b.current.NextID(), nil
}

// SetFirstMessageID sets the ID of the first message that will be appended.
// Only valid while the buffer is empty.
func (b *Buffer) SetFirstMessageID(id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return ErrClosed
	}
	if id < 0 {
		return invalidArgf("first message id %d", id)
	}
	if b.idx.Count() != 0 {
		return invalidArgf("buffer is not empty")
	}
	b.idx.SetFirstIDSeed(id)
	return nil
}

// SetMaxSize changes the ring cap and, when the cap changed, triggers a
// cleanup pass.
func (b *Buffer) SetMaxSize(bytes int64) error {
	if bytes <= 0 {
		return invalidArgf("max size %d", bytes)
	}
	b.mu.Lock()
	if !b.open {
		b.mu.Unlock()
		return ErrClosed
	}
	changed := b.opts.MaxSize != bytes
	b.opts.MaxSize = bytes
	b.mu.Unlock()
	if !changed {
		return nil
	}
	if b.opts.Executor != nil {
		b.opts.Executor(b.cleanupTask)
		return nil
	}
	return b.Cleanup()
}

// MaxSize returns the current ring cap.
func (b *Buffer) MaxSize() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opts.MaxSize
}

// IsOpen reports whether Close has not yet been called.
func (b *Buffer) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Close cancels the auto-sync timer, checkpoints and closes the active
// segment, and interrupts every cursor blocked in NextWait. Closing a closed
// buffer is a noop.
func (b *Buffer) Close() error {
	var snapshot []*Cursor

	b.mu.Lock()
	if !b.open {
		b.mu.Unlock()
		return nil
	}
	b.open = false
	if b.syncTimer != nil {
		b.syncTimer.Stop()
		b.syncTimer = nil
		b.syncPending = false
	}
	var cerr error
	if b.current != nil {
		b.lastLen = b.current.Length()
		cerr = b.current.Close()
		b.current = nil
	}
	unregisterFromShutdown(b.shutdownID)
	snapshot = b.waiters
	b.mu.Unlock()

	for _, c := range snapshot {
		if c != nil {
			c.interrupt()
		}
	}
	b.logger.Debug("buffer closed", zap.String("dir", b.dir))
	return cerr
}

// addWaiter registers a cursor for notification on append. The waiter list
// is a sparse slice; empty slots are reused before growing.
func (b *Buffer) addWaiter(c *Cursor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.waiters {
		if b.waiters[i] == nil {
			b.waiters[i] = c
			return
		}
	}
	b.waiters = append(b.waiters, c)
}

func (b *Buffer) removeWaiter(c *Cursor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.waiters {
		if b.waiters[i] == c {
			b.waiters[i] = nil
			return
		}
	}
}

// currentFile returns the active segment handle, or nil.
func (b *Buffer) currentFile() *segment.File {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// fileForCursor returns a segment handle for logical index i: the shared
// active handle (with its use count bumped) for the last segment, a fresh
// read-only handle for sealed ones, or nil when i is past the end.
func (b *Buffer) fileForCursor(i int) (*segment.File, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return nil, ErrClosed
	}
	if i >= b.idx.Tail() {
		return nil, nil
	}
	if i == b.idx.Tail()-1 {
		if err := b.ensureCurrentLocked(); err != nil {
			return nil, err
		}
		b.current.Use()
		return b.current, nil
	}
	return segment.OpenRead(b.filePath(i), b.idx.ID(i))
}
