package mbuf

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gftdcojp/msgbuf/internal/metrics"
	"github.com/gftdcojp/msgbuf/internal/segment"
)

// Cursor iterates messages in forward order, crossing segment boundaries
// transparently. It starts "before" its first message; Next may be called
// again after returning false and returns true once a producer appends more.
//
// A Cursor is safe for use by one goroutine at a time; Close may be called
// concurrently from another goroutine.
type Cursor struct {
	buf *Buffer

	mu        sync.Mutex
	fileIndex int           // logical index into the directory, -1 while empty
	mf        *segment.File // nil once closed, or before an empty cursor adopts
	sc        *segment.Cursor
	closed    bool

	interrupted atomic.Bool
	notify      chan struct{} // buffered; producers signal without locking
}

func newCursor(b *Buffer, fileIndex int, mf *segment.File, sc *segment.Cursor) *Cursor {
	metrics.CursorsOpen.WithLabelValues(b.dir).Inc()
	return &Cursor{
		buf:       b,
		fileIndex: fileIndex,
		mf:        mf,
		sc:        sc,
		notify:    make(chan struct{}, 1),
	}
}

// Cursor returns a cursor positioned just before the message with the given
// ID. IDs older than the ring head clamp to the oldest surviving message;
// IDs past the end of the buffer are rejected.
func (b *Buffer) Cursor(id int64) (*Cursor, error) {
	i, err := b.findFileIndex(id)
	if err != nil {
		return nil, err
	}
	if i < 0 {
		return newCursor(b, -1, nil, nil), nil // empty buffer
	}
	mf, err := b.fileForCursor(i)
	if err != nil {
		return nil, err
	}
	if first := mf.FirstID(); id < first {
		id = first
	}
	sc, err := mf.Cursor(id)
	if err != nil {
		mf.CloseIfUnused()
		return nil, err
	}
	return newCursor(b, i, mf, sc), nil
}

// findFileIndex validates id and returns the logical index of the segment
// covering it, or -1 when the buffer is empty.
func (b *Buffer) findFileIndex(id int64) (int, error) {
	if id < 0 {
		return 0, invalidArgf("message id %d", id)
	}
	next, err := b.NextMessageID()
	if err != nil {
		return 0, err
	}
	if id > next {
		return 0, invalidArgf("message id %d past end of buffer %d", id, next)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return 0, ErrClosed
	}
	if b.idx.Count() == 0 {
		return -1, nil
	}
	return b.idx.FindID(id), nil
}

// CursorByTimestamp returns a cursor positioned so that the newest message
// with a timestamp <= ts is returned first. Timestamps older than the ring
// head clamp to the oldest message.
func (b *Buffer) CursorByTimestamp(ts int64) (*Cursor, error) {
	b.mu.Lock()
	if !b.open {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if b.idx.Count() == 0 {
		b.mu.Unlock()
		return newCursor(b, -1, nil, nil), nil
	}
	if first := b.idx.Timestamp(b.idx.Head()); ts < first {
		ts = first
	}
	i := b.idx.FindTimestamp(ts)
	b.mu.Unlock()

	mf, err := b.fileForCursor(i)
	if err != nil {
		return nil, err
	}
	sc, err := mf.CursorByTimestamp(ts)
	if err != nil {
		mf.CloseIfUnused()
		return nil, err
	}
	return newCursor(b, i, mf, sc), nil
}

// Next advances to the next message. It returns false without error when the
// cursor has reached the end of the committed stream.
func (c *Cursor) Next() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextLocked()
}

func (c *Cursor) nextLocked() (bool, error) {
	if c.closed {
		return false, ErrCursorClosed
	}
	if c.fileIndex < 0 {
		// Empty at creation: adopt the first segment once the buffer
		// has grown.
		c.buf.mu.Lock()
		if !c.buf.open {
			c.buf.mu.Unlock()
			return false, ErrClosed
		}
		if c.buf.idx.Count() == 0 {
			c.buf.mu.Unlock()
			return false, nil
		}
		head := c.buf.idx.Head()
		c.buf.mu.Unlock()

		mf, err := c.buf.fileForCursor(head)
		if err != nil {
			return false, err
		}
		if mf == nil {
			return false, nil
		}
		sc, err := mf.Cursor(mf.FirstID())
		if err != nil {
			mf.CloseIfUnused()
			return false, err
		}
		c.fileIndex = head
		c.mf = mf
		c.sc = sc
	}

	if c.sc == nil {
		// A previous advance across segments failed and released the
		// handles; the cursor is unusable.
		return false, ErrCursorClosed
	}
	ok, err := c.sc.Next()
	if err != nil || ok {
		return ok, err
	}
	if c.mf == c.buf.currentFile() {
		return false, nil // end of the active segment: wait point
	}

	// Exhausted a sealed segment: move to the next one.
	c.mf.CloseIfUnused()
	c.mf = nil
	c.sc = nil
	c.fileIndex++
	mf, err := c.buf.fileForCursor(c.fileIndex)
	if err != nil {
		return false, err
	}
	if mf == nil {
		return false, nil
	}
	sc, err := mf.Cursor(mf.FirstID())
	if err != nil {
		mf.CloseIfUnused()
		return false, err
	}
	c.mf = mf
	c.sc = sc
	return c.sc.Next()
}

// NextWait advances to the next message, blocking until one arrives, the
// timeout elapses, or the cursor is interrupted. timeout <= 0 waits
// indefinitely. It returns false without error on timeout and ErrInterrupted
// when the buffer or cursor is closed mid-wait.
func (c *Cursor) NextWait(timeout time.Duration) (bool, error) {
	c.buf.addWaiter(c)
	defer c.buf.removeWaiter(c)
	metrics.CursorWaits.WithLabelValues(c.buf.dir).Inc()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		ok, err := c.Next()
		if ok || err != nil {
			return ok, err
		}
		if c.interrupted.Load() {
			return false, ErrInterrupted
		}

		if timeout <= 0 {
			<-c.notify
		} else {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return false, nil
			}
			timer := time.NewTimer(remaining)
			select {
			case <-c.notify:
				timer.Stop()
			case <-timer.C:
				return false, nil
			}
		}
		if c.interrupted.Load() {
			return false, ErrInterrupted
		}
	}
}

// signal wakes a blocked NextWait. It never blocks: the channel holds one
// pending token and further signals coalesce.
func (c *Cursor) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// interrupt wakes a blocked NextWait with ErrInterrupted. Called by
// Buffer.Close and Cursor.Close.
func (c *Cursor) interrupt() {
	c.interrupted.Store(true)
	c.signal()
}

// ID returns the ID of the current message. Valid after Next returned true.
func (c *Cursor) ID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sc == nil {
		return 0
	}
	return c.sc.ID()
}

// Timestamp returns the timestamp of the current message in ms since epoch.
func (c *Cursor) Timestamp() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sc == nil {
		return 0
	}
	return c.sc.Timestamp()
}

// RoutingKey returns the routing key of the current message.
func (c *Cursor) RoutingKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sc == nil {
		return ""
	}
	return c.sc.RoutingKey()
}

// PayloadSize returns the payload length of the current message.
func (c *Cursor) PayloadSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sc == nil {
		return 0
	}
	return c.sc.PayloadSize()
}

// Payload returns the payload of the current message.
func (c *Cursor) Payload() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sc == nil {
		return nil
	}
	return c.sc.Payload()
}

// Close releases the cursor's segment handle and wakes any NextWait in
// progress, which then returns ErrInterrupted. Closing a closed cursor is a
// noop.
func (c *Cursor) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var err error
	if c.mf != nil {
		err = c.mf.CloseIfUnused()
		c.mf = nil
	}
	c.sc = nil
	c.mu.Unlock()

	metrics.CursorsOpen.WithLabelValues(c.buf.dir).Dec()
	c.interrupt()
	return err
}
