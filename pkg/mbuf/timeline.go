package mbuf

import (
	"path/filepath"
)

// Timeline is a histogram-like view of the buffer's segments for UI and
// telemetry. Entry i covers the interval [MessageID(i), MessageID(i+1)); the
// final entry is the end boundary (next message ID, most recent timestamp)
// and reports zero bytes and duration.
type Timeline struct {
	ids        []int64
	timestamps []int64
	counts     []int32
}

// Size returns the number of entries including the end boundary.
func (t *Timeline) Size() int {
	return len(t.ids)
}

// MessageID returns the first message ID of interval i.
func (t *Timeline) MessageID(i int) int64 {
	return t.ids[i]
}

// Timestamp returns the first message timestamp of interval i in ms.
func (t *Timeline) Timestamp(i int) int64 {
	return t.timestamps[i]
}

// Count returns the number of messages in interval i.
func (t *Timeline) Count(i int) int32 {
	return t.counts[i]
}

// Bytes returns the encoded size of interval i, derived from ID deltas.
func (t *Timeline) Bytes(i int) int64 {
	if i == len(t.ids)-1 {
		return 0
	}
	return t.ids[i+1] - t.ids[i]
}

// Millis returns the duration of interval i in ms.
func (t *Timeline) Millis(i int) int64 {
	if i == len(t.ids)-1 {
		return 0
	}
	return t.timestamps[i+1] - t.timestamps[i]
}

// Timeline returns one interval per live segment plus the end boundary, or
// nil when the buffer is empty. The last segment's count is its live message
// count.
func (b *Buffer) Timeline() (*Timeline, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return nil, ErrClosed
	}
	n := b.idx.Count()
	if n == 0 {
		return nil, nil
	}
	if err := b.ensureCurrentLocked(); err != nil {
		return nil, err
	}

	t := &Timeline{
		ids:        make([]int64, n+1),
		timestamps: make([]int64, n+1),
		counts:     make([]int32, n+1),
	}
	head := b.idx.Head()
	for i := 0; i < n; i++ {
		t.ids[i] = b.idx.ID(head + i)
		t.timestamps[i] = b.idx.Timestamp(head + i)
		if i < n-1 {
			t.counts[i] = b.idx.MsgCount(head + i)
		}
	}
	t.ids[n] = b.current.NextID()
	if mrt := b.current.MostRecentTimestamp(); mrt != 0 {
		t.timestamps[n] = mrt
	} else {
		t.timestamps[n] = t.timestamps[n-1]
	}
	t.counts[n-1] = b.current.MessageCount()
	return t, nil
}

// TimelineAt drills into the segment holding the given message ID, returning
// sampled intervals within that one segment.
func (b *Buffer) TimelineAt(id int64) (*Timeline, error) {
	i, err := b.findFileIndex(id)
	if err != nil {
		return nil, err
	}
	if i < 0 {
		return nil, nil
	}
	mf, err := b.fileForCursor(i)
	if err != nil {
		return nil, err
	}
	defer mf.CloseIfUnused()

	entries, err := mf.Timeline()
	if err != nil {
		return nil, err
	}
	t := &Timeline{
		ids:        make([]int64, len(entries)),
		timestamps: make([]int64, len(entries)),
		counts:     make([]int32, len(entries)),
	}
	for j, e := range entries {
		t.ids[j] = e.ID
		t.timestamps[j] = e.Timestamp
		t.counts[j] = e.Count
	}
	return t, nil
}

// Dir returns the buffer's directory path.
func (b *Buffer) Dir() string {
	return filepath.Clean(b.dir)
}
