// Package dirindex maintains the in-memory master index of a buffer
// directory: three parallel arrays of (first id, first timestamp, count) per
// segment, reconstructed from segment file names and kept in ID order.
package dirindex

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/gftdcojp/msgbuf/internal/segment"
)

// growth is how many extra slots are added when the arrays fill up.
const growth = 512

// Index holds the per-segment arrays with a [head, tail) window of live
// segments. Indexes handed out to callers are logical and stay valid across
// window compaction; head only ever advances.
type Index struct {
	ids        []int64
	timestamps []int64
	counts     []int32
	base       int // logical index of physical slot 0
	head, tail int // logical window
}

// Scan lists *.qdb files in dir, sorts them lexicographically (which is first
// ID order) and parses each name into the index. A file with a non-conforming
// name is a fatal construction error.
func Scan(dir string) (*Index, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), segment.Suffix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	n := len(names)
	size := ((n / growth) + 1) * growth
	x := &Index{
		ids:        make([]int64, size),
		timestamps: make([]int64, size),
		counts:     make([]int32, size),
		tail:       n,
	}
	for i, name := range names {
		id, ts, count, err := segment.ParseName(name)
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", dir, err)
		}
		x.ids[i] = id
		x.timestamps[i] = ts
		x.counts[i] = count
	}
	return x, nil
}

// Count returns the number of live segments in the window.
func (x *Index) Count() int {
	return x.tail - x.head
}

// Head returns the logical index of the oldest live segment.
func (x *Index) Head() int {
	return x.head
}

// Tail returns one past the logical index of the newest segment.
func (x *Index) Tail() int {
	return x.tail
}

// slot maps a logical index to its physical position. Entries dropped from
// the window remain readable until the next growth compaction; cursors that
// raced a cleanup resolve them to already-deleted file names and surface the
// resulting I/O error.
func (x *Index) slot(i int) int {
	if i < x.base || i >= x.tail {
		panic(fmt.Sprintf("dirindex: index %d out of range [%d, %d)", i, x.base, x.tail))
	}
	return i - x.base
}

// ID returns the first message ID of segment i (logical index).
func (x *Index) ID(i int) int64 {
	return x.ids[x.slot(i)]
}

// Timestamp returns the first message timestamp of segment i.
func (x *Index) Timestamp(i int) int64 {
	return x.timestamps[x.slot(i)]
}

// MsgCount returns the recorded message count of segment i. It is only
// authoritative for sealed segments; the active segment's live count is held
// by its open handle.
func (x *Index) MsgCount(i int) int32 {
	return x.counts[x.slot(i)]
}

// SetMsgCount records the final message count of segment i at seal time.
func (x *Index) SetMsgCount(i int, count int32) {
	x.counts[x.slot(i)] = count
}

// FirstIDSeed returns the ID the first segment will start at. Only meaningful
// while the buffer is empty.
func (x *Index) FirstIDSeed() int64 {
	return x.ids[x.head-x.base]
}

// SetFirstIDSeed sets the starting ID for an empty index.
func (x *Index) SetFirstIDSeed(id int64) {
	x.ids[x.head-x.base] = id
}

// FindID returns the logical index of the segment whose ID range covers id.
// IDs below the window head clamp to the head segment. The window must not be
// empty.
func (x *Index) FindID(id int64) int {
	lo, hi := x.head-x.base, x.tail-x.base
	if id < x.ids[lo] {
		return x.head
	}
	// first segment with first id > id, then step back one
	i := sort.Search(hi-lo, func(k int) bool {
		return x.ids[lo+k] > id
	})
	return x.head + i - 1
}

// FindTimestamp is FindID over first-message timestamps.
func (x *Index) FindTimestamp(ts int64) int {
	lo, hi := x.head-x.base, x.tail-x.base
	if ts < x.timestamps[lo] {
		return x.head
	}
	i := sort.Search(hi-lo, func(k int) bool {
		return x.timestamps[lo+k] > ts
	})
	return x.head + i - 1
}

// Append records a new segment after the current tail, growing the arrays and
// compacting the window if needed.
func (x *Index) Append(firstID, firstTimestamp int64) {
	if x.tail-x.base >= len(x.ids) {
		n := x.tail - x.head
		size := n + growth

		ids := make([]int64, size)
		copy(ids, x.ids[x.head-x.base:x.tail-x.base])
		x.ids = ids

		timestamps := make([]int64, size)
		copy(timestamps, x.timestamps[x.head-x.base:x.tail-x.base])
		x.timestamps = timestamps

		counts := make([]int32, size)
		copy(counts, x.counts[x.head-x.base:x.tail-x.base])
		x.counts = counts

		x.base = x.head
	}
	slot := x.tail - x.base
	x.ids[slot] = firstID
	x.timestamps[slot] = firstTimestamp
	x.counts[slot] = 0
	x.tail++
}

// DropHead advances the window past the oldest segment. The arrays are not
// resized; space is reclaimed on the next growth compaction.
func (x *Index) DropHead() {
	if x.head >= x.tail {
		panic("dirindex: DropHead on empty window")
	}
	x.head++
}
