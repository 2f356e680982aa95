package segment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func newTestSegment(t *testing.T, firstID, capacity int64) *File {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName(firstID, 1000, 0))
	mf, err := Create(path, firstID, capacity)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mf.Close() })
	return mf
}

func TestAppendAssignsOffsetIDs(t *testing.T) {
	mf := newTestSegment(t, 0, 1<<20)

	id0, err := mf.Append(1000, "a", []byte("first"))
	if err != nil {
		t.Fatal(err)
	}
	if id0 != 0 {
		t.Fatalf("first id = %d, want 0", id0)
	}

	id1, err := mf.Append(1001, "b", []byte("second"))
	if err != nil {
		t.Fatal(err)
	}
	want := RecordLen(1, 5)
	if id1 != want {
		t.Fatalf("second id = %d, want %d (encoded length of first record)", id1, want)
	}
	if mf.NextID() != id1+RecordLen(1, 6) {
		t.Fatalf("NextID = %d", mf.NextID())
	}
	if mf.MessageCount() != 2 {
		t.Fatalf("MessageCount = %d", mf.MessageCount())
	}
	if mf.MostRecentTimestamp() != 1001 {
		t.Fatalf("MostRecentTimestamp = %d", mf.MostRecentTimestamp())
	}
}

func TestAppendNonZeroFirstID(t *testing.T) {
	mf := newTestSegment(t, 5000, 1<<20)
	id, err := mf.Append(1, "", []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if id != 5000 {
		t.Fatalf("id = %d, want 5000", id)
	}
}

func TestAppendSegmentFull(t *testing.T) {
	capacity := int64(FileHeaderSize) + 2*RecordLen(0, 100)
	mf := newTestSegment(t, 0, capacity)

	payload := make([]byte, 100)
	for i := 0; i < 2; i++ {
		if _, err := mf.Append(int64(i), "", payload); err != nil {
			t.Fatal(err)
		}
	}
	_, err := mf.Append(3, "", payload)
	if !errors.Is(err, ErrSegmentFull) {
		t.Fatalf("err = %v, want ErrSegmentFull", err)
	}
	// The full segment is unchanged and still readable.
	if mf.MessageCount() != 2 {
		t.Fatalf("MessageCount = %d after full", mf.MessageCount())
	}
}

func TestCursorIteratesAll(t *testing.T) {
	mf := newTestSegment(t, 0, 1<<20)
	for i := 0; i < 10; i++ {
		if _, err := mf.Append(int64(1000+i), fmt.Sprintf("key-%d", i), []byte(fmt.Sprintf("payload-%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	c, err := mf.Cursor(0)
	if err != nil {
		t.Fatal(err)
	}
	var prev int64 = -1
	for i := 0; i < 10; i++ {
		ok, err := c.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("cursor ended at %d", i)
		}
		if c.ID() <= prev {
			t.Fatalf("ids not strictly increasing: %d after %d", c.ID(), prev)
		}
		prev = c.ID()
		if c.Timestamp() != int64(1000+i) {
			t.Errorf("record %d: timestamp = %d", i, c.Timestamp())
		}
		if c.RoutingKey() != fmt.Sprintf("key-%d", i) {
			t.Errorf("record %d: key = %q", i, c.RoutingKey())
		}
		if string(c.Payload()) != fmt.Sprintf("payload-%d", i) {
			t.Errorf("record %d: payload = %q", i, c.Payload())
		}
		if c.PayloadSize() != len(c.Payload()) {
			t.Errorf("record %d: size mismatch", i)
		}
	}
	if ok, _ := c.Next(); ok {
		t.Fatal("cursor returned record past the end")
	}
	// next is repeatable at the end, and sees later appends
	if ok, _ := c.Next(); ok {
		t.Fatal("cursor returned record past the end on retry")
	}
	if _, err := mf.Append(2000, "", []byte("late")); err != nil {
		t.Fatal(err)
	}
	ok, err := c.Next()
	if err != nil {
		t.Fatal(err)
	}
	if !ok || string(c.Payload()) != "late" {
		t.Fatalf("cursor did not observe the new record")
	}
}

func TestCursorFromID(t *testing.T) {
	mf := newTestSegment(t, 0, 1<<20)
	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := mf.Append(int64(i), "", []byte("aaaa"))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	c, err := mf.Cursor(ids[3])
	if err != nil {
		t.Fatal(err)
	}
	ok, err := c.Next()
	if err != nil || !ok {
		t.Fatalf("Next = %v, %v", ok, err)
	}
	if c.ID() != ids[3] {
		t.Fatalf("first id = %d, want %d", c.ID(), ids[3])
	}
}

func TestCursorByTimestampPredecessor(t *testing.T) {
	mf := newTestSegment(t, 0, 1<<20)
	for _, ts := range []int64{100, 200, 300, 400} {
		if _, err := mf.Append(ts, "", []byte("x")); err != nil {
			t.Fatal(err)
		}
	}

	c, err := mf.CursorByTimestamp(250)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := c.Next()
	if err != nil || !ok {
		t.Fatalf("Next = %v, %v", ok, err)
	}
	if c.Timestamp() != 200 {
		t.Fatalf("first timestamp = %d, want 200", c.Timestamp())
	}

	// older than everything: clamp to the first record
	c, err = mf.CursorByTimestamp(50)
	if err != nil {
		t.Fatal(err)
	}
	ok, _ = c.Next()
	if !ok || c.Timestamp() != 100 {
		t.Fatalf("clamped cursor first timestamp = %d, want 100", c.Timestamp())
	}
}

func TestReopenRecoversUncheckpointedRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName(0, 1000, 0))
	mf, err := Create(path, 0, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := mf.Append(int64(i), "k", []byte("payload")); err != nil {
			t.Fatal(err)
		}
	}
	wantNext := mf.NextID()
	// No checkpoint: simulate a crash by abandoning the handle without Close.
	if err := mf.f.Close(); err != nil {
		t.Fatal(err)
	}

	rf, err := OpenAppend(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer rf.Close()
	if rf.MessageCount() != 3 {
		t.Fatalf("recovered count = %d, want 3", rf.MessageCount())
	}
	if rf.NextID() != wantNext {
		t.Fatalf("recovered NextID = %d, want %d", rf.NextID(), wantNext)
	}
	if rf.MostRecentTimestamp() != 2 {
		t.Fatalf("recovered MostRecentTimestamp = %d", rf.MostRecentTimestamp())
	}
	// Appends continue with the right IDs.
	id, err := rf.Append(10, "", []byte("more"))
	if err != nil {
		t.Fatal(err)
	}
	if id != wantNext {
		t.Fatalf("append after reopen id = %d, want %d", id, wantNext)
	}
}

func TestReopenIgnoresTornTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName(0, 1000, 0))
	mf, err := Create(path, 0, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mf.Append(1, "k", []byte("whole")); err != nil {
		t.Fatal(err)
	}
	whole := mf.Length()
	mf.f.Close()

	// Append half a record directly, as if the process died mid-write.
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		t.Fatal(err)
	}
	torn := encodeRecord(2, "k", []byte("torn record payload"))
	if _, err := f.WriteAt(torn[:len(torn)/2], whole); err != nil {
		t.Fatal(err)
	}
	f.Close()

	rf, err := OpenRead(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer rf.Close()
	if rf.MessageCount() != 1 {
		t.Fatalf("count = %d, want 1 (torn tail dropped)", rf.MessageCount())
	}
	if rf.Length() != whole {
		t.Fatalf("length = %d, want %d", rf.Length(), whole)
	}
}

func TestOpenRejectsWrongFirstID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName(100, 1000, 0))
	mf, err := Create(path, 100, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	mf.Close()

	if _, err := OpenRead(path, 999); err == nil {
		t.Fatal("expected error for mismatched first id")
	}
}

func TestRefCounting(t *testing.T) {
	mf := newTestSegment(t, 0, 1<<20)
	if _, err := mf.Append(1, "", []byte("x")); err != nil {
		t.Fatal(err)
	}

	mf.Use() // a reader attaches
	if err := mf.CloseIfUnused(); err != nil {
		t.Fatal(err) // owner detaches, reader still holds it
	}
	if _, err := mf.Append(2, "", []byte("y")); err != nil {
		t.Fatalf("append after owner release failed: %v", err)
	}
	if err := mf.CloseIfUnused(); err != nil {
		t.Fatal(err) // last reference closes the file
	}
	if _, err := mf.Append(3, "", []byte("z")); err == nil {
		t.Fatal("append on closed segment succeeded")
	}
}

func TestRenameKeepsHandleValid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName(0, 1000, 0))
	mf, err := Create(path, 0, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	defer mf.Close()
	if _, err := mf.Append(1, "", []byte("x")); err != nil {
		t.Fatal(err)
	}

	sealed := filepath.Join(dir, FileName(0, 1000, 1))
	if err := mf.RenameTo(sealed); err != nil {
		t.Fatal(err)
	}
	if mf.Path() != sealed {
		t.Fatalf("Path = %q", mf.Path())
	}
	if _, err := os.Stat(sealed); err != nil {
		t.Fatal(err)
	}
	c, err := mf.Cursor(0)
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := c.Next(); !ok || err != nil {
		t.Fatalf("read after rename: %v, %v", ok, err)
	}
}

func TestCheckpointSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName(0, 1000, 0))
	mf, err := Create(path, 0, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mf.Append(7, "k", []byte("durable")); err != nil {
		t.Fatal(err)
	}
	if err := mf.Checkpoint(true); err != nil {
		t.Fatal(err)
	}
	length := mf.Length()
	mf.f.Close()

	rf, err := OpenRead(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer rf.Close()
	if rf.Length() != length {
		t.Fatalf("length after reopen = %d, want %d", rf.Length(), length)
	}
}

func TestTimeline(t *testing.T) {
	mf := newTestSegment(t, 0, 1<<20)
	for i := 0; i < 100; i++ {
		if _, err := mf.Append(int64(i), "", make([]byte, 2048)); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := mf.Timeline()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) < 3 {
		t.Fatalf("expected multiple timeline samples, got %d", len(entries))
	}
	var total int32
	for i, e := range entries[:len(entries)-1] {
		total += e.Count
		if e.ID >= entries[i+1].ID {
			t.Fatalf("timeline ids not increasing at %d", i)
		}
	}
	if total != 100 {
		t.Fatalf("timeline counts sum to %d, want 100", total)
	}
	last := entries[len(entries)-1]
	if last.ID != mf.NextID() {
		t.Fatalf("final timeline id = %d, want %d", last.ID, mf.NextID())
	}
}
