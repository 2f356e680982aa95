package dirindex

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gftdcojp/msgbuf/internal/segment"
)

func touch(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestScanOrdersByID(t *testing.T) {
	dir := t.TempDir()
	// Created out of order; lexicographic sort restores ID order.
	touch(t, dir, segment.FileName(4096, 3000, 0))
	touch(t, dir, segment.FileName(0, 1000, 10))
	touch(t, dir, segment.FileName(2048, 2000, 10))
	touch(t, dir, "not-a-segment.txt")

	x, err := Scan(dir)
	if err != nil {
		t.Fatal(err)
	}
	if x.Count() != 3 {
		t.Fatalf("Count = %d, want 3", x.Count())
	}
	wantIDs := []int64{0, 2048, 4096}
	for i, want := range wantIDs {
		if x.ID(i) != want {
			t.Errorf("ID(%d) = %d, want %d", i, x.ID(i), want)
		}
	}
	if x.Timestamp(0) != 1000 || x.MsgCount(0) != 10 {
		t.Errorf("segment 0 = (%d, %d)", x.Timestamp(0), x.MsgCount(0))
	}
	if x.MsgCount(2) != 0 {
		t.Errorf("active segment count = %d, want 0", x.MsgCount(2))
	}
}

func TestScanEmptyDir(t *testing.T) {
	x, err := Scan(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if x.Count() != 0 {
		t.Fatalf("Count = %d, want 0", x.Count())
	}
}

func TestScanRejectsCorruptName(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "0000000000000000-0000000000000000-0.qdb")
	touch(t, dir, "bogus.qdb")

	if _, err := Scan(dir); err == nil {
		t.Fatal("expected error for corrupt segment name")
	}
}

func newIndex(t *testing.T, ids, timestamps []int64) *Index {
	t.Helper()
	x, err := Scan(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for i := range ids {
		x.Append(ids[i], timestamps[i])
	}
	return x
}

func TestFindID(t *testing.T) {
	x := newIndex(t, []int64{0, 100, 250}, []int64{10, 20, 30})

	tests := []struct {
		id   int64
		want int
	}{
		{0, 0},
		{50, 0},
		{99, 0},
		{100, 1},
		{101, 1},
		{250, 2},
		{9999, 2},
	}
	for _, tc := range tests {
		if got := x.FindID(tc.id); got != tc.want {
			t.Errorf("FindID(%d) = %d, want %d", tc.id, got, tc.want)
		}
	}
}

func TestFindIDClampsBelowHead(t *testing.T) {
	x := newIndex(t, []int64{0, 100, 250}, []int64{10, 20, 30})
	x.DropHead()

	if got := x.FindID(0); got != 1 {
		t.Fatalf("FindID(0) after DropHead = %d, want 1", got)
	}
	if x.Head() != 1 || x.Count() != 2 {
		t.Fatalf("window = [%d, %d)", x.Head(), x.Tail())
	}
}

func TestFindTimestamp(t *testing.T) {
	x := newIndex(t, []int64{0, 100, 250}, []int64{1000, 2000, 3000})

	if got := x.FindTimestamp(2500); got != 1 {
		t.Fatalf("FindTimestamp(2500) = %d, want 1", got)
	}
	if got := x.FindTimestamp(500); got != 0 {
		t.Fatalf("FindTimestamp(500) = %d, want 0", got)
	}
	if got := x.FindTimestamp(3000); got != 2 {
		t.Fatalf("FindTimestamp(3000) = %d, want 2", got)
	}
}

func TestAppendGrowthKeepsLogicalIndexes(t *testing.T) {
	x := newIndex(t, nil, nil)
	for i := 0; i < growth+10; i++ {
		x.Append(int64(i*100), int64(i))
	}
	// Drop a few heads, then force another compaction cycle.
	for i := 0; i < 5; i++ {
		x.DropHead()
	}
	for i := growth + 10; i < 2*growth+10; i++ {
		x.Append(int64(i*100), int64(i))
	}

	// Logical indexes remain stable across growth/compaction.
	if x.ID(5) != 500 {
		t.Fatalf("ID(5) = %d, want 500", x.ID(5))
	}
	if x.ID(x.Tail()-1) != int64((2*growth+9)*100) {
		t.Fatalf("tail ID = %d", x.ID(x.Tail()-1))
	}
	if x.Count() != 2*growth+10-5 {
		t.Fatalf("Count = %d", x.Count())
	}
}

func TestSetFirstIDSeed(t *testing.T) {
	x := newIndex(t, nil, nil)
	x.SetFirstIDSeed(1 << 30)
	if x.FirstIDSeed() != 1<<30 {
		t.Fatalf("FirstIDSeed = %d", x.FirstIDSeed())
	}
	x.Append(x.FirstIDSeed(), 42)
	if x.ID(0) != 1<<30 {
		t.Fatalf("ID(0) = %d", x.ID(0))
	}
}

func TestSetMsgCount(t *testing.T) {
	x := newIndex(t, []int64{0}, []int64{1})
	x.SetMsgCount(0, 77)
	if x.MsgCount(0) != 77 {
		t.Fatalf("MsgCount = %d", x.MsgCount(0))
	}
}
