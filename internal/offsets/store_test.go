package offsets

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "offsets.db")
	s, err := Open(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestSaveLoad(t *testing.T) {
	s, _ := newTestStore(t)

	if _, found, err := s.Load("reader-1"); err != nil || found {
		t.Fatalf("Load on empty store = found=%v, err=%v", found, err)
	}

	if err := s.Save("reader-1", 123456); err != nil {
		t.Fatal(err)
	}
	id, found, err := s.Load("reader-1")
	if err != nil {
		t.Fatal(err)
	}
	if !found || id != 123456 {
		t.Fatalf("Load = (%d, %v)", id, found)
	}

	// Overwrite
	if err := s.Save("reader-1", 999); err != nil {
		t.Fatal(err)
	}
	id, _, _ = s.Load("reader-1")
	if id != 999 {
		t.Fatalf("Load after overwrite = %d", id)
	}
}

func TestList(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.Save("a", 1); err != nil {
		t.Fatal(err)
	}
	if err := s.Save("b", 2); err != nil {
		t.Fatal(err)
	}

	all, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all["a"] != 1 || all["b"] != 2 {
		t.Fatalf("List = %v", all)
	}
}

func TestDelete(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.Save("gone", 5); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("gone"); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := s.Load("gone"); found {
		t.Fatal("entry still present after delete")
	}
	// Deleting a missing entry is a noop.
	if err := s.Delete("never-existed"); err != nil {
		t.Fatal(err)
	}
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsets.db")
	s1, err := Open(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.Save("durable", 42); err != nil {
		t.Fatal(err)
	}
	s1.Close()

	s2, err := Open(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	id, found, err := s2.Load("durable")
	if err != nil || !found || id != 42 {
		t.Fatalf("Load after reopen = (%d, %v, %v)", id, found, err)
	}
}
