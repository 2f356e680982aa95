package archive

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

type mockS3 struct {
	puts map[string][]byte
	meta map[string]map[string]string
	err  error
}

func (m *mockS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if m.puts == nil {
		m.puts = make(map[string][]byte)
		m.meta = make(map[string]map[string]string)
	}
	m.puts[*in.Key] = body
	m.meta[*in.Key] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func writeSegmentFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestArchiveUploadsSegment(t *testing.T) {
	mock := &mockS3{}
	a := NewS3Archiver(mock, "cold", "prod", Abort, zap.NewNop())
	path := writeSegmentFile(t, "0000000000000000-00000000000003e8-10.qdb", []byte("segment bytes"))

	if err := a.Archive(path, 0, 1000, 10); err != nil {
		t.Fatal(err)
	}

	key := "prod/segments/0000000000000000-00000000000003e8-10.qdb"
	body, ok := mock.puts[key]
	if !ok {
		t.Fatalf("object %q not uploaded; have %v", key, mock.puts)
	}
	if string(body) != "segment bytes" {
		t.Fatalf("uploaded body = %q", body)
	}
	meta := mock.meta[key]
	if meta["msgbuf-first-id"] != "0" || meta["msgbuf-first-ts"] != "1000" || meta["msgbuf-count"] != "10" {
		t.Fatalf("metadata = %v", meta)
	}
}

func TestArchiveNoPrefix(t *testing.T) {
	mock := &mockS3{}
	a := NewS3Archiver(mock, "cold", "", Abort, zap.NewNop())
	path := writeSegmentFile(t, "0000000000000000-0000000000000001-1.qdb", []byte("x"))

	if err := a.Archive(path, 0, 1, 1); err != nil {
		t.Fatal(err)
	}
	if _, ok := mock.puts["segments/0000000000000000-0000000000000001-1.qdb"]; !ok {
		t.Fatalf("keys = %v", mock.puts)
	}
}

func TestArchiveAbortSurfacesError(t *testing.T) {
	mock := &mockS3{err: errors.New("bucket unreachable")}
	a := NewS3Archiver(mock, "cold", "", Abort, zap.NewNop())
	path := writeSegmentFile(t, "0000000000000000-0000000000000001-1.qdb", []byte("x"))

	if err := a.Archive(path, 0, 1, 1); err == nil {
		t.Fatal("expected upload error to surface")
	}
}

func TestArchiveDropSwallowsError(t *testing.T) {
	mock := &mockS3{err: errors.New("bucket unreachable")}
	a := NewS3Archiver(mock, "cold", "", Drop, zap.NewNop())
	path := writeSegmentFile(t, "0000000000000000-0000000000000001-1.qdb", []byte("x"))

	if err := a.Archive(path, 0, 1, 1); err != nil {
		t.Fatalf("drop policy surfaced error: %v", err)
	}
}

func TestArchiveMissingFile(t *testing.T) {
	a := NewS3Archiver(&mockS3{}, "cold", "", Abort, zap.NewNop())
	if err := a.Archive(filepath.Join(t.TempDir(), "missing.qdb"), 0, 1, 1); err == nil {
		t.Fatal("expected error for missing file")
	}
}
