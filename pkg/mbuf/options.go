package mbuf

import (
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultMaxSize caps the ring at 100 GB of segment files.
	DefaultMaxSize = int64(100 * 1000 * 1000000)

	// DefaultSegmentCount is the target number of segments when the ring
	// is full, used to derive the segment length when none is configured.
	DefaultSegmentCount = 1000

	// DefaultMaxPayloadSize bounds a single record's payload.
	DefaultMaxPayloadSize = 128 * 1024

	// DefaultAutoSyncInterval is the delay between an append and the
	// scheduled checkpoint of the active segment.
	DefaultAutoSyncInterval = time.Second

	// maxSegmentLength caps the derived segment length at 1 GB.
	maxSegmentLength = int64(1000 * 1000000)
)

// Archiver receives sealed segment files just before ring cleanup unlinks
// them. An error aborts the cleanup pass and keeps the file on disk.
type Archiver interface {
	Archive(path string, firstID, firstTimestamp int64, count int32) error
}

// Options configures a Buffer. The zero value selects the documented
// defaults.
type Options struct {
	// MaxSize caps the total on-disk size; the oldest segments are
	// deleted once it is exceeded. 0 selects DefaultMaxSize; negative
	// disables cleanup entirely.
	MaxSize int64

	// SegmentCount guides the derived segment length (MaxSize /
	// SegmentCount). Ignored when SegmentLength is set.
	SegmentCount int

	// SegmentLength fixes the physical size of each segment file,
	// header included. 0 derives it from MaxSize and SegmentCount.
	SegmentLength int64

	// MaxPayloadSize bounds a single payload. 0 derives it as
	// SegmentLength - 2048 when SegmentLength is set, and selects
	// DefaultMaxPayloadSize otherwise.
	MaxPayloadSize int

	// AutoSyncInterval is the delay after an append before the active
	// segment is checkpointed. 0 selects the default; negative disables
	// auto-sync.
	AutoSyncInterval time.Duration

	// Executor, when set, runs ring cleanup asynchronously instead of on
	// the appending goroutine.
	Executor func(task func())

	// Archiver, when set, receives each segment before it is reclaimed.
	Archiver Archiver

	// Logger defaults to zap.NewNop().
	Logger *zap.Logger
}

func (o *Options) withDefaults() (Options, error) {
	out := *o
	if out.MaxSize == 0 {
		out.MaxSize = DefaultMaxSize
	}
	if out.MaxSize < 0 {
		out.MaxSize = 0 // cleanup disabled
	}
	if out.SegmentCount == 0 {
		out.SegmentCount = DefaultSegmentCount
	}
	if out.SegmentCount < 0 {
		return out, invalidArgf("segment count %d", out.SegmentCount)
	}
	if out.SegmentLength < 0 {
		return out, invalidArgf("segment length %d", out.SegmentLength)
	}
	if out.MaxPayloadSize < 0 || int64(out.MaxPayloadSize) >= maxSegmentLength {
		return out, invalidArgf("max payload size %d out of range", out.MaxPayloadSize)
	}
	if out.MaxPayloadSize == 0 && out.SegmentLength == 0 {
		out.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if out.AutoSyncInterval == 0 {
		out.AutoSyncInterval = DefaultAutoSyncInterval
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out, nil
}
