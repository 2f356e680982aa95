package mbuf

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed buffer.
	ErrClosed = errors.New("message buffer is closed")

	// ErrCursorClosed is returned by operations on a closed cursor.
	ErrCursorClosed = errors.New("cursor is closed")

	// ErrInterrupted is returned when a blocking NextWait is woken by the
	// buffer or the cursor being closed.
	ErrInterrupted = errors.New("wait for message interrupted")

	// ErrInvalidArgument is wrapped by errors caused by out-of-range
	// parameters (negative IDs, IDs past the end, invalid sizes).
	ErrInvalidArgument = errors.New("invalid argument")
)

// OversizeError reports a payload exceeding the configured maximum.
type OversizeError struct {
	Size int
	Max  int
}

func (e *OversizeError) Error() string {
	return fmt.Sprintf("payload size of %d exceeds max payload size of %d", e.Size, e.Max)
}

func invalidArgf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
