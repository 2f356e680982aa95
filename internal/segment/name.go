package segment

import (
	"fmt"
	"strconv"
	"strings"
)

// Suffix is the file extension for segment files.
const Suffix = ".qdb"

// FileName formats a segment file name: 16 lowercase hex digits of the first
// message ID, 16 of the first message timestamp, and the decimal message
// count. Lexicographic order of these names is first-ID order.
func FileName(firstID, firstTimestamp int64, count int32) string {
	return fmt.Sprintf("%016x-%016x-%d%s", uint64(firstID), uint64(firstTimestamp), count, Suffix)
}

// CorruptNameError reports a *.qdb file whose name does not parse.
type CorruptNameError struct {
	Name string
}

func (e *CorruptNameError) Error() string {
	return fmt.Sprintf("segment file %q has invalid name", e.Name)
}

// ParseName extracts (first_id, first_timestamp, count) from a segment file
// name. The name must match ^[0-9a-f]{16}-[0-9a-f]{16}-\d+\.qdb$ exactly.
func ParseName(name string) (firstID, firstTimestamp int64, count int32, err error) {
	base, ok := strings.CutSuffix(name, Suffix)
	// shortest valid: 16 + 1 + 16 + 1 + 1
	if !ok || len(base) < 35 || base[16] != '-' || base[33] != '-' {
		return 0, 0, 0, &CorruptNameError{Name: name}
	}
	id, err := parseHex16(base[:16])
	if err != nil {
		return 0, 0, 0, &CorruptNameError{Name: name}
	}
	ts, err := parseHex16(base[17:33])
	if err != nil {
		return 0, 0, 0, &CorruptNameError{Name: name}
	}
	c, err := strconv.ParseUint(base[34:], 10, 31)
	if err != nil {
		return 0, 0, 0, &CorruptNameError{Name: name}
	}
	return id, ts, int32(c), nil
}

func parseHex16(s string) (int64, error) {
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if (ch < '0' || ch > '9') && (ch < 'a' || ch > 'f') {
			return 0, fmt.Errorf("invalid hex digit %q", ch)
		}
	}
	v, err := strconv.ParseUint(s, 16, 64)
	return int64(v), err
}
