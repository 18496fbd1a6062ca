package milter

import (
	"bytes"
	"strings"
)

const null = "\x00"

// decodeCStrings splits a run of NUL-terminated byte strings into a slice,
// preserving arrival order. Every field, including an empty one, ends in a
// NUL; only the single terminator after the last field is dropped, so a
// genuinely empty first, last, or interior field is preserved rather than
// silently swallowed.
func decodeCStrings(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	fields := strings.Split(string(data), null)
	if n := len(fields); n > 0 && fields[n-1] == "" {
		fields = fields[:n-1]
	}
	return fields
}

// readCString returns the first NUL-terminated string in data, or the
// entire remaining data if no NUL is present.
func readCString(data []byte) string {
	pos := bytes.IndexByte(data, 0)
	if pos == -1 {
		return string(data)
	}
	return string(data[:pos])
}

// readCStringN behaves like readCString but also reports the number of
// bytes consumed, including the terminating NUL, so callers can advance a
// cursor through a multi-field body.
func readCStringN(data []byte) (string, int) {
	pos := bytes.IndexByte(data, 0)
	if pos == -1 {
		return string(data), len(data)
	}
	return string(data[:pos]), pos + 1
}

func appendCString(dest []byte, s string) []byte {
	dest = append(dest, []byte(s)...)
	return append(dest, 0x00)
}

func stripAngleBrackets(s string) string {
	return strings.TrimPrefix(strings.TrimSuffix(s, ">"), "<")
}
