// Package util provides small helpers shared by the recording backends.
package util

import (
	"fmt"
	"strings"
)

// SanitizeFileName replaces characters that are unsafe in file names with
// underscores. An empty result becomes "unnamed".
func SanitizeFileName(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '.' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "unnamed"
	}
	return out
}

// StepFileName builds "<prefix>_<step>.<ext>" with the step zero padded to six
// digits so files sort in step order.
func StepFileName(prefix string, step int, ext string) string {
	return fmt.Sprintf("%s_%06d.%s", SanitizeFileName(prefix), step, ext)
}

// ShortID returns the first eight characters of an id, enough to tell
// episodes apart in directory names.
func ShortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
