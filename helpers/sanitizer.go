package helpers

import (
	"strings"
	"unicode/utf8"
)

// SanitizeUTF8 removes invalid UTF-8 sequences and NULL bytes from a string.
// Directory servers occasionally hand back attribute values in legacy
// encodings; those bytes must not leak into JSON responses or vCards.
func SanitizeUTF8(s string) string {
	if utf8.ValidString(s) && !strings.ContainsRune(s, '\x00') {
		return s
	}

	buf := make([]rune, 0, len(s))
	for i, r := range s {
		if r == '\x00' {
			continue
		}

		if r == utf8.RuneError {
			_, size := utf8.DecodeRuneInString(s[i:])
			if size == 1 {
				continue // skip invalid byte
			}
		}

		buf = append(buf, r)
	}
	return string(buf)
}

// SanitizeValues applies SanitizeUTF8 to every value and drops values that
// end up empty or whitespace-only.
func SanitizeValues(values []string) []string {
	if len(values) == 0 {
		return values
	}

	sanitized := make([]string, 0, len(values))
	for _, v := range values {
		v = SanitizeUTF8(v)
		if strings.TrimSpace(v) == "" {
			continue
		}
		sanitized = append(sanitized, v)
	}
	return sanitized
}
