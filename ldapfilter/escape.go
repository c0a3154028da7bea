package ldapfilter

import (
	"strings"
	"unicode/utf8"
)

const hexDigits = "0123456789abcdef"

// Escape encodes the characters that are special in RFC 4515 filter values
// as backslash hex pairs: ( ) * \ and NUL. Invalid UTF-8 bytes and U+FFFD,
// which go-ldap refuses in filter text, are hex encoded byte by byte.
// Everything else is passed through.
func Escape(value string) string {
	if utf8.ValidString(value) && !strings.ContainsAny(value, "()*\\\x00\uFFFD") {
		return value
	}

	var b strings.Builder
	b.Grow(len(value) + 8)
	for i := 0; i < len(value); {
		r, size := utf8.DecodeRuneInString(value[i:])
		switch {
		case r == utf8.RuneError:
			for j := i; j < i+size; j++ {
				c := value[j]
				b.WriteByte('\\')
				b.WriteByte(hexDigits[c>>4])
				b.WriteByte(hexDigits[c&0x0f])
			}
		case r == '(':
			b.WriteString(`\28`)
		case r == ')':
			b.WriteString(`\29`)
		case r == '*':
			b.WriteString(`\2a`)
		case r == '\\':
			b.WriteString(`\5c`)
		case r == 0:
			b.WriteString(`\00`)
		default:
			b.WriteString(value[i : i+size])
		}
		i += size
	}
	return b.String()
}

// IsMatchAll reports whether filter is the RFC 4526 absolute true filter, which
// the translator emits for an AND whose every child was dropped or extracted.
func IsMatchAll(filter string) bool {
	return filter == "(&)"
}

// IsMatchNone reports whether filter is the RFC 4526 absolute false filter.
func IsMatchNone(filter string) bool {
	return filter == "(|)"
}
