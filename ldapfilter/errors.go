package ldapfilter

import (
	"fmt"

	"github.com/migadu/contactdir/consts"
)

// RangeError is returned when a greater-or-equal / less-than pair on the same
// field cannot be expanded into first-letter prefixes.
type RangeError struct {
	Field  string
	Lower  rune
	Upper  rune
	Reason string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("invalid range on %s from %q to %q: %s", e.Field, e.Lower, e.Upper, e.Reason)
}

// Unwrap makes a RangeError match both consts.ErrInvalidRange and
// consts.ErrInvalidSearch.
func (e *RangeError) Unwrap() []error {
	return []error{consts.ErrInvalidRange, consts.ErrInvalidSearch}
}
