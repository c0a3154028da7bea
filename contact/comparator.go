package contact

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// SortOrder is the direction a Comparator orders contacts in.
type SortOrder int

const (
	NoOrder SortOrder = iota
	Ascending
	Descending
)

func (o SortOrder) String() string {
	switch o {
	case Ascending:
		return "asc"
	case Descending:
		return "desc"
	default:
		return "none"
	}
}

// ParseSortOrder accepts "asc", "desc" and "" / "none".
func ParseSortOrder(s string) (SortOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return NoOrder, nil
	case "asc", "ascending":
		return Ascending, nil
	case "desc", "descending":
		return Descending, nil
	default:
		return NoOrder, fmt.Errorf("invalid sort order %q", s)
	}
}

// Comparator orders contacts by one field. Text is compared with locale
// collation where digit runs compare numerically ("Room 9" < "Room 10"),
// dates chronologically and integers numerically. Unset values always sort
// last, whatever the direction.
//
// A Comparator wraps a collator and is not safe for concurrent use.
type Comparator struct {
	field    Field
	def      fieldSpec
	order    SortOrder
	collator *collate.Collator
}

// NewComparator returns a comparator for field in the given order using the
// collation rules of locale.
func NewComparator(field Field, order SortOrder, locale language.Tag) (*Comparator, error) {
	def, ok := fieldTable[field]
	if !ok {
		return nil, fmt.Errorf("cannot sort by field %d: unknown field", int(field))
	}
	return &Comparator{
		field:    field,
		def:      def,
		order:    order,
		collator: collate.New(locale, collate.Numeric, collate.IgnoreCase),
	}, nil
}

// Compare returns a negative number when a sorts before b, a positive number
// when it sorts after and zero when their order is undefined.
func (c *Comparator) Compare(a, b *Contact) int {
	if c.order == NoOrder {
		return 0
	}

	var (
		res          int
		aNull, bNull bool
	)

	switch c.def.kind {
	case KindText:
		var av, bv string
		if a != nil {
			av = c.def.text(a)
		}
		if b != nil {
			bv = c.def.text(b)
		}
		aNull, bNull = av == "", bv == ""
		if !aNull && !bNull {
			res = c.compareText(av, bv)
		}
	case KindDate:
		var aOK, bOK bool
		if a != nil {
			aOK = !c.def.date(a).IsZero()
		}
		if b != nil {
			bOK = !c.def.date(b).IsZero()
		}
		aNull, bNull = !aOK, !bOK
		if aOK && bOK {
			res = c.def.date(a).Compare(c.def.date(b))
		}
	case KindInt:
		var av, bv int
		var aOK, bOK bool
		if a != nil {
			av, aOK = c.def.num(a)
		}
		if b != nil {
			bv, bOK = c.def.num(b)
		}
		aNull, bNull = !aOK, !bOK
		if aOK && bOK {
			res = cmp.Compare(av, bv)
		}
	}

	switch {
	case aNull && bNull:
		return 0
	case aNull:
		return 1
	case bNull:
		return -1
	}

	if c.order == Descending {
		return -res
	}
	return res
}

func (c *Comparator) compareText(a, b string) int {
	if res := c.collator.CompareString(a, b); res != 0 {
		return res
	}
	return strings.Compare(a, b)
}

// Sort orders contacts in place. The sort is stable, so NoOrder keeps the
// directory's order.
func Sort(contacts []*Contact, field Field, order SortOrder, locale language.Tag) error {
	if order == NoOrder || len(contacts) < 2 {
		return nil
	}
	comparator, err := NewComparator(field, order, locale)
	if err != nil {
		return err
	}
	slices.SortStableFunc(contacts, comparator.Compare)
	return nil
}
