package contact

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

func intPtr(n int) *int { return &n }

func TestParseSortOrder(t *testing.T) {
	tests := []struct {
		input    string
		expected SortOrder
		wantErr  bool
	}{
		{"asc", Ascending, false},
		{"DESC", Descending, false},
		{"", NoOrder, false},
		{"none", NoOrder, false},
		{"sideways", NoOrder, true},
	}
	for _, tt := range tests {
		got, err := ParseSortOrder(tt.input)
		if tt.wantErr {
			assert.Error(t, err, tt.input)
			continue
		}
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.expected, got, tt.input)
	}
}

func TestComparatorNullsLastInBothDirections(t *testing.T) {
	withName := &Contact{UID: "a", DisplayName: "Doe"}
	withoutName := &Contact{UID: "b"}

	for _, order := range []SortOrder{Ascending, Descending} {
		t.Run(order.String(), func(t *testing.T) {
			c, err := NewComparator(FieldDisplayName, order, language.English)
			require.NoError(t, err)

			assert.Negative(t, c.Compare(withName, withoutName))
			assert.Positive(t, c.Compare(withoutName, withName))
			assert.Zero(t, c.Compare(withoutName, &Contact{}))
		})
	}
}

func TestComparatorNilContactSortsLast(t *testing.T) {
	c, err := NewComparator(FieldSurName, Ascending, language.English)
	require.NoError(t, err)
	assert.Positive(t, c.Compare(nil, &Contact{SurName: "Zed"}))
}

func TestComparatorDirectionFlipsNonNulls(t *testing.T) {
	a := &Contact{SurName: "Adams"}
	b := &Contact{SurName: "Baker"}

	asc, err := NewComparator(FieldSurName, Ascending, language.English)
	require.NoError(t, err)
	desc, err := NewComparator(FieldSurName, Descending, language.English)
	require.NoError(t, err)

	assert.Negative(t, asc.Compare(a, b))
	assert.Positive(t, desc.Compare(a, b))
}

func TestComparatorNoOrder(t *testing.T) {
	c, err := NewComparator(FieldSurName, NoOrder, language.English)
	require.NoError(t, err)
	assert.Zero(t, c.Compare(&Contact{SurName: "Adams"}, &Contact{SurName: "Baker"}))
}

func TestComparatorNaturalText(t *testing.T) {
	c, err := NewComparator(FieldDepartment, Ascending, language.English)
	require.NoError(t, err)

	assert.Negative(t, c.Compare(&Contact{Department: "Floor 9"}, &Contact{Department: "Floor 10"}))
	assert.Negative(t, c.Compare(&Contact{Department: "apple"}, &Contact{Department: "Banana"}))
}

func TestComparatorDatesAndInts(t *testing.T) {
	early := &Contact{Birthday: time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC), NumberOfEmployees: intPtr(5)}
	late := &Contact{Birthday: time.Date(1990, 6, 1, 0, 0, 0, 0, time.UTC), NumberOfEmployees: intPtr(50)}

	byDate, err := NewComparator(FieldBirthday, Ascending, language.English)
	require.NoError(t, err)
	assert.Negative(t, byDate.Compare(early, late))
	assert.Positive(t, byDate.Compare(&Contact{}, early))

	bySize, err := NewComparator(FieldNumberOfEmployees, Descending, language.English)
	require.NoError(t, err)
	assert.Negative(t, bySize.Compare(late, early))
	assert.Positive(t, bySize.Compare(&Contact{}, early))
}

func TestSort(t *testing.T) {
	contacts := []*Contact{
		{UID: "1", DisplayName: "Room 10"},
		{UID: "2"},
		{UID: "3", DisplayName: "Room 9"},
		{UID: "4", DisplayName: "Adams"},
	}

	require.NoError(t, Sort(contacts, FieldDisplayName, Ascending, language.English))
	var uids []string
	for _, c := range contacts {
		uids = append(uids, c.UID)
	}
	assert.Equal(t, []string{"4", "3", "1", "2"}, uids)

	require.NoError(t, Sort(contacts, FieldDisplayName, Descending, language.English))
	uids = uids[:0]
	for _, c := range contacts {
		uids = append(uids, c.UID)
	}
	assert.Equal(t, []string{"1", "3", "4", "2"}, uids)
}

func TestNewComparatorUnknownField(t *testing.T) {
	_, err := NewComparator(FieldUnknown, Ascending, language.English)
	assert.Error(t, err)
}
