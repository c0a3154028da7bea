// Package contact holds the contact record served by the directory provider,
// the table of sortable and searchable logical fields, and the comparator
// used to order search results.
package contact

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/migadu/contactdir/consts"
)

// Contact is a single directory entry as seen by groupware clients.
// Empty strings, zero times and a zero ObjectID mean "not set".
type Contact struct {
	UID      string `json:"uid"`
	DN       string `json:"dn,omitempty"`
	ObjectID int    `json:"object_id,omitempty"`
	FolderID string `json:"folder_id,omitempty"`

	DisplayName string `json:"display_name,omitempty"`
	GivenName   string `json:"given_name,omitempty"`
	SurName     string `json:"sur_name,omitempty"`
	MiddleName  string `json:"middle_name,omitempty"`
	Suffix      string `json:"suffix,omitempty"`
	Title       string `json:"title,omitempty"`
	Nickname    string `json:"nickname,omitempty"`

	Company    string `json:"company,omitempty"`
	Department string `json:"department,omitempty"`
	Position   string `json:"position,omitempty"`

	Email1 string `json:"email1,omitempty"`
	Email2 string `json:"email2,omitempty"`
	Email3 string `json:"email3,omitempty"`

	TelephoneBusiness string `json:"telephone_business,omitempty"`
	TelephoneHome     string `json:"telephone_home,omitempty"`
	CellularTelephone string `json:"cellular_telephone,omitempty"`
	FaxBusiness       string `json:"fax_business,omitempty"`

	Street     string `json:"street,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	Country    string `json:"country,omitempty"`

	Note string `json:"note,omitempty"`

	Birthday     time.Time `json:"birthday,omitzero"`
	Anniversary  time.Time `json:"anniversary,omitzero"`
	CreationDate time.Time `json:"creation_date,omitzero"`
	LastModified time.Time `json:"last_modified,omitzero"`

	NumberOfEmployees *int `json:"number_of_employees,omitempty"`

	DistributionList bool     `json:"distribution_list,omitempty"`
	Members          []string `json:"members,omitempty"`
}

// Text returns the value of a text field; ok is false for unknown or non-text fields.
func (c *Contact) Text(f Field) (string, bool) {
	def, known := fieldTable[f]
	if !known || def.kind != KindText {
		return "", false
	}
	return def.text(c), true
}

// Set assigns a raw directory value to the given field, converting it to the
// field's kind. Dates accept LDAP generalized time and ISO dates.
func (c *Contact) Set(f Field, raw string) error {
	def, known := fieldTable[f]
	if !known {
		return fmt.Errorf("%w: %d", consts.ErrUnknownField, int(f))
	}

	switch def.kind {
	case KindText:
		def.setText(c, raw)
	case KindDate:
		t, err := ParseDate(raw)
		if err != nil {
			return fmt.Errorf("field %s: %w", f, err)
		}
		def.setDate(c, t)
	case KindInt:
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("field %s: invalid number %q", f, raw)
		}
		def.setInt(c, n)
	}
	return nil
}

var dateLayouts = []string{
	"20060102150405Z0700",
	"20060102150405Z",
	"20060102150405.0Z",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02",
	"20060102",
}

// ParseDate parses the date representations found in directory attributes.
func ParseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", raw)
}
