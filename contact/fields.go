package contact

import (
	"fmt"
	"sort"
	"time"

	"github.com/migadu/contactdir/consts"
)

// Field identifies a logical contact field. The external name returned by
// String is what search terms, field mappings and sort requests use.
type Field int

const (
	FieldUnknown Field = iota
	FieldUID
	FieldObjectID
	FieldFolderID
	FieldDisplayName
	FieldGivenName
	FieldSurName
	FieldMiddleName
	FieldSuffix
	FieldTitle
	FieldNickname
	FieldCompany
	FieldDepartment
	FieldPosition
	FieldEmail1
	FieldEmail2
	FieldEmail3
	FieldTelephoneBusiness
	FieldTelephoneHome
	FieldCellularTelephone
	FieldFaxBusiness
	FieldStreet
	FieldPostalCode
	FieldCity
	FieldState
	FieldCountry
	FieldNote
	FieldBirthday
	FieldAnniversary
	FieldCreationDate
	FieldLastModified
	FieldNumberOfEmployees
)

// Kind is the value type of a field and selects the comparison used for sorting.
type Kind int

const (
	KindText Kind = iota
	KindDate
	KindInt
)

type fieldSpec struct {
	name string
	kind Kind

	text    func(*Contact) string
	setText func(*Contact, string)

	date    func(*Contact) time.Time
	setDate func(*Contact, time.Time)

	num    func(*Contact) (int, bool)
	setInt func(*Contact, int)
}

func textField(name string, get func(*Contact) *string) fieldSpec {
	return fieldSpec{
		name:    name,
		kind:    KindText,
		text:    func(c *Contact) string { return *get(c) },
		setText: func(c *Contact, v string) { *get(c) = v },
	}
}

func dateField(name string, get func(*Contact) *time.Time) fieldSpec {
	return fieldSpec{
		name:    name,
		kind:    KindDate,
		date:    func(c *Contact) time.Time { return *get(c) },
		setDate: func(c *Contact, v time.Time) { *get(c) = v },
	}
}

var fieldTable = map[Field]fieldSpec{
	FieldUID:               textField("uid", func(c *Contact) *string { return &c.UID }),
	FieldFolderID:          textField("folder_id", func(c *Contact) *string { return &c.FolderID }),
	FieldDisplayName:       textField("display_name", func(c *Contact) *string { return &c.DisplayName }),
	FieldGivenName:         textField("given_name", func(c *Contact) *string { return &c.GivenName }),
	FieldSurName:           textField("sur_name", func(c *Contact) *string { return &c.SurName }),
	FieldMiddleName:        textField("middle_name", func(c *Contact) *string { return &c.MiddleName }),
	FieldSuffix:            textField("suffix", func(c *Contact) *string { return &c.Suffix }),
	FieldTitle:             textField("title", func(c *Contact) *string { return &c.Title }),
	FieldNickname:          textField("nickname", func(c *Contact) *string { return &c.Nickname }),
	FieldCompany:           textField("company", func(c *Contact) *string { return &c.Company }),
	FieldDepartment:        textField("department", func(c *Contact) *string { return &c.Department }),
	FieldPosition:          textField("position", func(c *Contact) *string { return &c.Position }),
	FieldEmail1:            textField("email1", func(c *Contact) *string { return &c.Email1 }),
	FieldEmail2:            textField("email2", func(c *Contact) *string { return &c.Email2 }),
	FieldEmail3:            textField("email3", func(c *Contact) *string { return &c.Email3 }),
	FieldTelephoneBusiness: textField("telephone_business", func(c *Contact) *string { return &c.TelephoneBusiness }),
	FieldTelephoneHome:     textField("telephone_home", func(c *Contact) *string { return &c.TelephoneHome }),
	FieldCellularTelephone: textField("cellular_telephone", func(c *Contact) *string { return &c.CellularTelephone }),
	FieldFaxBusiness:       textField("fax_business", func(c *Contact) *string { return &c.FaxBusiness }),
	FieldStreet:            textField("street", func(c *Contact) *string { return &c.Street }),
	FieldPostalCode:        textField("postal_code", func(c *Contact) *string { return &c.PostalCode }),
	FieldCity:              textField("city", func(c *Contact) *string { return &c.City }),
	FieldState:             textField("state", func(c *Contact) *string { return &c.State }),
	FieldCountry:           textField("country", func(c *Contact) *string { return &c.Country }),
	FieldNote:              textField("note", func(c *Contact) *string { return &c.Note }),
	FieldBirthday:          dateField("birthday", func(c *Contact) *time.Time { return &c.Birthday }),
	FieldAnniversary:       dateField("anniversary", func(c *Contact) *time.Time { return &c.Anniversary }),
	FieldCreationDate:      dateField("creation_date", func(c *Contact) *time.Time { return &c.CreationDate }),
	FieldLastModified:      dateField("last_modified", func(c *Contact) *time.Time { return &c.LastModified }),
	FieldObjectID: {
		name:   "object_id",
		kind:   KindInt,
		num:    func(c *Contact) (int, bool) { return c.ObjectID, c.ObjectID != 0 },
		setInt: func(c *Contact, v int) { c.ObjectID = v },
	},
	FieldNumberOfEmployees: {
		name: "number_of_employees",
		kind: KindInt,
		num: func(c *Contact) (int, bool) {
			if c.NumberOfEmployees == nil {
				return 0, false
			}
			return *c.NumberOfEmployees, true
		},
		setInt: func(c *Contact, v int) { c.NumberOfEmployees = &v },
	},
}

var fieldsByName = func() map[string]Field {
	m := make(map[string]Field, len(fieldTable))
	for f, def := range fieldTable {
		m[def.name] = f
	}
	return m
}()

func (f Field) String() string {
	if def, ok := fieldTable[f]; ok {
		return def.name
	}
	return "unknown"
}

// Kind returns the value kind of the field. Unknown fields report KindText.
func (f Field) Kind() Kind {
	return fieldTable[f].kind
}

// ParseField resolves an external field name.
func ParseField(name string) (Field, error) {
	if f, ok := fieldsByName[name]; ok {
		return f, nil
	}
	return FieldUnknown, fmt.Errorf("%w: %q", consts.ErrUnknownField, name)
}

// FieldNames returns all known external field names in alphabetical order.
func FieldNames() []string {
	names := make([]string, 0, len(fieldsByName))
	for name := range fieldsByName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
