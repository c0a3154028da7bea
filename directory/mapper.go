package directory

import (
	"sort"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/migadu/contactdir/config"
	"github.com/migadu/contactdir/contact"
	"github.com/migadu/contactdir/helpers"
	"github.com/migadu/contactdir/logger"
)

// entryMapper turns directory entries into contacts using the reverse of the
// field mapping. Several fields may share one attribute.
type entryMapper struct {
	mapping  config.MappingConfig
	folderID string
	byAttr   map[string][]contact.Field
}

func newEntryMapper(mapping config.MappingConfig, folderID string) *entryMapper {
	byAttr := make(map[string][]contact.Field)
	for name, attr := range mapping.Fields {
		if attr == "" {
			continue
		}
		f, err := contact.ParseField(name)
		if err != nil || f == contact.FieldFolderID {
			continue
		}
		key := strings.ToLower(attr)
		byAttr[key] = append(byAttr[key], f)
	}
	for _, fields := range byAttr {
		sort.Slice(fields, func(i, j int) bool { return fields[i] < fields[j] })
	}
	return &entryMapper{mapping: mapping, folderID: folderID, byAttr: byAttr}
}

func (m *entryMapper) toContact(e *ldap.Entry) *contact.Contact {
	c := &contact.Contact{DN: e.DN, FolderID: m.folderID}

	for _, attr := range e.Attributes {
		if len(attr.Values) == 0 {
			continue
		}
		fields := m.byAttr[strings.ToLower(attr.Name)]
		if len(fields) == 0 {
			continue
		}
		value := helpers.SanitizeUTF8(attr.Values[0])
		for _, f := range fields {
			if err := c.Set(f, value); err != nil {
				logger.Debug("Directory: ignoring unparsable attribute", "dn", e.DN, "attribute", attr.Name, "error", err)
			}
		}

		// Further values of the email1 attribute go to email2 and email3 if unset.
		if len(attr.Values) > 1 && containsField(fields, contact.FieldEmail1) {
			m.fillExtraEmails(c, attr.Values[1:])
		}
	}

	if m.mapping.UIDAttribute != "" {
		if uid := e.GetEqualFoldAttributeValue(m.mapping.UIDAttribute); uid != "" {
			c.UID = helpers.SanitizeUTF8(uid)
		}
	}
	if c.UID == "" {
		c.UID = e.DN
	}

	if m.isDistributionList(e) {
		c.DistributionList = true
		if m.mapping.MemberAttribute != "" {
			c.Members = helpers.SanitizeValues(e.GetEqualFoldAttributeValues(m.mapping.MemberAttribute))
		}
		if c.DisplayName == "" && m.mapping.DistributionListAttribute != "" {
			c.DisplayName = helpers.SanitizeUTF8(e.GetEqualFoldAttributeValue(m.mapping.DistributionListAttribute))
		}
	}
	return c
}

func (m *entryMapper) fillExtraEmails(c *contact.Contact, extra []string) {
	for _, v := range extra {
		v = helpers.SanitizeUTF8(v)
		switch {
		case c.Email2 == "":
			c.Email2 = v
		case c.Email3 == "":
			c.Email3 = v
		default:
			return
		}
	}
}

func (m *entryMapper) isDistributionList(e *ldap.Entry) bool {
	class := m.mapping.DistributionListObjectClass
	if class == "" {
		return false
	}
	for _, oc := range e.GetEqualFoldAttributeValues("objectClass") {
		if strings.EqualFold(oc, class) {
			return true
		}
	}
	return false
}

func containsField(fields []contact.Field, f contact.Field) bool {
	for _, x := range fields {
		if x == f {
			return true
		}
	}
	return false
}
