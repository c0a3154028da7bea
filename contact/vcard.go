package contact

import (
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-vcard"
)

const (
	vcardDateLayout = "20060102"
	vcardTimeLayout = "20060102T150405Z"
)

// ToVCard converts a contact into a version 4 vCard. Distribution lists are
// exported as KIND:group with one MEMBER per member address.
func ToVCard(c *Contact) vcard.Card {
	card := make(vcard.Card)

	if c.UID != "" {
		card.SetValue(vcard.FieldUID, c.UID)
	}
	fn := c.DisplayName
	if fn == "" {
		fn = strings.TrimSpace(c.GivenName + " " + c.SurName)
	}
	card.SetValue(vcard.FieldFormattedName, fn)

	if c.DistributionList {
		card.SetKind(vcard.KindGroup)
		for _, m := range c.Members {
			if !strings.Contains(m, ":") {
				m = "mailto:" + m
			}
			card.AddValue(vcard.FieldMember, m)
		}
		vcard.ToV4(card)
		return card
	}

	card.SetName(&vcard.Name{
		Field:           &vcard.Field{},
		FamilyName:      c.SurName,
		GivenName:       c.GivenName,
		AdditionalName:  c.MiddleName,
		HonorificPrefix: c.Title,
		HonorificSuffix: c.Suffix,
	})
	if c.Nickname != "" {
		card.SetValue(vcard.FieldNickname, c.Nickname)
	}

	if c.Company != "" || c.Department != "" {
		card.SetValue(vcard.FieldOrganization, strings.TrimSuffix(c.Company+";"+c.Department, ";"))
	}
	if c.Position != "" {
		card.SetValue(vcard.FieldTitle, c.Position)
	}

	for _, email := range []string{c.Email1, c.Email2, c.Email3} {
		if email != "" {
			card.AddValue(vcard.FieldEmail, email)
		}
	}

	addPhone(card, c.TelephoneBusiness, vcard.TypeWork, vcard.TypeVoice)
	addPhone(card, c.TelephoneHome, vcard.TypeHome, vcard.TypeVoice)
	addPhone(card, c.CellularTelephone, vcard.TypeCell)
	addPhone(card, c.FaxBusiness, vcard.TypeWork, vcard.TypeFax)

	if c.Street != "" || c.City != "" || c.PostalCode != "" || c.State != "" || c.Country != "" {
		card.AddAddress(&vcard.Address{
			Field:         &vcard.Field{Params: vcard.Params{vcard.ParamType: {vcard.TypeWork}}},
			StreetAddress: c.Street,
			Locality:      c.City,
			Region:        c.State,
			PostalCode:    c.PostalCode,
			Country:       c.Country,
		})
	}

	if c.Note != "" {
		card.SetValue(vcard.FieldNote, c.Note)
	}
	if !c.Birthday.IsZero() {
		card.SetValue(vcard.FieldBirthday, c.Birthday.Format(vcardDateLayout))
	}
	if !c.Anniversary.IsZero() {
		card.SetValue(vcard.FieldAnniversary, c.Anniversary.Format(vcardDateLayout))
	}
	if !c.LastModified.IsZero() {
		card.SetValue(vcard.FieldRevision, c.LastModified.UTC().Format(vcardTimeLayout))
	}

	vcard.ToV4(card)
	return card
}

func addPhone(card vcard.Card, number string, types ...string) {
	if number == "" {
		return
	}
	card.Add(vcard.FieldTelephone, &vcard.Field{
		Value:  number,
		Params: vcard.Params{vcard.ParamType: types},
	})
}

// WriteVCards encodes contacts as a stream of vCards.
func WriteVCards(w io.Writer, contacts []*Contact) error {
	enc := vcard.NewEncoder(w)
	for _, c := range contacts {
		if err := enc.Encode(ToVCard(c)); err != nil {
			return fmt.Errorf("encoding vCard for %s: %w", c.UID, err)
		}
	}
	return nil
}
