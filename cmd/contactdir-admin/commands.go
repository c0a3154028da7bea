package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/migadu/contactdir/config"
	"github.com/migadu/contactdir/contact"
	"github.com/migadu/contactdir/directory"
	"github.com/migadu/contactdir/ldapfilter"
	"github.com/migadu/contactdir/searchterm"
)

type translator interface {
	Translate(term searchterm.Term) (*ldapfilter.Result, error)
}

type searcher interface {
	Search(ctx context.Context, term searchterm.Term, opts directory.SearchOptions) ([]*contact.Contact, error)
	All(ctx context.Context, opts directory.SearchOptions) ([]*contact.Contact, error)
}

// readTerm returns the term JSON from the --term value or, failing that, the
// --term-file path ("-" reads stdin). Exactly one must be given.
func readTerm(term, termFile string, stdin io.Reader) ([]byte, error) {
	switch {
	case term != "" && termFile != "":
		return nil, errors.New("--term and --term-file are mutually exclusive")
	case term != "":
		return []byte(term), nil
	case termFile == "-":
		return io.ReadAll(stdin)
	case termFile != "":
		return os.ReadFile(termFile)
	default:
		return nil, errors.New("--term or --term-file is required")
	}
}

func searchOptions(sortField, order string, limit int) (directory.SearchOptions, error) {
	o, err := contact.ParseSortOrder(order)
	if err != nil {
		return directory.SearchOptions{}, err
	}
	if sortField != "" {
		if _, err := contact.ParseField(sortField); err != nil {
			return directory.SearchOptions{}, err
		}
		if o == contact.NoOrder {
			o = contact.Ascending
		}
	}
	if limit < 0 {
		return directory.SearchOptions{}, errors.New("--limit must not be negative")
	}
	return directory.SearchOptions{SortField: sortField, Order: o, Limit: limit}, nil
}

func runTranslate(w io.Writer, t translator, raw []byte) error {
	term, err := searchterm.Decode(raw)
	if err != nil {
		return err
	}
	res, err := t.Translate(term)
	if err != nil {
		return err
	}

	filter := res.Filter
	switch {
	case filter == "":
		filter = "(none)"
	case ldapfilter.IsMatchAll(filter):
		filter += "  (matches everything)"
	case ldapfilter.IsMatchNone(filter):
		filter += "  (matches nothing)"
	}

	fmt.Fprintf(w, "Term:    %s\n", term)
	fmt.Fprintf(w, "Filter:  %s\n", filter)
	if len(res.Folders) > 0 {
		folders := strings.Join(res.Folders, ", ")
		if !res.FolderScopeExact {
			folders += "  (under or/not, rejected by search)"
		}
		fmt.Fprintf(w, "Folders: %s\n", folders)
	}
	if res.RangeRewrites > 0 {
		fmt.Fprintf(w, "Ranges:  %d rewritten as prefix alternatives\n", res.RangeRewrites)
	}
	if len(res.DroppedFields) > 0 {
		fmt.Fprintf(w, "Dropped: %s (no directory attribute)\n", strings.Join(res.DroppedFields, ", "))
	}
	return nil
}

func runSearch(ctx context.Context, w io.Writer, s searcher, raw []byte, opts directory.SearchOptions, format string) error {
	var (
		contacts []*contact.Contact
		err      error
	)
	if len(raw) == 0 {
		contacts, err = s.All(ctx, opts)
	} else {
		term, derr := searchterm.Decode(raw)
		if derr != nil {
			return derr
		}
		contacts, err = s.Search(ctx, term, opts)
	}
	if err != nil {
		return err
	}
	return writeContacts(w, contacts, format)
}

// writeContacts prints a contact or a list of contacts in the requested format.
func writeContacts[T *contact.Contact | []*contact.Contact](w io.Writer, v T, format string) error {
	var contacts []*contact.Contact
	switch x := any(v).(type) {
	case *contact.Contact:
		contacts = []*contact.Contact{x}
	case []*contact.Contact:
		contacts = x
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "vcard":
		return contact.WriteVCards(w, contacts)
	case "table", "":
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "UID\tDISPLAY NAME\tEMAIL\tCOMPANY\tLIST")
		for _, c := range contacts {
			list := ""
			if c.DistributionList {
				list = fmt.Sprintf("%d members", len(c.Members))
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.UID, c.DisplayName, c.Email1, c.Company, list)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		_, err := fmt.Fprintf(w, "\n%d contact(s)\n", len(contacts))
		return err
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func printMapping(w io.Writer, m config.MappingConfig) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FIELD\tATTRIBUTE")
	for _, name := range contact.FieldNames() {
		attr := m.Fields[name]
		switch {
		case name == m.FolderField && m.FolderField != "":
			attr = "(folder selector)"
		case attr == "":
			attr = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\n", name, attr)
	}
	tw.Flush()
}
