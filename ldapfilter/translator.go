// Package ldapfilter translates search-term trees into RFC 4515 LDAP filter
// strings for a configurable field-to-attribute mapping.
package ldapfilter

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/migadu/contactdir/consts"
	"github.com/migadu/contactdir/logger"
	"github.com/migadu/contactdir/pkg/metrics"
	"github.com/migadu/contactdir/searchterm"
)

// DefaultMaxRangeSpan bounds how many first-letter prefixes a single range
// rewrite may produce.
const DefaultMaxRangeSpan = 1024

// Mapping resolves a logical contact field to its directory attribute. ok is
// false when the field has no attribute.
type Mapping interface {
	Attribute(field string) (attr string, ok bool)
}

// StaticMapping is a Mapping backed by a map. Empty attribute names count as
// unmapped.
type StaticMapping map[string]string

func (m StaticMapping) Attribute(field string) (string, bool) {
	attr, ok := m[field]
	return attr, ok && attr != ""
}

// Options tunes translation.
type Options struct {
	// FolderField names the field whose comparisons become folder ids
	// instead of filter clauses.
	FolderField string
	// DisplayNameField and DistributionListAttribute drive distribution
	// list broadening when IncludeDistributionLists is set.
	DisplayNameField          string
	DistributionListAttribute string
	IncludeDistributionLists  bool
	// MaxRangeSpan limits range rewrites; zero means DefaultMaxRangeSpan.
	MaxRangeSpan int
}

// Result is the outcome of one translation.
type Result struct {
	Filter        string
	Folders       []string
	DroppedFields []string
	RangeRewrites int

	// FolderScopeExact is false when a folder comparison sat below an OR or
	// a NOT. Folders then no longer restrict the search to those folders.
	FolderScopeExact bool
}

// Translator turns search terms into filters. Translate is safe for
// concurrent use; Parse and its accessors keep the last result and are not.
type Translator struct {
	mapping Mapping
	opts    Options
	last    *Result
}

func New(mapping Mapping, opts Options) *Translator {
	if opts.MaxRangeSpan <= 0 {
		opts.MaxRangeSpan = DefaultMaxRangeSpan
	}
	return &Translator{mapping: mapping, opts: opts}
}

// Translate renders term. Comparisons on unmapped fields render as nothing
// and are listed in Result.DroppedFields; comparisons on the folder field are
// collected into Result.Folders.
func (t *Translator) Translate(term searchterm.Term) (*Result, error) {
	w := &walker{t: t, result: &Result{FolderScopeExact: true}}
	filter, err := w.render(term)
	if err != nil {
		var rerr *RangeError
		if errors.As(err, &rerr) {
			metrics.FilterTranslationsTotal.WithLabelValues("invalid_range").Inc()
		} else {
			metrics.FilterTranslationsTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}
	w.result.Filter = filter

	metrics.FilterTranslationsTotal.WithLabelValues("success").Inc()
	metrics.FilterDroppedFieldsTotal.Add(float64(len(w.result.DroppedFields)))
	metrics.FilterRangeRewritesTotal.Add(float64(w.result.RangeRewrites))
	metrics.FilterFoldersExtractedTotal.Add(float64(len(w.result.Folders)))
	return w.result, nil
}

// Parse translates term and keeps the result for QueryString and Folders.
// A failed Parse clears the previous result.
func (t *Translator) Parse(term searchterm.Term) error {
	res, err := t.Translate(term)
	if err != nil {
		t.last = nil
		return err
	}
	t.last = res
	return nil
}

// QueryString returns the filter from the last successful Parse.
func (t *Translator) QueryString() string {
	if t.last == nil {
		return ""
	}
	return t.last.Filter
}

// Folders returns the folder ids from the last successful Parse.
func (t *Translator) Folders() []string {
	if t.last == nil {
		return nil
	}
	return t.last.Folders
}

// rangePhase tracks a greater-or-equal / less-than pair among the direct
// children of one AND.
type rangePhase int

const (
	phaseIdle rangePhase = iota
	phaseSawAnd
	phaseSawGreaterEqual
	phaseRangeFixed
)

type rangeState struct {
	phase rangePhase
	field string
	lower rune
	pos   int
}

func (s *rangeState) reset() {
	*s = rangeState{phase: phaseIdle}
}

type walker struct {
	t      *Translator
	result *Result
	// loose counts OR and NOT composites above the current node.
	loose int
}

func (w *walker) render(term searchterm.Term) (string, error) {
	switch n := term.(type) {
	case *searchterm.Composite:
		if n == nil {
			return "", fmt.Errorf("%w: nil composite", consts.ErrUnknownTerm)
		}
		return w.renderComposite(n)
	case *searchterm.Single:
		if n == nil {
			return "", fmt.Errorf("%w: nil comparison", consts.ErrUnknownTerm)
		}
		return w.renderSingle(n, nil, 0)
	default:
		return "", fmt.Errorf("%w: %T", consts.ErrUnknownTerm, term)
	}
}

func (w *walker) renderComposite(c *searchterm.Composite) (string, error) {
	switch c.Op {
	case searchterm.OpAnd:
		return w.renderAnd(c.Children)
	case searchterm.OpOr:
		w.loose++
		defer func() { w.loose-- }()
		parts := make([]string, 0, len(c.Children))
		for _, child := range c.Children {
			part, err := w.render(child)
			if err != nil {
				return "", err
			}
			parts = append(parts, part)
		}
		return join("|", parts, len(c.Children)), nil
	case searchterm.OpNot:
		if len(c.Children) != 1 {
			return "", fmt.Errorf("%w: not needs exactly one child, got %d", consts.ErrMalformedTerm, len(c.Children))
		}
		w.loose++
		defer func() { w.loose-- }()
		part, err := w.render(c.Children[0])
		if err != nil || part == "" {
			return "", err
		}
		return "(!" + part + ")", nil
	default:
		return "", fmt.Errorf("%w: composite operator %d", consts.ErrUnknownTerm, c.Op)
	}
}

// renderAnd renders the children of an AND while watching for a
// greater-or-equal comparison followed by a less-than comparison on the same
// field. Such a pair is replaced by one disjunction of first-letter prefixes.
func (w *walker) renderAnd(children []searchterm.Term) (string, error) {
	state := &rangeState{phase: phaseSawAnd}
	parts := make([]string, 0, len(children))

	for _, child := range children {
		var (
			part string
			err  error
		)
		if s, ok := child.(*searchterm.Single); ok && s != nil {
			part, err = w.renderSingle(s, state, len(parts))
		} else {
			part, err = w.render(child)
		}
		if err != nil {
			return "", err
		}

		if state.phase == phaseRangeFixed {
			parts = append(parts[:state.pos], parts[state.pos+1:]...)
			state.reset()
		}
		parts = append(parts, part)
	}
	return join("&", parts, len(children)), nil
}

func (w *walker) renderSingle(s *searchterm.Single, state *rangeState, pos int) (string, error) {
	field, literal, err := s.Split()
	if err != nil {
		return "", err
	}

	opts := w.t.opts
	if opts.FolderField != "" && field == opts.FolderField {
		w.result.Folders = append(w.result.Folders, literal)
		if w.loose > 0 {
			w.result.FolderScopeExact = false
		}
		return "", nil
	}

	attr, ok := w.t.mapping.Attribute(field)
	if !ok {
		w.result.DroppedFields = append(w.result.DroppedFields, field)
		logger.Warn("Search term field has no directory attribute, dropping comparison", "field", field, "op", s.Op.String())
		return "", nil
	}

	attrs := []string{attr}
	if opts.IncludeDistributionLists && field == opts.DisplayNameField &&
		opts.DistributionListAttribute != "" && opts.DistributionListAttribute != attr {
		attrs = append(attrs, opts.DistributionListAttribute)
	}

	if state != nil && literal != "" {
		switch {
		case s.Op == searchterm.GreaterOrEqual && (state.phase == phaseSawAnd || state.phase == phaseSawGreaterEqual):
			lower, _ := utf8.DecodeRuneInString(literal)
			*state = rangeState{phase: phaseSawGreaterEqual, field: field, lower: lower, pos: pos}
		case s.Op == searchterm.LessThan && state.phase == phaseSawGreaterEqual && state.field == field:
			upper, _ := utf8.DecodeRuneInString(literal)
			out, err := w.prefixRange(field, attrs, state.lower, upper)
			if err != nil {
				return "", err
			}
			state.phase = phaseRangeFixed
			w.result.RangeRewrites++
			return out, nil
		}
	}

	value := Escape(literal)
	var pred func(attr string) string
	switch s.Op {
	case searchterm.Equals:
		pred = func(a string) string { return "(" + a + "=" + value + ")" }
	case searchterm.StartsWith:
		pred = func(a string) string { return "(" + a + "=" + value + "*)" }
	case searchterm.Contains:
		if value == "" {
			pred = func(a string) string { return "(" + a + "=*)" }
		} else {
			pred = func(a string) string { return "(" + a + "=*" + value + "*)" }
		}
	case searchterm.GreaterOrEqual:
		pred = func(a string) string { return "(" + a + ">=" + value + ")" }
	case searchterm.LessOrEqual:
		pred = func(a string) string { return "(" + a + "<=" + value + ")" }
	case searchterm.GreaterThan:
		pred = func(a string) string { return "(&(" + a + ">=" + value + ")(!(" + a + "=" + value + ")))" }
	case searchterm.LessThan:
		pred = func(a string) string { return "(&(" + a + "<=" + value + ")(!(" + a + "=" + value + ")))" }
	case searchterm.IsNull:
		pred = func(a string) string { return "(!(" + a + "=*))" }
	default:
		return "", fmt.Errorf("%w: comparison %d", consts.ErrMalformedTerm, s.Op)
	}

	if len(attrs) == 1 {
		return pred(attrs[0]), nil
	}
	var b strings.Builder
	b.WriteString("(|")
	for _, a := range attrs {
		b.WriteString(pred(a))
	}
	b.WriteString(")")
	return b.String(), nil
}

// prefixRange emits one starts-with clause per character in [lower, upper).
func (w *walker) prefixRange(field string, attrs []string, lower, upper rune) (string, error) {
	if lower >= upper {
		return "", &RangeError{Field: field, Lower: lower, Upper: upper, Reason: "lower bound is not below upper bound"}
	}
	if span := int(upper - lower); span > w.t.opts.MaxRangeSpan {
		return "", &RangeError{Field: field, Lower: lower, Upper: upper,
			Reason: fmt.Sprintf("range spans %d characters (max: %d)", span, w.t.opts.MaxRangeSpan)}
	}

	var b strings.Builder
	b.WriteString("(|")
	for r := lower; r < upper; r++ {
		if !utf8.ValidRune(r) {
			continue
		}
		value := Escape(string(r))
		for _, a := range attrs {
			b.WriteString("(" + a + "=" + value + "*)")
		}
	}
	b.WriteString(")")
	return b.String(), nil
}

// join wraps the non-empty parts in op. A composite with no surviving parts
// becomes the absolute true or false filter; one that lost children down to a
// single part collapses to that part.
func join(op string, parts []string, children int) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	switch {
	case len(kept) == 0:
		return "(" + op + ")"
	case len(kept) == 1 && children > 1:
		return kept[0]
	default:
		return "(" + op + strings.Join(kept, "") + ")"
	}
}
