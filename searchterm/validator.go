package searchterm

import (
	"fmt"
	"unicode/utf8"

	"github.com/migadu/contactdir/consts"
)

// Validator bounds the size of search trees accepted from clients.
type Validator struct {
	MaxDepth         int
	MaxLeaves        int
	MaxLiteralLength int
}

// NewValidator creates a new validator with sensible defaults
func NewValidator() *Validator {
	return &Validator{
		MaxDepth:         16,  // Nested composites
		MaxLeaves:        64,  // Comparisons in the whole tree
		MaxLiteralLength: 256, // Characters in a single literal
	}
}

// ValidationError reports the first problem found and where in the tree it is.
// It matches consts.ErrInvalidSearch and, when set, Err.
type ValidationError struct {
	Path    string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return "search term validation error: " + e.Message
	}
	return fmt.Sprintf("search term validation error at %s: %s", e.Path, e.Message)
}

func (e *ValidationError) Unwrap() []error {
	if e.Err != nil {
		return []error{consts.ErrInvalidSearch, e.Err}
	}
	return []error{consts.ErrInvalidSearch}
}

// Validate checks structure and limits. A nil error means the tree can be
// handed to a translator.
func (v *Validator) Validate(t Term) error {
	if t == nil {
		return &ValidationError{Message: "search term cannot be nil"}
	}

	leaves := 0
	err := Walk(t, func(path string, depth int, node Term) error {
		if v.MaxDepth > 0 && depth > v.MaxDepth {
			return &ValidationError{Path: path, Message: fmt.Sprintf("nesting too deep: %d (max: %d)", depth, v.MaxDepth)}
		}

		switch n := node.(type) {
		case *Composite:
			if n == nil {
				return &ValidationError{Path: path, Message: "nil composite"}
			}
			if n.Op == OpNot && len(n.Children) != 1 {
				return &ValidationError{Path: path, Message: fmt.Sprintf("not needs exactly one child, got %d", len(n.Children))}
			}
			for i, c := range n.Children {
				if c == nil {
					return &ValidationError{Path: fmt.Sprintf("%s.%s[%d]", path, n.Op, i), Message: "nil child"}
				}
			}
		case *Single:
			if n == nil {
				return &ValidationError{Path: path, Message: "nil comparison"}
			}
			leaves++
			if v.MaxLeaves > 0 && leaves > v.MaxLeaves {
				return &ValidationError{Path: path, Message: fmt.Sprintf("too many comparisons (max: %d)", v.MaxLeaves)}
			}
			field, literal, err := n.Split()
			if err != nil {
				return &ValidationError{Path: path, Message: err.Error(), Err: consts.ErrMalformedTerm}
			}
			if !utf8.ValidString(field) || !utf8.ValidString(literal) {
				return &ValidationError{Path: path, Message: "comparison is not valid UTF-8", Err: consts.ErrMalformedTerm}
			}
			if v.MaxLiteralLength > 0 && utf8.RuneCountInString(literal) > v.MaxLiteralLength {
				return &ValidationError{Path: path, Message: fmt.Sprintf("literal too long: %d characters (max: %d)",
					utf8.RuneCountInString(literal), v.MaxLiteralLength)}
			}
		default:
			return &ValidationError{Path: path, Message: fmt.Sprintf("unsupported term type %T", node)}
		}
		return nil
	})
	return err
}

// Walk visits t depth-first, parents before children and children left to
// right. path names the node ("root.and[1].or[0]"), depth counts composites above it.
// Returning an error from fn stops the walk.
func Walk(t Term, fn func(path string, depth int, node Term) error) error {
	return walk(t, "root", 0, fn)
}

func walk(t Term, path string, depth int, fn func(string, int, Term) error) error {
	if err := fn(path, depth, t); err != nil {
		return err
	}
	c, ok := t.(*Composite)
	if !ok || c == nil {
		return nil
	}
	for i, child := range c.Children {
		if child == nil {
			continue
		}
		if err := walk(child, fmt.Sprintf("%s.%s[%d]", path, c.Op, i), depth+1, fn); err != nil {
			return err
		}
	}
	return nil
}
