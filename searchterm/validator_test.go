package searchterm

import (
	"strings"
	"testing"

	"github.com/migadu/contactdir/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidator(t *testing.T) {
	v := NewValidator()
	assert.Equal(t, 16, v.MaxDepth)
	assert.Equal(t, 64, v.MaxLeaves)
	assert.Equal(t, 256, v.MaxLiteralLength)
}

func TestValidate(t *testing.T) {
	deep := Term(Eq("display_name", "x"))
	for i := 0; i < 20; i++ {
		deep = And(deep)
	}

	many := make([]Term, 70)
	for i := range many {
		many[i] = Eq("display_name", "x")
	}

	tests := []struct {
		name    string
		term    Term
		wantErr string
	}{
		{name: "valid", term: And(Eq("display_name", "Doe"), Not(Null("email1")))},
		{name: "nil", term: nil, wantErr: "cannot be nil"},
		{name: "too deep", term: deep, wantErr: "nesting too deep"},
		{name: "too many leaves", term: Or(many...), wantErr: "too many comparisons"},
		{name: "long literal", term: Eq("note", strings.Repeat("x", 300)), wantErr: "literal too long"},
		{name: "not with two children", term: &Composite{Op: OpNot, Children: []Term{Eq("a", "b"), Eq("c", "d")}}, wantErr: "exactly one child"},
		{name: "nil child", term: And(Eq("a", "b"), nil), wantErr: "nil child"},
		{name: "unsupported type", term: Or(bogusTerm{}), wantErr: "unsupported term type"},
		{name: "malformed leaf", term: Eq("", "x"), wantErr: "empty field name"},
	}

	v := NewValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.term)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.ErrorIs(t, err, consts.ErrInvalidSearch)

			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestValidateRejectsInvalidUTF8(t *testing.T) {
	v := NewValidator()
	for _, term := range []Term{
		Eq("display_name", "a\xffb"),
		And(Eq("sur_name", "Doe"), Prefix("nick\xc3", "x")),
	} {
		err := v.Validate(term)
		require.Error(t, err, term.String())
		assert.ErrorIs(t, err, consts.ErrMalformedTerm)
		assert.ErrorIs(t, err, consts.ErrInvalidSearch)
		assert.Contains(t, err.Error(), "not valid UTF-8")
	}

	assert.NoError(t, v.Validate(Eq("display_name", "Müller")))
}

func TestValidationErrorPath(t *testing.T) {
	term := And(Eq("a", "b"), Or(Eq("c", "d"), Eq("", "x")))
	err := NewValidator().Validate(term)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "root.and[1].or[1]", verr.Path)
}

func TestWalkOrder(t *testing.T) {
	term := And(Eq("a", "1"), Or(Eq("b", "2"), Eq("c", "3")), Eq("d", "4"))

	var visited []string
	err := Walk(term, func(path string, depth int, node Term) error {
		if s, ok := node.(*Single); ok {
			field, _, _ := s.Split()
			visited = append(visited, field)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, visited)
}
