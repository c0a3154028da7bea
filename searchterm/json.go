package searchterm

import (
	"encoding/json"
	"fmt"

	"github.com/migadu/contactdir/consts"
)

// maxDecodeDepth bounds recursion while decoding untrusted input. The
// Validator applies the configurable, usually much lower, limit.
const maxDecodeDepth = 128

// Decode parses the JSON wire form of a search tree:
//
//	{"and": [ ... ]}  {"or": [ ... ]}  {"not": { ... }}
//	{"field": "display_name", "op": "eq", "value": "Doe"}
//
// A leaf without "op" is an equality comparison.
func Decode(data []byte) (Term, error) {
	return decode(data, 0)
}

func decode(data json.RawMessage, depth int) (Term, error) {
	if depth > maxDecodeDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", consts.ErrMalformedTerm, maxDecodeDepth)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrMalformedTerm, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: null term", consts.ErrMalformedTerm)
	}

	if raw, ok := obj["and"]; ok {
		return decodeComposite(OpAnd, raw, depth)
	}
	if raw, ok := obj["or"]; ok {
		return decodeComposite(OpOr, raw, depth)
	}
	if raw, ok := obj["not"]; ok {
		child, err := decode(raw, depth+1)
		if err != nil {
			return nil, err
		}
		return Not(child), nil
	}

	rawField, ok := obj["field"]
	if !ok {
		return nil, fmt.Errorf("%w: term needs one of and, or, not, field", consts.ErrMalformedTerm)
	}

	var field, opName, value string
	if err := json.Unmarshal(rawField, &field); err != nil {
		return nil, fmt.Errorf("%w: field: %v", consts.ErrMalformedTerm, err)
	}
	opName = "eq"
	if raw, ok := obj["op"]; ok {
		if err := json.Unmarshal(raw, &opName); err != nil {
			return nil, fmt.Errorf("%w: op: %v", consts.ErrMalformedTerm, err)
		}
	}
	if raw, ok := obj["value"]; ok {
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, fmt.Errorf("%w: value must be a string: %v", consts.ErrMalformedTerm, err)
		}
	}

	op, err := ParseComparison(opName)
	if err != nil {
		return nil, err
	}
	return single(op, field, value), nil
}

func decodeComposite(op CompositeOp, raw json.RawMessage, depth int) (Term, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: %s expects an array: %v", consts.ErrMalformedTerm, op, err)
	}
	children := make([]Term, 0, len(items))
	for _, item := range items {
		child, err := decode(item, depth+1)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return &Composite{Op: op, Children: children}, nil
}

// Encode renders a search tree in the wire form accepted by Decode.
func Encode(t Term) ([]byte, error) {
	v, err := wireValue(t)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func wireValue(t Term) (any, error) {
	switch n := t.(type) {
	case *Composite:
		if n.Op == OpNot {
			if len(n.Children) != 1 {
				return nil, fmt.Errorf("%w: not needs exactly one child", consts.ErrMalformedTerm)
			}
			child, err := wireValue(n.Children[0])
			if err != nil {
				return nil, err
			}
			return map[string]any{"not": child}, nil
		}
		children := make([]any, 0, len(n.Children))
		for _, c := range n.Children {
			v, err := wireValue(c)
			if err != nil {
				return nil, err
			}
			children = append(children, v)
		}
		return map[string]any{n.Op.String(): children}, nil
	case *Single:
		field, literal, err := n.Split()
		if err != nil {
			return nil, err
		}
		m := map[string]any{"field": field, "op": n.Op.String()}
		if n.Op != IsNull {
			m["value"] = literal
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %T", consts.ErrUnknownTerm, t)
	}
}
