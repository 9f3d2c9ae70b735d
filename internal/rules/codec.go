package rules

import (
	"encoding/json"
	"fmt"
)

// wireTest is the stored JSON shape of a single test.
type wireTest struct {
	Type       TestType   `json:"type"`
	Keywords   []string   `json:"keywords,omitempty"`
	Groups     []string   `json:"groups,omitempty"`
	Quantifier string     `json:"quantifier,omitempty"`
	Key        string     `json:"key,omitempty"`
	Comparator Comparator `json:"comparator,omitempty"`
	Value      string     `json:"value,omitempty"`
}

// MarshalRule encodes a rule as a JSON array of tests. An empty rule encodes
// as "[]".
func MarshalRule(r Rule) ([]byte, error) {
	out := make([]wireTest, 0, len(r))
	for _, t := range r {
		switch t := t.(type) {
		case *ContainsTest:
			out = append(out, wireTest{Type: TypeContains, Keywords: t.Keywords, Quantifier: t.Quantifier.String()})
		case *GroupsTest:
			out = append(out, wireTest{Type: TypeGroups, Groups: t.Groups, Quantifier: t.Quantifier.String()})
		case *FieldTest:
			out = append(out, wireTest{Type: TypeField, Key: t.Key, Comparator: t.Comparator, Value: t.Value})
		case nil:
			continue
		default:
			return nil, fmt.Errorf("unsupported test type %T", t)
		}
	}
	return json.Marshal(out)
}

// UnmarshalRule decodes a rule produced by MarshalRule. Empty input decodes
// to an empty rule.
func UnmarshalRule(data []byte) (Rule, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var in []wireTest
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decode rule: %w", err)
	}
	r := make(Rule, 0, len(in))
	for i, w := range in {
		switch w.Type {
		case TypeContains, TypeGroups:
			q := Any
			if w.Quantifier != "" {
				var err error
				if q, err = ParseQuantifier(w.Quantifier); err != nil {
					return nil, fmt.Errorf("decode rule test %d: %w", i, err)
				}
			}
			if w.Type == TypeContains {
				r = append(r, &ContainsTest{Keywords: w.Keywords, Quantifier: q})
			} else {
				r = append(r, &GroupsTest{Groups: w.Groups, Quantifier: q})
			}
		case TypeField:
			r = append(r, &FieldTest{Key: w.Key, Comparator: w.Comparator, Value: w.Value})
		default:
			return nil, fmt.Errorf("decode rule test %d: unknown type %q", i, w.Type)
		}
	}
	return r, nil
}
