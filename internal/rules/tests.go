package rules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wesm/casevault/internal/textutil"
)

// TestType identifies the kind of a Test.
type TestType string

const (
	TypeContains TestType = "contains"
	TypeGroups   TestType = "groups"
	TypeField    TestType = "field"
)

// Test is one predicate of a rule. The set of implementations is closed:
// *ContainsTest, *GroupsTest and *FieldTest.
type Test interface {
	Type() TestType
	Matches(msg *Message) bool
	isTest()
}

// ContainsTest matches when the message text contains the keywords as whole
// words, ignoring case and diacritics.
type ContainsTest struct {
	Keywords   []string
	Quantifier Quantifier
}

func (*ContainsTest) Type() TestType { return TypeContains }
func (*ContainsTest) isTest()        {}

func (t *ContainsTest) Matches(msg *Message) bool {
	keywords := compact(t.Keywords)
	text := msg.foldedText()
	return t.Quantifier.apply(len(keywords), func(i int) bool {
		return textutil.ContainsWord(text, textutil.Fold(keywords[i]))
	})
}

// GroupsTest matches on the contact's group membership.
type GroupsTest struct {
	Groups     []string
	Quantifier Quantifier
}

func (*GroupsTest) Type() TestType { return TypeGroups }
func (*GroupsTest) isTest()        {}

func (t *GroupsTest) Matches(msg *Message) bool {
	groups := compact(t.Groups)
	return t.Quantifier.apply(len(groups), func(i int) bool {
		return msg.Groups[groups[i]]
	})
}

// Comparator is the operator of a FieldTest.
type Comparator string

const (
	Equal       Comparator = "eq"
	NotEqual    Comparator = "neq"
	ContainsCmp Comparator = "contains"
	Less        Comparator = "lt"
	LessEq      Comparator = "lte"
	Greater     Comparator = "gt"
	GreaterEq   Comparator = "gte"
)

// ParseComparator parses a comparator token. Empty means Equal.
func ParseComparator(s string) (Comparator, error) {
	c := Comparator(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case "":
		return Equal, nil
	case Equal, NotEqual, ContainsCmp, Less, LessEq, Greater, GreaterEq:
		return c, nil
	}
	return "", fmt.Errorf("unknown comparator %q", s)
}

// FieldTest compares a contact field against a value. A missing field never
// matches, whatever the comparator.
type FieldTest struct {
	Key        string
	Comparator Comparator
	Value      string
}

func (*FieldTest) Type() TestType { return TypeField }
func (*FieldTest) isTest()        {}

func (t *FieldTest) Matches(msg *Message) bool {
	actual, ok := msg.Fields[t.Key]
	if !ok {
		return false
	}
	switch t.Comparator {
	case Equal, "":
		return textutil.Fold(strings.TrimSpace(actual)) == textutil.Fold(strings.TrimSpace(t.Value))
	case NotEqual:
		return textutil.Fold(strings.TrimSpace(actual)) != textutil.Fold(strings.TrimSpace(t.Value))
	case ContainsCmp:
		return textutil.ContainsWord(textutil.Fold(actual), textutil.Fold(strings.TrimSpace(t.Value)))
	case Less, LessEq, Greater, GreaterEq:
		a, errA := strconv.ParseFloat(strings.TrimSpace(actual), 64)
		b, errB := strconv.ParseFloat(strings.TrimSpace(t.Value), 64)
		if errA != nil || errB != nil {
			return false
		}
		switch t.Comparator {
		case Less:
			return a < b
		case LessEq:
			return a <= b
		case Greater:
			return a > b
		default:
			return a >= b
		}
	default:
		return false
	}
}
