// Package rules implements the label rule language: keyword containment,
// contact group membership and contact field predicates, each governed by an
// ANY/ALL quantifier, combined with AND into a Rule.
//
// Evaluation is pure. Anything that needs I/O (group membership, contact
// fields) is resolved beforehand into a Message.
package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/wesm/casevault/internal/textutil"
)

// Quantifier governs whether any or all of a test's values must match.
type Quantifier int

const (
	Any Quantifier = iota
	All
)

func (q Quantifier) String() string {
	switch q {
	case Any:
		return "any"
	case All:
		return "all"
	default:
		return "unknown"
	}
}

// ParseQuantifier parses "any" or "all" (case-insensitive).
func ParseQuantifier(s string) (Quantifier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "any":
		return Any, nil
	case "all":
		return All, nil
	default:
		return Any, fmt.Errorf("unknown quantifier %q", s)
	}
}

// apply evaluates match over n items under q. Zero items never match.
func (q Quantifier) apply(n int, match func(i int) bool) bool {
	if n == 0 {
		return false
	}
	switch q {
	case Any:
		for i := 0; i < n; i++ {
			if match(i) {
				return true
			}
		}
		return false
	case All:
		for i := 0; i < n; i++ {
			if !match(i) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Message is the evaluation context for one incoming message. Text is folded
// lazily on first use.
type Message struct {
	Text   string
	Groups map[string]bool
	Fields map[string]string

	folded     string
	foldedDone bool
}

func (m *Message) foldedText() string {
	if !m.foldedDone {
		m.folded = textutil.Fold(m.Text)
		m.foldedDone = true
	}
	return m.folded
}

// ContactResolver looks up contact data that rules need. Implementations may
// do I/O; callers treat any error as "no data", never as a rule failure.
type ContactResolver interface {
	GroupMembership(ctx context.Context, orgID int64, contactRef string) ([]string, error)
	FieldValue(ctx context.Context, orgID int64, contactRef, field string) (string, bool, error)
}

// Rule is a conjunction of tests. An empty rule matches nothing.
type Rule []Test

// Matches reports whether every test in the rule matches msg.
func (r Rule) Matches(msg *Message) bool {
	if len(r) == 0 {
		return false
	}
	for _, t := range r {
		if t == nil || !t.Matches(msg) {
			return false
		}
	}
	return true
}

// FieldKeys returns the distinct contact field keys referenced by the rule.
func (r Rule) FieldKeys() []string {
	var keys []string
	seen := make(map[string]bool)
	for _, t := range r {
		if ft, ok := t.(*FieldTest); ok && !seen[ft.Key] {
			seen[ft.Key] = true
			keys = append(keys, ft.Key)
		}
	}
	return keys
}

// Test returns the first test of the given type, or nil.
func (r Rule) Test(typ TestType) Test {
	for _, t := range r {
		if t != nil && t.Type() == typ {
			return t
		}
	}
	return nil
}

// Evaluate is Rule.Matches with a nil-safe message.
func Evaluate(r Rule, msg *Message) bool {
	if msg == nil {
		msg = &Message{}
	}
	return r.Matches(msg)
}

// BuildRule constructs a label rule the way the label form does: an optional
// keyword test and an optional group test (both ANY), plus an optional field
// test. Blank keywords and groups are dropped.
func BuildRule(keywords, groups []string, field *FieldTest) Rule {
	var r Rule
	if kw := compact(keywords); len(kw) > 0 {
		r = append(r, &ContainsTest{Keywords: kw, Quantifier: Any})
	}
	if gs := compact(groups); len(gs) > 0 {
		r = append(r, &GroupsTest{Groups: gs, Quantifier: Any})
	}
	if field != nil && strings.TrimSpace(field.Key) != "" {
		r = append(r, field)
	}
	return r
}

// ParseCSV splits a comma separated list, trimming blanks.
func ParseCSV(s string) []string {
	return compact(strings.Split(s, ","))
}

func compact(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
