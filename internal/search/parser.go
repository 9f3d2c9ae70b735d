package search

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/wesm/casevault/internal/inbox"
)

// Query is a parsed search query string. Label is kept as a name because
// resolving it to an id needs the organization's labels.
type Query struct {
	TextTerms       []string     // bare words and quoted phrases
	Folder          inbox.Folder // in:
	LabelName       string       // label: or l:
	Contact         string       // contact:
	Groups          []string     // group:
	IncludeArchived bool         // has:archived
	AfterDate       *time.Time   // after:, newer_than:
	BeforeDate      *time.Time   // before:, older_than:
}

// IsEmpty returns true if the query has no search criteria.
func (q *Query) IsEmpty() bool {
	return len(q.TextTerms) == 0 &&
		q.Folder == "" &&
		q.LabelName == "" &&
		q.Contact == "" &&
		len(q.Groups) == 0 &&
		!q.IncludeArchived &&
		q.AfterDate == nil &&
		q.BeforeDate == nil
}

// Request converts the query to a search request. labelID is the resolved
// id of LabelName, or nil. A query without in: searches the inbox.
func (q *Query) Request(labelID *int64) Request {
	folder := q.Folder
	if folder == "" {
		folder = inbox.FolderInbox
	}
	return Request{
		Folder:          folder,
		Label:           labelID,
		IncludeArchived: q.IncludeArchived,
		Text:            strings.Join(q.TextTerms, " "),
		Contact:         q.Contact,
		Groups:          q.Groups,
		After:           q.AfterDate,
		Before:          q.BeforeDate,
	}
}

// operatorFn handles a parsed operator:value pair by applying it to the query.
type operatorFn func(q *Query, value string, now time.Time)

// operators maps operator names to their handler functions.
var operators = map[string]operatorFn{
	"in": func(q *Query, v string, _ time.Time) {
		q.Folder = inbox.Folder(strings.ToLower(v))
	},
	"label": func(q *Query, v string, _ time.Time) {
		q.LabelName = v
	},
	"l": func(q *Query, v string, _ time.Time) {
		q.LabelName = v
	},
	"contact": func(q *Query, v string, _ time.Time) {
		q.Contact = v
	},
	"group": func(q *Query, v string, _ time.Time) {
		q.Groups = append(q.Groups, v)
	},
	"has": func(q *Query, v string, _ time.Time) {
		if strings.EqualFold(v, "archived") {
			q.IncludeArchived = true
		}
	},
	"before": func(q *Query, v string, _ time.Time) {
		if t := parseDate(v); t != nil {
			q.BeforeDate = t
		}
	},
	"after": func(q *Query, v string, _ time.Time) {
		if t := parseDate(v); t != nil {
			q.AfterDate = t
		}
	},
	"older_than": func(q *Query, v string, now time.Time) {
		if t := parseRelativeDate(v, now); t != nil {
			q.BeforeDate = t
		}
	},
	"newer_than": func(q *Query, v string, now time.Time) {
		if t := parseRelativeDate(v, now); t != nil {
			q.AfterDate = t
		}
	},
}

// Parser holds configuration for query parsing.
type Parser struct {
	Now func() time.Time // Time source (mockable for testing)
}

// NewParser creates a Parser with default settings.
func NewParser() *Parser {
	return &Parser{Now: func() time.Time { return time.Now().UTC() }}
}

// Parse parses a search query string into a Query.
//
// Supported operators:
//   - in: - folder (inbox, flagged, archived, unlabelled)
//   - label: or l: - label name
//   - contact: - contact reference
//   - group: - contact group, repeatable (any of)
//   - has:archived - include archived messages in the flagged folder
//   - before:, after: - date filters (YYYY-MM-DD); after is inclusive
//   - older_than:, newer_than: - relative date filters (e.g., 7d, 2w, 1m, 1y)
//   - Bare words and "quoted phrases" - message text
func (p *Parser) Parse(queryStr string) *Query {
	q := &Query{}
	now := time.Now().UTC()
	if p.Now != nil {
		now = p.Now()
	}

	for _, token := range tokenize(queryStr) {
		if isQuotedPhrase(token) {
			q.TextTerms = append(q.TextTerms, unquote(token))
			continue
		}

		if idx := strings.Index(token, ":"); idx != -1 {
			op := strings.ToLower(token[:idx])
			if handler, ok := operators[op]; ok {
				handler(q, unquote(token[idx+1:]), now)
				continue
			}
		}

		q.TextTerms = append(q.TextTerms, token)
	}

	return q
}

// Parse is a convenience function that parses using default settings.
func Parse(queryStr string) *Query {
	return NewParser().Parse(queryStr)
}

// unquote removes surrounding double quotes from a string if present.
func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func isQuotedPhrase(token string) bool {
	return len(token) > 2 && token[0] == '"' && token[len(token)-1] == '"'
}

// tokenize splits a query string, preserving quoted phrases and
// operator:"quoted value" pairs.
func tokenize(queryStr string) []string {
	var tokens []string
	var current strings.Builder
	inQuotes := false
	quoteChar := rune(0)
	afterColon := false
	// opQuoted marks a quoted section that started right after a colon.
	opQuoted := false

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for _, char := range queryStr {
		switch {
		case (char == '"' || char == '\'') && !inQuotes:
			inQuotes = true
			quoteChar = char
			opQuoted = afterColon
			if afterColon {
				current.WriteRune('"')
			} else {
				flush()
			}
			afterColon = false
		case char == quoteChar && inQuotes:
			inQuotes = false
			if opQuoted {
				current.WriteRune('"')
				flush()
			} else if current.Len() > 0 {
				tokens = append(tokens, "\""+current.String()+"\"")
				current.Reset()
			}
			quoteChar = 0
			opQuoted = false
		case (char == ' ' || char == '\t') && !inQuotes:
			flush()
			afterColon = false
		default:
			current.WriteRune(char)
			afterColon = char == ':'
		}
	}
	flush()

	return tokens
}

// parseDate parses date strings like YYYY-MM-DD or YYYY/MM/DD, or a full
// RFC 3339 timestamp.
func parseDate(value string) *time.Time {
	formats := []string{
		time.RFC3339Nano,
		"2006-01-02",
		"2006/01/02",
	}

	value = strings.TrimSpace(value)
	for _, format := range formats {
		if t, err := time.Parse(format, value); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

var relativeDateRe = regexp.MustCompile(`^(\d+)([dwmy])$`)

// parseRelativeDate parses relative dates like 7d, 2w, 1m, 1y relative to now.
func parseRelativeDate(value string, now time.Time) *time.Time {
	match := relativeDateRe.FindStringSubmatch(strings.TrimSpace(strings.ToLower(value)))
	if match == nil {
		return nil
	}

	amount, _ := strconv.Atoi(match[1])

	var result time.Time
	switch match[2] {
	case "d":
		result = now.AddDate(0, 0, -amount)
	case "w":
		result = now.AddDate(0, 0, -amount*7)
	case "m":
		result = now.AddDate(0, -amount, 0)
	case "y":
		result = now.AddDate(-amount, 0, 0)
	default:
		return nil
	}

	return &result
}
