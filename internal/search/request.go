// Package search runs folder-scoped, paginated message searches.
package search

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wesm/casevault/internal/inbox"
	"github.com/wesm/casevault/internal/rules"
)

// ErrInvalidParam is returned by ParseValues for a malformed parameter.
var ErrInvalidParam = errors.New("invalid search parameter")

// Request describes one search. Folder is required; every other field is
// an optional constraint.
type Request struct {
	Folder          inbox.Folder
	Label           *int64
	IncludeArchived bool
	Text            string
	Contact         string
	Groups          []string
	After           *time.Time // inclusive
	Before          *time.Time // exclusive
}

// ParseValues decodes the query parameters folder, label, archived, text,
// contact, groups (comma separated), after and before. The folder is not
// validated here.
func ParseValues(v url.Values) (Request, error) {
	req := Request{
		Folder:  inbox.Folder(strings.ToLower(strings.TrimSpace(v.Get("folder")))),
		Text:    strings.TrimSpace(v.Get("text")),
		Contact: strings.TrimSpace(v.Get("contact")),
		Groups:  rules.ParseCSV(v.Get("groups")),
	}

	if s := strings.TrimSpace(v.Get("label")); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Request{}, fmt.Errorf("%w: label %q", ErrInvalidParam, s)
		}
		req.Label = &id
	}

	if s := strings.TrimSpace(v.Get("archived")); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return Request{}, fmt.Errorf("%w: archived %q", ErrInvalidParam, s)
		}
		req.IncludeArchived = b
	}

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"after", &req.After}, {"before", &req.Before}} {
		s := v.Get(p.name)
		if s == "" {
			continue
		}
		t := parseDate(s)
		if t == nil {
			return Request{}, fmt.Errorf("%w: %s %q", ErrInvalidParam, p.name, s)
		}
		*p.dst = t
	}

	return req, nil
}

// filter converts the request to a store filter for scope.
func (r Request) filter(scope inbox.Scope) inbox.Filter {
	return inbox.Filter{
		Folder:          r.Folder,
		IncludeArchived: r.IncludeArchived,
		Label:           r.Label,
		Text:            r.Text,
		Contact:         r.Contact,
		Groups:          r.Groups,
		After:           r.After,
		Before:          r.Before,
		VisibleLabels:   scope.VisibleLabels,
	}
}
