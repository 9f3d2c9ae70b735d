package search

import (
	"context"
	"fmt"

	"github.com/wesm/casevault/internal/inbox"
)

// LabelResolver looks up an organization's active label by name.
type LabelResolver interface {
	GetLabelByName(ctx context.Context, orgID int64, name string) (*inbox.Label, error)
}

// Resolve converts a parsed query into a request, resolving label: against
// the organization's active labels. An unknown label name is an
// ErrInvalidParam.
func Resolve(ctx context.Context, lr LabelResolver, orgID int64, q *Query) (Request, error) {
	if q.LabelName == "" {
		return q.Request(nil), nil
	}
	l, err := lr.GetLabelByName(ctx, orgID, q.LabelName)
	if err != nil {
		return Request{}, fmt.Errorf("resolve label: %w", err)
	}
	if l == nil {
		return Request{}, fmt.Errorf("%w: unknown label %q", ErrInvalidParam, q.LabelName)
	}
	return q.Request(&l.ID), nil
}
