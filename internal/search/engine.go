package search

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wesm/casevault/internal/inbox"
	"github.com/wesm/casevault/internal/metrics"
)

// DefaultPageSize is the number of messages per page.
const DefaultPageSize = 50

// Page is one page of search results.
type Page struct {
	Messages []inbox.Message `json:"results"`
	HasMore  bool            `json:"has_more"`
	Next     string          `json:"next,omitempty"`
}

// Engine runs searches against a message store.
type Engine struct {
	store    inbox.Store
	pageSize int
	logger   *slog.Logger
}

// NewEngine creates a search engine over store.
func NewEngine(store inbox.Store) *Engine {
	return &Engine{
		store:    store,
		pageSize: DefaultPageSize,
		logger:   slog.Default(),
	}
}

// WithPageSize sets the page size. Non-positive values are ignored.
func (e *Engine) WithPageSize(n int) *Engine {
	if n > 0 {
		e.pageSize = n
	}
	return e
}

// WithLogger sets the logger.
func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	e.logger = logger
	return e
}

// Search returns the page of messages matching req that follows token. An
// empty token starts at the newest message. The folder and token are
// validated before the store is queried.
//
// When scope.VisibleLabels is set, only messages carrying at least one of
// those labels are returned, and a label filter naming a label outside the
// list yields an empty page.
func (e *Engine) Search(ctx context.Context, scope inbox.Scope, req Request, token string) (page *Page, err error) {
	start := time.Now()
	folderLabel := "invalid"
	defer func() {
		metrics.SearchRequestsTotal.WithLabelValues(folderLabel, metrics.Status(err)).Inc()
		metrics.ObserveSince(metrics.SearchDuration.WithLabelValues(folderLabel), start)
	}()

	folder, err := inbox.ParseFolder(string(req.Folder))
	if err != nil {
		return nil, err
	}
	req.Folder = folder
	folderLabel = string(folder)

	resume, err := DecodeToken(token)
	if err != nil {
		return nil, err
	}

	if req.Label != nil && !scope.CanSeeLabel(*req.Label) {
		return &Page{Messages: []inbox.Message{}}, nil
	}

	filter := req.filter(scope)
	filter.Resume = resume

	msgs := make([]inbox.Message, 0, e.pageSize+1)
	for m, qerr := range e.store.Query(ctx, scope.OrgID, filter) {
		if qerr != nil {
			return nil, fmt.Errorf("search messages: %w", qerr)
		}
		msgs = append(msgs, m)
		if len(msgs) > e.pageSize {
			break
		}
	}

	page = &Page{Messages: msgs}
	if len(msgs) > e.pageSize {
		page.Messages = msgs[:e.pageSize]
		page.HasMore = true
		last := page.Messages[len(page.Messages)-1]
		page.Next = EncodeToken(inbox.Watermark{ReceivedOn: last.ReceivedOn, BackendID: last.BackendID})
	}

	e.logger.Debug("search",
		"org", scope.OrgID,
		"folder", folder,
		"results", len(page.Messages),
		"has_more", page.HasMore,
	)
	return page, nil
}
