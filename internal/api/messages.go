package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wesm/casevault/internal/inbox"
	"github.com/wesm/casevault/internal/labels"
	"github.com/wesm/casevault/internal/search"
)

// ActionRequest is the body of a bulk action.
type ActionRequest struct {
	Messages []int64 `json:"messages"`
	Label    int64   `json:"label,omitempty"`
}

// SetLabelsRequest is the body of a per-message label replacement.
type SetLabelsRequest struct {
	Labels []int64 `json:"labels"`
}

// InboundRequest is an incoming message from the messaging backend.
type InboundRequest struct {
	ID         int64     `json:"id"`
	Contact    string    `json:"contact"`
	Text       string    `json:"text"`
	ReceivedOn time.Time `json:"received_on"`
}

// InboundResponse reports the stored message and the labels it gained.
type InboundResponse struct {
	Message inbox.Message `json:"message"`
	Created bool          `json:"created"`
	Added   []int64       `json:"labels_added"`
}

// ContactRequest is a contact upsert.
type ContactRequest struct {
	UUID   string            `json:"uuid"`
	Name   string            `json:"name"`
	Groups []string          `json:"groups"`
	Fields map[string]string `json:"fields"`
}

// handleSearch runs a folder search. A q parameter is parsed with the
// query language; otherwise the structured parameters are used.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	scope := scopeFrom(r.Context())
	values := r.URL.Query()

	var (
		req search.Request
		err error
	)
	if q := strings.TrimSpace(values.Get("q")); q != "" {
		req, err = search.Resolve(r.Context(), s.svc.Store, scope.OrgID, search.Parse(q))
	} else {
		req, err = search.ParseValues(values)
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	page, err := s.svc.Search.Search(r.Context(), scope, req, values.Get("token"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if page.Messages == nil {
		page.Messages = []inbox.Message{}
	}
	writeJSON(w, http.StatusOK, page)
}

// handleAction applies a bulk action.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	scope := scopeFrom(r.Context())
	var req ActionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.svc.Actions.Apply(r.Context(), scope, chi.URLParam(r, "action"), req.Messages, req.Label)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleSetLabels replaces the labels of one message.
func (s *Server) handleSetLabels(w http.ResponseWriter, r *http.Request) {
	scope := scopeFrom(r.Context())
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req SetLabelsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ch, err := s.svc.Labeller.SetLabels(r.Context(), scope, id, req.Labels)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// handleHistory returns the action history of one message.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	scope := scopeFrom(r.Context())
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	records, err := s.svc.Store.MessageHistory(r.Context(), scope.OrgID, id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if records == nil {
		records = []inbox.ActionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": records})
}

// handleInbound stores an incoming message and applies matching labels.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	scope := scopeFrom(r.Context())
	var req InboundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_id", "id must be a positive integer")
		return
	}
	if req.ReceivedOn.IsZero() {
		req.ReceivedOn = s.now()
	}

	msg := &inbox.Message{
		BackendID:  req.ID,
		OrgID:      scope.OrgID,
		ContactRef: strings.TrimSpace(req.Contact),
		Text:       req.Text,
		ReceivedOn: req.ReceivedOn.UTC(),
	}
	created, err := s.svc.Store.UpsertMessage(r.Context(), msg)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	// Reload so labels already on an existing message are known.
	found, err := s.svc.Store.Find(r.Context(), scope.OrgID, []int64{req.ID})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if len(found) == 1 {
		msg = &found[0]
	}

	ch, err := s.svc.Labeller.Apply(r.Context(), scope.OrgID, msg, labels.ModeAdditive)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	added := ch.Added
	if added == nil {
		added = []int64{}
	}
	if msg.Labels == nil {
		msg.Labels = []int64{}
	}
	writeJSON(w, status, InboundResponse{Message: *msg, Created: created, Added: added})
}

// handleUpsertContact creates or replaces a contact.
func (s *Server) handleUpsertContact(w http.ResponseWriter, r *http.Request) {
	scope := scopeFrom(r.Context())
	var req ContactRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UUID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_contact", "uuid is required")
		return
	}
	c := &inbox.Contact{
		OrgID:  scope.OrgID,
		Ref:    strings.TrimSpace(req.UUID),
		Name:   req.Name,
		Groups: req.Groups,
		Fields: req.Fields,
	}
	if err := s.svc.Store.UpsertContact(r.Context(), c); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
