package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/wesm/casevault/internal/inbox"
	"github.com/wesm/casevault/internal/rules"
	"github.com/wesm/casevault/internal/scheduler"
)

// FieldRule is the optional contact field test of a label.
type FieldRule struct {
	Key        string `json:"key"`
	Comparator string `json:"comparator,omitempty"`
	Value      string `json:"value"`
}

// LabelRequest is the body of label create and update.
type LabelRequest struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Keywords    []string   `json:"keywords"`
	Groups      []string   `json:"groups"`
	Field       *FieldRule `json:"field,omitempty"`
	IsSynced    bool       `json:"is_synced"`
}

// LabelResponse is a label with its rule broken out and its unarchived
// message count.
type LabelResponse struct {
	inbox.Label
	Keywords []string   `json:"keywords"`
	Groups   []string   `json:"groups"`
	Field    *FieldRule `json:"field,omitempty"`
	Count    int64      `json:"count"`
}

func labelResponse(l inbox.Label, count int64) LabelResponse {
	resp := LabelResponse{Label: l, Keywords: []string{}, Groups: []string{}, Count: count}
	if t, ok := l.Rule.Test(rules.TypeContains).(*rules.ContainsTest); ok {
		resp.Keywords = t.Keywords
	}
	if t, ok := l.Rule.Test(rules.TypeGroups).(*rules.GroupsTest); ok {
		resp.Groups = t.Groups
	}
	if t, ok := l.Rule.Test(rules.TypeField).(*rules.FieldTest); ok {
		resp.Field = &FieldRule{Key: t.Key, Comparator: string(t.Comparator), Value: t.Value}
	}
	return resp
}

// toLabel validates req and builds the label it describes.
func (req *LabelRequest) toLabel(orgID int64) (*inbox.Label, error) {
	var field *rules.FieldTest
	if req.Field != nil && strings.TrimSpace(req.Field.Key) != "" {
		cmp, err := rules.ParseComparator(req.Field.Comparator)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", inbox.ErrInvalidLabel, err)
		}
		field = &rules.FieldTest{Key: strings.TrimSpace(req.Field.Key), Comparator: cmp, Value: req.Field.Value}
	}
	return &inbox.Label{
		OrgID:       orgID,
		Name:        req.Name,
		Description: req.Description,
		Rule:        rules.BuildRule(req.Keywords, req.Groups, field),
		IsSynced:    req.IsSynced,
	}, nil
}

// handleListLabels lists the organization's labels with message counts.
func (s *Server) handleListLabels(w http.ResponseWriter, r *http.Request) {
	scope := scopeFrom(r.Context())
	includeReleased, _ := strconv.ParseBool(r.URL.Query().Get("include_released"))

	list, err := s.svc.Store.ListLabels(r.Context(), scope.OrgID, includeReleased)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	counts, err := s.svc.Store.LabelCounts(r.Context(), scope.OrgID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	resp := make([]LabelResponse, 0, len(list))
	for _, l := range list {
		if !scope.CanSeeLabel(l.ID) {
			continue
		}
		resp = append(resp, labelResponse(l, counts[l.ID]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"labels": resp})
}

// handleCreateLabel creates a label and schedules a re-sync so existing
// messages pick it up.
func (s *Server) handleCreateLabel(w http.ResponseWriter, r *http.Request) {
	scope := scopeFrom(r.Context())
	var req LabelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	l, err := req.toLabel(scope.OrgID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if err := s.svc.Store.CreateLabel(r.Context(), l); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.submitResync(scope.OrgID, l.ID)
	writeJSON(w, http.StatusCreated, labelResponse(*l, 0))
}

// handleUpdateLabel replaces a label's definition and schedules a re-sync.
func (s *Server) handleUpdateLabel(w http.ResponseWriter, r *http.Request) {
	scope := scopeFrom(r.Context())
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req LabelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	l, err := req.toLabel(scope.OrgID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	l.ID = id
	if err := s.svc.Store.UpdateLabel(r.Context(), l); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.submitResync(scope.OrgID, l.ID)
	writeJSON(w, http.StatusOK, labelResponse(*l, 0))
}

// handleReleaseLabel releases a label, removing it from every message.
func (s *Server) handleReleaseLabel(w http.ResponseWriter, r *http.Request) {
	scope := scopeFrom(r.Context())
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	n, err := s.svc.Store.ReleaseLabel(r.Context(), scope.OrgID, id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"released": n})
}

// submitResync schedules a background relabel of the organization's recent
// messages after a label edit.
func (s *Server) submitResync(orgID, labelID int64) {
	if s.svc.Scheduler == nil || s.svc.Labeller == nil {
		return
	}
	since := s.now().Add(-s.cfg.ResyncWindow())
	name := fmt.Sprintf("resync:label:%d", labelID)
	err := s.svc.Scheduler.Submit(name, scheduler.KindResync, func(ctx context.Context) error {
		_, err := s.svc.Labeller.Resync(ctx, orgID, since)
		return err
	})
	if err != nil {
		s.logger.Warn("label re-sync not scheduled", "org", orgID, "label", labelID, "error", err)
	}
}
