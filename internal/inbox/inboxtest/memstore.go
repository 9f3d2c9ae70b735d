// Package inboxtest provides an in-memory message store for tests of the
// packages that consume inbox interfaces.
package inboxtest

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/wesm/casevault/internal/inbox"
)

type msgKey struct {
	org int64
	id  int64
}

type contactKey struct {
	org int64
	ref string
}

// Store is a mutex-guarded implementation of inbox.Store, inbox.LabelStore,
// inbox.ActionLog, inbox.EventSink and rules.ContactResolver.
type Store struct {
	mu       sync.Mutex
	messages map[msgKey]*inbox.Message
	labels   map[int64]*inbox.Label
	contacts map[contactKey]*inbox.Contact
	records  []inbox.ActionRecord
	events   []inbox.LabelsChanged
	failures map[int64]error
	nextID   int64

	// ResolverErr, when set, is returned by every contact lookup.
	ResolverErr error
	// PublishErr, when set, is returned by Publish.
	PublishErr error
}

// New returns an empty store.
func New() *Store {
	return &Store{
		messages: make(map[msgKey]*inbox.Message),
		labels:   make(map[int64]*inbox.Label),
		contacts: make(map[contactKey]*inbox.Contact),
		failures: make(map[int64]error),
	}
}

// PutMessage inserts or replaces a message.
func (s *Store) PutMessage(m inbox.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cloneMessage(&m)
	s.messages[msgKey{m.OrgID, m.BackendID}] = &c
}

// Message returns a copy of the stored message.
func (s *Store) Message(orgID, backendID int64) (inbox.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[msgKey{orgID, backendID}]
	if !ok {
		return inbox.Message{}, false
	}
	return cloneMessage(m), true
}

// PutLabel inserts or replaces a label, assigning an id when l.ID is zero.
func (s *Store) PutLabel(l inbox.Label) inbox.Label {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.ID == 0 {
		s.nextID++
		l.ID = s.nextID
	} else if l.ID > s.nextID {
		s.nextID = l.ID
	}
	s.labels[l.ID] = &l
	return l
}

// PutContact inserts or replaces a contact.
func (s *Store) PutContact(c inbox.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[contactKey{c.OrgID, c.Ref}] = &c
}

// FailMessage makes every mutation touching backendID return err.
func (s *Store) FailMessage(backendID int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[backendID] = err
}

// Records returns the recorded action history.
func (s *Store) Records() []inbox.ActionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.records)
}

// Events returns the published label change events.
func (s *Store) Events() []inbox.LabelsChanged {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

func (s *Store) Find(ctx context.Context, orgID int64, backendIDs []int64) ([]inbox.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []inbox.Message
	seen := make(map[int64]bool)
	for _, id := range backendIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if m, ok := s.messages[msgKey{orgID, id}]; ok {
			out = append(out, cloneMessage(m))
		}
	}
	return out, nil
}

// Query matches against a snapshot taken on the first pull.
func (s *Store) Query(ctx context.Context, orgID int64, filter inbox.Filter) iter.Seq2[inbox.Message, error] {
	return func(yield func(inbox.Message, error) bool) {
		s.mu.Lock()
		var matched []inbox.Message
		for k, m := range s.messages {
			if k.org != orgID {
				continue
			}
			if filter.Matches(m, s.groupSet(orgID, m.ContactRef)) {
				matched = append(matched, cloneMessage(m))
			}
		}
		s.mu.Unlock()

		slices.SortFunc(matched, func(a, b inbox.Message) int { return inbox.Compare(&a, &b) })
		for _, m := range matched {
			if err := ctx.Err(); err != nil {
				yield(inbox.Message{}, err)
				return
			}
			if !yield(m, nil) {
				return
			}
		}
	}
}

func (s *Store) SetFlagged(ctx context.Context, orgID int64, backendIDs []int64, flagged bool) error {
	return s.mutate(ctx, orgID, backendIDs, func(m *inbox.Message) { m.IsFlagged = flagged })
}

func (s *Store) SetArchived(ctx context.Context, orgID int64, backendIDs []int64, archived bool) error {
	return s.mutate(ctx, orgID, backendIDs, func(m *inbox.Message) { m.IsArchived = archived })
}

func (s *Store) AddLabels(ctx context.Context, orgID int64, backendIDs []int64, labelIDs []int64) error {
	return s.mutate(ctx, orgID, backendIDs, func(m *inbox.Message) {
		for _, id := range labelIDs {
			if s.activeIn(orgID, id) && !m.HasLabel(id) {
				m.Labels = append(m.Labels, id)
			}
		}
		slices.Sort(m.Labels)
	})
}

func (s *Store) RemoveLabels(ctx context.Context, orgID int64, backendIDs []int64, labelIDs []int64) error {
	return s.mutate(ctx, orgID, backendIDs, func(m *inbox.Message) {
		m.Labels = slices.DeleteFunc(m.Labels, func(id int64) bool {
			return slices.Contains(labelIDs, id)
		})
	})
}

func (s *Store) ApplyAction(ctx context.Context, orgID, backendID int64, act inbox.Action, labelID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[backendID]; err != nil {
		return false, err
	}
	if act.NeedsLabel() && !s.activeIn(orgID, labelID) {
		return false, fmt.Errorf("%w: %d", inbox.ErrInvalidLabel, labelID)
	}
	m, ok := s.messages[msgKey{orgID, backendID}]
	if !ok {
		return false, nil
	}
	return act.Apply(m, labelID), nil
}

func (s *Store) ChangeLabels(ctx context.Context, orgID, backendID int64, add, remove []int64) (added, removed []int64, err error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[backendID]; err != nil {
		return nil, nil, err
	}
	m, ok := s.messages[msgKey{orgID, backendID}]
	if !ok {
		return nil, nil, nil
	}
	for _, id := range add {
		if s.activeIn(orgID, id) && inbox.ActionLabel.Apply(m, id) {
			added = append(added, id)
		}
	}
	for _, id := range remove {
		if inbox.ActionUnlabel.Apply(m, id) {
			removed = append(removed, id)
		}
	}
	return added, removed, nil
}

func (s *Store) mutate(ctx context.Context, orgID int64, backendIDs []int64, fn func(*inbox.Message)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range backendIDs {
		if err := s.failures[id]; err != nil {
			return err
		}
	}
	for _, id := range backendIDs {
		if m, ok := s.messages[msgKey{orgID, id}]; ok {
			fn(m)
		}
	}
	return nil
}

func (s *Store) activeIn(orgID, labelID int64) bool {
	l, ok := s.labels[labelID]
	return ok && l.OrgID == orgID && l.IsActive
}

func (s *Store) GetLabel(ctx context.Context, orgID, labelID int64) (*inbox.Label, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.labels[labelID]
	if !ok || l.OrgID != orgID {
		return nil, nil
	}
	c := *l
	return &c, nil
}

// GetLabelByName returns the active label with the name, compared
// case-insensitively, or nil.
func (s *Store) GetLabelByName(ctx context.Context, orgID int64, name string) (*inbox.Label, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.labels {
		if l.OrgID == orgID && l.IsActive && strings.EqualFold(l.Name, strings.TrimSpace(name)) {
			c := *l
			return &c, nil
		}
	}
	return nil, nil
}

func (s *Store) ActiveLabels(ctx context.Context, orgID int64) ([]inbox.Label, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []inbox.Label
	for _, id := range slices.Sorted(maps.Keys(s.labels)) {
		if l := s.labels[id]; l.OrgID == orgID && l.IsActive {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (s *Store) GroupMembership(ctx context.Context, orgID int64, contactRef string) ([]string, error) {
	if s.ResolverErr != nil {
		return nil, s.ResolverErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.contacts[contactKey{orgID, contactRef}]; ok {
		return slices.Clone(c.Groups), nil
	}
	return nil, nil
}

func (s *Store) FieldValue(ctx context.Context, orgID int64, contactRef, field string) (string, bool, error) {
	if s.ResolverErr != nil {
		return "", false, s.ResolverErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[contactKey{orgID, contactRef}]
	if !ok {
		return "", false, nil
	}
	v, ok := c.Fields[field]
	return v, ok, nil
}

func (s *Store) RecordActions(ctx context.Context, records []inbox.ActionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		r.ID = int64(len(s.records) + 1)
		s.records = append(s.records, r)
	}
	return nil
}

func (s *Store) Publish(ctx context.Context, events []inbox.LabelsChanged) error {
	if s.PublishErr != nil {
		return s.PublishErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

// groupSet must be called with s.mu held.
func (s *Store) groupSet(orgID int64, ref string) map[string]bool {
	c, ok := s.contacts[contactKey{orgID, ref}]
	if !ok {
		return nil
	}
	set := make(map[string]bool, len(c.Groups))
	for _, g := range c.Groups {
		set[g] = true
	}
	return set
}

func cloneMessage(m *inbox.Message) inbox.Message {
	c := *m
	c.Labels = slices.Clone(m.Labels)
	return c
}
