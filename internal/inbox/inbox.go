// Package inbox defines the message and label model shared by the label
// matcher, search engine and bulk action coordinator, together with the
// store interfaces they consume.
package inbox

import (
	"context"
	"errors"
	"iter"
	"slices"
	"time"

	"github.com/wesm/casevault/internal/rules"
)

var (
	// ErrInvalidLabel is returned when a label is missing, released or
	// belongs to another organization.
	ErrInvalidLabel = errors.New("invalid label")
	// ErrUnknownAction is returned for an unrecognized bulk action token.
	ErrUnknownAction = errors.New("unknown action")
	// ErrInvalidFolder is returned for an unrecognized folder token.
	ErrInvalidFolder = errors.New("invalid folder")
	// ErrLabelReleased is returned when updating a released label.
	ErrLabelReleased = errors.New("label has been released")
	// ErrDuplicateLabel is returned when an active label with the same name
	// already exists in the organization.
	ErrDuplicateLabel = errors.New("label name already in use")
	// ErrMessageNotFound is returned when a single addressed message does
	// not exist in the organization.
	ErrMessageNotFound = errors.New("message not found")
)

// Label is a named, rule-backed tag owned by an organization.
type Label struct {
	ID          int64      `json:"id"`
	OrgID       int64      `json:"org_id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Rule        rules.Rule `json:"-"`
	IsSynced    bool       `json:"is_synced"`
	IsActive    bool       `json:"is_active"`
}

// Message is an incoming message. BackendID is the identifier assigned by
// the messaging backend and is unique within an organization.
type Message struct {
	BackendID  int64     `json:"id"`
	OrgID      int64     `json:"org_id"`
	ContactRef string    `json:"contact"`
	Text       string    `json:"text"`
	ReceivedOn time.Time `json:"received_on"`
	Labels     []int64   `json:"labels"`
	IsFlagged  bool      `json:"flagged"`
	IsArchived bool      `json:"archived"`
}

// HasLabel reports whether the message carries the label.
func (m *Message) HasLabel(labelID int64) bool {
	return slices.Contains(m.Labels, labelID)
}

// Contact is a backend contact with its group memberships and custom fields.
type Contact struct {
	Ref    string            `json:"uuid"`
	OrgID  int64             `json:"org_id"`
	Name   string            `json:"name"`
	Groups []string          `json:"groups"`
	Fields map[string]string `json:"fields"`
}

// Scope carries the organization and acting user for a request.
// VisibleLabels, when non-nil, restricts what the user may see to messages
// carrying at least one of the listed labels.
type Scope struct {
	OrgID         int64
	UserID        int64
	VisibleLabels []int64
}

// CanSeeLabel reports whether the scope's allow-list admits the label.
func (s Scope) CanSeeLabel(labelID int64) bool {
	return s.VisibleLabels == nil || slices.Contains(s.VisibleLabels, labelID)
}

// Watermark is the sort key of the last message served on a page.
type Watermark struct {
	ReceivedOn time.Time
	BackendID  int64
}

// Admits reports whether m sorts strictly after the watermark in the
// newest-first order, i.e. belongs on a later page.
func (w Watermark) Admits(m *Message) bool {
	if !m.ReceivedOn.Equal(w.ReceivedOn) {
		return m.ReceivedOn.Before(w.ReceivedOn)
	}
	return m.BackendID < w.BackendID
}

// Filter selects messages from a store. Zero values mean "no constraint";
// Folder is optional here and validated by the search engine.
type Filter struct {
	Folder          Folder
	IncludeArchived bool
	Label           *int64
	Text            string
	Contact         string
	Groups          []string
	After           *time.Time // inclusive
	Before          *time.Time // exclusive
	VisibleLabels   []int64    // nil means unrestricted
	Resume          *Watermark // only messages after this key
}

// Store is the message store consumed by the matcher, search engine and
// bulk action coordinator. Every operation is scoped to orgID; ids that do
// not belong to the organization are silently skipped.
type Store interface {
	// Find returns the messages with the given backend ids, in no
	// particular order.
	Find(ctx context.Context, orgID int64, backendIDs []int64) ([]Message, error)

	// Query lazily yields messages matching filter ordered by ReceivedOn
	// descending, then BackendID descending.
	Query(ctx context.Context, orgID int64, filter Filter) iter.Seq2[Message, error]

	SetFlagged(ctx context.Context, orgID int64, backendIDs []int64, flagged bool) error
	SetArchived(ctx context.Context, orgID int64, backendIDs []int64, archived bool) error

	// AddLabels and RemoveLabels are idempotent set operations on each
	// (message, label) pair. Inactive or foreign labels are ignored.
	AddLabels(ctx context.Context, orgID int64, backendIDs []int64, labelIDs []int64) error
	RemoveLabels(ctx context.Context, orgID int64, backendIDs []int64, labelIDs []int64) error

	// ApplyAction applies act to one message in a single transaction and
	// reports whether the message's state changed. For label and unlabel
	// it returns ErrInvalidLabel if the label is not active in the
	// organization when the transaction runs.
	ApplyAction(ctx context.Context, orgID, backendID int64, act Action, labelID int64) (bool, error)

	// ChangeLabels adds and removes labels on one message in a single
	// transaction and returns the labels that were actually added and
	// removed. Inactive or foreign labels in add are skipped.
	ChangeLabels(ctx context.Context, orgID, backendID int64, add, remove []int64) (added, removed []int64, err error)
}

// LabelStore reads an organization's labels.
type LabelStore interface {
	// GetLabel returns nil, nil when no label with the id exists in the org.
	GetLabel(ctx context.Context, orgID, labelID int64) (*Label, error)
	ActiveLabels(ctx context.Context, orgID int64) ([]Label, error)
}

// ActionRecord is one entry of a message's action history.
type ActionRecord struct {
	ID        int64     `json:"id"`
	OrgID     int64     `json:"org_id"`
	BackendID int64     `json:"message_id"`
	Action    Action    `json:"action"`
	LabelID   *int64    `json:"label,omitempty"`
	UserID    int64     `json:"user_id"`
	CreatedOn time.Time `json:"created_on"`
}

// ActionLog records applied bulk actions.
type ActionLog interface {
	RecordActions(ctx context.Context, records []ActionRecord) error
}

// LabelsChanged is emitted when a message's label set changes.
type LabelsChanged struct {
	ID        string    `json:"id"`
	OrgID     int64     `json:"org_id"`
	BackendID int64     `json:"message_id"`
	Added     []int64   `json:"added"`
	Removed   []int64   `json:"removed"`
	At        time.Time `json:"at"`
}

// EventSink receives label change events for downstream consumers.
type EventSink interface {
	Publish(ctx context.Context, events []LabelsChanged) error
}
