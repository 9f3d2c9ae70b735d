package inbox

import (
	"fmt"
	"slices"
	"strings"
)

// Action is a bulk state transition applied to messages.
type Action string

const (
	ActionFlag    Action = "flag"
	ActionUnflag  Action = "unflag"
	ActionLabel   Action = "label"
	ActionUnlabel Action = "unlabel"
	ActionArchive Action = "archive"
	ActionRestore Action = "restore"
)

// ParseAction parses an action token (case-insensitive).
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case ActionFlag, ActionUnflag, ActionLabel, ActionUnlabel, ActionArchive, ActionRestore:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// NeedsLabel reports whether the action operates on a label.
func (a Action) NeedsLabel() bool {
	return a == ActionLabel || a == ActionUnlabel
}

// Changes reports whether applying the action to m would alter its state.
func (a Action) Changes(m *Message, labelID int64) bool {
	switch a {
	case ActionFlag:
		return !m.IsFlagged
	case ActionUnflag:
		return m.IsFlagged
	case ActionArchive:
		return !m.IsArchived
	case ActionRestore:
		return m.IsArchived
	case ActionLabel:
		return !m.HasLabel(labelID)
	case ActionUnlabel:
		return m.HasLabel(labelID)
	}
	return false
}

// Apply applies the action to m in place and reports whether m changed.
func (a Action) Apply(m *Message, labelID int64) bool {
	if !a.Changes(m, labelID) {
		return false
	}
	switch a {
	case ActionFlag, ActionUnflag:
		m.IsFlagged = a == ActionFlag
	case ActionArchive, ActionRestore:
		m.IsArchived = a == ActionArchive
	case ActionLabel:
		m.Labels = append(m.Labels, labelID)
		slices.Sort(m.Labels)
	case ActionUnlabel:
		m.Labels = slices.DeleteFunc(m.Labels, func(id int64) bool { return id == labelID })
	}
	return true
}
