package inbox

import (
	"slices"

	"github.com/wesm/casevault/internal/textutil"
)

// Matches reports whether m satisfies every constraint of the filter.
// contactGroups is the membership of m's contact. Stores that cannot push
// the filter down to their query language use this as the reference
// semantics.
func (f *Filter) Matches(m *Message, contactGroups map[string]bool) bool {
	if !f.Folder.Contains(m, f.IncludeArchived) {
		return false
	}
	if f.Label != nil && !m.HasLabel(*f.Label) {
		return false
	}
	if f.Text != "" && !textutil.ContainsFold(m.Text, f.Text) {
		return false
	}
	if f.Contact != "" && m.ContactRef != f.Contact {
		return false
	}
	if len(f.Groups) > 0 && !slices.ContainsFunc(f.Groups, func(g string) bool { return contactGroups[g] }) {
		return false
	}
	if f.After != nil && m.ReceivedOn.Before(*f.After) {
		return false
	}
	if f.Before != nil && !m.ReceivedOn.Before(*f.Before) {
		return false
	}
	if f.VisibleLabels != nil && !slices.ContainsFunc(m.Labels, func(id int64) bool {
		return slices.Contains(f.VisibleLabels, id)
	}) {
		return false
	}
	if f.Resume != nil && !f.Resume.Admits(m) {
		return false
	}
	return true
}

// Compare orders messages newest first, ties broken by BackendID descending.
func Compare(a, b *Message) int {
	if c := b.ReceivedOn.Compare(a.ReceivedOn); c != 0 {
		return c
	}
	switch {
	case a.BackendID > b.BackendID:
		return -1
	case a.BackendID < b.BackendID:
		return 1
	}
	return 0
}
