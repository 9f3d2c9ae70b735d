package inbox

import (
	"fmt"
	"strings"
)

// Folder is a derived view over message state. It is never stored.
type Folder string

const (
	FolderInbox      Folder = "inbox"
	FolderFlagged    Folder = "flagged"
	FolderArchived   Folder = "archived"
	FolderUnlabelled Folder = "unlabelled"
)

// Folders lists every valid folder.
var Folders = []Folder{FolderInbox, FolderFlagged, FolderArchived, FolderUnlabelled}

// ParseFolder parses a folder token (case-insensitive).
func ParseFolder(s string) (Folder, error) {
	f := Folder(strings.ToLower(strings.TrimSpace(s)))
	if !f.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidFolder, s)
	}
	return f, nil
}

// Valid reports whether f is a known folder.
func (f Folder) Valid() bool {
	switch f {
	case FolderInbox, FolderFlagged, FolderArchived, FolderUnlabelled:
		return true
	}
	return false
}

// Contains reports whether m belongs to the folder. includeArchived only
// relaxes the flagged folder's exclusion of archived messages. The empty
// folder contains every message.
func (f Folder) Contains(m *Message, includeArchived bool) bool {
	switch f {
	case "":
		return true
	case FolderInbox:
		return !m.IsArchived
	case FolderFlagged:
		return m.IsFlagged && (includeArchived || !m.IsArchived)
	case FolderArchived:
		return m.IsArchived
	case FolderUnlabelled:
		return !m.IsArchived && len(m.Labels) == 0
	default:
		return false
	}
}
