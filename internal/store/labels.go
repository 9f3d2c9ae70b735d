package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/wesm/casevault/internal/inbox"
	"github.com/wesm/casevault/internal/labels"
	"github.com/wesm/casevault/internal/rules"
)

var _ inbox.LabelStore = (*Store)(nil)

const labelColumns = `id, org_id, name, description, rule, is_synced, is_active`

func (s *Store) scanLabel(row interface{ Scan(...any) error }) (*inbox.Label, error) {
	var (
		l       inbox.Label
		ruleStr string
	)
	if err := row.Scan(&l.ID, &l.OrgID, &l.Name, &l.Description, &ruleStr, &l.IsSynced, &l.IsActive); err != nil {
		return nil, err
	}
	r, err := rules.UnmarshalRule([]byte(ruleStr))
	if err != nil {
		s.logger.Warn("label rule failed to decode, treating as empty", "label", l.ID, "org", l.OrgID, "error", err)
		r = nil
	}
	l.Rule = r
	return &l, nil
}

// CreateLabel inserts l and sets its ID. A label is active on creation.
func (s *Store) CreateLabel(ctx context.Context, l *inbox.Label) error {
	name := strings.TrimSpace(l.Name)
	if name == "" {
		return fmt.Errorf("%w: name is required", inbox.ErrInvalidLabel)
	}
	ruleJSON, err := rules.MarshalRule(l.Rule)
	if err != nil {
		return fmt.Errorf("encode rule: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO labels (org_id, name, description, rule, is_synced, is_active)
		VALUES (?, ?, ?, ?, ?, 1)
	`, l.OrgID, name, l.Description, string(ruleJSON), l.IsSynced)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %q", inbox.ErrDuplicateLabel, name)
		}
		return eris.Wrap(err, "insert label")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return eris.Wrap(err, "label id")
	}
	l.ID = id
	l.Name = name
	l.IsActive = true
	return nil
}

// UpdateLabel replaces the name, description, rule and sync flag of an
// active label. Updating a released label fails with inbox.ErrLabelReleased.
func (s *Store) UpdateLabel(ctx context.Context, l *inbox.Label) error {
	name := strings.TrimSpace(l.Name)
	if name == "" {
		return fmt.Errorf("%w: name is required", inbox.ErrInvalidLabel)
	}
	ruleJSON, err := rules.MarshalRule(l.Rule)
	if err != nil {
		return fmt.Errorf("encode rule: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var active bool
		err := tx.QueryRowContext(ctx, `SELECT is_active FROM labels WHERE id = ? AND org_id = ?`, l.ID, l.OrgID).Scan(&active)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %d", inbox.ErrInvalidLabel, l.ID)
		}
		if err != nil {
			return eris.Wrap(err, "get label")
		}
		if !active {
			return fmt.Errorf("%w: %d", inbox.ErrLabelReleased, l.ID)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE labels SET name = ?, description = ?, rule = ?, is_synced = ?, modified_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, name, l.Description, string(ruleJSON), l.IsSynced, l.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %q", inbox.ErrDuplicateLabel, name)
			}
			return eris.Wrap(err, "update label")
		}
		l.Name = name
		l.IsActive = true
		return nil
	})
}

// ReleaseLabel deactivates a label and removes it from every message, in
// one transaction. A LabelsChanged event is queued in the outbox for each
// affected message. Releasing an already released label is a no-op.
// Returns the number of messages that lost the label.
func (s *Store) ReleaseLabel(ctx context.Context, orgID, labelID int64) (int, error) {
	var affected []int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var active bool
		err := tx.QueryRowContext(ctx, `SELECT is_active FROM labels WHERE id = ? AND org_id = ?`, labelID, orgID).Scan(&active)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %d", inbox.ErrInvalidLabel, labelID)
		}
		if err != nil {
			return eris.Wrap(err, "get label")
		}
		if !active {
			return nil
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT m.backend_id FROM message_labels ml JOIN messages m ON m.id = ml.message_id
			WHERE ml.label_id = ? ORDER BY m.backend_id
		`, labelID)
		if err != nil {
			return eris.Wrap(err, "list labelled messages")
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return eris.Wrap(err, "scan labelled message")
			}
			affected = append(affected, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return eris.Wrap(err, "list labelled messages")
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM message_labels WHERE label_id = ?`, labelID); err != nil {
			return eris.Wrap(err, "remove label from messages")
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE labels SET is_active = 0, modified_at = CURRENT_TIMESTAMP WHERE id = ?
		`, labelID); err != nil {
			return eris.Wrap(err, "release label")
		}

		events := make([]inbox.LabelsChanged, 0, len(affected))
		now := time.Now()
		for _, id := range affected {
			events = append(events, labels.NewEvent(orgID, id, nil, []int64{labelID}, now))
		}
		return insertEvents(ctx, tx, events)
	})
	if err != nil {
		return 0, err
	}
	return len(affected), nil
}

// GetLabel returns the label, or nil if no label with the id exists in
// the organization. Released labels are returned with IsActive false.
func (s *Store) GetLabel(ctx context.Context, orgID, labelID int64) (*inbox.Label, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+labelColumns+` FROM labels WHERE id = ? AND org_id = ?`, labelID, orgID)
	l, err := s.scanLabel(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "get label %d", labelID)
	}
	return l, nil
}

// GetLabelByName returns the active label with the given name, compared
// case-insensitively, or nil.
func (s *Store) GetLabelByName(ctx context.Context, orgID int64, name string) (*inbox.Label, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+labelColumns+` FROM labels
		WHERE org_id = ? AND is_active = 1 AND name = ? COLLATE NOCASE
	`, orgID, strings.TrimSpace(name))
	l, err := s.scanLabel(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "get label %q", name)
	}
	return l, nil
}

// ActiveLabels returns the organization's active labels ordered by id.
func (s *Store) ActiveLabels(ctx context.Context, orgID int64) ([]inbox.Label, error) {
	return s.listLabels(ctx, orgID, false)
}

// ListLabels returns the organization's labels ordered by id, including
// released ones when includeReleased is set.
func (s *Store) ListLabels(ctx context.Context, orgID int64, includeReleased bool) ([]inbox.Label, error) {
	return s.listLabels(ctx, orgID, includeReleased)
}

func (s *Store) listLabels(ctx context.Context, orgID int64, includeReleased bool) ([]inbox.Label, error) {
	query := `SELECT ` + labelColumns + ` FROM labels WHERE org_id = ?`
	if !includeReleased {
		query += ` AND is_active = 1`
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY id`, orgID)
	if err != nil {
		return nil, eris.Wrap(err, "list labels")
	}
	defer rows.Close()

	var out []inbox.Label
	for rows.Next() {
		l, err := s.scanLabel(rows)
		if err != nil {
			return nil, eris.Wrap(err, "scan label")
		}
		out = append(out, *l)
	}
	return out, eris.Wrap(rows.Err(), "list labels")
}

// LabelCounts returns, per active label, how many unarchived messages carry it.
func (s *Store) LabelCounts(ctx context.Context, orgID int64) (map[int64]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ml.label_id, COUNT(*) FROM message_labels ml
		JOIN messages m ON m.id = ml.message_id
		JOIN labels l ON l.id = ml.label_id
		WHERE m.org_id = ? AND m.is_archived = 0 AND l.is_active = 1
		GROUP BY ml.label_id
	`, orgID)
	if err != nil {
		return nil, eris.Wrap(err, "count labels")
	}
	defer rows.Close()

	counts := make(map[int64]int64)
	for rows.Next() {
		var id, n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, eris.Wrap(err, "scan label count")
		}
		counts[id] = n
	}
	return counts, eris.Wrap(rows.Err(), "count labels")
}
