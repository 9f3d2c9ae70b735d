package store

import (
	"context"
	"database/sql"

	"github.com/rotisserie/eris"

	"github.com/wesm/casevault/internal/inbox"
)

var _ inbox.ActionLog = (*Store)(nil)

// RecordActions appends entries to the message action history.
func (s *Store) RecordActions(ctx context.Context, records []inbox.ActionRecord) error {
	if len(records) == 0 {
		return nil
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return insertInChunks(ctx, tx, len(records), 6,
			`INSERT INTO message_actions (org_id, backend_id, action, label_id, user_id, created_on) VALUES `,
			func(start, end int) ([]string, []any) {
				values := make([]string, 0, end-start)
				args := make([]any, 0, 6*(end-start))
				for _, r := range records[start:end] {
					values = append(values, "(?, ?, ?, ?, ?, ?)")
					args = append(args, r.OrgID, r.BackendID, string(r.Action), r.LabelID, r.UserID, toNanos(r.CreatedOn))
				}
				return values, args
			})
	})
	return eris.Wrap(err, "record actions")
}

// MessageHistory returns the actions applied to a message, newest first.
func (s *Store) MessageHistory(ctx context.Context, orgID, backendID int64) ([]inbox.ActionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, backend_id, action, label_id, user_id, created_on
		FROM message_actions
		WHERE org_id = ? AND backend_id = ?
		ORDER BY created_on DESC, id DESC
	`, orgID, backendID)
	if err != nil {
		return nil, eris.Wrap(err, "get message history")
	}
	defer rows.Close()

	var out []inbox.ActionRecord
	for rows.Next() {
		var (
			r         inbox.ActionRecord
			action    string
			labelID   sql.NullInt64
			createdOn int64
		)
		if err := rows.Scan(&r.ID, &r.OrgID, &r.BackendID, &action, &labelID, &r.UserID, &createdOn); err != nil {
			return nil, eris.Wrap(err, "scan message action")
		}
		r.Action = inbox.Action(action)
		if labelID.Valid {
			id := labelID.Int64
			r.LabelID = &id
		}
		r.CreatedOn = fromNanos(createdOn)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "get message history")
}
