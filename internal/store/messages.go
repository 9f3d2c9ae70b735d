package store

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/wesm/casevault/internal/inbox"
	"github.com/wesm/casevault/internal/textutil"
)

// queryBatchSize is how many rows Query reads per round trip.
const queryBatchSize = 100

var _ inbox.Store = (*Store)(nil)

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

// UpsertMessage inserts a message or updates the text, contact and time of
// an existing one. Flags, archive state and labels of an existing message
// are left alone. Reports whether the message was newly created.
func (s *Store) UpsertMessage(ctx context.Context, msg *inbox.Message) (created bool, err error) {
	text := textutil.EnsureUTF8(msg.Text)
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var existing int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM messages WHERE org_id = ? AND backend_id = ?`,
			msg.OrgID, msg.BackendID).Scan(&existing)
		switch {
		case err == sql.ErrNoRows:
			created = true
			_, err = tx.ExecContext(ctx, `
				INSERT INTO messages (org_id, backend_id, contact_ref, text, received_on, is_flagged, is_archived)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, msg.OrgID, msg.BackendID, msg.ContactRef, text, toNanos(msg.ReceivedOn), msg.IsFlagged, msg.IsArchived)
			return err
		case err != nil:
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE messages SET contact_ref = ?, text = ?, received_on = ? WHERE id = ?
		`, msg.ContactRef, text, toNanos(msg.ReceivedOn), existing)
		return err
	})
	if err != nil {
		return false, eris.Wrapf(err, "upsert message %d", msg.BackendID)
	}
	msg.Text = text
	return created, nil
}

// GetMessage returns one message, or nil if it does not exist in the org.
func (s *Store) GetMessage(ctx context.Context, orgID, backendID int64) (*inbox.Message, error) {
	msgs, err := s.Find(ctx, orgID, []int64{backendID})
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

const messageColumns = `m.id, m.org_id, m.backend_id, m.contact_ref, m.text, m.received_on, m.is_flagged, m.is_archived`

// scanMessage scans messageColumns into a message and returns its row id.
func scanMessage(rows *sql.Rows) (int64, inbox.Message, error) {
	var (
		rowID      int64
		m          inbox.Message
		receivedOn int64
	)
	if err := rows.Scan(&rowID, &m.OrgID, &m.BackendID, &m.ContactRef, &m.Text, &receivedOn, &m.IsFlagged, &m.IsArchived); err != nil {
		return 0, inbox.Message{}, err
	}
	m.ReceivedOn = fromNanos(receivedOn)
	return rowID, m, nil
}

// Find returns the messages of orgID with the given backend ids.
func (s *Store) Find(ctx context.Context, orgID int64, backendIDs []int64) ([]inbox.Message, error) {
	var (
		msgs   []inbox.Message
		rowIDs []int64
	)
	err := queryInChunks(ctx, s.db, backendIDs, []any{orgID},
		`SELECT `+messageColumns+` FROM messages m WHERE m.org_id = ? AND m.backend_id IN (%s)`,
		func(rows *sql.Rows) error {
			id, m, err := scanMessage(rows)
			if err != nil {
				return err
			}
			rowIDs = append(rowIDs, id)
			msgs = append(msgs, m)
			return nil
		})
	if err != nil {
		return nil, eris.Wrap(err, "find messages")
	}
	if err := s.attachLabels(ctx, rowIDs, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// attachLabels fills msgs[i].Labels for the message with row id rowIDs[i].
func (s *Store) attachLabels(ctx context.Context, rowIDs []int64, msgs []inbox.Message) error {
	if len(rowIDs) == 0 {
		return nil
	}
	index := make(map[int64]int, len(rowIDs))
	for i, id := range rowIDs {
		index[id] = i
	}
	err := queryInChunks(ctx, s.db, rowIDs, nil,
		`SELECT message_id, label_id FROM message_labels WHERE message_id IN (%s) ORDER BY label_id`,
		func(rows *sql.Rows) error {
			var msgID, labelID int64
			if err := rows.Scan(&msgID, &labelID); err != nil {
				return err
			}
			i := index[msgID]
			msgs[i].Labels = append(msgs[i].Labels, labelID)
			return nil
		})
	return eris.Wrap(err, "load message labels")
}

// filterClause translates f into a WHERE clause over messages m.
func filterClause(orgID int64, f inbox.Filter) (string, []any) {
	conds := []string{"m.org_id = ?"}
	args := []any{orgID}

	switch f.Folder {
	case inbox.FolderInbox:
		conds = append(conds, "m.is_archived = 0")
	case inbox.FolderFlagged:
		conds = append(conds, "m.is_flagged = 1")
		if !f.IncludeArchived {
			conds = append(conds, "m.is_archived = 0")
		}
	case inbox.FolderArchived:
		conds = append(conds, "m.is_archived = 1")
	case inbox.FolderUnlabelled:
		conds = append(conds, "m.is_archived = 0",
			"NOT EXISTS (SELECT 1 FROM message_labels ml WHERE ml.message_id = m.id)")
	case "":
	default:
		conds = append(conds, "0")
	}

	if f.Label != nil {
		conds = append(conds, "EXISTS (SELECT 1 FROM message_labels ml WHERE ml.message_id = m.id AND ml.label_id = ?)")
		args = append(args, *f.Label)
	}
	if f.Text != "" {
		conds = append(conds, "instr(casefold(m.text), casefold(?)) > 0")
		args = append(args, f.Text)
	}
	if f.Contact != "" {
		conds = append(conds, "m.contact_ref = ?")
		args = append(args, f.Contact)
	}
	if len(f.Groups) > 0 {
		conds = append(conds, `EXISTS (
			SELECT 1 FROM contacts c JOIN contact_groups g ON g.contact_id = c.id
			WHERE c.org_id = m.org_id AND c.ref = m.contact_ref AND g.group_ref IN (`+placeholders(len(f.Groups))+`))`)
		for _, g := range f.Groups {
			args = append(args, g)
		}
	}
	if f.After != nil {
		conds = append(conds, "m.received_on >= ?")
		args = append(args, toNanos(*f.After))
	}
	if f.Before != nil {
		conds = append(conds, "m.received_on < ?")
		args = append(args, toNanos(*f.Before))
	}
	if f.VisibleLabels != nil {
		if len(f.VisibleLabels) == 0 {
			conds = append(conds, "0")
		} else {
			conds = append(conds, `EXISTS (SELECT 1 FROM message_labels ml
				WHERE ml.message_id = m.id AND ml.label_id IN (`+placeholders(len(f.VisibleLabels))+`))`)
			for _, id := range f.VisibleLabels {
				args = append(args, id)
			}
		}
	}
	if f.Resume != nil {
		at := toNanos(f.Resume.ReceivedOn)
		conds = append(conds, "(m.received_on < ? OR (m.received_on = ? AND m.backend_id < ?))")
		args = append(args, at, at, f.Resume.BackendID)
	}

	return strings.Join(conds, " AND "), args
}

// Query lazily yields the messages of orgID matching f, newest first. Rows
// are read in keyset-paginated batches, so no cursor is held open while the
// caller processes a message.
func (s *Store) Query(ctx context.Context, orgID int64, f inbox.Filter) iter.Seq2[inbox.Message, error] {
	return func(yield func(inbox.Message, error) bool) {
		cur := f
		for {
			batch, err := s.queryBatch(ctx, orgID, cur)
			if err != nil {
				yield(inbox.Message{}, err)
				return
			}
			for _, m := range batch {
				if !yield(m, nil) {
					return
				}
			}
			if len(batch) < queryBatchSize {
				return
			}
			last := batch[len(batch)-1]
			cur.Resume = &inbox.Watermark{ReceivedOn: last.ReceivedOn, BackendID: last.BackendID}
		}
	}
}

func (s *Store) queryBatch(ctx context.Context, orgID int64, f inbox.Filter) ([]inbox.Message, error) {
	where, args := filterClause(orgID, f)
	query := `SELECT ` + messageColumns + ` FROM messages m WHERE ` + where +
		` ORDER BY m.received_on DESC, m.backend_id DESC LIMIT ?`
	args = append(args, queryBatchSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "query messages")
	}
	defer rows.Close()

	var (
		msgs   []inbox.Message
		rowIDs []int64
	)
	for rows.Next() {
		id, m, err := scanMessage(rows)
		if err != nil {
			return nil, eris.Wrap(err, "scan message")
		}
		rowIDs = append(rowIDs, id)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "iterate messages")
	}
	rows.Close()

	if err := s.attachLabels(ctx, rowIDs, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// SetFlagged sets the flagged state of the given messages.
func (s *Store) SetFlagged(ctx context.Context, orgID int64, backendIDs []int64, flagged bool) error {
	return s.setColumn(ctx, "is_flagged", orgID, backendIDs, flagged)
}

// SetArchived sets the archived state of the given messages.
func (s *Store) SetArchived(ctx context.Context, orgID int64, backendIDs []int64, archived bool) error {
	return s.setColumn(ctx, "is_archived", orgID, backendIDs, archived)
}

func (s *Store) setColumn(ctx context.Context, column string, orgID int64, backendIDs []int64, value bool) error {
	if len(backendIDs) == 0 {
		return nil
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := execInChunks(ctx, tx, backendIDs, []any{value, orgID},
			`UPDATE messages SET `+column+` = ? WHERE org_id = ? AND backend_id IN (%s)`)
		return err
	})
	return eris.Wrapf(err, "set %s", column)
}

// AddLabels adds each label to each message. Pairs already present, labels
// that are inactive and labels of another organization are skipped.
func (s *Store) AddLabels(ctx context.Context, orgID int64, backendIDs []int64, labelIDs []int64) error {
	if len(backendIDs) == 0 || len(labelIDs) == 0 {
		return nil
	}
	labelIDs = slices.Compact(slices.Sorted(slices.Values(labelIDs)))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, labelID := range labelIDs {
			_, err := execInChunks(ctx, tx, backendIDs, []any{labelID, orgID}, `
				INSERT OR IGNORE INTO message_labels (message_id, label_id)
				SELECT m.id, l.id FROM messages m
				JOIN labels l ON l.id = ? AND l.org_id = m.org_id AND l.is_active = 1
				WHERE m.org_id = ? AND m.backend_id IN (%s)`)
			if err != nil {
				return err
			}
		}
		return nil
	})
	return eris.Wrap(err, "add labels")
}

// RemoveLabels removes each label from each message. Missing pairs are
// skipped.
func (s *Store) RemoveLabels(ctx context.Context, orgID int64, backendIDs []int64, labelIDs []int64) error {
	if len(backendIDs) == 0 || len(labelIDs) == 0 {
		return nil
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, labelID := range labelIDs {
			_, err := execInChunks(ctx, tx, backendIDs, []any{labelID, orgID}, `
				DELETE FROM message_labels
				WHERE label_id = ? AND message_id IN (
					SELECT id FROM messages WHERE org_id = ? AND backend_id IN (%s))`)
			if err != nil {
				return err
			}
		}
		return nil
	})
	return eris.Wrap(err, "remove labels")
}

// ApplyAction applies act to one message. Label actions check the label
// inside the same transaction, so a label released concurrently yields
// inbox.ErrInvalidLabel instead of a silent no-op.
func (s *Store) ApplyAction(ctx context.Context, orgID, backendID int64, act inbox.Action, labelID int64) (bool, error) {
	var changed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var n int64
		var err error
		switch act {
		case inbox.ActionFlag, inbox.ActionUnflag:
			n, err = setOne(ctx, tx, "is_flagged", orgID, backendID, act == inbox.ActionFlag)
		case inbox.ActionArchive, inbox.ActionRestore:
			n, err = setOne(ctx, tx, "is_archived", orgID, backendID, act == inbox.ActionArchive)
		case inbox.ActionLabel, inbox.ActionUnlabel:
			if err := requireActiveLabel(ctx, tx, orgID, labelID); err != nil {
				return err
			}
			if act == inbox.ActionLabel {
				n, err = addLabel(ctx, tx, orgID, backendID, labelID)
			} else {
				n, err = removeLabel(ctx, tx, orgID, backendID, labelID)
			}
		default:
			return fmt.Errorf("%w: %q", inbox.ErrUnknownAction, act)
		}
		changed = n > 0
		return err
	})
	if err != nil {
		return false, eris.Wrapf(err, "%s message %d", act, backendID)
	}
	return changed, nil
}

// ChangeLabels adds and removes labels on one message and reports the
// labels that actually moved.
func (s *Store) ChangeLabels(ctx context.Context, orgID, backendID int64, add, remove []int64) (added, removed []int64, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range add {
			n, err := addLabel(ctx, tx, orgID, backendID, id)
			if err != nil {
				return err
			}
			if n > 0 {
				added = append(added, id)
			}
		}
		for _, id := range remove {
			n, err := removeLabel(ctx, tx, orgID, backendID, id)
			if err != nil {
				return err
			}
			if n > 0 {
				removed = append(removed, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, eris.Wrapf(err, "change labels of message %d", backendID)
	}
	return added, removed, nil
}

func setOne(ctx context.Context, tx *sql.Tx, column string, orgID, backendID int64, value bool) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE messages SET `+column+` = ? WHERE org_id = ? AND backend_id = ? AND `+column+` != ?`,
		value, orgID, backendID, value)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func requireActiveLabel(ctx context.Context, tx *sql.Tx, orgID, labelID int64) error {
	var active bool
	err := tx.QueryRowContext(ctx, `SELECT is_active FROM labels WHERE id = ? AND org_id = ?`, labelID, orgID).Scan(&active)
	if err == sql.ErrNoRows || (err == nil && !active) {
		return fmt.Errorf("%w: %d", inbox.ErrInvalidLabel, labelID)
	}
	return err
}

// addLabel inserts one (message, label) pair, skipping inactive and
// foreign labels. Returns 1 if the pair was added.
func addLabel(ctx context.Context, tx *sql.Tx, orgID, backendID, labelID int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO message_labels (message_id, label_id)
		SELECT m.id, l.id FROM messages m
		JOIN labels l ON l.id = ? AND l.org_id = m.org_id AND l.is_active = 1
		WHERE m.org_id = ? AND m.backend_id = ?`, labelID, orgID, backendID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func removeLabel(ctx context.Context, tx *sql.Tx, orgID, backendID, labelID int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		DELETE FROM message_labels
		WHERE label_id = ? AND message_id IN (
			SELECT id FROM messages WHERE org_id = ? AND backend_id = ?)`, labelID, orgID, backendID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountMessages returns the number of messages of orgID matching f.
func (s *Store) CountMessages(ctx context.Context, orgID int64, f inbox.Filter) (int64, error) {
	where, args := filterClause(orgID, f)
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages m WHERE `+where, args...).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "count messages")
	}
	return n, nil
}

