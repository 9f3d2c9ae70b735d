package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/wesm/casevault/internal/inbox"
)

var _ inbox.EventSink = (*Store)(nil)

// Publish queues label change events in the outbox.
func (s *Store) Publish(ctx context.Context, events []inbox.LabelsChanged) error {
	if len(events) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertEvents(ctx, tx, events)
	})
}

func insertEvents(ctx context.Context, tx *sql.Tx, events []inbox.LabelsChanged) error {
	err := insertInChunks(ctx, tx, len(events), 6,
		`INSERT OR IGNORE INTO label_events (id, org_id, backend_id, added, removed, created_on) VALUES `,
		func(start, end int) ([]string, []any) {
			values := make([]string, 0, end-start)
			args := make([]any, 0, 6*(end-start))
			for _, e := range events[start:end] {
				values = append(values, "(?, ?, ?, ?, ?, ?)")
				args = append(args, e.ID, e.OrgID, e.BackendID, idList(e.Added), idList(e.Removed), toNanos(e.At))
			}
			return values, args
		})
	return eris.Wrap(err, "queue label events")
}

func idList(ids []int64) string {
	if len(ids) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(ids)
	return string(b)
}

// PendingEvents returns up to limit undispatched events, oldest first.
func (s *Store) PendingEvents(ctx context.Context, limit int) ([]inbox.LabelsChanged, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, backend_id, added, removed, created_on
		FROM label_events
		WHERE dispatched_at IS NULL
		ORDER BY created_on, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "list pending events")
	}
	defer rows.Close()

	var out []inbox.LabelsChanged
	for rows.Next() {
		var (
			e              inbox.LabelsChanged
			added, removed string
			at             int64
		)
		if err := rows.Scan(&e.ID, &e.OrgID, &e.BackendID, &added, &removed, &at); err != nil {
			return nil, eris.Wrap(err, "scan event")
		}
		if err := json.Unmarshal([]byte(added), &e.Added); err != nil {
			return nil, eris.Wrapf(err, "decode event %s", e.ID)
		}
		if err := json.Unmarshal([]byte(removed), &e.Removed); err != nil {
			return nil, eris.Wrapf(err, "decode event %s", e.ID)
		}
		e.At = fromNanos(at)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "list pending events")
}

// MarkDispatched marks events as delivered.
func (s *Store) MarkDispatched(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := execInChunks(ctx, tx, ids, []any{toNanos(at)},
			`UPDATE label_events SET dispatched_at = ? WHERE id IN (%s)`)
		return err
	})
	return eris.Wrap(err, "mark events dispatched")
}

// PendingCount returns the number of undispatched events.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM label_events WHERE dispatched_at IS NULL`).Scan(&n)
	return n, eris.Wrap(err, "count pending events")
}
