package store

import (
	"context"
	"database/sql"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/wesm/casevault/internal/inbox"
	"github.com/wesm/casevault/internal/rules"
)

var _ rules.ContactResolver = (*Store)(nil)

// UpsertContact stores a contact, replacing its groups and fields.
func (s *Store) UpsertContact(ctx context.Context, c *inbox.Contact) error {
	if strings.TrimSpace(c.Ref) == "" {
		return fmt.Errorf("contact ref is required")
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO contacts (org_id, ref, name) VALUES (?, ?, ?)
			ON CONFLICT(org_id, ref) DO UPDATE SET name = excluded.name
			RETURNING id
		`, c.OrgID, c.Ref, c.Name).Scan(&id)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM contact_groups WHERE contact_id = ?`, id); err != nil {
			return err
		}
		groups := slices.Compact(slices.Sorted(slices.Values(c.Groups)))
		if err := insertInChunks(ctx, tx, len(groups), 2,
			`INSERT INTO contact_groups (contact_id, group_ref) VALUES `,
			func(start, end int) ([]string, []any) {
				values := make([]string, 0, end-start)
				args := make([]any, 0, 2*(end-start))
				for _, g := range groups[start:end] {
					values = append(values, "(?, ?)")
					args = append(args, id, g)
				}
				return values, args
			}); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM contact_fields WHERE contact_id = ?`, id); err != nil {
			return err
		}
		keys := slices.Sorted(maps.Keys(c.Fields))
		return insertInChunks(ctx, tx, len(keys), 3,
			`INSERT INTO contact_fields (contact_id, key, value) VALUES `,
			func(start, end int) ([]string, []any) {
				values := make([]string, 0, end-start)
				args := make([]any, 0, 3*(end-start))
				for _, k := range keys[start:end] {
					values = append(values, "(?, ?, ?)")
					args = append(args, id, k, c.Fields[k])
				}
				return values, args
			})
	})
	return eris.Wrapf(err, "upsert contact %s", c.Ref)
}

// GetContact returns a contact with its groups and fields, or nil.
func (s *Store) GetContact(ctx context.Context, orgID int64, ref string) (*inbox.Contact, error) {
	c := &inbox.Contact{OrgID: orgID, Ref: ref}
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM contacts WHERE org_id = ? AND ref = ?`, orgID, ref).Scan(&id, &c.Name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "get contact %s", ref)
	}

	if c.Groups, err = s.GroupMembership(ctx, orgID, ref); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM contact_fields WHERE contact_id = ? ORDER BY key`, id)
	if err != nil {
		return nil, eris.Wrap(err, "get contact fields")
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, eris.Wrap(err, "scan contact field")
		}
		if c.Fields == nil {
			c.Fields = make(map[string]string)
		}
		c.Fields[k] = v
	}
	return c, eris.Wrap(rows.Err(), "get contact fields")
}

// GroupMembership returns the groups of a contact. An unknown contact has
// no groups.
func (s *Store) GroupMembership(ctx context.Context, orgID int64, contactRef string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.group_ref FROM contact_groups g JOIN contacts c ON c.id = g.contact_id
		WHERE c.org_id = ? AND c.ref = ? ORDER BY g.group_ref
	`, orgID, contactRef)
	if err != nil {
		return nil, eris.Wrap(err, "get contact groups")
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, eris.Wrap(err, "scan contact group")
		}
		groups = append(groups, g)
	}
	return groups, eris.Wrap(rows.Err(), "get contact groups")
}

// FieldValue returns a contact field value and whether it is set.
func (s *Store) FieldValue(ctx context.Context, orgID int64, contactRef, field string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `
		SELECT f.value FROM contact_fields f JOIN contacts c ON c.id = f.contact_id
		WHERE c.org_id = ? AND c.ref = ? AND f.key = ?
	`, orgID, contactRef, field).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrapf(err, "get contact field %s", field)
	}
	return v, true, nil
}
