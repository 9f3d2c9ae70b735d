package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/wesm/casevault/internal/inbox"
	"github.com/wesm/casevault/internal/labels"
)

var (
	importOrg     int64
	importNoLabel bool
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import messages or contacts from JSON Lines files",
}

var importMessagesCmd = &cobra.Command{
	Use:   "messages <file>",
	Short: "Import messages and label them",
	Long: `Import messages from a JSON Lines file, one object per line:

  {"id": 101, "contact": "c-5f1e", "text": "need help", "received_on": "2024-03-01T09:00:00Z"}

Existing messages are updated in place. Each message is labelled with the
organization's active labels unless --no-label is given. Use "-" to read
standard input.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkOrg(importOrg); err != nil {
			return err
		}
		r, closeFn, err := openInput(args[0])
		if err != nil {
			return err
		}
		defer closeFn()

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		var lb *labels.Labeller
		if !importNoLabel {
			lb = newServices(s).labeller
		}
		res, err := importMessages(cmd.Context(), s, lb, importOrg, r)
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d messages (%d new, %d labelled)\n", res.total, res.created, res.labelled)
		return err
	},
}

var importContactsCmd = &cobra.Command{
	Use:   "contacts <file>",
	Short: "Import contacts with their groups and fields",
	Long: `Import contacts from a JSON Lines file, one object per line:

  {"uuid": "c-5f1e", "name": "Ann", "groups": ["reporters"], "fields": {"district": "north"}}

A contact without a uuid is given a new random one. Use "-" to read
standard input.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkOrg(importOrg); err != nil {
			return err
		}
		r, closeFn, err := openInput(args[0])
		if err != nil {
			return err
		}
		defer closeFn()

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		n, err := importContacts(cmd.Context(), s, importOrg, r)
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d contacts\n", n)
		return err
	},
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

type messageRecord struct {
	ID         int64     `json:"id"`
	Contact    string    `json:"contact"`
	Text       string    `json:"text"`
	ReceivedOn time.Time `json:"received_on"`
}

type contactRecord struct {
	UUID   string            `json:"uuid"`
	Name   string            `json:"name"`
	Groups []string          `json:"groups"`
	Fields map[string]string `json:"fields"`
}

type importResult struct {
	total, created, labelled int
}

// messageWriter is the store side of a message import.
type messageWriter interface {
	UpsertMessage(ctx context.Context, msg *inbox.Message) (bool, error)
	Find(ctx context.Context, orgID int64, backendIDs []int64) ([]inbox.Message, error)
}

// decodeLines calls fn for each JSON value in r. line is 1-based.
func decodeLines[T any](r io.Reader, fn func(line int, v T) error) error {
	dec := json.NewDecoder(r)
	for line := 1; ; line++ {
		var v T
		if err := dec.Decode(&v); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("record %d: %w", line, err)
		}
		if err := fn(line, v); err != nil {
			return fmt.Errorf("record %d: %w", line, err)
		}
	}
}

// importMessages upserts every message in r. When lb is non-nil each
// message is labelled additively, so labels already applied by hand stay.
func importMessages(ctx context.Context, w messageWriter, lb *labels.Labeller, orgID int64, r io.Reader) (importResult, error) {
	var res importResult
	err := decodeLines(r, func(_ int, rec messageRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if rec.ID <= 0 {
			return fmt.Errorf("id must be a positive integer")
		}
		if rec.ReceivedOn.IsZero() {
			return fmt.Errorf("message %d: received_on is required", rec.ID)
		}
		msg := &inbox.Message{
			BackendID:  rec.ID,
			OrgID:      orgID,
			ContactRef: strings.TrimSpace(rec.Contact),
			Text:       rec.Text,
			ReceivedOn: rec.ReceivedOn.UTC(),
		}
		created, err := w.UpsertMessage(ctx, msg)
		if err != nil {
			return err
		}
		res.total++
		if created {
			res.created++
		}
		if lb == nil {
			return nil
		}

		found, err := w.Find(ctx, orgID, []int64{rec.ID})
		if err != nil {
			return err
		}
		if len(found) == 1 {
			msg = &found[0]
		}
		ch, err := lb.Apply(ctx, orgID, msg, labels.ModeAdditive)
		if err != nil {
			return err
		}
		if !ch.Empty() {
			res.labelled++
		}
		return nil
	})
	return res, err
}

// contactWriter is the store side of a contact import.
type contactWriter interface {
	UpsertContact(ctx context.Context, c *inbox.Contact) error
}

func importContacts(ctx context.Context, w contactWriter, orgID int64, r io.Reader) (int, error) {
	n := 0
	err := decodeLines(r, func(_ int, rec contactRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		ref := strings.TrimSpace(rec.UUID)
		if ref == "" {
			ref = uuid.NewString()
		}
		c := &inbox.Contact{OrgID: orgID, Ref: ref, Name: rec.Name, Groups: rec.Groups, Fields: rec.Fields}
		if err := w.UpsertContact(ctx, c); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.AddCommand(importMessagesCmd, importContactsCmd)
	importCmd.PersistentFlags().Int64Var(&importOrg, "org", 0, "organization id (required)")
	_ = importCmd.MarkPersistentFlagRequired("org")
	importMessagesCmd.Flags().BoolVar(&importNoLabel, "no-label", false, "store messages without applying labels")
}
