// Package store provides SQLite-backed persistence for casevault: messages,
// labels, contacts, action history and the label event outbox.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"
	"github.com/rotisserie/eris"

	"github.com/wesm/casevault/internal/textutil"
)

//go:embed schema.sql
var schemaFS embed.FS

// driverName is the sqlite3 driver with casevault's SQL functions attached.
const driverName = "sqlite3_casevault"

var registerOnce sync.Once

// registerDriver registers a sqlite3 driver exposing casefold(text), the
// same case and accent folding used by rule evaluation.
func registerDriver() {
	registerOnce.Do(func() {
		sql.Register(driverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				return conn.RegisterFunc("casefold", textutil.Fold, true)
			},
		})
	})
}

// Store provides database operations for casevault.
type Store struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
}

const defaultSQLiteParams = "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON&_txlock=immediate"

// isSQLiteError checks if err is a sqlite3.Error with a message containing substr.
// Handles both value (sqlite3.Error) and pointer (*sqlite3.Error) forms.
func isSQLiteError(err error, substr string) bool {
	if e := asSQLiteError(err); e != nil {
		return strings.Contains(e.Error(), substr)
	}
	return false
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	e := asSQLiteError(err)
	return e != nil && e.ExtendedCode == sqlite3.ErrConstraintUnique
}

func asSQLiteError(err error) *sqlite3.Error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return &sqliteErr
	}
	var sqliteErrPtr *sqlite3.Error
	if errors.As(err, &sqliteErrPtr) && sqliteErrPtr != nil {
		return sqliteErrPtr
	}
	return nil
}

// Open opens or creates the database at the given path.
func Open(dbPath string) (*Store, error) {
	registerDriver()

	if strings.HasPrefix(dbPath, "postgresql://") || strings.HasPrefix(dbPath, "postgres://") {
		return nil, fmt.Errorf("PostgreSQL is not supported; use a SQLite path instead")
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open(driverName, dbPath+defaultSQLiteParams)
	if err != nil {
		return nil, eris.Wrap(err, "open database")
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "ping database")
	}

	return &Store{
		db:     db,
		dbPath: dbPath,
		logger: slog.Default(),
	}, nil
}

// WithLogger sets the logger.
func (s *Store) WithLogger(logger *slog.Logger) *Store {
	s.logger = logger
	return s
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// withTx executes fn within a database transaction. If fn returns an error,
// the transaction is rolled back; otherwise it is committed.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "commit tx")
}

// placeholders returns "?,?,...,?" with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

const chunkSize = 500

// chunks splits ids into slices of at most chunkSize to stay within
// SQLite's parameter limit.
func chunks[T any](ids []T) [][]T {
	var out [][]T
	for i := 0; i < len(ids); i += chunkSize {
		out = append(out, ids[i:min(i+chunkSize, len(ids))])
	}
	return out
}

// queryInChunks executes a parameterized IN-query in chunks. queryTemplate
// must contain a single %s placeholder for the "?" list. prefixArgs are
// prepended before each chunk's args (e.g., an org_id filter).
func queryInChunks[T any](ctx context.Context, db *sql.DB, ids []T, prefixArgs []any, queryTemplate string, fn func(*sql.Rows) error) error {
	for _, chunk := range chunks(ids) {
		args := make([]any, 0, len(prefixArgs)+len(chunk))
		args = append(args, prefixArgs...)
		for _, id := range chunk {
			args = append(args, id)
		}

		rows, err := db.QueryContext(ctx, fmt.Sprintf(queryTemplate, placeholders(len(chunk))), args...)
		if err != nil {
			return err
		}
		for rows.Next() {
			if err := fn(rows); err != nil {
				rows.Close()
				return err
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
	}
	return nil
}

// execInChunks is queryInChunks for statements run inside tx. It returns
// the total number of rows affected.
func execInChunks[T any](ctx context.Context, tx *sql.Tx, ids []T, prefixArgs []any, queryTemplate string) (int64, error) {
	var total int64
	for _, chunk := range chunks(ids) {
		args := make([]any, 0, len(prefixArgs)+len(chunk))
		args = append(args, prefixArgs...)
		for _, id := range chunk {
			args = append(args, id)
		}
		res, err := tx.ExecContext(ctx, fmt.Sprintf(queryTemplate, placeholders(len(chunk))), args...)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// insertInChunks executes a multi-value INSERT in chunks to stay within SQLite's
// parameter limit (999). valuesPerRow is the number of parameters in each
// VALUES tuple. valueBuilder returns the placeholders and args for rows
// [start, end).
func insertInChunks(ctx context.Context, tx *sql.Tx, totalRows int, valuesPerRow int, queryPrefix string, valueBuilder func(start, end int) ([]string, []any)) error {
	const maxParams = 900
	size := max(maxParams/valuesPerRow, 1)

	for i := 0; i < totalRows; i += size {
		end := min(i+size, totalRows)
		values, args := valueBuilder(i, end)
		if _, err := tx.ExecContext(ctx, queryPrefix+strings.Join(values, ","), args...); err != nil {
			return err
		}
	}
	return nil
}

// InitSchema initializes the database schema.
// This creates all tables if they don't exist.
func (s *Store) InitSchema() error {
	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("read schema.sql: %w", err)
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return eris.Wrap(err, "execute schema.sql")
	}
	return nil
}

// Stats holds database statistics.
type Stats struct {
	MessageCount  int64 `json:"messages"`
	ArchivedCount int64 `json:"archived"`
	LabelCount    int64 `json:"labels"`
	ContactCount  int64 `json:"contacts"`
	PendingEvents int64 `json:"pending_events"`
	DatabaseSize  int64 `json:"database_size"`
}

// GetStats returns statistics about the database.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	queries := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM messages", &stats.MessageCount},
		{"SELECT COUNT(*) FROM messages WHERE is_archived = 1", &stats.ArchivedCount},
		{"SELECT COUNT(*) FROM labels WHERE is_active = 1", &stats.LabelCount},
		{"SELECT COUNT(*) FROM contacts", &stats.ContactCount},
		{"SELECT COUNT(*) FROM label_events WHERE dispatched_at IS NULL", &stats.PendingEvents},
	}

	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			if isSQLiteError(err, "no such table") {
				continue
			}
			return nil, eris.Wrapf(err, "get stats %q", q.query)
		}
	}

	if info, err := os.Stat(s.dbPath); err == nil {
		stats.DatabaseSize = info.Size()
	}

	return stats, nil
}
