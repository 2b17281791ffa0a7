// Package state persists tasks, projects, workspaces, executions, jobs,
// and audit events in a single SQLite database. The schema is declared in
// schema.sql; Open reconciles the live database against it on every boot.
package state

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kagan-dev/kagan/internal/logging"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store is the single persistence entry point. All cross-table mutations go
// through transactions on the shared *sql.DB; SQLite (WAL mode) serialises
// writers.
type Store struct {
	db     *sql.DB
	dbPath string
	log    *logging.Logger
}

// Open opens (or creates) the database at dbPath, enables WAL and foreign
// keys, and reconciles the schema.
func Open(dbPath string, log *logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath, log: log}
	if err := s.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("migrating schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return s, nil
}

// OpenMemory opens an in-memory store. Used by tests.
func OpenMemory(log *logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.NewNop()
	}
	db, err := sql.Open("sqlite", ":memory:?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory database: %w", err)
	}
	// The in-memory driver opens a fresh database per connection; pin one.
	db.SetMaxOpenConns(1)
	s := &Store{db: db, dbPath: "", log: log}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file path (empty for in-memory stores).
func (s *Store) Path() string { return s.dbPath }

// timeFormat is the canonical column encoding for timestamps. RFC 3339 with
// sub-second precision sorts lexicographically, which the audit cursor and
// the tasks.wait cursor rely on.
const timeFormat = "2006-01-02T15:04:05.999999Z07:00"

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// FormatCursor encodes a timestamp in the column encoding, for callers that
// build pagination cursors comparable against stored values.
func FormatCursor(t time.Time) string {
	return encodeTime(t)
}

func decodeTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}
