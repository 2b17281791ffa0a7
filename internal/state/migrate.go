package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio/v2"
)

// schemaVersion tracks the schema revision in PRAGMA user_version.
const schemaVersion = 1

// maxBackups is the number of pre-migration backups retained.
const maxBackups = 3

const backupSuffixFormat = "20060102_150405"

// migrate reconciles the live database against schema.sql. Missing tables
// and indexes are created in place; a table whose declared shape differs
// from the pristine one is recreated with the safe copy-and-rename sequence,
// preserving the columns both shapes share. A file backup is taken before
// any destructive step.
func (s *Store) migrate() error {
	pristine, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return fmt.Errorf("opening pristine database: %w", err)
	}
	defer pristine.Close()
	pristine.SetMaxOpenConns(1)
	if _, err := pristine.Exec(schemaSQL); err != nil {
		return fmt.Errorf("applying pristine schema: %w", err)
	}

	// Create anything that does not exist yet. Every statement in schema.sql
	// is IF NOT EXISTS, so this is idempotent.
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}

	tables, err := listTables(pristine)
	if err != nil {
		return err
	}

	var mismatched []string
	for _, table := range tables {
		want, err := tableSignature(pristine, table)
		if err != nil {
			return err
		}
		got, err := tableSignature(s.db, table)
		if err != nil {
			return err
		}
		if want != got {
			mismatched = append(mismatched, table)
		}
	}

	if len(mismatched) > 0 {
		if err := s.backup(); err != nil {
			return err
		}
		for _, table := range mismatched {
			s.log.Warn("recreating table with changed schema", "table", table)
			if err := s.recreateTable(pristine, table); err != nil {
				return fmt.Errorf("recreating table %s: %w", table, err)
			}
		}
		// Recreated tables lost their indexes; put them back.
		if _, err := s.db.Exec(schemaSQL); err != nil {
			return fmt.Errorf("reapplying indexes: %w", err)
		}
	}

	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("setting user_version: %w", err)
	}
	return nil
}

// listTables returns the user tables of db in name order.
func listTables(db *sql.DB) ([]string, error) {
	rows, err := db.Query(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// tableSignature serialises a table's column shape for comparison. An empty
// signature means the table does not exist.
func tableSignature(db *sql.DB, table string) (string, error) {
	rows, err := db.Query(fmt.Sprintf(`PRAGMA table_info(%q)`, table))
	if err != nil {
		return "", fmt.Errorf("inspecting table %s: %w", table, err)
	}
	defer rows.Close()

	var parts []string
	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return "", err
		}
		parts = append(parts, fmt.Sprintf("%s|%s|%d|%s|%d",
			name, strings.ToUpper(colType), notNull, dflt.String, pk))
	}
	return strings.Join(parts, ";"), rows.Err()
}

// tableColumns returns the column names of a table.
func tableColumns(db *sql.DB, table string) ([]string, error) {
	rows, err := db.Query(fmt.Sprintf(`PRAGMA table_info(%q)`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// recreateTable rebuilds table to the pristine definition, copying the
// columns shared by both shapes, then swaps it into place.
func (s *Store) recreateTable(pristine *sql.DB, table string) error {
	var createSQL string
	err := pristine.QueryRow(
		`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&createSQL)
	if err != nil {
		return fmt.Errorf("reading pristine definition: %w", err)
	}

	tmpName := table + "_migration_new"
	tmpCreate := strings.Replace(createSQL, "IF NOT EXISTS ", "", 1)
	tmpCreate = strings.Replace(tmpCreate, table, tmpName, 1)

	oldCols, err := tableColumns(s.db, table)
	if err != nil {
		return err
	}
	newCols, err := tableColumns(pristine, table)
	if err != nil {
		return err
	}
	newSet := make(map[string]bool, len(newCols))
	for _, c := range newCols {
		newSet[c] = true
	}
	var common []string
	for _, c := range oldCols {
		if newSet[c] {
			common = append(common, fmt.Sprintf("%q", c))
		}
	}

	// Foreign keys must be off for the drop-and-rename swap; the pragma is
	// a no-op inside a transaction, so toggle it around one.
	if _, err := s.db.Exec(`PRAGMA foreign_keys = OFF`); err != nil {
		return err
	}
	defer func() {
		_, _ = s.db.Exec(`PRAGMA foreign_keys = ON`)
	}()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(tmpCreate); err != nil {
		return fmt.Errorf("creating replacement table: %w", err)
	}
	if len(common) > 0 {
		colList := strings.Join(common, ", ")
		copySQL := fmt.Sprintf(`INSERT INTO %q (%s) SELECT %s FROM %q`, tmpName, colList, colList, table)
		if _, err := tx.Exec(copySQL); err != nil {
			return fmt.Errorf("copying rows: %w", err)
		}
	}
	if _, err := tx.Exec(fmt.Sprintf(`DROP TABLE %q`, table)); err != nil {
		return fmt.Errorf("dropping old table: %w", err)
	}
	if _, err := tx.Exec(fmt.Sprintf(`ALTER TABLE %q RENAME TO %q`, tmpName, table)); err != nil {
		return fmt.Errorf("renaming replacement table: %w", err)
	}

	rows, err := tx.Query(`PRAGMA foreign_key_check`)
	if err != nil {
		return err
	}
	violated := rows.Next()
	if err := rows.Close(); err != nil {
		return err
	}
	if violated {
		return fmt.Errorf("foreign key check failed after recreating %s", table)
	}

	return tx.Commit()
}

// backup copies the database file to a timestamped sibling and trims old
// backups beyond maxBackups. No-op for in-memory stores.
func (s *Store) backup() error {
	if s.dbPath == "" {
		return nil
	}
	// Fold the WAL into the main file so the copy is self-contained.
	if _, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		s.log.Warn("wal checkpoint before backup failed", "error", err)
	}

	data, err := os.ReadFile(s.dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading database for backup: %w", err)
	}

	backupPath := fmt.Sprintf("%s.backup_%s", s.dbPath, time.Now().UTC().Format(backupSuffixFormat))
	if err := renameio.WriteFile(backupPath, data, 0o600); err != nil {
		return fmt.Errorf("writing backup: %w", err)
	}
	s.log.Info("wrote pre-migration backup", "path", backupPath)

	return s.trimBackups()
}

func (s *Store) trimBackups() error {
	matches, err := filepath.Glob(s.dbPath + ".backup_*")
	if err != nil {
		return err
	}
	if len(matches) <= maxBackups {
		return nil
	}
	// Timestamped suffixes sort chronologically.
	sort.Strings(matches)
	for _, old := range matches[:len(matches)-maxBackups] {
		if err := os.Remove(old); err != nil {
			s.log.Warn("removing stale backup failed", "path", old, "error", err)
		}
	}
	return nil
}
