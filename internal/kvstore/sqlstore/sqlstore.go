// Package sqlstore implements kvstore.Store on an embedded SQLite
// database.
//
// # Database Configuration
//
//   - WAL mode: readers do not block the single writer
//   - synchronous=FULL: a write is durable once the statement returns
//   - busy_timeout=5000: wait for locks up to 5 seconds
//
// Records live in one table keyed by (primary_namespace,
// secondary_namespace, key). The schema version is tracked in
// PRAGMA user_version.
package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"

	"kvsync/internal/kvstore"
)

const (
	backendName = "sqlite"

	// DefaultFileName is the database file created inside the store dir.
	DefaultFileName = "kvsync.sqlite"
	// DefaultTableName is the table holding the records.
	DefaultTableName = "kvsync_data"

	// Schema version tracking:
	// 1 - Initial (primary_namespace, secondary_namespace, key) table
	schemaVersion = 1
)

var tableNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ErrBadTableName is returned by Open for table names that are not plain
// SQL identifiers.
var ErrBadTableName = errors.New("sqlstore: table name must be a plain identifier")

// Options configure Open. Zero values select the defaults.
type Options struct {
	FileName  string
	TableName string
}

// Store is a SQLite-backed kvstore.Store.
type Store struct {
	db     *sql.DB
	table  string
	path   string
	closed atomic.Bool

	readStmt, writeStmt, removeStmt, listStmt string
}

// ValidTableName reports whether name can be used as a table name.
func ValidTableName(name string) bool {
	return tableNameRE.MatchString(name)
}

// Open creates or opens the database in dir. It is idempotent: the schema
// is only created when missing.
func Open(dir string, opts Options) (*Store, error) {
	if opts.FileName == "" {
		opts.FileName = DefaultFileName
	}
	if opts.TableName == "" {
		opts.TableName = DefaultTableName
	}
	if !ValidTableName(opts.TableName) {
		return nil, fmt.Errorf("%w: %q", ErrBadTableName, opts.TableName)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}

	path := filepath.Join(dir, opts.FileName)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db, opts.TableName); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	t := opts.TableName
	return &Store{
		db:    db,
		table: t,
		path:  path,
		readStmt: fmt.Sprintf(
			"SELECT value FROM %s WHERE primary_namespace = ? AND secondary_namespace = ? AND key = ?", t),
		writeStmt: fmt.Sprintf(
			"REPLACE INTO %s (primary_namespace, secondary_namespace, key, value) VALUES (?, ?, ?, ?)", t),
		removeStmt: fmt.Sprintf(
			"DELETE FROM %s WHERE primary_namespace = ? AND secondary_namespace = ? AND key = ?", t),
		listStmt: fmt.Sprintf(
			"SELECT key FROM %s WHERE primary_namespace = ? AND secondary_namespace = ? ORDER BY key", t),
	}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func (s *Store) Read(primary, secondary, key string) ([]byte, error) {
	if err := kvstore.CheckKey("read", primary, secondary, key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, kvstore.ErrClosed
	}
	var value []byte
	err := s.db.QueryRow(s.readStmt, primary, secondary, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kvstore.ErrNotFound
	}
	if err != nil {
		return nil, s.wrap("read", err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

func (s *Store) Write(primary, secondary, key string, data []byte) error {
	if err := kvstore.CheckKey("write", primary, secondary, key); err != nil {
		return err
	}
	if s.closed.Load() {
		return kvstore.ErrClosed
	}
	if data == nil {
		data = []byte{}
	}
	if _, err := s.db.Exec(s.writeStmt, primary, secondary, key, data); err != nil {
		return s.wrap("write", err)
	}
	return nil
}

// Remove deletes the row. The page is freed by SQLite itself, so lazy has
// no effect here.
func (s *Store) Remove(primary, secondary, key string, _ bool) error {
	if err := kvstore.CheckKey("remove", primary, secondary, key); err != nil {
		return err
	}
	if s.closed.Load() {
		return kvstore.ErrClosed
	}
	if _, err := s.db.Exec(s.removeStmt, primary, secondary, key); err != nil {
		return s.wrap("remove", err)
	}
	return nil
}

func (s *Store) List(primary, secondary string) ([]string, error) {
	if err := kvstore.CheckNamespace("list", primary, secondary); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, kvstore.ErrClosed
	}
	rows, err := s.db.Query(s.listStmt, primary, secondary)
	if err != nil {
		return nil, s.wrap("list", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, s.wrap("list", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("list", err)
	}
	return keys, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *Store) wrap(op string, err error) error {
	if errors.Is(err, sql.ErrConnDone) {
		return kvstore.ErrClosed
	}
	return kvstore.WrapIO(backendName, op, err)
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB, table string) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, schemaVersion)
	}

	_, err := db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			primary_namespace TEXT NOT NULL,
			secondary_namespace TEXT NOT NULL DEFAULT '',
			key TEXT NOT NULL CHECK (key <> ''),
			value BLOB,
			PRIMARY KEY (primary_namespace, secondary_namespace, key)
		)`, table))
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

var _ kvstore.Store = (*Store)(nil)
