package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// migrations[v] upgrades a database at user_version v to v+1. The embedded
// schema creates the version 0 tables; a database is current once
// user_version equals len(migrations).
var migrations = []func(*sql.DB) error{
	addOccurrenceIndex,
}

// connPragma is a per-connection setting and the value SQLite reports once
// it is applied.
type connPragma struct {
	name, set, reads string
}

// Sessions are written by one run at a time while inspect or compare may
// read them. WriteReport replaces a side through ON DELETE CASCADE, which
// only fires with foreign keys on.
var connPragmas = []connPragma{
	{name: "journal_mode", set: "WAL", reads: "wal"},
	{name: "synchronous", set: "NORMAL", reads: "1"},
	{name: "busy_timeout", set: "5000", reads: "5000"},
	{name: "foreign_keys", set: "ON", reads: "1"},
}

// Store persists recorded sessions, their two recorders and verdicts.
type Store struct {
	db *sql.DB
}

// Open creates or opens the session database at path, configures the
// connection and brings the schema up to date. Opening an existing
// database keeps its sessions.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open session database %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to session database %s: %w", path, err)
	}

	// One connection, so the pragmas below hold for every query.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	for _, step := range []func() error{s.configure, s.checkPragmas, s.migrate} {
		if err := step(); err != nil {
			db.Close()
			return nil, fmt.Errorf("session database %s: %w", path, err)
		}
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// withTx runs fn in a transaction, rolling back when fn fails.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) configure() error {
	for _, p := range connPragmas {
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA %s = %s", p.name, p.set)); err != nil {
			return fmt.Errorf("set %s: %w", p.name, err)
		}
	}
	return nil
}

// checkPragmas fails when SQLite ignored one of connPragmas.
func (s *Store) checkPragmas() error {
	for _, p := range connPragmas {
		if err := s.pragmaIs(p.name, p.reads); err != nil {
			return err
		}
	}
	return nil
}

// migrate creates the tables and applies the migrations the database has
// not seen yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > len(migrations) {
		return fmt.Errorf("schema version %d is newer than this lockstep (%d)", version, len(migrations))
	}
	for v := version; v < len(migrations); v++ {
		if err := migrations[v](s.db); err != nil {
			return fmt.Errorf("migrate schema %d to %d: %w", v, v+1, err)
		}
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			return fmt.Errorf("record schema version %d: %w", v+1, err)
		}
	}
	return nil
}

// addOccurrenceIndex lets a restored recorder's forward items be looked up
// by identity in step order.
func addOccurrenceIndex(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_items_identity
		ON items(session_id, side, identity, step)
	`)
	return err
}

// pragmaIs checks the value SQLite reports for a pragma.
func (s *Store) pragmaIs(name, want string) error {
	var got string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&got); err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if got != want {
		return fmt.Errorf("%s is %q, want %q", name, got, want)
	}
	return nil
}
