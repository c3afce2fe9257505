package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added (key, seq) index on checkpoints
const currentSchemaVersion = 1

// Sentinel errors returned by record mutations.
var (
	// ErrNotFound means no record exists at the key.
	ErrNotFound = errors.New("record not found")

	// ErrExists means a record already exists at the key.
	ErrExists = errors.New("record already exists")

	// ErrAuthority means the record exists but is held under another authority.
	ErrAuthority = errors.New("record held under another authority")

	// ErrReplayed means the (signer, nonce) pair was already logged.
	ErrReplayed = errors.New("operation already logged")
)

// Store provides durable storage for balance records and the operation log.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db    *sql.DB
	clock *Clock

	// keep pins a shared in-memory database so it outlives a discarded
	// pool connection. Nil for file databases.
	keep *sql.DB
}

// connParams are applied by the driver to every new connection, so a
// replaced pool connection gets the same configuration.
const connParams = "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on"

// dsn builds the driver DSN for path. ":memory:" becomes a uniquely named
// shared-cache database.
func dsn(path string) (string, bool) {
	if path == ":memory:" {
		return fmt.Sprintf("file:erledger-%s?mode=memory&cache=shared&%s", uuid.NewString(), connParams), true
	}
	return path + "?" + connParams, false
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically, then resumes the
// logical clock after the highest persisted seq.
//
// ":memory:" opens a private in-memory database that lives until Close.
func Open(path string) (*Store, error) {
	source, memory := dsn(path)

	var keep *sql.DB
	if memory {
		var err error
		if keep, err = sql.Open("sqlite3", source); err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		keep.SetMaxOpenConns(1)
		if err := keep.Ping(); err != nil {
			keep.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
	}
	closeAll := func(db *sql.DB) {
		db.Close()
		if keep != nil {
			keep.Close()
		}
	}

	db, err := sql.Open("sqlite3", source)
	if err != nil {
		if keep != nil {
			keep.Close()
		}
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		closeAll(db)
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applySchema(db); err != nil {
		closeAll(db)
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	last, err := maxSeq(db)
	if err != nil {
		closeAll(db)
		return nil, fmt.Errorf("failed to resume clock: %w", err)
	}

	return &Store{db: db, clock: NewClockAt(last), keep: keep}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	if s.keep != nil {
		if kerr := s.keep.Close(); err == nil {
			err = kerr
		}
	}
	return err
}

// Clock returns the store's logical clock.
func (s *Store) Clock() *Clock {
	return s.clock
}

// Update runs fn inside a single transaction. The transaction commits when fn
// returns nil and rolls back otherwise; fn's error is returned unchanged so
// callers can match sentinels with errors.Is.
//
// ctx bounds the statements fn runs and is checked again before commit. The
// transaction itself is not bound to ctx: database/sql discards the
// connection of a transaction whose context ends, and the store has only one.
//
// fn must not call other Store methods: the store has one connection and the
// transaction holds it.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	sqlTx, err := s.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback() // No-op if committed

	if err := fn(&Tx{tx: sqlTx, ctx: ctx, clock: s.clock}); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the checkpoint lookup index.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_checkpoints_key_seq
		ON checkpoints(key, seq)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// maxSeq returns the highest seq written to any table.
func maxSeq(db *sql.DB) (int64, error) {
	var last int64
	err := db.QueryRow(`
		SELECT MAX(
			(SELECT COALESCE(MAX(updated_seq), 0) FROM records),
			(SELECT COALESCE(MAX(seq), 0) FROM operations),
			(SELECT COALESCE(MAX(seq), 0) FROM outcomes),
			(SELECT COALESCE(MAX(seq), 0) FROM checkpoints)
		)
	`).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("query max seq: %w", err)
	}
	return last, nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
