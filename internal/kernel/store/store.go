// Package store owns the single SQLite database that is the kernel's
// system of record: tasks, leases, the event log, capability grants,
// decision plans, policy/risk/quota state, action execution records,
// checkpoints, and trust trajectories all live in one file, written by
// exactly one goroutine.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store serializes every write against the kernel database through a
// single owning goroutine, matching SQLite's single-writer nature while
// still letting readers use their own connections concurrently.
type Store struct {
	db     *sql.DB
	log    *zap.Logger
	path   string
	cmds   chan func(*sql.DB)
	wg     sync.WaitGroup
	closed chan struct{}
}

// Open opens (creating if necessary) the SQLite database at path, applies
// any pending migrations in order, and starts the write-serialization
// loop. The returned Store owns db until Close is called.
func Open(ctx context.Context, path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows only one writer at a time; pooling writer connections
	// just serializes them behind SQLITE_BUSY retries, so we pin this
	// *sql.DB to a single connection and serialize writes ourselves above
	// it via the command queue below.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	s := &Store{
		db:     db,
		log:    log.Named("store"),
		path:   path,
		cmds:   make(chan func(*sql.DB), 256),
		closed: make(chan struct{}),
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s.wg.Add(1)
	go s.run()

	return s, nil
}

// DB returns the underlying *sql.DB for read-only queries. Callers that
// need to write should go through Write instead of issuing statements
// directly, so that writes stay serialized through the command queue.
func (s *Store) DB() *sql.DB { return s.db }

// run drains the command queue on the single writer goroutine. Commands
// run one at a time, in submission order, for the lifetime of the Store.
func (s *Store) run() {
	defer s.wg.Done()
	for cmd := range s.cmds {
		cmd(s.db)
	}
}

// Write submits fn to run exclusively on the writer goroutine and blocks
// until it completes or ctx is done. Use this for any statement that
// mutates kernel state so that concurrent callers never race each other
// at the SQLite connection.
func (s *Store) Write(ctx context.Context, fn func(*sql.DB) error) error {
	done := make(chan error, 1)
	select {
	case s.cmds <- func(db *sql.DB) { done <- fn(db) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return fmt.Errorf("store: closed")
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteTx is a convenience wrapper around Write that runs fn inside a
// transaction, committing on success and rolling back on error or panic.
func (s *Store) WriteTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return s.Write(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// Close stops accepting new writes, drains in-flight ones, and closes the
// underlying database handle.
func (s *Store) Close() error {
	close(s.closed)
	close(s.cmds)
	s.wg.Wait()
	return s.db.Close()
}

// migration describes one embedded schema step, e.g. schema_v07.sql.
type migration struct {
	version int
	name    string
	sql     string
}

func loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read embedded migrations: %w", err)
	}
	var out []migration
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		version, err := versionFromName(name)
		if err != nil {
			return nil, err
		}
		body, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		out = append(out, migration{version: version, name: name, sql: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// versionFromName extracts the integer version out of "schema_v01.sql".
func versionFromName(name string) (int, error) {
	trimmed := strings.TrimSuffix(name, ".sql")
	idx := strings.LastIndex(trimmed, "_v")
	if idx == -1 {
		return 0, fmt.Errorf("migration filename %q missing _vNN suffix", name)
	}
	n, err := strconv.Atoi(trimmed[idx+2:])
	if err != nil {
		return 0, fmt.Errorf("migration filename %q has non-numeric version: %w", name, err)
	}
	return n, nil
}

const createAppliedTable = `
CREATE TABLE IF NOT EXISTS _kernel_schema_migrations (
	version     INTEGER PRIMARY KEY,
	name        TEXT NOT NULL,
	applied_at  TEXT NOT NULL
)`

// migrate applies every embedded migration whose version has not yet been
// recorded in _kernel_schema_migrations, each inside its own transaction,
// in ascending version order. Unlike a single-row "current version"
// scheme, one row per applied migration lets an operator see exactly
// which steps a given database has taken, which matters for a kernel
// database that is expected to live for the lifetime of many task runs.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createAppliedTable); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	applied := map[int]bool{}
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM _kernel_schema_migrations`)
	if err != nil {
		return fmt.Errorf("read applied migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan applied migration: %w", err)
		}
		applied[v] = true
	}
	rows.Close()

	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if err := s.applyOne(ctx, m); err != nil {
			return fmt.Errorf("apply %s: %w", m.name, err)
		}
		s.log.Info("applied schema migration", zap.Int("version", m.version), zap.String("name", m.name))
	}
	return nil
}

func (s *Store) applyOne(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range splitStatements(m.sql) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec statement: %w\n%s", err, stmt)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO _kernel_schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.version, m.name, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}

	return tx.Commit()
}

// splitStatements splits a migration file on statement-terminating
// semicolons. Trigger bodies contain internal semicolons inside
// BEGIN...END blocks, so a naive split on every ";" would cut a CREATE
// TRIGGER in half; this tracks BEGIN/END depth word-by-word to keep the
// whole trigger body together as one statement.
func splitStatements(script string) []string {
	var stmts []string
	var cur strings.Builder
	var word strings.Builder
	depth := 0

	flushWord := func() {
		switch strings.ToUpper(word.String()) {
		case "BEGIN":
			depth++
		case "END":
			if depth > 0 {
				depth--
			}
		}
		word.Reset()
	}

	isWordChar := func(r rune) bool {
		return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
	}

	for _, r := range script {
		cur.WriteRune(r)
		if isWordChar(r) {
			word.WriteRune(r)
			continue
		}
		flushWord()
		if r == ';' && depth == 0 {
			stmts = append(stmts, cur.String())
			cur.Reset()
		}
	}
	flushWord()
	if strings.TrimSpace(cur.String()) != "" {
		stmts = append(stmts, cur.String())
	}
	return stmts
}
