// Package sqlite is the SQLite implementation of the metadata store.
//
// The store is a pure data access layer: methods execute against
// s.conn, which is either the *sql.DB (autocommit) or a *sql.Tx when
// running inside RunInTransaction. Atomicity across multiple calls -
// committing a topology together with its re-anchored flow records -
// is the caller's decision, made by wrapping the calls in
// RunInTransaction.
//
// The database opens in WAL mode so the stats relay's reads never
// block a reconciliation commit. All queries use prepared statements,
// compiled once at open; RunInTransaction rebinds the masters to the
// transaction with tx.StmtContext, which reuses the compiled plans.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/upgw/pipelined/interpreter"
)

//go:embed schema.sql
var schemaSQL string

// dbConn abstracts *sql.DB and *sql.Tx for query execution.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqliteStore implements interpreter.Store.
type sqliteStore struct {
	db     *sql.DB // original connection, used for BeginTx
	conn   dbConn  // active connection (db or tx)
	logger *slog.Logger

	stmtGetTopology  *sql.Stmt
	stmtSaveTopology *sql.Stmt

	stmtGetFlow        *sql.Stmt
	stmtSaveFlow       *sql.Stmt
	stmtDeleteFlow     *sql.Stmt
	stmtListFlows      *sql.Stmt
	stmtListFlowsByApp *sql.Stmt

	stmtGetBaseline    *sql.Stmt
	stmtSaveBaseline   *sql.Stmt
	stmtDeleteBaseline *sql.Stmt
}

// New opens (creating if necessary) a store at the given path.
func New(ctx context.Context, dbPath string, logger *slog.Logger) (interpreter.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "db", dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open(driverName, dsn(dbPath, [][2]string{{"journal_mode", "WAL"}, {"foreign_keys", "1"}}))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &sqliteStore{db: db, conn: db, logger: logger}
	if err := s.initialize(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("opened database", "path", dbPath)
	return s, nil
}

// NewInMemory opens an in-memory store, for tests and --db "".
func NewInMemory(ctx context.Context, logger *slog.Logger) (interpreter.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "db", ":memory:")

	db, err := sql.Open(driverName, dsn(":memory:", [][2]string{{"foreign_keys", "1"}}))
	if err != nil {
		return nil, fmt.Errorf("open in-memory database: %w", err)
	}
	// A single connection keeps the in-memory database alive and
	// visible across calls.
	db.SetMaxOpenConns(1)

	s := &sqliteStore{db: db, conn: db, logger: logger}
	if err := s.initialize(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) initialize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	if err := s.prepareStatements(ctx); err != nil {
		return fmt.Errorf("prepare statements: %w", err)
	}
	return nil
}

// Close closes all prepared statements and the connection.
func (s *sqliteStore) Close() error {
	for _, stmt := range s.statements() {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

func (s *sqliteStore) statements() []*sql.Stmt {
	return []*sql.Stmt{
		s.stmtGetTopology,
		s.stmtSaveTopology,
		s.stmtGetFlow,
		s.stmtSaveFlow,
		s.stmtDeleteFlow,
		s.stmtListFlows,
		s.stmtListFlowsByApp,
		s.stmtGetBaseline,
		s.stmtSaveBaseline,
		s.stmtDeleteBaseline,
	}
}

// RunInTransaction executes the callback atomically. A nil return
// commits; an error rolls back. The tx-bound statement handles are
// created from the compiled masters, so no SQL parsing happens here.
func (s *sqliteStore) RunInTransaction(ctx context.Context, fn func(interpreter.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	txStore := &sqliteStore{
		db:     s.db,
		conn:   tx,
		logger: s.logger,

		stmtGetTopology:  tx.StmtContext(ctx, s.stmtGetTopology),
		stmtSaveTopology: tx.StmtContext(ctx, s.stmtSaveTopology),

		stmtGetFlow:        tx.StmtContext(ctx, s.stmtGetFlow),
		stmtSaveFlow:       tx.StmtContext(ctx, s.stmtSaveFlow),
		stmtDeleteFlow:     tx.StmtContext(ctx, s.stmtDeleteFlow),
		stmtListFlows:      tx.StmtContext(ctx, s.stmtListFlows),
		stmtListFlowsByApp: tx.StmtContext(ctx, s.stmtListFlowsByApp),

		stmtGetBaseline:    tx.StmtContext(ctx, s.stmtGetBaseline),
		stmtSaveBaseline:   tx.StmtContext(ctx, s.stmtSaveBaseline),
		stmtDeleteBaseline: tx.StmtContext(ctx, s.stmtDeleteBaseline),
	}

	if err := fn(txStore); err != nil {
		return err
	}
	return tx.Commit()
}
