// Package db wraps the embedded SQLite engine that holds all pulse data.
//
// The engine is opened with exactly one connection. Every statement issued
// through a DB is funnelled through a Serializer, so callers on any number of
// goroutines observe a single FIFO sequence of operations and never interleave
// statement execution on the shared connection.
//
// Write-class calls come in two flavours:
//   - Execute runs a statement and returns.
//   - Run runs a statement and then hands a full snapshot of the dataset to
//     the configured Persister (the backup folder bridge).
//
// Multi-statement atomic work goes through Tx, followed by one explicit
// Persist after commit. RunTx does both.
//
// The schema is owned by the ordered migration list in migrations.go; the
// full-text index in fts_index is maintained by triggers created there.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/sirupsen/logrus"

	"github.com/mschirtzinger/pulse/internal/store/schema"
)

// DefaultDriver is the database/sql driver name of the embedded engine.
const DefaultDriver = "sqlite3"

// Persister receives a full snapshot after every write-class operation.
//
// Implementations must not call back into the DB. A returned error is logged
// by the DB and never reaches the caller of the write.
type Persister interface {
	Persist(ctx context.Context, snap *schema.Snapshot) error
}

// PersisterFunc adapts a function to the Persister interface.
type PersisterFunc func(ctx context.Context, snap *schema.Snapshot) error

// Persist calls f.
func (f PersisterFunc) Persist(ctx context.Context, snap *schema.Snapshot) error {
	return f(ctx, snap)
}

// Options configures Open.
type Options struct {
	// Driver is the database/sql driver name. Empty means DefaultDriver.
	Driver string

	// Persister is invoked by Run, RunTx and Persist. Nil disables
	// external persistence.
	Persister Persister

	// Logger receives operational messages. Nil means the standard logrus
	// logger with component=db.
	Logger logrus.FieldLogger

	// Now overrides the clock used to stamp persisted snapshots.
	Now func() time.Time
}

// Row is one result row keyed by column name. TEXT and BLOB values are
// returned as strings, INTEGER as int64, REAL as float64 and NULL as nil.
type Row map[string]any

// Result describes the effect of a write statement.
type Result struct {
	RowsAffected int64 `json:"rowsAffected"`
	LastInsertID int64 `json:"lastInsertId"`
}

// DB is a live, migrated handle on the embedded engine.
type DB struct {
	sqlDB  *sql.DB
	conn   *sql.Conn
	path   string
	driver string

	serial Serializer
	log    logrus.FieldLogger
	now    func() time.Time
	closed atomic.Bool

	mu        sync.RWMutex
	persister Persister
}

// Open opens the database at path with a single dedicated connection and
// foreign key enforcement turned on. It does not run migrations.
//
// The caller MUST call Close() when done.
func Open(ctx context.Context, path string, opts Options) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	driver := opts.Driver
	if driver == "" {
		driver = DefaultDriver
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "db")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	sqlDB, err := sql.Open(driver, "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The engine tolerates exactly one connection.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	db := &DB{
		sqlDB:     sqlDB,
		conn:      conn,
		path:      path,
		driver:    driver,
		persister: opts.Persister,
		log:       logger,
		now:       now,
	}

	if err := db.applyPragmas(ctx); err != nil {
		_ = conn.Close()
		_ = sqlDB.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) applyPragmas(ctx context.Context) error {
	pragmas := []struct {
		stmt string
		desc string
	}{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := db.conn.ExecContext(ctx, p.stmt); err != nil {
			return fmt.Errorf("failed to %s: %w", p.desc, err)
		}
	}
	return nil
}

// availableDrivers lists the driver names compiled into this binary.
var availableDrivers = []string{DefaultDriver}

// Drivers returns the engine drivers compiled into this binary.
func Drivers() []string {
	return append([]string(nil), availableDrivers...)
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Driver returns the database/sql driver name in use.
func (db *DB) Driver() string {
	return db.driver
}

// SetPersister replaces the persister used by Run, RunTx and Persist.
func (db *DB) SetPersister(p Persister) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.persister = p
}

// Close waits for queued operations, checkpoints the WAL and closes the
// connection. Closing twice is a no-op.
func (db *DB) Close() error {
	if db.closed.Swap(true) {
		return nil
	}

	// Closing must not be cancelled half way; run it in its own slot so it
	// follows every call already queued.
	return db.serial.Do(context.Background(), func() error {
		if _, err := db.conn.ExecContext(context.Background(), "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			db.log.WithError(err).Warn("failed to checkpoint WAL")
		}
		if err := db.conn.Close(); err != nil {
			_ = db.sqlDB.Close()
			return fmt.Errorf("failed to close connection: %w", err)
		}
		if err := db.sqlDB.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
		return nil
	})
}

// do runs fn in the next serializer slot, refusing to run on a closed DB.
func (db *DB) do(ctx context.Context, fn func() error) error {
	if db.closed.Load() {
		return ErrClosed
	}
	return db.serial.Do(ctx, func() error {
		if db.closed.Load() {
			return ErrClosed
		}
		return fn()
	})
}

// Query runs a read statement with positional ? parameters.
func (db *DB) Query(ctx context.Context, text string, args ...any) ([]Row, error) {
	var rows []Row
	err := db.do(ctx, func() error {
		var err error
		rows, err = queryRows(ctx, db.conn, text, args)
		return err
	})
	return rows, err
}

// QueryTable is Query that keeps the column order of the result set.
func (db *DB) QueryTable(ctx context.Context, text string, args ...any) ([]string, [][]any, error) {
	var (
		cols []string
		vals [][]any
	)
	err := db.do(ctx, func() error {
		var err error
		cols, vals, err = queryValues(ctx, db.conn, text, args)
		return err
	})
	return cols, vals, err
}

// Execute runs a write statement without persisting.
func (db *DB) Execute(ctx context.Context, text string, args ...any) (Result, error) {
	var res Result
	err := db.do(ctx, func() error {
		var err error
		res, err = execute(ctx, db.conn, text, args)
		return err
	})
	return res, err
}

// Run executes a write statement and then persists a snapshot. Persistence
// failures are logged and do not fail the call.
func (db *DB) Run(ctx context.Context, text string, args ...any) (Result, error) {
	res, err := db.Execute(ctx, text, args...)
	if err != nil {
		return res, err
	}
	db.persist(ctx)
	return res, nil
}

// Persist snapshots the whole dataset and hands it to the persister. It is
// the explicit persistence step after a transaction or a bulk import.
//
// The snapshot is read and stamped with savedAt inside one serializer slot,
// so savedAt order always matches the order of the writes it reflects.
func (db *DB) Persist(ctx context.Context) error {
	p := db.currentPersister()
	if p == nil {
		return nil
	}

	var snap *schema.Snapshot
	err := db.do(ctx, func() error {
		var err error
		snap, err = readSnapshot(ctx, db.conn)
		if err != nil {
			return err
		}
		saved := db.now().UTC()
		snap.SavedAt = &saved
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to snapshot for persistence: %w", err)
	}

	if err := p.Persist(ctx, snap); err != nil {
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}
	return nil
}

func (db *DB) currentPersister() Persister {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.persister
}

// persist is Persist for the write path: errors are logged, never returned.
func (db *DB) persist(ctx context.Context) {
	if err := db.Persist(ctx); err != nil {
		db.log.WithError(err).Warn("external persistence failed; local data is unaffected")
	}
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func queryValues(ctx context.Context, q queryer, text string, args []any) ([]string, [][]any, error) {
	rows, err := q.QueryContext(ctx, text, args...)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var out [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return cols, out, nil
}

func queryRows(ctx context.Context, q queryer, text string, args []any) ([]Row, error) {
	cols, vals, err := queryValues(ctx, q, text, args)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(vals))
	for _, v := range vals {
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = v[i]
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func execute(ctx context.Context, e execer, text string, args []any) (Result, error) {
	res, err := e.ExecContext(ctx, text, args...)
	if err != nil {
		return Result{}, err
	}
	var out Result
	if n, err := res.RowsAffected(); err == nil {
		out.RowsAffected = n
	}
	if id, err := res.LastInsertId(); err == nil {
		out.LastInsertID = id
	}
	return out, nil
}
