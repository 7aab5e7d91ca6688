package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mschirtzinger/pulse/internal/store/schema"
)

// Tx is an open transaction. It is only valid inside the function passed to
// DB.Tx and must not be retained.
type Tx struct {
	tx *sql.Tx
}

// Query runs a read statement inside the transaction.
func (t *Tx) Query(ctx context.Context, text string, args ...any) ([]Row, error) {
	return queryRows(ctx, t.tx, text, args)
}

// Execute runs a write statement inside the transaction.
func (t *Tx) Execute(ctx context.Context, text string, args ...any) (Result, error) {
	return execute(ctx, t.tx, text, args)
}

// Snapshot reads every table as seen by the transaction.
func (t *Tx) Snapshot(ctx context.Context) (*schema.Snapshot, error) {
	return readSnapshot(ctx, t.tx)
}

// Tx runs fn inside one transaction that occupies a single serializer slot
// for its whole lifetime. The transaction commits if fn returns nil and rolls
// back otherwise, including when fn panics. Tx never persists; callers follow
// a successful Tx with exactly one Persist, or use RunTx.
func (db *DB) Tx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	return db.do(ctx, func() error {
		return runTx(ctx, db.conn, fn)
	})
}

// RunTx is Tx followed by one Persist after a successful commit.
func (db *DB) RunTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	if err := db.Tx(ctx, fn); err != nil {
		return err
	}
	db.persist(ctx)
	return nil
}

func runTx(ctx context.Context, conn *sql.Conn, fn func(ctx context.Context, tx *Tx) error) (err error) {
	sqlTx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := sqlTx.Rollback(); rbErr != nil && err != nil {
			err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
	}()

	if err := fn(ctx, &Tx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}
