package db

import (
	"errors"

	"github.com/ncruces/go-sqlite3"
)

var (
	// ErrClosed is returned by every operation on a closed DB.
	ErrClosed = errors.New("database is closed")

	// ErrMigration wraps a failed migration. The schema version is left at
	// the last successfully applied migration.
	ErrMigration = errors.New("migration failed")
)

// IsCorruption reports whether err carries an engine result code that means
// the database file is structurally damaged or is not a database at all.
func IsCorruption(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, sqlite3.CORRUPT) || errors.Is(err, sqlite3.NOTADB)
}
