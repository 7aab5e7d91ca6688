//go:build libsql

package db

import (
	// Registers the "libsql" database/sql driver. It needs cgo, so it is only
	// built with -tags libsql.
	_ "github.com/tursodatabase/go-libsql"
)

// LibSQLDriver is the driver name selected with engine.driver = "libsql".
const LibSQLDriver = "libsql"

func init() {
	availableDrivers = append(availableDrivers, LibSQLDriver)
}
