package db

import (
	"context"
	"fmt"
	"strings"
)

// IntegrityReport is the full output of PRAGMA integrity_check.
type IntegrityReport struct {
	Messages []string `json:"messages"`
}

// OK reports whether the engine found no structural problems: the check
// returns exactly one row reading "ok".
func (r IntegrityReport) OK() bool {
	return len(r.Messages) == 1 && r.Messages[0] == "ok"
}

func (r IntegrityReport) String() string {
	if len(r.Messages) == 0 {
		return "no result"
	}
	return strings.Join(r.Messages, "; ")
}

// IntegrityCheck runs a full structural scan of the database pages. Unlike a
// logical query it detects damaged pages that would otherwise yield silently
// wrong rows.
func (db *DB) IntegrityCheck(ctx context.Context) (IntegrityReport, error) {
	var report IntegrityReport
	err := db.do(ctx, func() error {
		rows, err := db.conn.QueryContext(ctx, "PRAGMA integrity_check")
		if err != nil {
			return fmt.Errorf("failed to run integrity check: %w", err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var msg string
			if err := rows.Scan(&msg); err != nil {
				return fmt.Errorf("failed to read integrity check: %w", err)
			}
			report.Messages = append(report.Messages, msg)
		}
		return rows.Err()
	})
	return report, err
}

// ForeignKeyViolation is one row reported by PRAGMA foreign_key_check.
type ForeignKeyViolation struct {
	Table  string `json:"table"`
	RowID  int64  `json:"rowId"`
	Parent string `json:"parent"`
}

// ForeignKeyCheck lists rows whose references point at missing parents.
func (db *DB) ForeignKeyCheck(ctx context.Context) ([]ForeignKeyViolation, error) {
	var out []ForeignKeyViolation
	err := db.do(ctx, func() error {
		rows, err := db.conn.QueryContext(ctx, "PRAGMA foreign_key_check")
		if err != nil {
			return fmt.Errorf("failed to run foreign key check: %w", err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var (
				v     ForeignKeyViolation
				rowID nullInt64
				fkid  int64
			)
			if err := rows.Scan(&v.Table, &rowID, &v.Parent, &fkid); err != nil {
				return fmt.Errorf("failed to read foreign key check: %w", err)
			}
			v.RowID = rowID.Int64
			out = append(out, v)
		}
		return rows.Err()
	})
	return out, err
}
