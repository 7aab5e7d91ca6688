// Package transfer exports the whole dataset as one JSON snapshot document
// and restores a dataset from such a document.
//
// Import is all-or-nothing. The document is fully validated before anything
// is touched, the destructive phase runs in one transaction, and the search
// index is rebuilt from the restored rows before commit. Exactly one
// persistence pass follows a successful commit.
package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/natefinch/atomic"
	"github.com/sirupsen/logrus"

	"github.com/mschirtzinger/pulse/internal/events"
	"github.com/mschirtzinger/pulse/internal/store/db"
	"github.com/mschirtzinger/pulse/internal/store/schema"
)

var (
	// ErrValidation means the document was rejected before any mutation.
	ErrValidation = errors.New("invalid snapshot")

	// ErrTransaction means the import failed mid-transaction and was rolled
	// back; the previous dataset is intact.
	ErrTransaction = errors.New("import transaction failed")
)

// ExportFileName returns the conventional file name of an export made at t.
func ExportFileName(t time.Time) string {
	return fmt.Sprintf("pulse-export-%s.json", t.Format(schema.DateLayout))
}

// Export reads every table and stamps the envelope's exportedAt with at.
func Export(ctx context.Context, d *db.DB, at time.Time) (*schema.Snapshot, error) {
	snap, err := d.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to export: %w", err)
	}
	at = at.UTC()
	snap.ExportedAt = &at
	return snap, nil
}

// WriteJSON writes snap as indented JSON.
func WriteJSON(w io.Writer, snap *schema.Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return nil
}

// WriteFile atomically writes snap to path.
func WriteFile(path string, snap *schema.Snapshot) error {
	var buf bytes.Buffer
	if err := WriteJSON(&buf, snap); err != nil {
		return err
	}
	if err := atomic.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// topLevel lists the required envelope fields and whether each is an array.
var topLevel = []struct {
	name  string
	array bool
}{
	{"version", false},
	{"projects", true},
	{"workLogEntries", true},
	{"tasks", true},
	{"dropdownOptions", true},
}

// ReadJSON decodes a snapshot document after checking that every required
// top-level field is present with the right shape. Shape errors wrap
// ErrValidation.
func ReadJSON(r io.Reader) (*schema.Snapshot, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: not a JSON object: %v", ErrValidation, err)
	}

	for _, f := range topLevel {
		raw, ok := fields[f.name]
		if !ok {
			return nil, fmt.Errorf("%w: missing field %q", ErrValidation, f.name)
		}
		raw = bytes.TrimSpace(raw)
		if f.array {
			if len(raw) == 0 || raw[0] != '[' {
				return nil, fmt.Errorf("%w: field %q must be an array", ErrValidation, f.name)
			}
			continue
		}
		var v int
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: field %q must be an integer", ErrValidation, f.name)
		}
	}

	var snap schema.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return &snap, nil
}

// Validate checks the envelope and every record. The error wraps
// ErrValidation and a *schema.ValidationError naming the first bad record.
func Validate(snap *schema.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("%w: no snapshot", ErrValidation)
	}
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}

// Options configures Import.
type Options struct {
	Logger logrus.FieldLogger
	Events events.Sink
	// SkipPersist suppresses the persistence pass after commit. Restoring
	// from the backup folder uses it to avoid writing the same data back.
	SkipPersist bool
}

// Result counts the rows restored per table.
type Result struct {
	DropdownOptions int           `json:"dropdownOptions"`
	Projects        int           `json:"projects"`
	Tasks           int           `json:"tasks"`
	WorkLogEntries  int           `json:"workLogEntries"`
	Duration        time.Duration `json:"durationNs"`
}

// Import replaces the whole dataset with snap.
func Import(ctx context.Context, d *db.DB, snap *schema.Snapshot, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "transfer")
	}

	if err := Validate(snap); err != nil {
		return nil, err
	}

	start := time.Now()
	if err := d.Tx(ctx, func(ctx context.Context, tx *db.Tx) error {
		return restore(ctx, tx, snap)
	}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransaction, err)
	}

	result := &Result{
		DropdownOptions: len(snap.DropdownOptions),
		Projects:        len(snap.Projects),
		Tasks:           len(snap.Tasks),
		WorkLogEntries:  len(snap.WorkLogEntries),
		Duration:        time.Since(start),
	}

	if !opts.SkipPersist {
		if err := d.Persist(ctx); err != nil {
			logger.WithError(err).Warn("import committed but external persistence failed")
		}
	}

	logger.WithFields(logrus.Fields{
		"projects": result.Projects,
		"tasks":    result.Tasks,
		"work_log": result.WorkLogEntries,
		"options":  result.DropdownOptions,
	}).Info("import complete")
	events.OrDiscard(opts.Events).Emit(events.New(events.Imported, "dataset replaced from snapshot", map[string]any{
		"projects": result.Projects,
		"tasks":    result.Tasks,
	}))
	return result, nil
}

// nullable binds a nil pointer as NULL and anything else as its value.
func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

// restore runs inside the import transaction. Dependents are cleared before
// the tables they reference, and inserted after them.
func restore(ctx context.Context, tx *db.Tx, snap *schema.Snapshot) error {
	for _, table := range []string{"work_log_entries", "tasks", "projects", "dropdown_options"} {
		if _, err := tx.Execute(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	for _, o := range snap.DropdownOptions {
		if _, err := tx.Execute(ctx, `
			INSERT INTO dropdown_options (id, type, label, sort_order, color)
			VALUES (?, ?, ?, ?, ?)`,
			o.ID, string(o.Type), o.Label, o.SortOrder, nullable(o.Color)); err != nil {
			return fmt.Errorf("failed to restore dropdown option %d: %w", o.ID, err)
		}
	}

	for _, p := range snap.Projects {
		if _, err := tx.Execute(ctx, `
			INSERT INTO projects (id, title, description, status, priority_id, product_area_id,
				project_status_id, status_comment, stakeholders, ticket_links, due_date,
				created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Title, p.Description, string(p.Status), nullable(p.PriorityID), nullable(p.ProductAreaID),
			nullable(p.ProjectStatusID), p.StatusComment, p.Stakeholders, p.TicketLinks, nullable(p.DueDate),
			p.CreatedAt, p.UpdatedAt); err != nil {
			return fmt.Errorf("failed to restore project %d: %w", p.ID, err)
		}
	}

	for _, t := range snap.Tasks {
		var preArchive *string
		if t.PreArchiveStatus != nil {
			s := string(*t.PreArchiveStatus)
			preArchive = &s
		}
		if _, err := tx.Execute(ctx, `
			INSERT INTO tasks (id, project_id, area_id, title, description, notes, status,
				priority_id, start_date, due_date, pre_archive_status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, nullable(t.ProjectID), nullable(t.AreaID), t.Title, t.Description, t.Notes, string(t.Status),
			nullable(t.PriorityID), nullable(t.StartDate), nullable(t.DueDate), nullable(preArchive), t.CreatedAt, t.UpdatedAt); err != nil {
			return fmt.Errorf("failed to restore task %d: %w", t.ID, err)
		}
	}

	for _, w := range snap.WorkLogEntries {
		if _, err := tx.Execute(ctx, `
			INSERT INTO work_log_entries (id, project_id, note, created_at)
			VALUES (?, ?, ?, ?)`,
			w.ID, w.ProjectID, w.Note, w.CreatedAt); err != nil {
			return fmt.Errorf("failed to restore work log entry %d: %w", w.ID, err)
		}
	}

	// Rebuild from the restored rows rather than trusting the per-row
	// triggers that fired during the bulk insert.
	return db.RebuildIndex(ctx, tx)
}
