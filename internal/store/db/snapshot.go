package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mschirtzinger/pulse/internal/store/schema"
)

// Snapshot reads every table into a versioned envelope. Timestamps on the
// envelope are left for the caller to set.
func (db *DB) Snapshot(ctx context.Context) (*schema.Snapshot, error) {
	var snap *schema.Snapshot
	err := db.do(ctx, func() error {
		var err error
		snap, err = readSnapshot(ctx, db.conn)
		return err
	})
	return snap, err
}

func readSnapshot(ctx context.Context, q queryer) (*schema.Snapshot, error) {
	snap := &schema.Snapshot{
		Version:         schema.SnapshotVersion,
		Projects:        []schema.Project{},
		WorkLogEntries:  []schema.WorkLogEntry{},
		Tasks:           []schema.Task{},
		DropdownOptions: []schema.DropdownOption{},
	}

	if err := scanAll(ctx, q, `
		SELECT id, type, label, sort_order, color
		FROM dropdown_options ORDER BY id`,
		func(rows *sql.Rows) error {
			var (
				o     schema.DropdownOption
				color sql.NullString
			)
			if err := rows.Scan(&o.ID, &o.Type, &o.Label, &o.SortOrder, &color); err != nil {
				return err
			}
			o.Color = nullStringPtr(color)
			snap.DropdownOptions = append(snap.DropdownOptions, o)
			return nil
		}); err != nil {
		return nil, fmt.Errorf("failed to read dropdown options: %w", err)
	}

	if err := scanAll(ctx, q, `
		SELECT id, title, COALESCE(description, ''), status,
			priority_id, product_area_id, project_status_id,
			COALESCE(status_comment, ''), COALESCE(stakeholders, ''), COALESCE(ticket_links, ''),
			due_date, created_at, updated_at
		FROM projects ORDER BY id`,
		func(rows *sql.Rows) error {
			var (
				p                             schema.Project
				priority, area, projectStatus nullInt64
				dueDate                       sql.NullString
			)
			if err := rows.Scan(&p.ID, &p.Title, &p.Description, &p.Status,
				&priority, &area, &projectStatus,
				&p.StatusComment, &p.Stakeholders, &p.TicketLinks,
				&dueDate, &p.CreatedAt, &p.UpdatedAt); err != nil {
				return err
			}
			p.PriorityID = priority.ptr()
			p.ProductAreaID = area.ptr()
			p.ProjectStatusID = projectStatus.ptr()
			p.DueDate = nullStringPtr(dueDate)
			snap.Projects = append(snap.Projects, p)
			return nil
		}); err != nil {
		return nil, fmt.Errorf("failed to read projects: %w", err)
	}

	if err := scanAll(ctx, q, `
		SELECT id, project_id, area_id, title, COALESCE(description, ''), COALESCE(notes, ''),
			status, priority_id, start_date, due_date, pre_archive_status, created_at, updated_at
		FROM tasks ORDER BY id`,
		func(rows *sql.Rows) error {
			var (
				t                           schema.Task
				project, area, priority     nullInt64
				startDate, dueDate, archive sql.NullString
			)
			if err := rows.Scan(&t.ID, &project, &area, &t.Title, &t.Description, &t.Notes,
				&t.Status, &priority, &startDate, &dueDate, &archive, &t.CreatedAt, &t.UpdatedAt); err != nil {
				return err
			}
			t.ProjectID = project.ptr()
			t.AreaID = area.ptr()
			t.PriorityID = priority.ptr()
			t.StartDate = nullStringPtr(startDate)
			t.DueDate = nullStringPtr(dueDate)
			if archive.Valid {
				s := schema.TaskStatus(archive.String)
				t.PreArchiveStatus = &s
			}
			snap.Tasks = append(snap.Tasks, t)
			return nil
		}); err != nil {
		return nil, fmt.Errorf("failed to read tasks: %w", err)
	}

	if err := scanAll(ctx, q, `
		SELECT id, project_id, note, created_at
		FROM work_log_entries ORDER BY id`,
		func(rows *sql.Rows) error {
			var w schema.WorkLogEntry
			if err := rows.Scan(&w.ID, &w.ProjectID, &w.Note, &w.CreatedAt); err != nil {
				return err
			}
			snap.WorkLogEntries = append(snap.WorkLogEntries, w)
			return nil
		}); err != nil {
		return nil, fmt.Errorf("failed to read work log entries: %w", err)
	}

	return snap, nil
}

func scanAll(ctx context.Context, q queryer, text string, scan func(*sql.Rows) error) error {
	rows, err := q.QueryContext(ctx, text)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

type nullInt64 struct {
	sql.NullInt64
}

func (n nullInt64) ptr() *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func nullStringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
