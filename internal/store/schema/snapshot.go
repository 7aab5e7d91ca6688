package schema

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SnapshotVersion is the current snapshot document format version.
const SnapshotVersion = 1

// Snapshot is the full dataset in a versioned envelope. It is the sync unit
// written to the backup folder and the artifact produced by export.
type Snapshot struct {
	Version         int              `json:"version"`
	ExportedAt      *time.Time       `json:"exportedAt,omitempty"`
	SavedAt         *time.Time       `json:"savedAt,omitempty"`
	Projects        []Project        `json:"projects"`
	WorkLogEntries  []WorkLogEntry   `json:"workLogEntries"`
	Tasks           []Task           `json:"tasks"`
	DropdownOptions []DropdownOption `json:"dropdownOptions"`
}

// Timestamp returns savedAt if set, else exportedAt, else the zero time.
func (s *Snapshot) Timestamp() time.Time {
	switch {
	case s.SavedAt != nil:
		return *s.SavedAt
	case s.ExportedAt != nil:
		return *s.ExportedAt
	default:
		return time.Time{}
	}
}

// Counts returns the number of records per table, keyed by table name.
func (s *Snapshot) Counts() map[string]int {
	return map[string]int{
		"projects":         len(s.Projects),
		"tasks":            len(s.Tasks),
		"work_log_entries": len(s.WorkLogEntries),
		"dropdown_options": len(s.DropdownOptions),
	}
}

// ValidationError describes the first invalid record of a snapshot.
type ValidationError struct {
	Table string
	Index int
	ID    int64
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s: %v", e.Table, e.Err)
	}
	return fmt.Sprintf("%s[%d] (id=%d): %v", e.Table, e.Index, e.ID, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Validate checks the envelope and every record. It stops at the first
// invalid record.
func (s *Snapshot) Validate() error {
	if s.Version < 1 || s.Version > SnapshotVersion {
		return &ValidationError{Table: "snapshot", Index: -1,
			Err: fmt.Errorf("unsupported version %d", s.Version)}
	}

	for i := range s.DropdownOptions {
		if err := s.DropdownOptions[i].Validate(); err != nil {
			return &ValidationError{Table: "dropdownOptions", Index: i, ID: s.DropdownOptions[i].ID, Err: err}
		}
	}
	for i := range s.Projects {
		if err := s.Projects[i].Validate(); err != nil {
			return &ValidationError{Table: "projects", Index: i, ID: s.Projects[i].ID, Err: err}
		}
	}
	for i := range s.Tasks {
		if err := s.Tasks[i].Validate(); err != nil {
			return &ValidationError{Table: "tasks", Index: i, ID: s.Tasks[i].ID, Err: err}
		}
	}
	for i := range s.WorkLogEntries {
		if err := s.WorkLogEntries[i].Validate(); err != nil {
			return &ValidationError{Table: "workLogEntries", Index: i, ID: s.WorkLogEntries[i].ID, Err: err}
		}
	}
	return nil
}

// Validate checks the fields of a dropdown option.
func (o *DropdownOption) Validate() error {
	if o.ID <= 0 {
		return fmt.Errorf("id must be positive (got %d)", o.ID)
	}
	if !o.Type.IsValid() {
		return fmt.Errorf("type %q is not one of priority, product_area, project_status", o.Type)
	}
	if strings.TrimSpace(o.Label) == "" {
		return errors.New("label is required")
	}
	return nil
}

// Validate checks the fields of a project.
func (p *Project) Validate() error {
	if p.ID <= 0 {
		return fmt.Errorf("id must be positive (got %d)", p.ID)
	}
	if strings.TrimSpace(p.Title) == "" {
		return errors.New("title is required")
	}
	if !p.Status.IsValid() {
		return fmt.Errorf("status %q is not one of Red, Amber, Green", p.Status)
	}
	for name, ref := range map[string]*int64{
		"priority_id":       p.PriorityID,
		"product_area_id":   p.ProductAreaID,
		"project_status_id": p.ProjectStatusID,
	} {
		if ref != nil && *ref <= 0 {
			return fmt.Errorf("%s must be positive (got %d)", name, *ref)
		}
	}
	if err := validateDate("due_date", p.DueDate); err != nil {
		return err
	}
	if _, err := ParseStakeholders(p.Stakeholders); err != nil {
		return err
	}
	if _, err := ParseTicketLinks(p.TicketLinks); err != nil {
		return err
	}
	return validateTimestamps(p.CreatedAt, p.UpdatedAt)
}

// Validate checks the fields of a task.
func (t *Task) Validate() error {
	if t.ID <= 0 {
		return fmt.Errorf("id must be positive (got %d)", t.ID)
	}
	if strings.TrimSpace(t.Title) == "" {
		return errors.New("title is required")
	}
	if !t.Status.IsValid() {
		return fmt.Errorf("status %q is not one of open, in_progress, done", t.Status)
	}
	if t.PreArchiveStatus != nil && !t.PreArchiveStatus.IsValid() {
		return fmt.Errorf("pre_archive_status %q is not one of open, in_progress, done", *t.PreArchiveStatus)
	}
	for name, ref := range map[string]*int64{
		"project_id":  t.ProjectID,
		"area_id":     t.AreaID,
		"priority_id": t.PriorityID,
	} {
		if ref != nil && *ref <= 0 {
			return fmt.Errorf("%s must be positive (got %d)", name, *ref)
		}
	}
	if err := validateDate("start_date", t.StartDate); err != nil {
		return err
	}
	if err := validateDate("due_date", t.DueDate); err != nil {
		return err
	}
	return validateTimestamps(t.CreatedAt, t.UpdatedAt)
}

// Validate checks the fields of a work log entry.
func (w *WorkLogEntry) Validate() error {
	if w.ID <= 0 {
		return fmt.Errorf("id must be positive (got %d)", w.ID)
	}
	if w.ProjectID <= 0 {
		return fmt.Errorf("project_id must be positive (got %d)", w.ProjectID)
	}
	if strings.TrimSpace(w.Note) == "" {
		return errors.New("note is required")
	}
	if w.CreatedAt == "" {
		return errors.New("created_at is required")
	}
	if _, err := ParseTimestamp(w.CreatedAt); err != nil {
		return fmt.Errorf("created_at: %w", err)
	}
	return nil
}

func validateDate(field string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	if _, err := time.Parse(DateLayout, *v); err != nil {
		return fmt.Errorf("%s %q is not a YYYY-MM-DD date", field, *v)
	}
	return nil
}

func validateTimestamps(createdAt, updatedAt string) error {
	if createdAt == "" {
		return errors.New("created_at is required")
	}
	if _, err := ParseTimestamp(createdAt); err != nil {
		return fmt.Errorf("created_at: %w", err)
	}
	if updatedAt == "" {
		return errors.New("updated_at is required")
	}
	if _, err := ParseTimestamp(updatedAt); err != nil {
		return fmt.Errorf("updated_at: %w", err)
	}
	return nil
}
