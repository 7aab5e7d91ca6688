package schema

import (
	"fmt"
	"time"
)

// ProjectStatus is the traffic-light health of a project.
type ProjectStatus string

const (
	ProjectRed   ProjectStatus = "Red"
	ProjectAmber ProjectStatus = "Amber"
	ProjectGreen ProjectStatus = "Green"
)

// IsValid reports whether s is one of the known project statuses.
func (s ProjectStatus) IsValid() bool {
	switch s {
	case ProjectRed, ProjectAmber, ProjectGreen:
		return true
	}
	return false
}

// TaskStatus is the workflow state of a task.
type TaskStatus string

const (
	TaskOpen       TaskStatus = "open"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
)

// IsValid reports whether s is one of the known task statuses.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskOpen, TaskInProgress, TaskDone:
		return true
	}
	return false
}

// OptionType tags which dropdown list an option belongs to.
type OptionType string

const (
	OptionPriority      OptionType = "priority"
	OptionProductArea   OptionType = "product_area"
	OptionProjectStatus OptionType = "project_status"
)

// IsValid reports whether t is one of the known option lists.
func (t OptionType) IsValid() bool {
	switch t {
	case OptionPriority, OptionProductArea, OptionProjectStatus:
		return true
	}
	return false
}

// DateLayout is the storage format of calendar dates (due/start dates).
const DateLayout = "2006-01-02"

// TimestampLayout is the storage format of created/updated timestamps.
// It matches strftime('%Y-%m-%dT%H:%M:%fZ', 'now') in SQLite.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Project is one row of the projects table.
type Project struct {
	ID              int64         `json:"id"`
	Title           string        `json:"title"`
	Description     string        `json:"description"`
	Status          ProjectStatus `json:"status"`
	PriorityID      *int64        `json:"priority_id"`
	ProductAreaID   *int64        `json:"product_area_id"`
	ProjectStatusID *int64        `json:"project_status_id"`
	StatusComment   string        `json:"status_comment"`
	Stakeholders    string        `json:"stakeholders"`
	TicketLinks     string        `json:"ticket_links"`
	DueDate         *string       `json:"due_date"`
	CreatedAt       string        `json:"created_at"`
	UpdatedAt       string        `json:"updated_at"`
}

// StakeholderList decodes the embedded stakeholders document.
func (p *Project) StakeholderList() ([]Stakeholder, error) {
	return ParseStakeholders(p.Stakeholders)
}

// TicketLinkList decodes the embedded ticket links document.
func (p *Project) TicketLinkList() ([]TicketLink, error) {
	return ParseTicketLinks(p.TicketLinks)
}

// Task is one row of the tasks table. A nil ProjectID marks an inbox task.
type Task struct {
	ID               int64       `json:"id"`
	ProjectID        *int64      `json:"project_id"`
	AreaID           *int64      `json:"area_id"`
	Title            string      `json:"title"`
	Description      string      `json:"description"`
	Notes            string      `json:"notes"`
	Status           TaskStatus  `json:"status"`
	PriorityID       *int64      `json:"priority_id"`
	StartDate        *string     `json:"start_date"`
	DueDate          *string     `json:"due_date"`
	PreArchiveStatus *TaskStatus `json:"pre_archive_status"`
	CreatedAt        string      `json:"created_at"`
	UpdatedAt        string      `json:"updated_at"`
}

// IsInbox reports whether the task has no owning project.
func (t *Task) IsInbox() bool {
	return t.ProjectID == nil
}

// EffectiveArea returns the area a task belongs to: its own area when it is
// an inbox task, otherwise the area of its project. project may be nil for
// inbox tasks; it must be the owning project otherwise.
func EffectiveArea(t *Task, project *Project) (*int64, error) {
	if t.IsInbox() {
		return t.AreaID, nil
	}
	if project == nil || project.ID != *t.ProjectID {
		return nil, fmt.Errorf("task %d: owning project %d not provided", t.ID, *t.ProjectID)
	}
	return project.ProductAreaID, nil
}

// WorkLogEntry is one row of the work_log_entries table. CreatedAt is set
// once on insert and never changes on edit.
type WorkLogEntry struct {
	ID        int64  `json:"id"`
	ProjectID int64  `json:"project_id"`
	Note      string `json:"note"`
	CreatedAt string `json:"created_at"`
}

// DropdownOption is one row of the dropdown_options table.
type DropdownOption struct {
	ID        int64      `json:"id"`
	Type      OptionType `json:"type"`
	Label     string     `json:"label"`
	SortOrder int64      `json:"sort_order"`
	Color     *string    `json:"color"`
}

// ParseTimestamp parses a stored created/updated timestamp. SQLite's
// CURRENT_TIMESTAMP format is accepted for rows written by older versions.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{TimestampLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// FormatTimestamp renders t in the storage format.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
