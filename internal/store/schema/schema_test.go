package schema

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func ptr[T any](v T) *T { return &v }

func validProject() Project {
	return Project{
		ID:           1,
		Title:        "Quarterly reporting",
		Status:       ProjectGreen,
		Stakeholders: `[{"name":"Dana","role":"sponsor"}]`,
		TicketLinks:  `[]`,
		CreatedAt:    "2026-01-10T07:36:29.000Z",
		UpdatedAt:    "2026-01-10T07:36:29.000Z",
	}
}

func TestProject_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *Project)
		wantErr bool
		errMsg  string
	}{
		{name: "valid project", mutate: func(p *Project) {}},
		{name: "zero id", mutate: func(p *Project) { p.ID = 0 }, wantErr: true, errMsg: "id must be positive"},
		{name: "negative id", mutate: func(p *Project) { p.ID = -4 }, wantErr: true, errMsg: "id must be positive"},
		{name: "blank title", mutate: func(p *Project) { p.Title = "   " }, wantErr: true, errMsg: "title is required"},
		{name: "unknown status", mutate: func(p *Project) { p.Status = "Blue" }, wantErr: true, errMsg: "status \"Blue\""},
		{name: "lowercase status", mutate: func(p *Project) { p.Status = "green" }, wantErr: true, errMsg: "status"},
		{name: "bad reference", mutate: func(p *Project) { p.PriorityID = ptr(int64(0)) }, wantErr: true, errMsg: "priority_id must be positive"},
		{name: "bad due date", mutate: func(p *Project) { p.DueDate = ptr("31/12/2026") }, wantErr: true, errMsg: "due_date"},
		{name: "good due date", mutate: func(p *Project) { p.DueDate = ptr("2026-12-31") }},
		{name: "legacy stakeholders", mutate: func(p *Project) { p.Stakeholders = "Dana, Lee" }},
		{name: "missing created_at", mutate: func(p *Project) { p.CreatedAt = "" }, wantErr: true, errMsg: "created_at is required"},
		{name: "garbage updated_at", mutate: func(p *Project) { p.UpdatedAt = "yesterday" }, wantErr: true, errMsg: "updated_at"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validProject()
			tt.mutate(&p)
			err := p.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %q, want it to contain %q", err.Error(), tt.errMsg)
			}
		})
	}
}

func TestTask_Validate(t *testing.T) {
	base := Task{
		ID:        3,
		ProjectID: ptr(int64(1)),
		Title:     "Draft slides",
		Status:    TaskInProgress,
		CreatedAt: "2026-01-10T07:36:29.000Z",
		UpdatedAt: "2026-01-10T07:36:29.000Z",
	}

	tests := []struct {
		name    string
		mutate  func(t *Task)
		wantErr bool
	}{
		{name: "valid", mutate: func(t *Task) {}},
		{name: "inbox task", mutate: func(t *Task) { t.ProjectID = nil; t.AreaID = ptr(int64(9)) }},
		{name: "unknown status", mutate: func(t *Task) { t.Status = "blocked" }, wantErr: true},
		{name: "unknown pre-archive status", mutate: func(t *Task) { t.PreArchiveStatus = ptr(TaskStatus("archived")) }, wantErr: true},
		{name: "known pre-archive status", mutate: func(t *Task) { t.PreArchiveStatus = ptr(TaskOpen) }},
		{name: "bad start date", mutate: func(t *Task) { t.StartDate = ptr("2026-13-01") }, wantErr: true},
		{name: "zero project reference", mutate: func(t *Task) { t.ProjectID = ptr(int64(0)) }, wantErr: true},
		{name: "empty title", mutate: func(t *Task) { t.Title = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := base
			tt.mutate(&task)
			if err := task.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSnapshot_ValidateReportsFirstInvalidRecord(t *testing.T) {
	snap := &Snapshot{
		Version:  SnapshotVersion,
		Projects: []Project{validProject(), validProject()},
		DropdownOptions: []DropdownOption{
			{ID: 1, Type: OptionPriority, Label: "High", SortOrder: 1},
		},
		WorkLogEntries: []WorkLogEntry{
			{ID: 1, ProjectID: 1, Note: "kickoff", CreatedAt: "2026-01-10T07:36:29.000Z"},
		},
	}
	snap.Projects[1].ID = 2
	snap.Projects[1].Status = "Purple"

	err := snap.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Validate() error type = %T, want *ValidationError", err)
	}
	if verr.Table != "projects" || verr.Index != 1 || verr.ID != 2 {
		t.Errorf("ValidationError = %+v, want projects[1] id=2", verr)
	}
}

func TestSnapshot_ValidateVersion(t *testing.T) {
	for _, v := range []int{0, -1, SnapshotVersion + 1} {
		snap := &Snapshot{Version: v}
		if err := snap.Validate(); err == nil {
			t.Errorf("Validate() with version %d = nil, want error", v)
		}
	}
}

func TestSnapshot_Timestamp(t *testing.T) {
	saved := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exported := saved.Add(-time.Hour)

	if got := (&Snapshot{}).Timestamp(); !got.IsZero() {
		t.Errorf("Timestamp() of empty snapshot = %v, want zero", got)
	}
	if got := (&Snapshot{ExportedAt: &exported}).Timestamp(); !got.Equal(exported) {
		t.Errorf("Timestamp() = %v, want exportedAt %v", got, exported)
	}
	if got := (&Snapshot{ExportedAt: &exported, SavedAt: &saved}).Timestamp(); !got.Equal(saved) {
		t.Errorf("Timestamp() = %v, want savedAt %v", got, saved)
	}
}

func TestEffectiveArea(t *testing.T) {
	project := &Project{ID: 1, ProductAreaID: ptr(int64(20))}

	inbox := &Task{ID: 1, AreaID: ptr(int64(10))}
	area, err := EffectiveArea(inbox, nil)
	if err != nil || area == nil || *area != 10 {
		t.Errorf("EffectiveArea(inbox) = %v, %v; want 10", area, err)
	}

	owned := &Task{ID: 2, ProjectID: ptr(int64(1)), AreaID: ptr(int64(10))}
	area, err = EffectiveArea(owned, project)
	if err != nil || area == nil || *area != 20 {
		t.Errorf("EffectiveArea(owned) = %v, %v; want project area 20", area, err)
	}

	if _, err := EffectiveArea(owned, nil); err == nil {
		t.Error("EffectiveArea(owned, nil) = nil error, want error")
	}
}

func TestParseTimestamp(t *testing.T) {
	for _, s := range []string{"2026-01-10T07:36:29.123Z", "2026-01-10T07:36:29Z", "2026-01-10 07:36:29"} {
		if _, err := ParseTimestamp(s); err != nil {
			t.Errorf("ParseTimestamp(%q) error = %v", s, err)
		}
	}
	if _, err := ParseTimestamp("10 Jan 2026"); err == nil {
		t.Error("ParseTimestamp(\"10 Jan 2026\") = nil error, want error")
	}

	ts := time.Date(2026, 1, 10, 7, 36, 29, 123_000_000, time.UTC)
	if got := FormatTimestamp(ts); got != "2026-01-10T07:36:29.123Z" {
		t.Errorf("FormatTimestamp() = %q", got)
	}
}
