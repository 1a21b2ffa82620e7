package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func validRecord() *Record {
	now := time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC)
	return &Record{
		ID:        "01JBXN6V8PQRS0000000000000",
		Version:   1,
		Title:     "Test record",
		Status:    StatusOpen,
		Priority:  2,
		Kind:      KindTask,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestValidate(t *testing.T) {
	closedAt := time.Date(2025, 11, 3, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		mutate  func(*Record)
		wantErr bool
	}{
		{
			name:    "valid record",
			mutate:  func(*Record) {},
			wantErr: false,
		},
		{
			name:    "missing id",
			mutate:  func(r *Record) { r.ID = "" },
			wantErr: true,
		},
		{
			name:    "missing title",
			mutate:  func(r *Record) { r.Title = "" },
			wantErr: true,
		},
		{
			name:    "zero version",
			mutate:  func(r *Record) { r.Version = 0 },
			wantErr: true,
		},
		{
			name:    "priority too high",
			mutate:  func(r *Record) { r.Priority = 5 },
			wantErr: true,
		},
		{
			name:    "invalid status",
			mutate:  func(r *Record) { r.Status = "bogus" },
			wantErr: true,
		},
		{
			name:    "invalid kind",
			mutate:  func(r *Record) { r.Kind = "widget" },
			wantErr: true,
		},
		{
			name:    "self dependency",
			mutate:  func(r *Record) { r.Dependencies = []string{r.ID} },
			wantErr: true,
		},
		{
			name: "closed without closed_at",
			mutate: func(r *Record) {
				r.Status = StatusClosed
			},
			wantErr: true,
		},
		{
			name: "closed with closed_at",
			mutate: func(r *Record) {
				r.Status = StatusClosed
				r.ClosedAt = &closedAt
				r.CloseReason = "done"
			},
			wantErr: false,
		},
		{
			name: "open with close_reason",
			mutate: func(r *Record) {
				r.CloseReason = "done"
			},
			wantErr: true,
		},
		{
			name: "open with closed_at",
			mutate: func(r *Record) {
				r.ClosedAt = &closedAt
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRecord()
			tt.mutate(r)
			err := r.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestClone(t *testing.T) {
	r := validRecord()
	r.Labels = []string{"urgent"}
	r.Dependencies = []string{"01JBXN6V8PQRS0000000000001"}
	r.Extensions = map[string]json.RawMessage{
		"importer": json.RawMessage(`{"source":"github"}`),
	}

	c := r.Clone()
	if !cmp.Equal(r, c) {
		t.Fatalf("clone differs from original: %s", cmp.Diff(r, c))
	}

	// Mutating the clone must not touch the original.
	c.Labels[0] = "p0"
	c.Dependencies[0] = "other"
	c.Extensions["importer"] = json.RawMessage(`{}`)
	if r.Labels[0] != "urgent" {
		t.Errorf("clone shares labels slice with original")
	}
	if r.Dependencies[0] != "01JBXN6V8PQRS0000000000001" {
		t.Errorf("clone shares dependencies slice with original")
	}
	if string(r.Extensions["importer"]) != `{"source":"github"}` {
		t.Errorf("clone shares extensions map with original")
	}
}

func TestTouch(t *testing.T) {
	r := validRecord()
	now := time.Date(2025, 11, 4, 9, 0, 0, 0, time.UTC)
	r.Touch(now)
	if r.Version != 2 {
		t.Errorf("Touch() version = %d, want 2", r.Version)
	}
	if !r.UpdatedAt.Equal(now) {
		t.Errorf("Touch() updated_at = %v, want %v", r.UpdatedAt, now)
	}
}

func TestFilterMatches(t *testing.T) {
	open := StatusOpen
	p1 := 1
	alice := "alice"

	r := validRecord()
	r.Priority = 1
	r.Assignee = "alice"
	r.Labels = []string{"urgent", "backend"}

	tests := []struct {
		name   string
		filter *Filter
		want   bool
	}{
		{"nil filter", nil, true},
		{"empty filter", &Filter{}, true},
		{"status match", &Filter{Status: &open}, true},
		{"priority match", &Filter{Priority: &p1}, true},
		{"assignee match", &Filter{Assignee: &alice}, true},
		{"label subset", &Filter{Labels: []string{"urgent"}}, true},
		{"label missing", &Filter{Labels: []string{"urgent", "frontend"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(r); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}
