// Package types defines the record data model shared by the store,
// merge engine, and sync orchestrator.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record represents a trackable work item. It is the unit of replication:
// every clone holds its own copy, and divergent copies are reconciled by
// the merge engine field by field.
type Record struct {
	ID            string     `json:"id"`
	Version       int        `json:"version"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	Status        Status     `json:"status"`
	Priority      int        `json:"priority"`
	Kind          Kind       `json:"kind"`
	Assignee      string     `json:"assignee,omitempty"`
	Labels        []string   `json:"labels,omitempty"`
	Dependencies  []string   `json:"dependencies,omitempty"`
	ParentID      string     `json:"parent_id,omitempty"`
	DueDate       *time.Time `json:"due_date,omitempty"`
	DeferredUntil *time.Time `json:"deferred_until,omitempty"`
	CloseReason   string     `json:"close_reason,omitempty"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`

	// Extensions holds namespaced opaque metadata (e.g. import provenance).
	// It never participates in conflict detection; merges union it by
	// namespace key.
	Extensions map[string]json.RawMessage `json:"extensions,omitempty"`
}

// Validate checks if the record has valid field values
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if len(r.Title) == 0 {
		return fmt.Errorf("title is required")
	}
	if len(r.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(r.Title))
	}
	if r.Version < 1 {
		return fmt.Errorf("version must be at least 1 (got %d)", r.Version)
	}
	if r.Priority < 0 || r.Priority > 4 {
		return fmt.Errorf("priority must be between 0 and 4 (got %d)", r.Priority)
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", r.Status)
	}
	if !r.Kind.IsValid() {
		return fmt.Errorf("invalid kind: %s", r.Kind)
	}
	for _, dep := range r.Dependencies {
		if dep == r.ID {
			return fmt.Errorf("record %s cannot depend on itself", r.ID)
		}
	}
	if r.Status == StatusClosed {
		if r.ClosedAt == nil {
			return fmt.Errorf("closed record must have closed_at")
		}
	} else {
		if r.ClosedAt != nil {
			return fmt.Errorf("closed_at is only valid when status is closed")
		}
		if r.CloseReason != "" {
			return fmt.Errorf("close_reason is only valid when status is closed")
		}
	}
	return nil
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	out := *r
	if r.Labels != nil {
		out.Labels = append([]string(nil), r.Labels...)
	}
	if r.Dependencies != nil {
		out.Dependencies = append([]string(nil), r.Dependencies...)
	}
	if r.DueDate != nil {
		t := *r.DueDate
		out.DueDate = &t
	}
	if r.DeferredUntil != nil {
		t := *r.DeferredUntil
		out.DeferredUntil = &t
	}
	if r.ClosedAt != nil {
		t := *r.ClosedAt
		out.ClosedAt = &t
	}
	if r.Extensions != nil {
		out.Extensions = make(map[string]json.RawMessage, len(r.Extensions))
		for ns, raw := range r.Extensions {
			out.Extensions[ns] = append(json.RawMessage(nil), raw...)
		}
	}
	return &out
}

// Touch bumps the version and refreshes updated_at. Every mutation to a
// live record goes through this so versions stay strictly monotonic.
func (r *Record) Touch(now time.Time) {
	r.Version++
	r.UpdatedAt = now
}

// Status represents the current state of a record
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusDeferred   Status = "deferred"
	StatusClosed     Status = "closed"
)

// IsValid checks if the status value is valid
func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusBlocked, StatusDeferred, StatusClosed:
		return true
	}
	return false
}

// Kind categorizes the kind of work
type Kind string

const (
	KindBug     Kind = "bug"
	KindFeature Kind = "feature"
	KindTask    Kind = "task"
	KindEpic    Kind = "epic"
	KindChore   Kind = "chore"
)

// IsValid checks if the kind value is valid
func (k Kind) IsValid() bool {
	switch k {
	case KindBug, KindFeature, KindTask, KindEpic, KindChore:
		return true
	}
	return false
}

// Filter is used to filter record listings
type Filter struct {
	Status   *Status
	Priority *int
	Kind     *Kind
	Assignee *string
	Labels   []string
	ParentID *string
	Limit    int
}

// Matches reports whether the record satisfies every populated filter field.
func (f *Filter) Matches(r *Record) bool {
	if f == nil {
		return true
	}
	if f.Status != nil && r.Status != *f.Status {
		return false
	}
	if f.Priority != nil && r.Priority != *f.Priority {
		return false
	}
	if f.Kind != nil && r.Kind != *f.Kind {
		return false
	}
	if f.Assignee != nil && r.Assignee != *f.Assignee {
		return false
	}
	if f.ParentID != nil && r.ParentID != *f.ParentID {
		return false
	}
	for _, want := range f.Labels {
		found := false
		for _, have := range r.Labels {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
