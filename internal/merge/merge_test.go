package merge

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jlevy/tbd/internal/types"
)

var (
	t0      = time.Date(2025, 11, 1, 10, 0, 0, 0, time.UTC)
	t1      = time.Date(2025, 11, 2, 10, 0, 0, 0, time.UTC)
	t2      = time.Date(2025, 11, 2, 11, 0, 0, 0, time.UTC)
	mergeAt = time.Date(2025, 11, 3, 9, 0, 0, 0, time.UTC)
)

func baseRecord() *types.Record {
	return &types.Record{
		ID:        "01JBXN6V8PQRS0000000000000",
		Version:   1,
		Title:     "Bug",
		Status:    types.StatusOpen,
		Priority:  2,
		Kind:      types.KindBug,
		CreatedAt: t0,
		UpdatedAt: t0,
	}
}

func TestMergeOnlyOneSideChanged(t *testing.T) {
	base := baseRecord()
	local := base.Clone()
	remote := base.Clone()
	remote.Title = "Bug report"
	remote.Version = 2
	remote.UpdatedAt = t1

	merged, conflicts := Merge(base, local, remote, mergeAt, Options{})
	if len(conflicts) != 0 {
		t.Fatalf("Merge() conflicts = %d, want 0", len(conflicts))
	}
	if merged.Title != "Bug report" {
		t.Errorf("Merge() title = %q, want %q", merged.Title, "Bug report")
	}
	if merged.Version != 3 {
		t.Errorf("Merge() version = %d, want 3", merged.Version)
	}
	if !merged.UpdatedAt.Equal(mergeAt) {
		t.Errorf("Merge() updated_at = %v, want merge time %v", merged.UpdatedAt, mergeAt)
	}
}

// Scenario: both sides edited the title on top of the same base.
func TestMergeScalarConflict(t *testing.T) {
	base := baseRecord()

	local := base.Clone()
	local.Title = "Bug fix"
	local.Version = 2
	local.UpdatedAt = t1

	remote := base.Clone()
	remote.Title = "Bug report"
	remote.Version = 2
	remote.UpdatedAt = t2 // later, so remote wins the tie

	merged, conflicts := Merge(base, local, remote, mergeAt, Options{
		LocalSource:  "replica-a",
		RemoteSource: "replica-b",
	})

	if merged.Title != "Bug report" {
		t.Errorf("Merge() title = %q, want %q", merged.Title, "Bug report")
	}
	if merged.Version != 3 {
		t.Errorf("Merge() version = %d, want 3", merged.Version)
	}
	if len(conflicts) != 1 {
		t.Fatalf("Merge() conflicts = %d, want 1", len(conflicts))
	}
	c := conflicts[0]
	if c.Field != "title" {
		t.Errorf("conflict field = %q, want %q", c.Field, "title")
	}
	if c.LostValue != "Bug fix" {
		t.Errorf("conflict lost_value = %q, want %q", c.LostValue, "Bug fix")
	}
	if c.WinnerSource != "replica-b" || c.LoserSource != "replica-a" {
		t.Errorf("conflict sources = %q/%q, want replica-b/replica-a", c.WinnerSource, c.LoserSource)
	}
	if c.Context.LocalVersion != 2 || c.Context.RemoteVersion != 2 {
		t.Errorf("conflict context versions = %d/%d, want 2/2", c.Context.LocalVersion, c.Context.RemoteVersion)
	}
}

func TestMergeHigherVersionWins(t *testing.T) {
	base := baseRecord()

	local := base.Clone()
	local.Title = "Bug fix"
	local.Version = 4
	local.UpdatedAt = t1

	remote := base.Clone()
	remote.Title = "Bug report"
	remote.Version = 2
	remote.UpdatedAt = t2 // later, but lower version

	merged, conflicts := Merge(base, local, remote, mergeAt, Options{})
	if merged.Title != "Bug fix" {
		t.Errorf("Merge() title = %q, want local (higher version) %q", merged.Title, "Bug fix")
	}
	if merged.Version != 5 {
		t.Errorf("Merge() version = %d, want 5", merged.Version)
	}
	if len(conflicts) != 1 || conflicts[0].WinnerSource != SourceLocal {
		t.Errorf("Merge() conflicts = %+v, want one with local winner", conflicts)
	}
}

// Scenario: local adds "urgent", remote adds "p0", both on an empty set.
func TestMergeLabelUnion(t *testing.T) {
	base := baseRecord()

	local := base.Clone()
	local.Labels = []string{"urgent"}
	local.Version = 2

	remote := base.Clone()
	remote.Labels = []string{"p0"}
	remote.Version = 2

	merged, conflicts := Merge(base, local, remote, mergeAt, Options{})
	if len(conflicts) != 0 {
		t.Fatalf("Merge() conflicts = %d, want 0 for set fields", len(conflicts))
	}
	want := []string{"p0", "urgent"}
	if !cmp.Equal(merged.Labels, want) {
		t.Errorf("Merge() labels = %v, want %v", merged.Labels, want)
	}
}

func TestMergeSetSemantics(t *testing.T) {
	tests := []struct {
		name   string
		base   []string
		local  []string
		remote []string
		want   []string
	}{
		{
			name:   "concurrent adds union",
			local:  []string{"a"},
			remote: []string{"b"},
			want:   []string{"a", "b"},
		},
		{
			name:   "remove on one side sticks",
			base:   []string{"a", "b"},
			local:  []string{"a"},
			remote: []string{"a", "b"},
			want:   []string{"a"},
		},
		{
			name:   "remove on both sides",
			base:   []string{"a"},
			local:  nil,
			remote: nil,
			want:   nil,
		},
		{
			name:   "add beats concurrent remove",
			base:   []string{"a"},
			local:  nil,                  // removed a
			remote: []string{"a", "new"}, // kept a, added new
			want:   []string{"new"},
		},
		{
			name:   "unchanged everywhere",
			base:   []string{"a", "b"},
			local:  []string{"b", "a"},
			remote: []string{"a", "b"},
			want:   []string{"a", "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeSet(tt.base, tt.local, tt.remote)
			if !cmp.Equal(got, tt.want) {
				t.Errorf("mergeSet() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMergeDependenciesUnion(t *testing.T) {
	base := baseRecord()

	local := base.Clone()
	local.Dependencies = []string{"01JBXN6V8PQRS0000000000001"}
	local.Version = 2

	remote := base.Clone()
	remote.Dependencies = []string{"01JBXN6V8PQRS0000000000002"}
	remote.Version = 2

	merged, conflicts := Merge(base, local, remote, mergeAt, Options{})
	if len(conflicts) != 0 {
		t.Fatalf("Merge() conflicts = %d, want 0", len(conflicts))
	}
	want := []string{"01JBXN6V8PQRS0000000000001", "01JBXN6V8PQRS0000000000002"}
	if !cmp.Equal(merged.Dependencies, want) {
		t.Errorf("Merge() dependencies = %v, want %v", merged.Dependencies, want)
	}
}

func TestMergeIdenticalIsFixedPoint(t *testing.T) {
	base := baseRecord()

	local := base.Clone()
	local.Title = "Bug fix"
	local.Version = 2
	local.UpdatedAt = t1

	remote := base.Clone()
	remote.Title = "Bug report"
	remote.Version = 2
	remote.UpdatedAt = t2

	merged, _ := Merge(base, local, remote, mergeAt, Options{})

	again, conflicts := Merge(merged, merged, merged, mergeAt.Add(time.Hour), Options{})
	if len(conflicts) != 0 {
		t.Fatalf("re-merge conflicts = %d, want 0", len(conflicts))
	}
	if !cmp.Equal(merged, again) {
		t.Errorf("re-merging the merge result changed it: %s", cmp.Diff(merged, again))
	}
}

func TestMergeDeterministic(t *testing.T) {
	base := baseRecord()

	local := base.Clone()
	local.Title = "Bug fix"
	local.Notes = "local notes"
	local.Labels = []string{"urgent"}
	local.Version = 3
	local.UpdatedAt = t1

	remote := base.Clone()
	remote.Title = "Bug report"
	remote.Notes = "remote notes"
	remote.Labels = []string{"p0"}
	remote.Version = 3
	remote.UpdatedAt = t1 // full tie; lexical tiebreak must be stable

	m1, c1 := Merge(base, local, remote, mergeAt, Options{})
	m2, c2 := Merge(base, local, remote, mergeAt, Options{})
	if !cmp.Equal(m1, m2) {
		t.Errorf("Merge() not deterministic: %s", cmp.Diff(m1, m2))
	}
	if !cmp.Equal(c1, c2) {
		t.Errorf("Merge() conflicts not deterministic: %s", cmp.Diff(c1, c2))
	}
}

func TestMergeNilBase(t *testing.T) {
	// Record created independently on both sides with the same ID.
	local := baseRecord()
	local.Title = "Created here"
	local.UpdatedAt = t1

	remote := baseRecord()
	remote.Title = "Created there"
	remote.UpdatedAt = t2

	merged, conflicts := Merge(nil, local, remote, mergeAt, Options{})
	if merged.Title != "Created there" {
		t.Errorf("Merge() title = %q, want later side %q", merged.Title, "Created there")
	}
	if len(conflicts) != 1 {
		t.Errorf("Merge() conflicts = %d, want 1", len(conflicts))
	}
	if merged.Version != 2 {
		t.Errorf("Merge() version = %d, want 2", merged.Version)
	}
}

func TestMergeBothClosedDifferentReasons(t *testing.T) {
	base := baseRecord()

	localClosed := t1
	local := base.Clone()
	local.Status = types.StatusClosed
	local.ClosedAt = &localClosed
	local.CloseReason = "fixed"
	local.Version = 2
	local.UpdatedAt = t1

	remoteClosed := t2
	remote := base.Clone()
	remote.Status = types.StatusClosed
	remote.ClosedAt = &remoteClosed
	remote.CloseReason = "duplicate"
	remote.Version = 2
	remote.UpdatedAt = t2

	merged, conflicts := Merge(base, local, remote, mergeAt, Options{})
	if merged.Status != types.StatusClosed {
		t.Fatalf("Merge() status = %s, want closed", merged.Status)
	}
	if merged.CloseReason != "duplicate" {
		t.Errorf("Merge() close_reason = %q, want %q", merged.CloseReason, "duplicate")
	}

	var reasonConflict *Conflict
	for i := range conflicts {
		if conflicts[i].Field == "close_reason" {
			reasonConflict = &conflicts[i]
		}
	}
	if reasonConflict == nil {
		t.Fatalf("Merge() recorded no close_reason conflict: %+v", conflicts)
	}
	if reasonConflict.LostValue != "fixed" {
		t.Errorf("conflict lost_value = %q, want %q", reasonConflict.LostValue, "fixed")
	}
}

func TestMergeReopenClearsClosedFields(t *testing.T) {
	closedAt := t0
	base := baseRecord()
	base.Status = types.StatusClosed
	base.ClosedAt = &closedAt
	base.CloseReason = "fixed"

	// Local reopened; remote untouched.
	local := base.Clone()
	local.Status = types.StatusOpen
	local.ClosedAt = nil
	local.CloseReason = ""
	local.Version = 2
	local.UpdatedAt = t1

	remote := base.Clone()

	merged, conflicts := Merge(base, local, remote, mergeAt, Options{})
	if len(conflicts) != 0 {
		t.Fatalf("Merge() conflicts = %d, want 0", len(conflicts))
	}
	if merged.Status != types.StatusOpen {
		t.Errorf("Merge() status = %s, want open", merged.Status)
	}
	if merged.ClosedAt != nil || merged.CloseReason != "" {
		t.Errorf("Merge() left closed fields set on reopened record: closed_at=%v close_reason=%q",
			merged.ClosedAt, merged.CloseReason)
	}
}

func TestMergeUnsetOnBothSides(t *testing.T) {
	base := baseRecord()
	base.Assignee = "alice"

	local := base.Clone()
	local.Assignee = ""
	local.Version = 2
	local.UpdatedAt = t1

	remote := base.Clone()
	remote.Assignee = ""
	remote.Version = 2
	remote.UpdatedAt = t2

	merged, conflicts := Merge(base, local, remote, mergeAt, Options{})
	if len(conflicts) != 0 {
		t.Fatalf("concurrent identical unset produced conflicts: %+v", conflicts)
	}
	if merged.Assignee != "" {
		t.Errorf("Merge() assignee = %q, want unset", merged.Assignee)
	}
}

func TestMergeExtensionsUnion(t *testing.T) {
	base := baseRecord()

	local := base.Clone()
	local.Extensions = map[string]json.RawMessage{
		"importer": json.RawMessage(`{"source":"github"}`),
	}
	local.Version = 2

	remote := base.Clone()
	remote.Extensions = map[string]json.RawMessage{
		"agent": json.RawMessage(`{"run":"42"}`),
	}
	remote.Version = 2

	merged, conflicts := Merge(base, local, remote, mergeAt, Options{})
	if len(conflicts) != 0 {
		t.Fatalf("extensions produced conflicts: %+v", conflicts)
	}
	if len(merged.Extensions) != 2 {
		t.Fatalf("Merge() extensions = %v, want both namespaces", merged.Extensions)
	}
	if string(merged.Extensions["importer"]) != `{"source":"github"}` {
		t.Errorf("importer namespace = %s", merged.Extensions["importer"])
	}
	if string(merged.Extensions["agent"]) != `{"run":"42"}` {
		t.Errorf("agent namespace = %s", merged.Extensions["agent"])
	}
}

func TestMergeMonotonicity(t *testing.T) {
	base := baseRecord()
	local := base.Clone()
	local.Priority = 0
	local.Version = 7
	local.UpdatedAt = t1
	remote := base.Clone()
	remote.Priority = 4
	remote.Version = 3
	remote.UpdatedAt = t2

	merged, _ := Merge(base, local, remote, mergeAt, Options{})
	if merged.Version <= local.Version || merged.Version <= remote.Version {
		t.Errorf("Merge() version %d does not dominate parents (%d, %d)",
			merged.Version, local.Version, remote.Version)
	}
}
