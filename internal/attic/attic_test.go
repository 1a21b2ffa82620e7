package attic

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jlevy/tbd/internal/merge"
	"github.com/jlevy/tbd/internal/store"
	"github.com/jlevy/tbd/internal/types"
)

const entityID = "01JBXN6V8PQRS0000000000000"

var (
	mergeTime = time.Date(2025, 11, 3, 9, 30, 0, 123456789, time.UTC)
	now       = time.Date(2025, 11, 4, 8, 0, 0, 0, time.UTC)
)

func titleConflict() merge.Conflict {
	return merge.Conflict{
		EntityID:     entityID,
		Field:        "title",
		WinnerValue:  "Bug report",
		LostValue:    "Bug fix",
		WinnerSource: "replica-b",
		LoserSource:  "replica-a",
		Context: merge.Context{
			LocalVersion:  2,
			RemoteVersion: 2,
		},
	}
}

func TestEntryFilenameRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		at    time.Time
		field string
	}{
		{"simple field", mergeTime, "title"},
		{"field with underscore", mergeTime, "close_reason"},
		{"zero nanoseconds", time.Date(2025, 11, 3, 9, 30, 0, 0, time.UTC), "notes"},
		{"deferred_until", mergeTime, "deferred_until"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name := EntryFilename(entityID, tt.at, tt.field)
			if filepath.Base(name) != name {
				t.Fatalf("EntryFilename() = %q contains path separators", name)
			}
			for _, c := range name {
				if c == ':' {
					t.Fatalf("EntryFilename() = %q contains unescaped colon", name)
				}
			}

			id, at, field, err := ParseEntryFilename(name)
			if err != nil {
				t.Fatalf("ParseEntryFilename(%q) error = %v", name, err)
			}
			if id != entityID {
				t.Errorf("entity id = %q, want %q", id, entityID)
			}
			if !at.Equal(tt.at) {
				t.Errorf("timestamp = %v, want %v", at, tt.at)
			}
			if field != tt.field {
				t.Errorf("field = %q, want %q", field, tt.field)
			}
		})
	}
}

func TestParseEntryFilenameRejectsGarbage(t *testing.T) {
	tests := []string{
		"not-an-entry",
		"onlyone_part.json",
		"id_badtimestamp_field.json",
	}
	for _, name := range tests {
		if _, _, _, err := ParseEntryFilename(name); err == nil {
			t.Errorf("ParseEntryFilename(%q) succeeded, want error", name)
		}
	}
}

func TestRecordAndList(t *testing.T) {
	a := New(t.TempDir())

	if err := a.Record(titleConflict(), mergeTime); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	later := titleConflict()
	later.Field = "notes"
	later.LostValue = "older notes"
	if err := a.Record(later, mergeTime.Add(time.Hour)); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	entries, err := a.List("")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("List() returned %d entries, want 2", len(entries))
	}
	// Sorted newest first.
	if entries[0].Field != "notes" || entries[1].Field != "title" {
		t.Errorf("List() order = %s, %s; want notes, title", entries[0].Field, entries[1].Field)
	}

	filtered, err := a.List("someone-else")
	if err != nil {
		t.Fatalf("List(filtered) error = %v", err)
	}
	if len(filtered) != 0 {
		t.Errorf("List(filtered) returned %d entries, want 0", len(filtered))
	}
}

func TestRecordIsAppendOnly(t *testing.T) {
	a := New(t.TempDir())
	if err := a.Record(titleConflict(), mergeTime); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	// Same (entity, timestamp, field) key again must not overwrite.
	if err := a.Record(titleConflict(), mergeTime); err == nil {
		t.Errorf("Record() with duplicate key succeeded, want error")
	}
}

func TestGet(t *testing.T) {
	a := New(t.TempDir())
	if err := a.Record(titleConflict(), mergeTime); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	entry, err := a.Get(entityID, mergeTime, "")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if entry.LostValue != "Bug fix" {
		t.Errorf("Get() lost_value = %q, want %q", entry.LostValue, "Bug fix")
	}

	if _, err := a.Get(entityID, mergeTime.Add(time.Minute), ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() at wrong time error = %v, want ErrNotFound", err)
	}
}

func TestGetAmbiguousNeedsField(t *testing.T) {
	a := New(t.TempDir())
	if err := a.Record(titleConflict(), mergeTime); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	other := titleConflict()
	other.Field = "description"
	other.LostValue = "old description"
	if err := a.Record(other, mergeTime); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	if _, err := a.Get(entityID, mergeTime, ""); err == nil {
		t.Errorf("Get() without field on ambiguous key succeeded, want error")
	}
	entry, err := a.Get(entityID, mergeTime, "description")
	if err != nil {
		t.Fatalf("Get() with field error = %v", err)
	}
	if entry.LostValue != "old description" {
		t.Errorf("Get() lost_value = %q, want %q", entry.LostValue, "old description")
	}
}

func newLiveStore(t *testing.T) (*store.FileStore, *types.Record) {
	t.Helper()
	fs := store.NewFileStore(filepath.Join(t.TempDir(), ".tbd"))
	if err := fs.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	record := &types.Record{
		ID:          entityID,
		Version:     5,
		Title:       "Bug report",
		Description: "current description",
		Status:      types.StatusOpen,
		Priority:    2,
		Kind:        types.KindBug,
		CreatedAt:   mergeTime.Add(-24 * time.Hour),
		UpdatedAt:   mergeTime,
	}
	if err := fs.Put(context.Background(), record); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	return fs, record
}

// Restoring a description onto a version-5 record yields version 6 with
// the archived value.
func TestRestore(t *testing.T) {
	a := New(t.TempDir())
	fs, _ := newLiveStore(t)

	conflict := titleConflict()
	conflict.Field = "description"
	conflict.LostValue = "the lost description"
	if err := a.Record(conflict, mergeTime); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	restored, err := a.Restore(context.Background(), fs, entityID, mergeTime, "description", now)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if restored.Description != "the lost description" {
		t.Errorf("Restore() description = %q, want archived value", restored.Description)
	}
	if restored.Version != 6 {
		t.Errorf("Restore() version = %d, want 6", restored.Version)
	}
	if !restored.UpdatedAt.Equal(now) {
		t.Errorf("Restore() updated_at = %v, want %v", restored.UpdatedAt, now)
	}

	// The change is durable and the archive entry untouched.
	live, err := fs.Get(context.Background(), entityID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if live.Description != "the lost description" {
		t.Errorf("live record description = %q, want archived value", live.Description)
	}
	if _, err := a.Get(entityID, mergeTime, "description"); err != nil {
		t.Errorf("archive entry gone after restore: %v", err)
	}
}

func TestRestoreNonRestorableField(t *testing.T) {
	a := New(t.TempDir())
	fs, before := newLiveStore(t)

	conflict := titleConflict()
	conflict.Field = "status"
	conflict.LostValue = "in_progress"
	if err := a.Record(conflict, mergeTime); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	_, err := a.Restore(context.Background(), fs, entityID, mergeTime, "status", now)
	if !errors.Is(err, ErrNotRestorable) {
		t.Fatalf("Restore(status) error = %v, want ErrNotRestorable", err)
	}

	// No partial mutation applied.
	live, err := fs.Get(context.Background(), entityID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if live.Version != before.Version {
		t.Errorf("record version changed on failed restore: %d -> %d", before.Version, live.Version)
	}
}

func TestRestoreMissingEntry(t *testing.T) {
	a := New(t.TempDir())
	fs, _ := newLiveStore(t)

	_, err := a.Restore(context.Background(), fs, entityID, mergeTime, "title", now)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Restore() error = %v, want ErrNotFound", err)
	}
}
