package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jlevy/tbd/internal/types"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	fs := NewFileStore(filepath.Join(t.TempDir(), ".tbd"))
	if err := fs.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return fs
}

func testRecord(id, title string) *types.Record {
	now := time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC)
	return &types.Record{
		ID:        id,
		Version:   1,
		Title:     title,
		Status:    types.StatusOpen,
		Priority:  2,
		Kind:      types.KindTask,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPutGet(t *testing.T) {
	fs := newTestStore(t)
	ctx := context.Background()

	want := testRecord("01JBXN6V8PQRS0000000000000", "First record")
	want.Labels = []string{"urgent"}
	want.Dependencies = []string{"01JBXN6V8PQRS0000000000001"}

	if err := fs.Put(ctx, want); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := fs.Get(ctx, want.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !cmp.Equal(want, got) {
		t.Errorf("Get() mismatch: %s", cmp.Diff(want, got))
	}
}

func TestGetNotFound(t *testing.T) {
	fs := newTestStore(t)
	_, err := fs.Get(context.Background(), "01JBXN6V8PQRS0000000000000")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestPutRejectsInvalid(t *testing.T) {
	fs := newTestStore(t)
	bad := testRecord("01JBXN6V8PQRS0000000000000", "")
	if err := fs.Put(context.Background(), bad); err == nil {
		t.Errorf("Put() with empty title should fail")
	}
}

func TestDelete(t *testing.T) {
	fs := newTestStore(t)
	ctx := context.Background()

	r := testRecord("01JBXN6V8PQRS0000000000000", "Doomed")
	if err := fs.Put(ctx, r); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := fs.Delete(ctx, r.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := fs.Get(ctx, r.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
	if err := fs.Delete(ctx, r.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete() twice error = %v, want ErrNotFound", err)
	}
}

func TestListSortedAndFiltered(t *testing.T) {
	fs := newTestStore(t)
	ctx := context.Background()

	a := testRecord("01JBXN6V8PQRS0000000000002", "Second")
	b := testRecord("01JBXN6V8PQRS0000000000001", "First")
	c := testRecord("01JBXN6V8PQRS0000000000003", "Closed one")
	closedAt := time.Date(2025, 11, 3, 12, 0, 0, 0, time.UTC)
	c.Status = types.StatusClosed
	c.ClosedAt = &closedAt
	c.CloseReason = "done"

	for _, r := range []*types.Record{a, b, c} {
		if err := fs.Put(ctx, r); err != nil {
			t.Fatalf("Put(%s) error = %v", r.ID, err)
		}
	}

	all, err := fs.List(ctx, nil)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List() returned %d records, want 3", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].ID >= all[i].ID {
			t.Errorf("List() not sorted: %s before %s", all[i-1].ID, all[i].ID)
		}
	}

	open := types.StatusOpen
	openOnly, err := fs.List(ctx, &types.Filter{Status: &open})
	if err != nil {
		t.Fatalf("List(open) error = %v", err)
	}
	if len(openOnly) != 2 {
		t.Errorf("List(open) returned %d records, want 2", len(openOnly))
	}
}

func TestListSkipsTempFiles(t *testing.T) {
	fs := newTestStore(t)
	ctx := context.Background()

	r := testRecord("01JBXN6V8PQRS0000000000001", "Real")
	if err := fs.Put(ctx, r); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	// Simulate an orphaned temp file from an interrupted write.
	tmpPath := filepath.Join(fs.Root(), RecordsDirName, "x.json.tmp.deadbeef")
	if err := os.WriteFile(tmpPath, []byte("{"), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	records, err := fs.List(ctx, nil)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(records) != 1 {
		t.Errorf("List() returned %d records, want 1", len(records))
	}
}
