// Package attic archives values that lost an automatic merge conflict.
//
// Every scalar conflict the merge engine resolves discards one side's
// value from the live record; the attic keeps that value as an immutable,
// append-only entry so nothing is ever silently lost. Entries are one
// file each, keyed by (entity id, timestamp, field), and can be restored
// onto the live record as a fresh mutation.
package attic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jlevy/tbd/internal/merge"
	"github.com/jlevy/tbd/internal/store"
	"github.com/jlevy/tbd/internal/types"
)

// DirName is the subdirectory of the data dir holding attic entries.
const DirName = "attic"

var (
	// ErrNotFound is returned when no entry matches the requested key.
	ErrNotFound = errors.New("attic entry not found")

	// ErrNotRestorable is returned when an entry's field cannot be
	// written back onto a live record. Only free-text scalar fields are
	// restorable; structured fields (status, priority, timestamps …)
	// would need re-validation against the record lifecycle and are
	// restored by editing the record instead.
	ErrNotRestorable = errors.New("field is not restorable from the attic")
)

// restorableFields are the free-text fields Restore may write back.
var restorableFields = map[string]bool{
	"title":       true,
	"description": true,
	"notes":       true,
}

// Entry is one archived losing value. Entries are never mutated after
// being written.
type Entry struct {
	EntityID     string        `json:"entity_id"`
	Timestamp    time.Time     `json:"timestamp"`
	Field        string        `json:"field"`
	LostValue    string        `json:"lost_value"`
	WinnerValue  string        `json:"winner_value"`
	WinnerSource string        `json:"winner_source"`
	LoserSource  string        `json:"loser_source"`
	Context      merge.Context `json:"context"`
}

// Attic persists conflict entries under <root>/attic, one file per entry.
type Attic struct {
	root string // path to the .tbd directory
}

// New creates an Attic rooted at the given .tbd directory.
func New(root string) *Attic {
	return &Attic{root: root}
}

func (a *Attic) dir() string {
	return filepath.Join(a.root, DirName)
}

// Record archives the losing side of a resolved conflict at the given
// merge timestamp.
func (a *Attic) Record(conflict merge.Conflict, at time.Time) error {
	entry := Entry{
		EntityID:     conflict.EntityID,
		Timestamp:    at,
		Field:        conflict.Field,
		LostValue:    conflict.LostValue,
		WinnerValue:  conflict.WinnerValue,
		WinnerSource: conflict.WinnerSource,
		LoserSource:  conflict.LoserSource,
		Context:      conflict.Context,
	}

	if err := os.MkdirAll(a.dir(), 0750); err != nil {
		return fmt.Errorf("failed to create attic directory: %w", err)
	}

	data, err := json.MarshalIndent(&entry, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode attic entry: %w", err)
	}

	path := filepath.Join(a.dir(), EntryFilename(entry.EntityID, entry.Timestamp, entry.Field))
	// O_EXCL: entries are append-only and never overwritten.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create attic entry: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to write attic entry: %w", err)
	}
	return f.Close()
}

// List returns entries sorted by timestamp descending. If entityID is
// non-empty, only that record's entries are returned.
func (a *Attic) List(entityID string) ([]*Entry, error) {
	files, err := os.ReadDir(a.dir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read attic directory: %w", err)
	}

	var entries []*Entry
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" {
			continue
		}
		id, _, _, err := ParseEntryFilename(file.Name())
		if err != nil {
			continue
		}
		if entityID != "" && id != entityID {
			continue
		}
		entry, err := a.readEntry(file.Name())
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	return entries, nil
}

// Get returns the entry for the exact (entityID, timestamp) pair.
// When several fields conflicted in the same merge there is one entry per
// field; Get returns ErrNotFound unless field disambiguates, or exactly
// one entry matches.
func (a *Attic) Get(entityID string, at time.Time, field string) (*Entry, error) {
	entries, err := a.List(entityID)
	if err != nil {
		return nil, err
	}
	var matches []*Entry
	for _, entry := range entries {
		if !entry.Timestamp.Equal(at) {
			continue
		}
		if field != "" && entry.Field != field {
			continue
		}
		matches = append(matches, entry)
	}
	switch len(matches) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%d attic entries at %s for %s: specify a field",
			len(matches), at.Format(time.RFC3339Nano), entityID)
	}
}

// Restore writes an archived value back onto the live record as a new
// mutation: the record's version is bumped and updated_at refreshed. The
// archive entry itself is untouched. Only free-text fields can be
// restored; anything else fails with ErrNotRestorable.
func (a *Attic) Restore(ctx context.Context, st store.Store, entityID string, at time.Time, field string, now time.Time) (*types.Record, error) {
	entry, err := a.Get(entityID, at, field)
	if err != nil {
		return nil, err
	}
	if !restorableFields[entry.Field] {
		return nil, fmt.Errorf("cannot restore field %q: %w", entry.Field, ErrNotRestorable)
	}

	record, err := st.Get(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to load record %s: %w", entityID, err)
	}

	switch entry.Field {
	case "title":
		record.Title = entry.LostValue
	case "description":
		record.Description = entry.LostValue
	case "notes":
		record.Notes = entry.LostValue
	}
	record.Touch(now)

	if err := st.Put(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to write restored record: %w", err)
	}
	return record, nil
}

func (a *Attic) readEntry(name string) (*Entry, error) {
	data, err := os.ReadFile(filepath.Join(a.dir(), name))
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("malformed attic entry %s: %w", name, err)
	}
	return &entry, nil
}

// EntryFilename encodes (entity id, timestamp, field) into a file name:
// {entity}_{timestamp}_{field}.json. Timestamps contain ':' which is
// unsafe in file names on some platforms, so '%' and ':' are
// percent-escaped; ParseEntryFilename reverses the escaping exactly.
func EntryFilename(entityID string, at time.Time, field string) string {
	ts := escapeTimestamp(at.UTC().Format(time.RFC3339Nano))
	return fmt.Sprintf("%s_%s_%s.json", entityID, ts, field)
}

// ParseEntryFilename decodes a file name produced by EntryFilename back
// into the identical (entity id, timestamp, field) triple.
func ParseEntryFilename(name string) (entityID string, at time.Time, field string, err error) {
	base := strings.TrimSuffix(name, ".json")
	if base == name {
		return "", time.Time{}, "", fmt.Errorf("attic filename %q: missing .json suffix", name)
	}

	// Entity IDs and timestamps contain no '_', but field names may
	// (e.g. close_reason), so split into at most three pieces.
	parts := strings.SplitN(base, "_", 3)
	if len(parts) != 3 {
		return "", time.Time{}, "", fmt.Errorf("attic filename %q: want entity_timestamp_field", name)
	}

	at, err = time.Parse(time.RFC3339Nano, unescapeTimestamp(parts[1]))
	if err != nil {
		return "", time.Time{}, "", fmt.Errorf("attic filename %q: bad timestamp: %w", name, err)
	}
	return parts[0], at, parts[2], nil
}

func escapeTimestamp(ts string) string {
	ts = strings.ReplaceAll(ts, "%", "%25")
	return strings.ReplaceAll(ts, ":", "%3A")
}

func unescapeTimestamp(ts string) string {
	ts = strings.ReplaceAll(ts, "%3A", ":")
	return strings.ReplaceAll(ts, "%25", "%")
}
