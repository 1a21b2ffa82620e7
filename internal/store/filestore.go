package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jlevy/tbd/internal/types"
)

// RecordsDirName is the subdirectory of the data dir holding record files.
const RecordsDirName = "issues"

// FileStore implements Store using one JSON file per record under
// <root>/issues/<id>.json. The file tree is the source of truth; the same
// layout is what gets committed to the sync branch.
type FileStore struct {
	root string // path to the .tbd directory
}

// NewFileStore creates a FileStore rooted at the given .tbd directory.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

// Init creates the directory layout.
func (fs *FileStore) Init() error {
	if err := os.MkdirAll(fs.recordsDir(), 0750); err != nil {
		return fmt.Errorf("failed to create records directory: %w", err)
	}
	return nil
}

// Root returns the data directory this store is rooted at.
func (fs *FileStore) Root() string {
	return fs.root
}

func (fs *FileStore) recordsDir() string {
	return filepath.Join(fs.root, RecordsDirName)
}

func (fs *FileStore) recordPath(id string) string {
	return filepath.Join(fs.recordsDir(), id+".json")
}

// Get retrieves a record by ID.
func (fs *FileStore) Get(ctx context.Context, id string) (*types.Record, error) {
	data, err := os.ReadFile(fs.recordPath(id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record %s: %w", id, err)
	}
	return DecodeRecord(data)
}

// Put validates and writes a record atomically.
func (fs *FileStore) Put(ctx context.Context, record *types.Record) error {
	if err := record.Validate(); err != nil {
		return fmt.Errorf("invalid record %s: %w", record.ID, err)
	}
	data, err := EncodeRecord(record)
	if err != nil {
		return err
	}
	return atomicWrite(fs.recordPath(record.ID), data)
}

// Delete removes a record file.
func (fs *FileStore) Delete(ctx context.Context, id string) error {
	err := os.Remove(fs.recordPath(id))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}

// List returns all records matching the filter, sorted by ID.
func (fs *FileStore) List(ctx context.Context, filter *types.Filter) ([]*types.Record, error) {
	entries, err := os.ReadDir(fs.recordsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read records directory: %w", err)
	}

	var records []*types.Record
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		// Skip orphaned temp files from interrupted writes
		if strings.Contains(entry.Name(), ".tmp.") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(fs.recordsDir(), entry.Name()))
		if err != nil {
			continue
		}
		record, err := DecodeRecord(data)
		if err != nil {
			continue
		}
		if filter.Matches(record) {
			records = append(records, record)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].ID < records[j].ID
	})

	if filter != nil && filter.Limit > 0 && len(records) > filter.Limit {
		records = records[:filter.Limit]
	}
	return records, nil
}

// EncodeRecord serializes a record to the on-disk JSON form.
func EncodeRecord(record *types.Record) ([]byte, error) {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode record %s: %w", record.ID, err)
	}
	return append(data, '\n'), nil
}

// DecodeRecord parses the on-disk JSON form of a record.
func DecodeRecord(data []byte) (*types.Record, error) {
	var record types.Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &record, nil
}

// atomicWrite writes data to path via a uniquely named temp file and rename,
// so a crash mid-write never leaves a truncated record behind.
func atomicWrite(path string, data []byte) error {
	randBytes := make([]byte, 8)
	if _, err := rand.Read(randBytes); err != nil {
		return fmt.Errorf("generating random suffix: %w", err)
	}
	tmp := path + ".tmp." + hex.EncodeToString(randBytes)

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
