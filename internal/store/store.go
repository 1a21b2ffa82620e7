// Package store defines the interface for record storage backends.
package store

import (
	"context"
	"errors"

	"github.com/jlevy/tbd/internal/types"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store defines the interface for record storage backends. Records are
// validated at this boundary: Put rejects a record that fails
// types.Record.Validate, so downstream consumers (the merge engine in
// particular) can assume well-formed input.
type Store interface {
	// Get retrieves a record by ID. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*types.Record, error)

	// Put writes a record, replacing any existing record with the same ID.
	Put(ctx context.Context, record *types.Record) error

	// List returns all records matching the filter, sorted by ID
	// (ULIDs, so creation order).
	List(ctx context.Context, filter *types.Filter) ([]*types.Record, error)

	// Delete removes a record. Returns ErrNotFound if absent. Sync
	// uses this to propagate deletions observed on the branch; in
	// normal local use a finished record is closed, not deleted.
	Delete(ctx context.Context, id string) error
}
