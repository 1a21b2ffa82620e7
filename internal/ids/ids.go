// Package ids generates record identifiers and replica identities.
//
// Record IDs are ULIDs: lexically sortable by creation time, globally
// unique without coordination, and safe to mint offline on any clone.
// Replica IDs are random UUIDs minted once per clone and stored in config;
// they tag which side of a merge a conflicting value came from.
package ids

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewRecordID returns a new ULID-based record identifier.
func NewRecordID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to generate record id: %w", err)
	}
	return id.String(), nil
}

// IsRecordID reports whether s parses as a record identifier.
func IsRecordID(s string) bool {
	_, err := ulid.ParseStrict(strings.ToUpper(s))
	return err == nil
}

// NewReplicaID returns a new replica identity for this clone.
func NewReplicaID() string {
	return uuid.NewString()
}
