// Package merge implements field-level 3-way merge for records.
//
// The merge is a pure function over three record snapshots: a common
// ancestor (base), the local copy, and the remote copy. Each field is
// merged independently:
//
//   - Set fields (labels, dependencies) union relative to base; a
//     concurrent add beats a concurrent remove, so no conflict is ever
//     recorded for them.
//   - Scalar fields take the changed side when only one side changed,
//     and record a conflict when both changed to different values. The
//     side with the higher version wins; ties break by later updated_at.
//     The losing value is returned as a Conflict for archival.
//   - The merged version is max(local, remote)+1, so the result strictly
//     dominates both parents and repeated merges converge.
package merge

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jlevy/tbd/internal/types"
)

// Default source names used when Options doesn't override them.
const (
	SourceLocal  = "local"
	SourceRemote = "remote"
)

// Options identifies the two sides of a merge for conflict attribution.
type Options struct {
	LocalSource  string // replica id of the local side
	RemoteSource string // replica id of the remote side
}

func (o Options) localSource() string {
	if o.LocalSource == "" {
		return SourceLocal
	}
	return o.LocalSource
}

func (o Options) remoteSource() string {
	if o.RemoteSource == "" {
		return SourceRemote
	}
	return o.RemoteSource
}

// Conflict records a scalar field where both sides changed to different
// values. The losing value is preserved here so the caller can archive it;
// it is never silently discarded.
type Conflict struct {
	EntityID     string  `json:"entity_id"`
	Field        string  `json:"field"`
	WinnerValue  string  `json:"winner_value"`
	LostValue    string  `json:"lost_value"`
	WinnerSource string  `json:"winner_source"`
	LoserSource  string  `json:"loser_source"`
	Context      Context `json:"context"`
}

// Context snapshots both sides' version and updated_at at merge time.
type Context struct {
	LocalVersion    int       `json:"local_version"`
	RemoteVersion   int       `json:"remote_version"`
	LocalUpdatedAt  time.Time `json:"local_updated_at"`
	RemoteUpdatedAt time.Time `json:"remote_updated_at"`
}

// Merge performs a field-level 3-way merge of a record. base may be nil
// when the record was created independently on both sides (or one side
// never saw it); it is then treated as an all-fields-unset baseline.
// local and remote must share an ID.
//
// If local and remote are already identical, local is returned unchanged
// with no conflicts: merging a record with itself is a fixed point.
func Merge(base, local, remote *types.Record, at time.Time, opts Options) (*types.Record, []Conflict) {
	if cmp.Equal(local, remote) {
		return local.Clone(), nil
	}

	if base == nil {
		base = &types.Record{ID: local.ID}
	}

	m := &merger{
		base:   base,
		local:  local,
		remote: remote,
		opts:   opts,
	}
	m.localWins = m.pickWinner()

	merged := &types.Record{
		ID: local.ID,
	}

	// created_at is immutable; keep the earlier timestamp in case the two
	// sides minted the record independently.
	merged.CreatedAt = minTime(local.CreatedAt, remote.CreatedAt)

	m.mergeString("title", base.Title, local.Title, remote.Title, func(v string) { merged.Title = v })
	m.mergeString("description", base.Description, local.Description, remote.Description, func(v string) { merged.Description = v })
	m.mergeString("notes", base.Notes, local.Notes, remote.Notes, func(v string) { merged.Notes = v })
	m.mergeString("status", string(base.Status), string(local.Status), string(remote.Status), func(v string) { merged.Status = types.Status(v) })
	m.mergeString("assignee", base.Assignee, local.Assignee, remote.Assignee, func(v string) { merged.Assignee = v })
	m.mergeString("parent_id", base.ParentID, local.ParentID, remote.ParentID, func(v string) { merged.ParentID = v })
	m.mergeString("close_reason", base.CloseReason, local.CloseReason, remote.CloseReason, func(v string) { merged.CloseReason = v })
	m.mergeString("kind", string(base.Kind), string(local.Kind), string(remote.Kind), func(v string) { merged.Kind = types.Kind(v) })
	m.mergeInt("priority", base.Priority, local.Priority, remote.Priority, func(v int) { merged.Priority = v })
	m.mergeTime("due_date", base.DueDate, local.DueDate, remote.DueDate, func(v *time.Time) { merged.DueDate = v })
	m.mergeTime("deferred_until", base.DeferredUntil, local.DeferredUntil, remote.DeferredUntil, func(v *time.Time) { merged.DeferredUntil = v })
	m.mergeTime("closed_at", base.ClosedAt, local.ClosedAt, remote.ClosedAt, func(v *time.Time) { merged.ClosedAt = v })

	merged.Labels = mergeSet(base.Labels, local.Labels, remote.Labels)
	merged.Dependencies = mergeSet(base.Dependencies, local.Dependencies, remote.Dependencies)
	merged.Extensions = m.mergeExtensions()

	// Field-independent merging can leave the closed-state fields
	// incoherent (e.g. the winning status came from one side and closed_at
	// from the other). Re-establish the invariant from types.Validate.
	if merged.Status == types.StatusClosed {
		if merged.ClosedAt == nil {
			t := at
			merged.ClosedAt = &t
		}
	} else {
		merged.ClosedAt = nil
		merged.CloseReason = ""
	}

	// Strict monotonic dominance over both parents: re-merging the same
	// divergent pair converges instead of oscillating.
	merged.Version = maxInt(local.Version, remote.Version) + 1
	merged.UpdatedAt = at

	return merged, m.conflicts
}

type merger struct {
	base, local, remote *types.Record
	opts                Options
	localWins           bool
	conflicts           []Conflict
}

// pickWinner decides which side prevails for every scalar conflict in this
// merge: higher version, then later updated_at. If both tie, the two
// serialized records break the tie lexically so that either replica
// running the same merge picks the same winner.
func (m *merger) pickWinner() bool {
	if m.local.Version != m.remote.Version {
		return m.local.Version > m.remote.Version
	}
	if !m.local.UpdatedAt.Equal(m.remote.UpdatedAt) {
		return m.local.UpdatedAt.After(m.remote.UpdatedAt)
	}
	lj, _ := json.Marshal(m.local)
	rj, _ := json.Marshal(m.remote)
	return string(lj) >= string(rj)
}

func (m *merger) context() Context {
	return Context{
		LocalVersion:    m.local.Version,
		RemoteVersion:   m.remote.Version,
		LocalUpdatedAt:  m.local.UpdatedAt,
		RemoteUpdatedAt: m.remote.UpdatedAt,
	}
}

func (m *merger) recordConflict(field, winner, loser string) {
	c := Conflict{
		EntityID:     m.local.ID,
		Field:        field,
		WinnerValue:  winner,
		LostValue:    loser,
		WinnerSource: m.opts.remoteSource(),
		LoserSource:  m.opts.localSource(),
		Context:      m.context(),
	}
	if m.localWins {
		c.WinnerSource = m.opts.localSource()
		c.LoserSource = m.opts.remoteSource()
	}
	m.conflicts = append(m.conflicts, c)
}

func (m *merger) mergeString(field, base, local, remote string, set func(string)) {
	switch {
	case local == remote:
		set(local)
	case base == local:
		set(remote)
	case base == remote:
		set(local)
	case m.localWins:
		set(local)
		m.recordConflict(field, local, remote)
	default:
		set(remote)
		m.recordConflict(field, remote, local)
	}
}

func (m *merger) mergeInt(field string, base, local, remote int, set func(int)) {
	switch {
	case local == remote:
		set(local)
	case base == local:
		set(remote)
	case base == remote:
		set(local)
	case m.localWins:
		set(local)
		m.recordConflict(field, formatInt(local), formatInt(remote))
	default:
		set(remote)
		m.recordConflict(field, formatInt(remote), formatInt(local))
	}
}

func (m *merger) mergeTime(field string, base, local, remote *time.Time, set func(*time.Time)) {
	switch {
	case timeEqual(local, remote):
		set(copyTime(local))
	case timeEqual(base, local):
		set(copyTime(remote))
	case timeEqual(base, remote):
		set(copyTime(local))
	case m.localWins:
		set(copyTime(local))
		m.recordConflict(field, FormatTimeValue(local), FormatTimeValue(remote))
	default:
		set(copyTime(remote))
		m.recordConflict(field, FormatTimeValue(remote), FormatTimeValue(local))
	}
}

// mergeExtensions unions namespaces from both sides. Extensions never
// conflict; when both sides rewrote the same namespace, the winning side's
// payload is taken.
func (m *merger) mergeExtensions() map[string]json.RawMessage {
	if m.local.Extensions == nil && m.remote.Extensions == nil {
		return nil
	}
	first, second := m.remote.Extensions, m.local.Extensions
	if m.localWins {
		first, second = second, first
	}
	out := make(map[string]json.RawMessage, len(first)+len(second))
	for ns, raw := range second {
		out[ns] = append(json.RawMessage(nil), raw...)
	}
	for ns, raw := range first {
		out[ns] = append(json.RawMessage(nil), raw...)
	}
	return out
}

// mergeSet merges a set-valued field relative to base. The result is every
// element both sides kept, plus everything either side added. An element
// removed on one side survives only if the other side re-added it after
// base (add wins over concurrent remove).
func mergeSet(base, local, remote []string) []string {
	baseSet := toSet(base)
	localSet := toSet(local)
	remoteSet := toSet(remote)

	result := make(map[string]bool)
	for el := range localSet {
		if !baseSet[el] || remoteSet[el] {
			result[el] = true
		}
	}
	for el := range remoteSet {
		if !baseSet[el] || localSet[el] {
			result[el] = true
		}
	}

	if len(result) == 0 {
		return nil
	}
	out := make([]string, 0, len(result))
	for el := range result {
		out = append(out, el)
	}
	sort.Strings(out)
	return out
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

// FormatTimeValue renders an optional timestamp for conflict payloads.
// The empty string means unset.
func FormatTimeValue(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	out := *t
	return &out
}

func minTime(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func formatInt(v int) string {
	return strconv.Itoa(v)
}
