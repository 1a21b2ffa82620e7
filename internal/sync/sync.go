// Package sync replicates the record store through a dedicated git
// branch. Local records are committed to the branch in an isolated
// worktree, divergent histories are reconciled with a field-level
// 3-way merge, and the result is pushed with bounded retries. Git
// serves purely as the transport and compare-and-swap primitive; no
// git merge machinery ever touches record content.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jlevy/tbd/internal/attic"
	"github.com/jlevy/tbd/internal/gitx"
	"github.com/jlevy/tbd/internal/merge"
	"github.com/jlevy/tbd/internal/store"
	"github.com/jlevy/tbd/internal/types"
)

// Phases reported by PhaseError.
const (
	PhaseFetch = "fetch"
	PhaseMerge = "merge"
	PhasePush  = "push"
)

// PhaseError tags a sync failure with the phase it occurred in, so
// callers can distinguish transport problems from merge problems.
type PhaseError struct {
	Phase string
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("sync %s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// Tally counts record-level changes in one direction.
type Tally struct {
	New     int `json:"new"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
}

func (t Tally) Total() int {
	return t.New + t.Updated + t.Deleted
}

// Summary describes what one sync run did.
type Summary struct {
	Branch            string `json:"branch"`
	Remote            string `json:"remote"`
	Sent              Tally  `json:"sent"`
	Received          Tally  `json:"received"`
	ConflictsResolved int    `json:"conflicts_resolved"`
	Attempts          int    `json:"attempts"`
	Committed         bool   `json:"committed"`
	Pushed            bool   `json:"pushed"`
	DryRun            bool   `json:"dry_run,omitempty"`
}

// Status describes the sync branch's relation to its remote without
// changing anything.
type Status struct {
	Branch       string `json:"branch"`
	Remote       string `json:"remote"`
	RemoteExists bool   `json:"remote_exists"`
	LocalAhead   int    `json:"local_ahead"`
	RemoteAhead  int    `json:"remote_ahead"`
	Diverged     bool   `json:"diverged"`
}

// Options configures a sync run.
type Options struct {
	Remote      string // remote name, e.g. "origin"
	Branch      string // sync branch name, e.g. "tbd-sync"
	MaxAttempts int    // push attempts before giving up
	Message     string // commit message override
	DryRun      bool   // report pending changes without committing
	NoPush      bool   // commit and merge locally but skip the push
	Actor       string // conflict source label for this replica
}

// Syncer replicates a record store through the sync branch.
type Syncer struct {
	repo  *gitx.Repo
	store *store.FileStore
	attic *attic.Attic
	opts  Options
	log   *runLogger
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New creates a Syncer for the repository containing the store. The
// store's root directory must live inside the repository tree.
func New(repo *gitx.Repo, st *store.FileStore, at *attic.Attic, opts Options) (*Syncer, error) {
	if err := gitx.ValidateBranchName(opts.Branch); err != nil {
		return nil, err
	}
	if opts.Remote == "" {
		opts.Remote = "origin"
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if _, err := filepath.Rel(repo.Dir(), st.Root()); err != nil {
		return nil, fmt.Errorf("store %s is not inside repository %s: %w", st.Root(), repo.Dir(), err)
	}
	return &Syncer{
		repo:  repo,
		store: st,
		attic: at,
		opts:  opts,
		log:   newRunLogger(filepath.Join(st.Root(), "sync.log")),
		now:   time.Now,
	}, nil
}

// dataRel returns the store's data directory relative to the repo root.
func (s *Syncer) dataRel() string {
	rel, _ := filepath.Rel(s.repo.Dir(), s.store.Root())
	return rel
}

// recordsRel returns the record directory relative to the repo root.
func (s *Syncer) recordsRel() string {
	return filepath.Join(s.dataRel(), store.RecordsDirName)
}

// Status fetches the remote sync branch and reports divergence.
func (s *Syncer) Status(ctx context.Context) (*Status, error) {
	st := &Status{Branch: s.opts.Branch, Remote: s.opts.Remote}

	wt, err := s.repo.AcquireWorktree(ctx, s.opts.Remote, s.opts.Branch, s.dataRel())
	if err != nil {
		return nil, &PhaseError{Phase: PhaseFetch, Err: err}
	}
	wtRepo := wt.Repo()

	exists, err := wtRepo.Fetch(ctx, s.opts.Remote, s.opts.Branch)
	if err != nil {
		return nil, &PhaseError{Phase: PhaseFetch, Err: err}
	}
	st.RemoteExists = exists
	if !exists {
		return st, nil
	}

	ahead, behind, err := wtRepo.Divergence(ctx, s.opts.Remote, s.opts.Branch)
	if err != nil {
		return nil, &PhaseError{Phase: PhaseFetch, Err: err}
	}
	st.LocalAhead = ahead
	st.RemoteAhead = behind
	st.Diverged = ahead > 0 && behind > 0
	return st, nil
}

// Sync runs one full replication round: export local records to the
// sync branch, reconcile with the remote, push, and import the merged
// state back into the local store.
func (s *Syncer) Sync(ctx context.Context) (*Summary, error) {
	summary := &Summary{
		Branch: s.opts.Branch,
		Remote: s.opts.Remote,
		DryRun: s.opts.DryRun,
	}
	s.log.logf("sync start: remote=%s branch=%s", s.opts.Remote, s.opts.Branch)

	wt, err := s.repo.AcquireWorktree(ctx, s.opts.Remote, s.opts.Branch, s.dataRel())
	if err != nil {
		return nil, &PhaseError{Phase: PhaseFetch, Err: err}
	}
	wtRepo := wt.Repo()

	// Pick up remote state before committing so we build on top of it
	// when possible. Offline is fine; divergence is handled below.
	if exists, err := wtRepo.Fetch(ctx, s.opts.Remote, s.opts.Branch); err == nil && exists {
		if ahead, behind, err := wtRepo.Divergence(ctx, s.opts.Remote, s.opts.Branch); err == nil && ahead == 0 && behind > 0 {
			if err := wtRepo.ResetHard(ctx, s.opts.Remote+"/"+s.opts.Branch); err != nil {
				return nil, &PhaseError{Phase: PhaseFetch, Err: err}
			}
		}
	}

	// Snapshot the local store. This is both what we send and the
	// baseline for the received tally at the end.
	locals, err := s.store.List(ctx, nil)
	if err != nil {
		return nil, err
	}
	localByID := make(map[string]*types.Record, len(locals))
	for _, r := range locals {
		localByID[r.ID] = r
	}

	sent, conflicts, err := s.exportToWorktree(ctx, wt, localByID)
	if err != nil {
		return nil, err
	}
	summary.Sent = sent
	summary.ConflictsResolved += conflicts
	if s.opts.DryRun {
		s.log.logf("dry run: %d new, %d updated, %d deleted pending", sent.New, sent.Updated, sent.Deleted)
		return summary, nil
	}

	if sent.Total() > 0 {
		message := s.opts.Message
		if message == "" {
			message = fmt.Sprintf("tbd sync: %s", s.now().Format("2006-01-02 15:04:05"))
		}
		if err := wtRepo.CommitAll(ctx, s.dataRel(), message); err != nil {
			return nil, &PhaseError{Phase: PhasePush, Err: err}
		}
		summary.Committed = true
		s.log.logf("committed %d record changes", sent.Total())
	}

	if err := s.reconcileAndPush(ctx, wt, summary); err != nil {
		return nil, err
	}

	received, err := s.importFromWorktree(ctx, wt, localByID)
	if err != nil {
		return nil, err
	}
	summary.Received = received

	if sha, found, err := wt.Repo().ResolveRef(ctx, "HEAD"); err == nil && found {
		if err := s.writeSyncState(sha); err != nil {
			return nil, err
		}
	}
	s.log.logf("sync done: sent=%d received=%d conflicts=%d attempts=%d pushed=%v",
		summary.Sent.Total(), received.Total(), summary.ConflictsResolved, summary.Attempts, summary.Pushed)
	return summary, nil
}

// reconcileAndPush runs the fetch/merge/push loop until the push lands
// or attempts are exhausted. Every retry re-fetches, so a concurrent
// push by another replica shows up as divergence and gets merged
// before the next try. Transient transport failures on fetch or push
// are retried with the same backoff; merge failures are not, since
// they never heal by retrying. The last failure is reported once
// attempts run out.
func (s *Syncer) reconcileAndPush(ctx context.Context, wt *gitx.Worktree, summary *Summary) error {
	wtRepo := wt.Repo()
	var lastErr error
	for attempt := 0; attempt < s.opts.MaxAttempts; attempt++ {
		summary.Attempts = attempt + 1

		exists, err := wtRepo.Fetch(ctx, s.opts.Remote, s.opts.Branch)
		if err != nil {
			lastErr = &PhaseError{Phase: PhaseFetch, Err: err}
			s.log.logf("fetch failed, attempt %d/%d: %v", attempt+1, s.opts.MaxAttempts, err)
			if err := s.backoff(ctx, attempt); err != nil {
				return err
			}
			continue
		}

		if exists {
			_, behind, err := wtRepo.Divergence(ctx, s.opts.Remote, s.opts.Branch)
			if err != nil {
				return &PhaseError{Phase: PhaseFetch, Err: err}
			}
			if behind > 0 {
				conflicts, err := s.mergeDivergent(ctx, wt)
				if err != nil {
					return &PhaseError{Phase: PhaseMerge, Err: err}
				}
				summary.ConflictsResolved += conflicts
				s.log.logf("merged divergent histories on attempt %d (%d conflicts archived)", attempt+1, conflicts)
			}
		}

		if s.opts.NoPush {
			s.log.logf("push skipped")
			return nil
		}

		err = wtRepo.Push(ctx, s.opts.Remote, s.opts.Branch)
		if err == nil {
			summary.Pushed = true
			return nil
		}
		if errors.Is(err, gitx.ErrNonFastForward) {
			// Another replica pushed between our fetch and push. Back
			// off briefly so racing replicas interleave, then go around
			// again.
			s.log.logf("push rejected (remote advanced), attempt %d/%d", attempt+1, s.opts.MaxAttempts)
			lastErr = &PhaseError{
				Phase: PhasePush,
				Err:   fmt.Errorf("push failed after %d attempts: remote kept advancing", s.opts.MaxAttempts),
			}
		} else {
			s.log.logf("push failed, attempt %d/%d: %v", attempt+1, s.opts.MaxAttempts, err)
			lastErr = &PhaseError{Phase: PhasePush, Err: err}
		}
		if err := s.backoff(ctx, attempt); err != nil {
			return err
		}
	}
	return lastErr
}

// backoff waits before the next attempt, growing exponentially. The
// wait after the final attempt is skipped.
func (s *Syncer) backoff(ctx context.Context, attempt int) error {
	if attempt >= s.opts.MaxAttempts-1 {
		return nil
	}
	wait := time.Duration(100<<uint(attempt)) * time.Millisecond
	if s.sleep != nil {
		return s.sleep(ctx, wait)
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// exportToWorktree reconciles the local store with the branch HEAD and
// writes the result into the worktree's record directory. The state
// recorded at the end of the previous sync serves as the common
// ancestor, so a record untouched locally never overwrites a newer
// copy already on the branch, and a record this replica has never seen
// is never treated as a local deletion. Reports what changed relative
// to HEAD. In dry-run mode nothing is written or archived.
func (s *Syncer) exportToWorktree(ctx context.Context, wt *gitx.Worktree, localByID map[string]*types.Record) (Tally, int, error) {
	var tally Tally
	wtRepo := wt.Repo()

	base, err := s.lastSyncedRecords(ctx, wtRepo)
	if err != nil {
		return tally, 0, err
	}
	head, err := s.readRecordsAt(ctx, wtRepo, "HEAD")
	if err != nil {
		return tally, 0, err
	}

	ids := map[string]bool{}
	for id := range base {
		ids[id] = true
	}
	for id := range head {
		ids[id] = true
	}
	for id := range localByID {
		ids[id] = true
	}

	mergeOpts := merge.Options{
		LocalSource:  s.localSource(),
		RemoteSource: s.opts.Remote + "/" + s.opts.Branch,
	}
	now := s.now()

	conflicts := 0
	for id := range ids {
		baseRec, err := decodeIfPresent(base[id])
		if err != nil {
			return tally, conflicts, fmt.Errorf("record %s from last synced state: %w", id, err)
		}
		headRec, err := decodeIfPresent(head[id])
		if err != nil {
			return tally, conflicts, fmt.Errorf("record %s at branch HEAD: %w", id, err)
		}
		result := resolveRecord(baseRec, localByID[id], headRec, now, mergeOpts)
		conflicts += len(result.conflicts)
		if !s.opts.DryRun {
			for _, c := range result.conflicts {
				if err := s.attic.Record(c, now); err != nil {
					return tally, conflicts, fmt.Errorf("archiving conflict: %w", err)
				}
			}
		}

		path := filepath.Join(wt.Path(), s.recordsRel(), id+".json")
		if result.record == nil {
			if _, existed := head[id]; existed {
				tally.Deleted++
				if !s.opts.DryRun {
					if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
						return tally, conflicts, fmt.Errorf("removing record from worktree: %w", err)
					}
				}
			}
			continue
		}

		data, err := store.EncodeRecord(result.record)
		if err != nil {
			return tally, conflicts, err
		}
		prev, existed := head[id]
		switch {
		case !existed:
			tally.New++
		case !bytes.Equal(prev, data):
			tally.Updated++
		default:
			continue
		}
		if s.opts.DryRun {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return tally, conflicts, err
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return tally, conflicts, fmt.Errorf("writing record to worktree: %w", err)
		}
	}

	return tally, conflicts, nil
}

// mergeDivergent reconciles the worktree branch with the remote by
// merging every record at field level, then adopts the remote commit
// graph and commits the merged state on top. Conflict losers go to the
// attic. Returns the number of conflicts archived.
func (s *Syncer) mergeDivergent(ctx context.Context, wt *gitx.Worktree) (int, error) {
	wtRepo := wt.Repo()
	remoteRef := s.opts.Remote + "/" + s.opts.Branch
	now := s.now()

	baseRef := ""
	if sha, found, err := wtRepo.MergeBase(ctx, "HEAD", remoteRef); err != nil {
		return 0, err
	} else if found {
		baseRef = sha
	}

	baseRecords := map[string][]byte{}
	if baseRef != "" {
		var err error
		baseRecords, err = s.readRecordsAt(ctx, wtRepo, baseRef)
		if err != nil {
			return 0, err
		}
	}
	localRecords, err := s.readRecordsAt(ctx, wtRepo, "HEAD")
	if err != nil {
		return 0, err
	}
	remoteRecords, err := s.readRecordsAt(ctx, wtRepo, remoteRef)
	if err != nil {
		return 0, err
	}

	ids := map[string]bool{}
	for id := range baseRecords {
		ids[id] = true
	}
	for id := range localRecords {
		ids[id] = true
	}
	for id := range remoteRecords {
		ids[id] = true
	}

	mergeOpts := merge.Options{
		LocalSource:  s.localSource(),
		RemoteSource: s.opts.Remote + "/" + s.opts.Branch,
	}

	conflicts := 0
	merged := map[string]*types.Record{}
	for id := range ids {
		base, err := decodeIfPresent(baseRecords[id])
		if err != nil {
			return 0, fmt.Errorf("record %s at merge base: %w", id, err)
		}
		local, err := decodeIfPresent(localRecords[id])
		if err != nil {
			return 0, fmt.Errorf("record %s at HEAD: %w", id, err)
		}
		remote, err := decodeIfPresent(remoteRecords[id])
		if err != nil {
			return 0, fmt.Errorf("record %s at %s: %w", id, remoteRef, err)
		}

		result := resolveRecord(base, local, remote, now, mergeOpts)
		if result.record != nil {
			merged[id] = result.record
		}
		for _, c := range result.conflicts {
			if err := s.attic.Record(c, now); err != nil {
				return 0, fmt.Errorf("archiving conflict: %w", err)
			}
		}
		conflicts += len(result.conflicts)
	}

	localAhead, remoteAhead, err := wtRepo.Divergence(ctx, s.opts.Remote, s.opts.Branch)
	if err != nil {
		return 0, err
	}
	message := fmt.Sprintf("tbd sync: merge divergent histories (%d local + %d remote commits)",
		localAhead, remoteAhead)

	if err := s.commitMerged(ctx, wt, remoteRef, message, merged); err != nil {
		return 0, err
	}
	return conflicts, nil
}

// commitMerged adopts the remote commit graph so the push is a
// fast-forward, then lays the merged content on top. If anything fails
// between the reset and the commit, the branch is put back where it
// was so a failed attempt leaves no trace.
func (s *Syncer) commitMerged(ctx context.Context, wt *gitx.Worktree, remoteRef, message string, merged map[string]*types.Record) error {
	wtRepo := wt.Repo()
	prev, found, err := wtRepo.ResolveRef(ctx, "HEAD")
	if err != nil {
		return err
	}
	if err := wtRepo.ResetHard(ctx, remoteRef); err != nil {
		return err
	}
	if err := s.applyMerged(ctx, wt, message, merged); err != nil {
		if found {
			if rerr := wtRepo.ResetHard(ctx, prev); rerr != nil {
				s.log.logf("restoring branch after failed merge commit: %v", rerr)
			}
		}
		return err
	}
	return nil
}

func (s *Syncer) applyMerged(ctx context.Context, wt *gitx.Worktree, message string, merged map[string]*types.Record) error {
	if err := s.writeRecordSet(wt, merged); err != nil {
		return err
	}
	hasChanges, err := wt.Repo().HasChanges(ctx, s.dataRel())
	if err != nil {
		return err
	}
	if hasChanges {
		return wt.Repo().CommitAll(ctx, s.dataRel(), message)
	}
	return nil
}

// resolution is the outcome for one record in a divergent merge.
type resolution struct {
	record    *types.Record // nil means the record stays deleted
	conflicts []merge.Conflict
}

// resolveRecord applies 3-way presence semantics before delegating to
// the field merge: a record deleted on one side stays deleted only if
// the other side left it untouched since the common ancestor, so an
// edit on the surviving side wins over the deletion. A side that is
// unchanged since the ancestor adopts the other side as-is; the field
// merge (and its version bump) runs only when both sides moved.
func resolveRecord(base, local, remote *types.Record, now time.Time, opts merge.Options) resolution {
	switch {
	case local == nil && remote == nil:
		return resolution{}
	case remote == nil:
		if base != nil && recordsEqual(base, local) {
			return resolution{} // deleted remotely, unchanged here
		}
		return resolution{record: local}
	case local == nil:
		if base != nil && recordsEqual(base, remote) {
			return resolution{} // deleted here, unchanged remotely
		}
		return resolution{record: remote}
	case recordsEqual(local, remote):
		return resolution{record: local}
	case base != nil && recordsEqual(base, local):
		return resolution{record: remote}
	case base != nil && recordsEqual(base, remote):
		return resolution{record: local}
	default:
		rec, conflicts := merge.Merge(base, local, remote, now, opts)
		return resolution{record: rec, conflicts: conflicts}
	}
}

func recordsEqual(a, b *types.Record) bool {
	da, errA := store.EncodeRecord(a)
	db, errB := store.EncodeRecord(b)
	return errA == nil && errB == nil && bytes.Equal(da, db)
}

// importFromWorktree copies the branch's committed record state into
// the local store and reports what changed relative to the pre-sync
// snapshot.
func (s *Syncer) importFromWorktree(ctx context.Context, wt *gitx.Worktree, snapshot map[string]*types.Record) (Tally, error) {
	var tally Tally
	wtRepo := wt.Repo()

	final, err := s.readRecordsAt(ctx, wtRepo, "HEAD")
	if err != nil {
		return tally, err
	}

	for id, data := range final {
		record, err := store.DecodeRecord(data)
		if err != nil {
			return tally, fmt.Errorf("record %s from sync branch: %w", id, err)
		}
		prev, existed := snapshot[id]
		if existed {
			prevData, err := store.EncodeRecord(prev)
			if err != nil {
				return tally, err
			}
			if bytes.Equal(prevData, data) {
				continue
			}
			tally.Updated++
		} else {
			tally.New++
		}
		if err := s.store.Put(ctx, record); err != nil {
			return tally, fmt.Errorf("importing record %s: %w", id, err)
		}
	}

	for id := range snapshot {
		if _, ok := final[id]; ok {
			continue
		}
		tally.Deleted++
		if err := s.store.Delete(ctx, id); err != nil && err != store.ErrNotFound {
			return tally, fmt.Errorf("deleting record %s: %w", id, err)
		}
	}

	return tally, nil
}

// readRecordsAt reads all record files from the given ref, keyed by
// record ID.
func (s *Syncer) readRecordsAt(ctx context.Context, repo *gitx.Repo, ref string) (map[string][]byte, error) {
	names, err := repo.ListTree(ctx, ref, s.recordsRel())
	if err != nil {
		return nil, err
	}
	records := make(map[string][]byte, len(names))
	for _, name := range names {
		if filepath.Ext(name) != ".json" {
			continue
		}
		data, found, err := repo.ShowFile(ctx, ref, filepath.Join(s.recordsRel(), name))
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		id := name[:len(name)-len(".json")]
		records[id] = data
	}
	return records, nil
}

// writeRecordSet replaces the worktree's record directory contents
// with exactly the given records.
func (s *Syncer) writeRecordSet(wt *gitx.Worktree, records map[string]*types.Record) error {
	dir := filepath.Join(wt.Path(), s.recordsRel())
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}

	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		data, err := store.EncodeRecord(records[id])
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, id+".json"), data, 0644); err != nil {
			return fmt.Errorf("writing merged record %s: %w", id, err)
		}
	}
	return nil
}

// syncStateName is the file in the data directory that records the
// sync branch commit whose record state the store last imported. It is
// per-replica bookkeeping and never travels over the sync branch.
const syncStateName = "sync-state.json"

type syncState struct {
	LastSynced string `json:"last_synced"`
}

// lastSyncedRecords reads the record snapshot from the commit recorded
// by the previous sync. A missing or unresolvable state (first sync,
// rewritten history) degrades to an empty ancestor.
func (s *Syncer) lastSyncedRecords(ctx context.Context, wtRepo *gitx.Repo) (map[string][]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.store.Root(), syncStateName))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string][]byte{}, nil
		}
		return nil, fmt.Errorf("reading sync state: %w", err)
	}
	var state syncState
	if err := json.Unmarshal(data, &state); err != nil || state.LastSynced == "" {
		return map[string][]byte{}, nil
	}
	if _, found, err := wtRepo.ResolveRef(ctx, state.LastSynced); err != nil || !found {
		return map[string][]byte{}, nil
	}
	return s.readRecordsAt(ctx, wtRepo, state.LastSynced)
}

func (s *Syncer) writeSyncState(sha string) error {
	data, err := json.MarshalIndent(syncState{LastSynced: sha}, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.store.Root(), syncStateName)
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("writing sync state: %w", err)
	}
	return nil
}

func (s *Syncer) localSource() string {
	if s.opts.Actor != "" {
		return s.opts.Actor
	}
	return merge.SourceLocal
}

func decodeIfPresent(data []byte) (*types.Record, error) {
	if data == nil {
		return nil, nil
	}
	return store.DecodeRecord(data)
}
