// Package gitx wraps the git CLI operations tbd needs: ref resolution,
// fetch/push, divergence checks, and reading files out of commits. All
// commands run with -C against the repository directory so the caller's
// working directory never matters.
package gitx

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/jlevy/tbd/internal/debug"
)

// ErrNonFastForward indicates a push was rejected because the remote
// branch advanced since our last fetch. Callers should fetch, merge,
// and retry.
var ErrNonFastForward = errors.New("push rejected: remote branch has advanced")

// Repo is a handle to a git repository on disk.
type Repo struct {
	dir string
}

// Open returns a handle to the repository at dir. No validation is
// performed; the first command run will fail if dir is not a repo.
func Open(dir string) *Repo {
	return &Repo{dir: dir}
}

// Dir returns the repository directory this handle operates on.
func (r *Repo) Dir() string {
	return r.dir
}

// git runs a git command in the repository and returns combined output.
func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	fullArgs := append([]string{"-C", r.dir}, args...)
	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		debug.Logf("git %s failed: %v\n%s", strings.Join(args, " "), err, output)
		return string(output), fmt.Errorf("git %s: %w\n%s", args[0], err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// branchNamePattern follows git-check-ref-format rules for the subset
// of names we accept as sync branches.
var branchNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._/-]*[a-zA-Z0-9]$`)

// ValidateBranchName checks a branch name against git ref naming rules.
func ValidateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("branch name cannot be empty")
	}
	if len(name) > 255 {
		return fmt.Errorf("branch name too long (max 255 characters)")
	}
	if !branchNamePattern.MatchString(name) {
		return fmt.Errorf("invalid branch name %q: must start and end with alphanumeric, can contain .-_/ in middle", name)
	}
	if name == "HEAD" {
		return fmt.Errorf("invalid branch name: HEAD is reserved")
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("invalid branch name: cannot contain '..'")
	}
	return nil
}

// ResolveRef resolves a ref to a commit SHA. A missing ref is reported
// via found=false, not an error; err is reserved for git failures.
func (r *Repo) ResolveRef(ctx context.Context, ref string) (sha string, found bool, err error) {
	fullArgs := []string{"-C", r.dir, "rev-parse", "--verify", "--quiet", ref + "^{commit}"}
	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	output, cmdErr := cmd.Output()
	if cmdErr != nil {
		// rev-parse --verify --quiet exits 1 for unknown refs with no
		// output. Anything else (e.g. not a repository) is a real error.
		var exitErr *exec.ExitError
		if errors.As(cmdErr, &exitErr) && exitErr.ExitCode() == 1 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("rev-parse %s: %w", ref, cmdErr)
	}
	return strings.TrimSpace(string(output)), true, nil
}

// Fetch updates the remote-tracking ref for branch. A remote branch
// that does not exist yet is not an error; it reports exists=false.
func (r *Repo) Fetch(ctx context.Context, remote, branch string) (exists bool, err error) {
	output, err := r.git(ctx, "fetch", remote, branch)
	if err != nil {
		if strings.Contains(output, "couldn't find remote ref") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Divergence reports how many commits HEAD is ahead of and behind the
// remote-tracking branch.
func (r *Repo) Divergence(ctx context.Context, remote, branch string) (ahead, behind int, err error) {
	output, err := r.git(ctx, "rev-list", "--left-right", "--count",
		fmt.Sprintf("HEAD...%s/%s", remote, branch))
	if err != nil {
		return 0, 0, err
	}
	parts := strings.Fields(strings.TrimSpace(output))
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("unexpected rev-list output: %q", output)
	}
	ahead, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("parsing ahead count: %w", err)
	}
	behind, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("parsing behind count: %w", err)
	}
	return ahead, behind, nil
}

// MergeBase returns the best common ancestor of the two refs. No
// common ancestor reports found=false.
func (r *Repo) MergeBase(ctx context.Context, refA, refB string) (sha string, found bool, err error) {
	fullArgs := []string{"-C", r.dir, "merge-base", refA, refB}
	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	output, cmdErr := cmd.Output()
	if cmdErr != nil {
		// merge-base exits 1 when there is no common ancestor.
		var exitErr *exec.ExitError
		if errors.As(cmdErr, &exitErr) && exitErr.ExitCode() == 1 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("git merge-base %s %s: %w", refA, refB, cmdErr)
	}
	return strings.TrimSpace(string(output)), true, nil
}

// ShowFile reads a file's content from a commit via "git show ref:path".
// A path absent from the commit reports found=false.
func (r *Repo) ShowFile(ctx context.Context, ref, path string) (data []byte, found bool, err error) {
	fullArgs := []string{"-C", r.dir, "show", ref + ":" + filepath.ToSlash(path)}
	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	output, cmdErr := cmd.Output()
	if cmdErr != nil {
		var exitErr *exec.ExitError
		if errors.As(cmdErr, &exitErr) {
			stderr := string(exitErr.Stderr)
			if strings.Contains(stderr, "does not exist") ||
				strings.Contains(stderr, "exists on disk, but not in") ||
				strings.Contains(stderr, "invalid object name") ||
				strings.Contains(stderr, "bad revision") {
				return nil, false, nil
			}
		}
		return nil, false, fmt.Errorf("git show %s:%s: %w", ref, path, cmdErr)
	}
	return output, true, nil
}

// ListTree lists the file names directly under dir in the given commit.
// A directory absent from the commit yields an empty list.
func (r *Repo) ListTree(ctx context.Context, ref, dir string) ([]string, error) {
	fullArgs := []string{"-C", r.dir, "ls-tree", "--name-only", ref + ":" + filepath.ToSlash(dir)}
	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	output, cmdErr := cmd.Output()
	if cmdErr != nil {
		var exitErr *exec.ExitError
		if errors.As(cmdErr, &exitErr) {
			return nil, nil
		}
		return nil, fmt.Errorf("git ls-tree %s:%s: %w", ref, dir, cmdErr)
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// HasChanges reports whether the working tree has uncommitted changes
// under path (staged or not).
func (r *Repo) HasChanges(ctx context.Context, path string) (bool, error) {
	output, err := r.git(ctx, "status", "--porcelain", path)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(output) != "", nil
}

// CommitAll stages everything under path and commits with message.
// Uses -f so gitignored data directories are still tracked on the sync
// branch, --sparse for sparse-checkout worktrees, and --no-verify to
// skip hooks (the worktree is internal plumbing).
func (r *Repo) CommitAll(ctx context.Context, path, message string) error {
	if _, err := r.git(ctx, "add", "-f", "--sparse", path); err != nil {
		return err
	}
	if _, err := r.git(ctx, "commit", "--no-verify", "-m", message); err != nil {
		return err
	}
	return nil
}

// Push pushes branch to remote, setting the upstream. A rejection
// caused by the remote advancing is returned as ErrNonFastForward so
// callers can merge and retry.
func (r *Repo) Push(ctx context.Context, remote, branch string) error {
	output, err := r.git(ctx, "push", "--set-upstream", remote, branch)
	if err != nil {
		if isNonFastForward(output) {
			return ErrNonFastForward
		}
		return err
	}
	return nil
}

func isNonFastForward(output string) bool {
	return strings.Contains(output, "non-fast-forward") ||
		strings.Contains(output, "fetch first") ||
		(strings.Contains(output, "rejected") && strings.Contains(output, "behind"))
}

// ResetHard resets HEAD and the working tree to ref.
func (r *Repo) ResetHard(ctx context.Context, ref string) error {
	_, err := r.git(ctx, "reset", "--hard", ref)
	return err
}

// CurrentBranch returns the checked-out branch name. Detached HEAD is
// an error.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	output, err := r.git(ctx, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// HasRemote reports whether the named remote is configured.
func (r *Repo) HasRemote(ctx context.Context, remote string) bool {
	output, err := r.git(ctx, "remote")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if strings.TrimSpace(line) == remote {
			return true
		}
	}
	return false
}

// BranchExists reports whether branch exists locally or on the remote.
func (r *Repo) BranchExists(ctx context.Context, remote, branch string) bool {
	if _, found, err := r.ResolveRef(ctx, "refs/heads/"+branch); err == nil && found {
		return true
	}
	if _, found, err := r.ResolveRef(ctx, "refs/remotes/"+remote+"/"+branch); err == nil && found {
		return true
	}
	return false
}

// CommonDir returns the repository's common git directory as an
// absolute path. For regular repos this is <root>/.git; for linked
// worktrees it is the main repository's git dir.
func (r *Repo) CommonDir(ctx context.Context) (string, error) {
	output, err := r.git(ctx, "rev-parse", "--git-common-dir")
	if err != nil {
		return "", err
	}
	dir := strings.TrimSpace(output)
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(r.dir, dir)
	}
	return dir, nil
}

// Root returns the top-level directory of the repository containing
// dir, walking through linked worktrees to the working tree root.
func Root(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--show-toplevel")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("not a git repository: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}
