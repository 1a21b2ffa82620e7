package gitx

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Worktree is a linked git worktree dedicated to the sync branch,
// sparse-checked-out to only the tbd data directory. It lives under
// the repo's git common dir so it never appears in the user's tree.
type Worktree struct {
	repo   *Repo // the main repository
	branch string
	path   string
}

// AcquireWorktree ensures a healthy worktree for branch exists and
// returns it. An existing valid worktree is reused; a stale or broken
// one is removed and recreated.
func (r *Repo) AcquireWorktree(ctx context.Context, remote, branch, sparseDir string) (*Worktree, error) {
	commonDir, err := r.CommonDir(ctx)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(commonDir, "tbd-worktrees", branch)

	// Prune stale administrative entries from worktrees deleted out
	// from under git.
	_, _ = r.git(ctx, "worktree", "prune")

	if _, err := os.Stat(path); err == nil {
		valid, err := r.isRegisteredWorktree(ctx, path)
		if err == nil && valid {
			return &Worktree{repo: r, branch: branch, path: path}, nil
		}
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("removing stale worktree: %w", err)
		}
		_, _ = r.git(ctx, "worktree", "prune")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating worktree parent: %w", err)
	}

	// --no-checkout so sparse checkout can be configured before any
	// files materialize.
	if r.BranchExists(ctx, remote, branch) {
		if _, found, _ := r.ResolveRef(ctx, "refs/heads/"+branch); !found {
			// Remote-only branch: create the local branch from it.
			if _, err := r.git(ctx, "branch", branch, remote+"/"+branch); err != nil {
				return nil, err
			}
		}
		if _, err := r.git(ctx, "worktree", "add", "--no-checkout", path, branch); err != nil {
			return nil, err
		}
	} else {
		if _, err := r.git(ctx, "worktree", "add", "--no-checkout", "-b", branch, path); err != nil {
			return nil, err
		}
	}

	wt := &Worktree{repo: r, branch: branch, path: path}
	if err := wt.configureSparseCheckout(ctx, sparseDir); err != nil {
		_ = wt.Remove(ctx)
		return nil, fmt.Errorf("configuring sparse checkout: %w", err)
	}
	if _, err := wt.Repo().git(ctx, "checkout", branch); err != nil {
		_ = wt.Remove(ctx)
		return nil, fmt.Errorf("checking out %s in worktree: %w", branch, err)
	}
	return wt, nil
}

// Path returns the worktree's directory on disk.
func (w *Worktree) Path() string {
	return w.path
}

// Branch returns the branch checked out in the worktree.
func (w *Worktree) Branch() string {
	return w.branch
}

// Repo returns a handle that runs git commands inside the worktree.
func (w *Worktree) Repo() *Repo {
	return Open(w.path)
}

// Remove detaches and deletes the worktree. Falls back to removing the
// directory by hand if git refuses.
func (w *Worktree) Remove(ctx context.Context) error {
	if _, err := w.repo.git(ctx, "worktree", "remove", w.path, "--force"); err != nil {
		if rmErr := os.RemoveAll(w.path); rmErr != nil {
			return fmt.Errorf("removing worktree directory: %w (git worktree remove: %v)", rmErr, err)
		}
		_, _ = w.repo.git(ctx, "worktree", "prune")
	}
	return nil
}

// configureSparseCheckout restricts the worktree to sparseDir. The
// worktree's .git is a file pointing at its private git dir, where the
// sparse-checkout patterns live.
func (w *Worktree) configureSparseCheckout(ctx context.Context, sparseDir string) error {
	gitDir, err := w.gitDir()
	if err != nil {
		return err
	}
	if _, err := w.Repo().git(ctx, "config", "core.sparseCheckout", "true"); err != nil {
		return err
	}
	infoDir := filepath.Join(gitDir, "info")
	if err := os.MkdirAll(infoDir, 0750); err != nil {
		return fmt.Errorf("creating info dir: %w", err)
	}
	patterns := filepath.ToSlash(sparseDir) + "/*\n"
	if err := os.WriteFile(filepath.Join(infoDir, "sparse-checkout"), []byte(patterns), 0644); err != nil {
		return fmt.Errorf("writing sparse-checkout patterns: %w", err)
	}
	return nil
}

// gitDir resolves the worktree's private git directory from its .git file.
func (w *Worktree) gitDir() (string, error) {
	content, err := os.ReadFile(filepath.Join(w.path, ".git"))
	if err != nil {
		return "", fmt.Errorf("reading worktree .git file: %w", err)
	}
	line := strings.TrimSpace(string(content))
	if !strings.HasPrefix(line, "gitdir: ") {
		return "", fmt.Errorf("unexpected .git file format: %s", line)
	}
	return strings.TrimPrefix(line, "gitdir: "), nil
}

// isRegisteredWorktree reports whether path is listed in git's
// worktree registry. Symlinks are resolved before comparing because
// git reports resolved paths (e.g. /private/tmp on macOS).
func (r *Repo) isRegisteredWorktree(ctx context.Context, path string) (bool, error) {
	output, err := r.git(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return false, err
	}
	want, err := filepath.EvalSymlinks(path)
	if err != nil {
		want, err = filepath.Abs(path)
		if err != nil {
			return false, err
		}
	}
	for _, line := range strings.Split(output, "\n") {
		if !strings.HasPrefix(line, "worktree ") {
			continue
		}
		got := strings.TrimSpace(strings.TrimPrefix(line, "worktree "))
		if resolved, err := filepath.EvalSymlinks(got); err == nil {
			got = resolved
		}
		if got == want {
			return true, nil
		}
	}
	return false, nil
}
