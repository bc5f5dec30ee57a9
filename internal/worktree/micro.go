// Package worktree implements the micro-worktree pattern: every repo-wide
// mutation happens in a disposable worktree on a tmp/ branch, never in the
// user's checkout. Worktree and branch are removed on all exit paths.
package worktree

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/lumenflow/lumenflow/internal/gitutil"
	"github.com/lumenflow/lumenflow/internal/wu"
	"github.com/lumenflow/lumenflow/internal/wuerr"
)

type Options struct {
	// Operation names the mutation (claim, wu-done, spec-write, repair); it
	// becomes part of the temp branch name tmp/<operation>/wu-<n>.
	Operation string
	WUID      string
	// BaseRef is the starting point for the temp branch, typically "origin/main".
	BaseRef string
	// LaneBranch receives the merge when PushOnly is false.
	LaneBranch string
	// PushOnly pushes tmp/...:PushRef straight to origin instead of merging
	// into the lane branch. PushRef defaults to "main".
	PushOnly bool
	PushRef  string
	Remote   string
	// CommitSubject overrides the default "<operation>(WU-N): engine mutation".
	CommitSubject string
	// AfterMerge runs after the lane-branch merge (e.g. integrate into main).
	AfterMerge func(repo *gitutil.Git) error
}

// Result reports what With did.
type Result struct {
	TempBranch   string
	WorktreePath string
	StagedFiles  []string
	Pushed       bool
	Merged       bool
}

// FindWorktreeByBranch parses `git worktree list --porcelain` output and
// returns the filesystem path of the worktree holding the branch, or "".
func FindWorktreeByBranch(porcelain, branch string) string {
	ref := "refs/heads/" + branch
	var path string
	for _, block := range strings.Split(porcelain, "\n\n") {
		blockPath := ""
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "worktree "):
				blockPath = strings.TrimPrefix(line, "worktree ")
			case strings.HasPrefix(line, "branch "):
				if strings.TrimSpace(strings.TrimPrefix(line, "branch ")) == ref {
					path = blockPath
				}
			}
		}
		if path != "" {
			return path
		}
	}
	return ""
}

// Manager creates and destroys micro-worktrees against one repository.
type Manager struct {
	Repo *gitutil.Git
}

func NewManager(repo *gitutil.Git) *Manager { return &Manager{Repo: repo} }

// CleanupOrphaned removes any worktree checked out on the temp branch and
// deletes the branch itself. Idempotent; used pre-create and on exit.
func (m *Manager) CleanupOrphaned(tempBranch string) error {
	porcelain, err := m.Repo.WorktreeList()
	if err != nil {
		return err
	}
	if path := FindWorktreeByBranch(porcelain, tempBranch); path != "" {
		if err := m.Repo.WorktreeRemove(path, true); err != nil {
			return err
		}
	}
	_ = m.Repo.WorktreePrune()
	if m.Repo.BranchExists(tempBranch) {
		if err := m.Repo.DeleteBranch(tempBranch, true); err != nil {
			return err
		}
	}
	return nil
}

// Mutate is the caller's closure: it runs inside the micro-worktree and
// returns the repo-relative paths to stage. Deletions are captured because
// staging uses add -A semantics.
type Mutate func(worktreeDir string) (stage []string, err error)

// With performs opts.Operation in a fresh micro-worktree. The worktree and
// temp branch are removed on success, error and cancellation alike.
func (m *Manager) With(ctx context.Context, opts Options, fn Mutate) (res Result, err error) {
	if opts.Remote == "" {
		opts.Remote = "origin"
	}
	if opts.BaseRef == "" {
		opts.BaseRef = "origin/main"
	}
	id, idErr := wu.ParseID(opts.WUID)
	if idErr != nil {
		return res, idErr
	}
	tempBranch := wu.TempBranch(opts.Operation, id)
	res.TempBranch = tempBranch

	if err := m.CleanupOrphaned(tempBranch); err != nil {
		return res, wuerr.Wrap(wuerr.KindGit, id, err, "cleanup orphaned micro-worktree %s", tempBranch)
	}

	if err := m.Repo.CreateBranchNoCheckout(tempBranch, opts.BaseRef); err != nil {
		return res, wuerr.Wrap(wuerr.KindGit, id, err, "create temp branch %s from %s", tempBranch, opts.BaseRef)
	}

	dir, err := os.MkdirTemp("", "lumenflow-"+opts.Operation+"-")
	if err != nil {
		_ = m.CleanupOrphaned(tempBranch)
		return res, err
	}
	// MkdirTemp creates the directory; worktree add wants to create it itself.
	_ = os.Remove(dir)

	if err := m.Repo.WorktreeAddExisting(dir, tempBranch); err != nil {
		_ = m.CleanupOrphaned(tempBranch)
		return res, wuerr.Wrap(wuerr.KindGit, id, err, "add micro-worktree at %s", dir)
	}
	res.WorktreePath = dir

	defer func() {
		if cleanupErr := m.cleanup(dir, tempBranch); cleanupErr != nil && err == nil {
			err = cleanupErr
		}
	}()

	if err := ctx.Err(); err != nil {
		return res, err
	}

	stage, err := fn(dir)
	if err != nil {
		return res, err
	}
	res.StagedFiles = stage

	wt := gitutil.New(dir)
	if err := wt.AddWithDeletions(stage); err != nil {
		return res, wuerr.Wrap(wuerr.KindGit, id, err, "stage files in micro-worktree")
	}
	clean, err := wt.IsClean()
	if err != nil {
		return res, err
	}
	if !clean {
		subject := opts.CommitSubject
		if subject == "" {
			subject = fmt.Sprintf("%s(%s): engine mutation", opts.Operation, id)
		}
		if err := wt.Commit(subject); err != nil {
			return res, wuerr.Wrap(wuerr.KindGit, id, err, "commit in micro-worktree")
		}
	}

	if opts.PushOnly {
		ref := opts.PushRef
		if ref == "" {
			ref = "main"
		}
		if err := m.Repo.PushRefspec(opts.Remote, tempBranch, ref); err != nil {
			return res, wuerr.Wrap(wuerr.KindGit, id, err, "push %s:%s", tempBranch, ref)
		}
		res.Pushed = true
		return res, nil
	}

	if opts.LaneBranch != "" {
		lanePath := ""
		porcelain, plErr := m.Repo.WorktreeList()
		if plErr == nil {
			lanePath = FindWorktreeByBranch(porcelain, opts.LaneBranch)
		}
		if lanePath != "" {
			// Lane branch is checked out somewhere: merge there.
			if err := gitutil.New(lanePath).Merge(tempBranch, gitutil.MergeOptions{}); err != nil {
				return res, wuerr.Wrap(wuerr.KindGit, id, err, "merge %s into %s", tempBranch, opts.LaneBranch)
			}
		} else {
			// Not checked out: fast-forward the ref directly.
			if _, err := m.Repo.Raw("fetch", ".", tempBranch+":"+opts.LaneBranch); err != nil {
				return res, wuerr.Wrap(wuerr.KindGit, id, err, "fast-forward %s to %s", opts.LaneBranch, tempBranch)
			}
		}
		res.Merged = true
	}
	if opts.AfterMerge != nil {
		if err := opts.AfterMerge(m.Repo); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (m *Manager) cleanup(dir, tempBranch string) error {
	var firstErr error
	if _, statErr := os.Stat(dir); statErr == nil {
		if err := m.Repo.WorktreeRemove(dir, true); err != nil {
			firstErr = err
			_ = os.RemoveAll(dir)
		}
	}
	if err := m.CleanupOrphaned(tempBranch); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
