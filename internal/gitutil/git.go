// Package gitutil is a thin exec-git adapter exposing exactly the operations
// the engine needs. Every mutating call fails with a *CommandError carrying
// stderr for downstream classification.
package gitutil

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// ExitCode returns the git process exit status, or -1 when the command did
// not run to completion. Callers use it where git overloads status 1 with a
// non-error meaning (grep: no matches).
func (e *CommandError) ExitCode() int {
	var ee *exec.ExitError
	if errors.As(e.Err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// Git is a handle bound to one working directory (main checkout, a claimed
// worktree, or a micro-worktree).
type Git struct {
	Dir string
}

func New(dir string) *Git { return &Git{Dir: dir} }

func (g *Git) run(args ...string) (string, error) {
	// Disable background auto-maintenance so frequent engine commits stay
	// deterministic and never spawn long-running helper processes.
	base := []string{
		"-C", g.Dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.Command("git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		return stdout.String(), &CommandError{Args: args, Stdout: stdout.String(), Stderr: stderr.String(), Err: err}
	}
	return stdout.String(), nil
}

// Raw runs an arbitrary git command and returns stdout.
func (g *Git) Raw(args ...string) (string, error) { return g.run(args...) }

func (g *Git) IsRepo() bool {
	out, err := g.run("rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// Status returns porcelain status text for downstream parsing.
func (g *Git) Status() (string, error) {
	return g.run("status", "--porcelain")
}

func (g *Git) IsClean() (bool, error) {
	out, err := g.Status()
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// CommitHash resolves a ref to its full SHA.
func (g *Git) CommitHash(ref string) (string, error) {
	out, err := g.run("rev-parse", ref)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// RevList returns the commit SHAs for the given range spec, newest first.
func (g *Git) RevList(rangeSpec string) ([]string, error) {
	out, err := g.run("rev-list", rangeSpec)
	if err != nil {
		return nil, err
	}
	var shas []string
	for _, line := range strings.Split(out, "\n") {
		if s := strings.TrimSpace(line); s != "" {
			shas = append(shas, s)
		}
	}
	return shas, nil
}

// RevListCount counts commits in the given range spec.
func (g *Git) RevListCount(rangeSpec string) (int, error) {
	out, err := g.run("rev-list", "--count", rangeSpec)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(out))
}

func (g *Git) Fetch(remote, ref string) error {
	_, err := g.run("fetch", remote, ref)
	return err
}

type MergeOptions struct {
	FFOnly bool
}

func (g *Git) Merge(ref string, opts MergeOptions) error {
	args := []string{"merge"}
	if opts.FFOnly {
		args = append(args, "--ff-only")
	}
	args = append(args, ref)
	_, err := g.run(args...)
	return err
}

func (g *Git) Rebase(onto string) error {
	_, err := g.run("rebase", onto)
	return err
}

func (g *Git) RebaseAbort() error {
	_, err := g.run("rebase", "--abort")
	return err
}

func (g *Git) PullRebaseAutostash(remote, branch string) error {
	_, err := g.run("pull", "--rebase", "--autostash", remote, branch)
	return err
}

func (g *Git) Push(remote, branch string) error {
	_, err := g.run("push", remote, branch)
	return err
}

// PushRefspec pushes localRef to remoteRef without checking either out.
func (g *Git) PushRefspec(remote, localRef, remoteRef string) error {
	_, err := g.run("push", remote, localRef+":"+remoteRef)
	return err
}

func (g *Git) CurrentBranch() (string, error) {
	out, err := g.run("branch", "--show-current")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (g *Git) CreateBranch(name, base string) error {
	_, err := g.run("switch", "-c", name, base)
	return err
}

// CreateBranchNoCheckout creates (or resets) a branch at base without
// switching to it.
func (g *Git) CreateBranchNoCheckout(name, base string) error {
	_, err := g.run("branch", "--force", name, base)
	return err
}

func (g *Git) DeleteBranch(name string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := g.run("branch", flag, name)
	return err
}

func (g *Git) BranchExists(name string) bool {
	_, err := g.run("show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

func (g *Git) RemoteBranchExists(remote, name string) (bool, error) {
	out, err := g.run("ls-remote", "--heads", remote, name)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// LsTree reports whether path exists at ref (e.g. "origin/main").
func (g *Git) LsTree(ref, path string) (bool, error) {
	out, err := g.run("ls-tree", ref, "--", path)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// Show returns the content of path at ref.
func (g *Git) Show(ref, path string) (string, error) {
	return g.run("show", ref+":"+path)
}

// WorktreeAddExisting checks an existing branch out into a new worktree.
func (g *Git) WorktreeAddExisting(path, branch string) error {
	_, err := g.run("worktree", "add", path, branch)
	return err
}

func (g *Git) WorktreeRemove(path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	_, err := g.run(args...)
	return err
}

// WorktreeList returns `git worktree list --porcelain` output.
func (g *Git) WorktreeList() (string, error) {
	return g.run("worktree", "list", "--porcelain")
}

func (g *Git) WorktreePrune() error {
	_, err := g.run("worktree", "prune")
	return err
}

func (g *Git) Add(paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	_, err := g.run(append([]string{"add", "--"}, paths...)...)
	return err
}

// AddWithDeletions stages the given paths including deletions (-A). An empty
// list stages the whole tree.
func (g *Git) AddWithDeletions(paths []string) error {
	if len(paths) == 0 {
		_, err := g.run("add", "-A", ".")
		return err
	}
	_, err := g.run(append([]string{"add", "-A", "--"}, paths...)...)
	return err
}

// StagedFiles returns the paths currently in the index diff against HEAD.
func (g *Git) StagedFiles() ([]string, error) {
	out, err := g.run("diff", "--cached", "--name-only")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if s := strings.TrimSpace(line); s != "" {
			files = append(files, s)
		}
	}
	return files, nil
}

func (g *Git) Commit(msg string) error {
	_, err := g.run("commit", "-m", msg)
	if err != nil {
		// Retry once with a fallback identity when none is configured,
		// without mutating repo config.
		if strings.Contains(err.Error(), "Author identity unknown") ||
			strings.Contains(err.Error(), "Please tell me who you are") ||
			strings.Contains(err.Error(), "unable to auto-detect email address") {
			_, err = g.run(
				"-c", "user.name=lumenflow",
				"-c", "user.email=lumenflow@local",
				"commit", "-m", msg,
			)
		}
	}
	return err
}

func (g *Git) ResetHard(ref string) error {
	_, err := g.run("reset", "--hard", ref)
	return err
}

// ResetSoft moves HEAD to ref keeping the tree and index.
func (g *Git) ResetSoft(ref string) error {
	_, err := g.run("reset", "--soft", ref)
	return err
}

func (g *Git) Checkout(ref string) error {
	_, err := g.run("switch", ref)
	return err
}
