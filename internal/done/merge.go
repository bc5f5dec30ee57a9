package done

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lumenflow/lumenflow/internal/gitutil"
	"github.com/lumenflow/lumenflow/internal/retry"
	"github.com/lumenflow/lumenflow/internal/worktree"
	"github.com/lumenflow/lumenflow/internal/wu"
	"github.com/lumenflow/lumenflow/internal/wuerr"
)

// executeMergePhase integrates the completion commit according to the WU's
// claimed mode. worktree and branch-only both land on main through a
// push-only micro-worktree; branch-pr pushes the lane branch and opens a PR.
func (e *Engine) executeMergePhase(ctx context.Context, res *Result, doc *wu.Doc, id, laneBranch string) error {
	mode := doc.ClaimedMode
	if mode == "" {
		mode = wu.ModeWorktree
	}
	if laneBranch == "" {
		return wuerr.New(wuerr.KindGit, id, "no lane branch to integrate (claimed_branch and lane both empty)")
	}

	if mode == wu.ModeBranchPR {
		if err := e.work.Push(e.Remote, laneBranch); err != nil {
			return wuerr.Wrap(wuerr.KindGit, id, err, "push %s", laneBranch)
		}
		res.Pushed = true
		url, err := createPR(e.WorkDir, laneBranch, wu.DoneCommitSubject(id, doc.Title))
		if err != nil {
			// Completion still succeeds; the PR just needs to be opened by hand.
			fmt.Fprintf(e.Out, "warning: pull request not created: %v\n", err)
			return nil
		}
		res.PRURL = url
		return nil
	}

	if err := e.mergeToMain(ctx, id, laneBranch); err != nil {
		return err
	}
	res.Pushed = true
	res.Merged = true
	return nil
}

// mergeToMain integrates laneBranch into origin/main from a disposable
// micro-worktree, retrying with backoff when another agent wins the push race.
func (e *Engine) mergeToMain(ctx context.Context, id, laneBranch string) error {
	mgr := worktree.NewManager(e.repo)
	cfg := e.Retry
	cfg.ShouldRetry = retryableGitError
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		fmt.Fprintf(e.Out, "merge attempt %d failed (%v); retrying in %s\n", attempt, err, delay.Round(time.Millisecond))
	}
	return retry.Do(ctx, cfg, func() error {
		_, err := mgr.With(ctx, worktree.Options{
			Operation: "wu-done",
			WUID:      id,
			PushOnly:  true,
			Remote:    e.Remote,
		}, func(dir string) ([]string, error) {
			return nil, e.integrateLaneBranch(gitutil.New(dir), id, laneBranch)
		})
		return err
	})
}

func (e *Engine) integrateLaneBranch(wt *gitutil.Git, id, laneBranch string) error {
	// The tmp branch starts at origin/main; refresh in case another agent
	// landed since the fetch.
	if err := wt.PullRebaseAutostash(e.Remote, "main"); err != nil {
		return wuerr.Wrap(wuerr.KindGit, id, err, "refresh against %s/main", e.Remote)
	}
	if err := wt.Merge(laneBranch, gitutil.MergeOptions{FFOnly: true}); err == nil {
		return nil
	}
	if e.NoAutoRebase {
		return wuerr.New(wuerr.KindGit, id,
			"lane branch %s does not fast-forward onto main and auto-rebase is disabled", laneBranch).
			WithTryNext("git rebase " + e.Remote + "/main " + laneBranch)
	}
	if err := wt.Merge(laneBranch, gitutil.MergeOptions{}); err != nil {
		if rErr := e.autoResolveAppendOnlyConflicts(wt); rErr != nil {
			_, _ = wt.Raw("merge", "--abort")
			return wuerr.Wrap(wuerr.KindGit, id, err, "merge %s into main (%v)", laneBranch, rErr)
		}
		if _, cErr := wt.Raw("commit", "--no-edit"); cErr != nil {
			_, _ = wt.Raw("merge", "--abort")
			return wuerr.Wrap(wuerr.KindGit, id, cErr, "conclude merge of %s", laneBranch)
		}
	}
	return nil
}

// autoResolveAppendOnlyConflicts resolves merge conflicts that touch only
// append-only surfaces (the event log and stamp files) by keeping both sides.
// Any conflict on another file fails the resolution.
func (e *Engine) autoResolveAppendOnlyConflicts(wt *gitutil.Git) error {
	out, err := wt.Raw("diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return err
	}
	var files []string
	for _, f := range strings.Split(strings.TrimSpace(out), "\n") {
		if f != "" {
			files = append(files, f)
		}
	}
	if len(files) == 0 {
		return fmt.Errorf("merge failed without conflicted files")
	}
	for _, f := range files {
		if !e.isAppendOnly(f) {
			return fmt.Errorf("conflict on non-append-only file %s", f)
		}
		ours, _ := wt.Raw("show", ":2:"+f)
		theirs, _ := wt.Raw("show", ":3:"+f)
		if err := os.WriteFile(filepath.Join(wt.Dir, f), []byte(mergeAppendOnly(ours, theirs)), 0o644); err != nil {
			return err
		}
		if err := wt.Add([]string{f}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) isAppendOnly(rel string) bool {
	rel = filepath.ToSlash(rel)
	if rel == filepath.ToSlash(e.paths.EventLogRel()) {
		return true
	}
	return strings.HasPrefix(rel, filepath.ToSlash(e.paths.StampsDir)+"/")
}

// mergeAppendOnly unions two versions of an append-only file: duplicate lines
// collapse, the rest sort by their embedded timestamp with append order as
// the tiebreak.
func mergeAppendOnly(ours, theirs string) string {
	if ours == theirs {
		return ours
	}
	type entry struct {
		text string
		ts   time.Time
		ord  int
	}
	seen := map[string]bool{}
	var entries []entry
	add := func(content string) {
		for _, line := range strings.Split(content, "\n") {
			if strings.TrimSpace(line) == "" || seen[line] {
				continue
			}
			seen[line] = true
			entries = append(entries, entry{text: line, ts: lineTimestamp(line), ord: len(entries)})
		}
	}
	add(ours)
	add(theirs)
	sort.SliceStable(entries, func(i, j int) bool {
		ti, tj := entries[i].ts, entries[j].ts
		if ti.IsZero() || tj.IsZero() || ti.Equal(tj) {
			return entries[i].ord < entries[j].ord
		}
		return ti.Before(tj)
	})
	var b strings.Builder
	for _, en := range entries {
		b.WriteString(en.text)
		b.WriteByte('\n')
	}
	return b.String()
}

func lineTimestamp(line string) time.Time {
	var probe struct {
		Timestamp string `json:"timestamp"`
		CreatedAt string `json:"created_at"`
	}
	if err := json.Unmarshal([]byte(line), &probe); err != nil {
		return time.Time{}
	}
	raw := probe.Timestamp
	if raw == "" {
		raw = probe.CreatedAt
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts
		}
	}
	return time.Time{}
}

// createPR opens a pull request for the lane branch via the gh CLI.
func createPR(dir, branch, title string) (string, error) {
	if _, err := exec.LookPath("gh"); err != nil {
		return "", fmt.Errorf("gh not found: %w", err)
	}
	cmd := exec.Command("gh", "pr", "create", "--head", branch, "--title", title, "--fill-first")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("gh pr create: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

var retryableGitPatterns = []string{
	"non-fast-forward",
	"fetch first",
	"cannot lock ref",
	"failed to push",
	"[rejected]",
	"stale info",
}

// retryableGitError matches push races: another agent landed on main between
// our fetch and our push. Everything else fails fast.
func retryableGitError(err error) bool {
	msg := err.Error()
	var ce *gitutil.CommandError
	if errors.As(err, &ce) {
		msg += " " + ce.Stderr
	}
	lower := strings.ToLower(msg)
	for _, p := range retryableGitPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
