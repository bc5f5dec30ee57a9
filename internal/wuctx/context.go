// Package wuctx resolves the unified working context for a command
// invocation: where the caller is (main checkout, worktree, outside),
// what git says about that location, and what the referenced WU's
// effective state is. The three sub-reads run in parallel under a soft
// time budget; overrunning the budget is flagged, never fatal.
package wuctx

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lumenflow/lumenflow/internal/config"
	"github.com/lumenflow/lumenflow/internal/gitutil"
	"github.com/lumenflow/lumenflow/internal/wu"
)

type Location string

const (
	LocationMain     Location = "main"
	LocationWorktree Location = "worktree"
	LocationOutside  Location = "outside"
)

// DefaultBudget bounds context computation. Exceeding it sets
// Context.OverBudget for observability; the result is still returned.
const DefaultBudget = 100 * time.Millisecond

// GitState is a fail-soft snapshot of one checkout. When a git read
// fails, Err carries the message and the remaining fields are zero.
type GitState struct {
	Branch        string
	Detached      bool
	Dirty         bool
	StagedPresent bool
	Ahead         int
	Behind        int
	Tracking      string
	ModifiedFiles []string
	Err           string
}

// WUState describes the referenced WU as the caller should see it.
// When a worktree holds a newer status than the main checkout's YAML,
// IsConsistent is false and EffectiveStatus carries the worktree's view.
type WUState struct {
	Exists          bool
	Doc             *wu.Doc
	EffectiveStatus wu.Status
	IsConsistent    bool
	WorktreeBranch  string
	WorktreePath    string
}

type DriftLevel string

const (
	DriftNone    DriftLevel = "none"
	DriftInfo    DriftLevel = "info"
	DriftWarning DriftLevel = "warning"
	DriftMax     DriftLevel = "max"
)

type Request struct {
	CWD       string
	WUID      string
	SessionID string
}

type Context struct {
	Location     Location
	WorktreeWUID string
	SessionID    string
	Git          *GitState
	WU           *WUState
	// WorktreeGit is populated only when running from main against an
	// in_progress WU that has an associated worktree.
	WorktreeGit *GitState
	Drift       DriftLevel
	Elapsed     time.Duration
	OverBudget  bool
}

type Resolver struct {
	RepoRoot   string
	Paths      wu.Paths
	Thresholds config.BranchDrift
	Budget     time.Duration
}

func NewResolver(repoRoot string, cfg *config.File) *Resolver {
	return &Resolver{
		RepoRoot:   repoRoot,
		Paths:      cfg.Paths(repoRoot),
		Thresholds: cfg.Engine.BranchDrift,
		Budget:     DefaultBudget,
	}
}

// Compute resolves the context for req. Location is classified first
// (it gates the other reads); the git and WU sub-reads then run in
// parallel. Sub-read failures are folded into the result, not returned:
// the only error path is request validation.
func (r *Resolver) Compute(ctx context.Context, req Request) (*Context, error) {
	start := time.Now()
	budget := r.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}

	loc, worktreeWUID := r.classifyLocation(req.CWD)

	wuID := req.WUID
	if wuID == "" {
		wuID = worktreeWUID
	}
	if wuID != "" {
		canonical, err := wu.ParseID(wuID)
		if err != nil {
			return nil, err
		}
		wuID = canonical
	}

	out := &Context{
		Location:     loc,
		WorktreeWUID: worktreeWUID,
		SessionID:    req.SessionID,
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		out.Git = readGitState(r.gitDirFor(loc, req.CWD))
		return nil
	})
	if wuID != "" {
		id := wuID
		g.Go(func() error {
			out.WU = r.readWUState(loc, id)
			out.WorktreeGit = r.readWorktreeGit(loc, out.WU)
			return nil
		})
	}
	_ = g.Wait()

	out.Drift = r.classifyDrift(out)
	out.Elapsed = time.Since(start)
	out.OverBudget = out.Elapsed > budget
	return out, nil
}

// classifyLocation decides main/worktree/outside from the path alone.
// A directory whose name carries a wu-<n> token is treated as a
// worktree even when it sits outside the configured worktrees dir.
func (r *Resolver) classifyLocation(cwd string) (Location, string) {
	if cwd == "" {
		return LocationOutside, ""
	}
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return LocationOutside, ""
	}
	root, err := filepath.Abs(r.RepoRoot)
	if err == nil && (abs == root || strings.HasPrefix(abs, root+string(filepath.Separator))) {
		return LocationMain, ""
	}
	if id := wu.ExtractID(filepath.Base(abs)); id != "" {
		return LocationWorktree, id
	}
	wtRoot, err := filepath.Abs(filepath.Join(r.Paths.Root, r.Paths.WorktreesDir))
	if err == nil && strings.HasPrefix(abs, wtRoot+string(filepath.Separator)) {
		return LocationWorktree, wu.ExtractID(abs)
	}
	return LocationOutside, ""
}

func (r *Resolver) gitDirFor(loc Location, cwd string) string {
	if loc == LocationWorktree {
		return cwd
	}
	return r.RepoRoot
}

// readGitState reads one checkout. Every failure is fail-soft.
func readGitState(dir string) *GitState {
	st := &GitState{}
	g := &gitutil.Git{Dir: dir}
	if !g.IsRepo() {
		st.Err = "not a git repository: " + dir
		return st
	}

	branch, err := g.CurrentBranch()
	if err != nil {
		st.Err = err.Error()
		return st
	}
	if branch == "HEAD" {
		st.Detached = true
	} else {
		st.Branch = branch
	}

	if porcelain, err := g.Status(); err == nil {
		for _, line := range strings.Split(porcelain, "\n") {
			if len(line) < 4 {
				continue
			}
			st.Dirty = true
			if line[0] != ' ' && line[0] != '?' {
				st.StagedPresent = true
			}
			st.ModifiedFiles = append(st.ModifiedFiles, strings.TrimSpace(line[3:]))
		}
	} else {
		st.Err = err.Error()
	}

	// Upstream reads fail routinely (no tracking branch); leave the
	// fields zero rather than surfacing an error.
	if tracking, err := g.Raw("rev-parse", "--abbrev-ref", "--symbolic-full-name", "@{upstream}"); err == nil {
		st.Tracking = strings.TrimSpace(tracking)
		if counts, err := g.Raw("rev-list", "--left-right", "--count", "@{upstream}...HEAD"); err == nil {
			fields := strings.Fields(counts)
			if len(fields) == 2 {
				st.Behind, _ = strconv.Atoi(fields[0])
				st.Ahead, _ = strconv.Atoi(fields[1])
			}
		}
	}
	return st
}

// readWUState parses the WU YAML and, from main, cross-checks the
// status against any worktree branch that carries the same WU id.
func (r *Resolver) readWUState(loc Location, wuID string) *WUState {
	st := &WUState{IsConsistent: true}
	doc, err := wu.LoadDoc(r.Paths.WUYAML(wuID))
	if err != nil {
		return st
	}
	st.Exists = true
	st.Doc = doc
	st.EffectiveStatus = doc.Status

	if loc != LocationMain {
		return st
	}
	g := &gitutil.Git{Dir: r.RepoRoot}
	porcelain, err := g.WorktreeList()
	if err != nil {
		return st
	}
	branch, path := worktreeForWU(porcelain, wuID)
	if branch == "" {
		return st
	}
	st.WorktreeBranch = branch
	st.WorktreePath = path

	raw, err := g.Show(branch, r.Paths.WUYAMLRel(wuID))
	if err != nil {
		return st
	}
	wtDoc, err := wu.DecodeDoc([]byte(raw))
	if err != nil {
		return st
	}
	if wtDoc.Status != doc.Status {
		st.IsConsistent = false
		st.EffectiveStatus = wtDoc.Status
	}
	return st
}

func (r *Resolver) readWorktreeGit(loc Location, st *WUState) *GitState {
	if loc != LocationMain || st == nil || !st.Exists || st.WorktreePath == "" {
		return nil
	}
	if st.EffectiveStatus != wu.StatusInProgress {
		return nil
	}
	return readGitState(st.WorktreePath)
}

// worktreeForWU scans `git worktree list --porcelain` output for a
// worktree whose branch carries the WU id as a whole token.
func worktreeForWU(porcelain, wuID string) (branch, path string) {
	pattern := wu.IDMatchPattern(wuID)
	curPath := ""
	for _, line := range strings.Split(porcelain, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			curPath = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			ref := strings.TrimPrefix(line, "branch refs/heads/")
			if pattern.MatchString(ref) {
				return ref, curPath
			}
		}
	}
	return "", ""
}

// classifyDrift grades how far the relevant checkout has diverged from
// its upstream, using the configured thresholds. The worktree checkout
// wins when present; otherwise the main checkout is graded.
func (r *Resolver) classifyDrift(c *Context) DriftLevel {
	st := c.WorktreeGit
	if st == nil {
		st = c.Git
	}
	if st == nil || st.Err != "" {
		return DriftNone
	}
	div := st.Ahead + st.Behind
	t := r.Thresholds
	switch {
	case t.Max > 0 && div >= t.Max:
		return DriftMax
	case t.Warning > 0 && div >= t.Warning:
		return DriftWarning
	case t.Info > 0 && div >= t.Info:
		return DriftInfo
	default:
		return DriftNone
	}
}
