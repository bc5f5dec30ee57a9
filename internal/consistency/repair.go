package consistency

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lumenflow/lumenflow/internal/gitutil"
	"github.com/lumenflow/lumenflow/internal/mdfile"
	"github.com/lumenflow/lumenflow/internal/stamps"
	"github.com/lumenflow/lumenflow/internal/state"
	"github.com/lumenflow/lumenflow/internal/worktree"
	"github.com/lumenflow/lumenflow/internal/wu"
	"github.com/lumenflow/lumenflow/internal/wuerr"
)

// Skipped records a repair the repairer refused to perform, with the guard
// that stopped it.
type Skipped struct {
	Kind   Kind
	Reason string
}

type Outcome struct {
	WUID     string
	Repaired []Kind
	Skipped  []Skipped
	// TouchedPaths are the repo-relative files rewritten in the micro-worktree.
	TouchedPaths []string
	Committed    bool
}

// Repairer heals auto-repairable drift. File-surface repairs for one WU are
// batched into a single micro-worktree commit; orphan worktree removal acts
// on the live checkout and is guarded separately.
type Repairer struct {
	Paths   wu.Paths
	Git     *gitutil.Git
	Manager *worktree.Manager
	Stamps  *stamps.Tracker
	Remote  string
	// CWD is the caller's working directory, checked before orphan removal.
	CWD string
	Now  func() time.Time
}

func NewRepairer(paths wu.Paths, git *gitutil.Git, cwd string) *Repairer {
	return &Repairer{
		Paths:   paths,
		Git:     git,
		Manager: worktree.NewManager(git),
		Stamps:  &stamps.Tracker{Paths: paths, Git: git},
		Remote:  "origin",
		CWD:     cwd,
		Now:     time.Now,
	}
}

// Repair executes every auto-repairable issue for a single WU. All issues
// must reference the same WU; mixed batches are a caller bug.
func (r *Repairer) Repair(ctx context.Context, issues []Issue) (Outcome, error) {
	out := Outcome{}
	if len(issues) == 0 {
		return out, nil
	}
	out.WUID = issues[0].WUID
	for _, is := range issues {
		if is.WUID != out.WUID {
			return out, wuerr.New(wuerr.KindValidation, out.WUID, "repair batch mixes %s and %s", out.WUID, is.WUID)
		}
	}

	var fileKinds []Issue
	for _, is := range issues {
		switch {
		case !is.AutoRepairable:
			out.Skipped = append(out.Skipped, Skipped{Kind: is.Kind, Reason: "manual intervention required"})
		case is.Kind == OrphanWorktreeDone:
			r.removeOrphan(is, &out)
		default:
			fileKinds = append(fileKinds, is)
		}
	}
	if len(fileKinds) == 0 {
		return out, nil
	}

	_, err := r.Manager.With(ctx, worktree.Options{
		Operation:     "repair",
		WUID:          out.WUID,
		Remote:        r.Remote,
		PushOnly:      true,
		CommitSubject: wu.RepairCommitSubject(out.WUID),
	}, func(dir string) ([]string, error) {
		touched, err := r.applyFileRepairs(dir, out.WUID, fileKinds)
		if err != nil {
			return nil, err
		}
		out.TouchedPaths = touched
		return touched, nil
	})
	if err != nil {
		return out, err
	}
	out.Committed = len(out.TouchedPaths) > 0
	for _, is := range fileKinds {
		out.Repaired = append(out.Repaired, is.Kind)
	}

	// Bring the main checkout up to the repaired state of origin/main.
	_ = r.Git.PullRebaseAutostash(r.Remote, "main")
	return out, nil
}

// applyFileRepairs runs the file-surface repairs inside the micro-worktree
// rooted at dir and returns the repo-relative paths it rewrote.
func (r *Repairer) applyFileRepairs(dir, id string, issues []Issue) ([]string, error) {
	wtPaths := r.Paths.Rebase(dir)
	touched := map[string]bool{}
	now := r.Now()

	doc, err := wu.LoadDoc(wtPaths.WUYAML(id))
	if err != nil {
		return nil, err
	}

	wantDone := doc.Status == wu.StatusDone
	for _, is := range issues {
		switch is.Kind {
		case YAMLDoneStatusInProgress:
			if err := rewriteSection(wtPaths.Status(), mdfile.SectionInProgress, wtPaths.YAMLMarker(id)); err != nil {
				return nil, err
			}
			touched[wtPaths.StatusRel()] = true

		case BacklogDualSection:
			if err := rewriteSection(wtPaths.Backlog(), mdfile.SectionInProgress, wtPaths.YAMLMarker(id)); err != nil {
				return nil, err
			}
			touched[wtPaths.BacklogRel()] = true

		case YAMLDoneNoStamp:
			date := doc.Completed
			if date == "" {
				date = now.UTC().Format("2006-01-02")
			}
			stamp := wtPaths.Stamp(id)
			if err := os.MkdirAll(filepath.Dir(stamp), 0o755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(stamp, []byte(stamps.Render(id, doc.Title, date)), 0o644); err != nil {
				return nil, err
			}
			touched[wtPaths.StampRel(id)] = true

		case StampExistsYAMLNotDone:
			doc.MarkDone(now)
			b, err := doc.Encode()
			if err != nil {
				return nil, err
			}
			if err := os.WriteFile(wtPaths.WUYAML(id), b, 0o644); err != nil {
				return nil, err
			}
			touched[wtPaths.WUYAMLRel(id)] = true
			wantDone = true
		}
	}

	if wantDone {
		appended, err := appendReconciliationEvents(wtPaths, id, now)
		if err != nil {
			return nil, err
		}
		if appended {
			touched[wtPaths.EventLogRel()] = true
		}
	}

	paths := make([]string, 0, len(touched))
	for p := range touched {
		paths = append(paths, p)
	}
	return paths, nil
}

// appendReconciliationEvents emits the claim/complete events the log is
// missing, iff the derived status is not already done.
func appendReconciliationEvents(p wu.Paths, id string, now time.Time) (bool, error) {
	store := &state.Store{Path: p.EventLog()}
	status, found, err := store.DeriveStatus(id)
	if err != nil {
		return false, err
	}
	if found && status == wu.StatusDone {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(p.EventLog()), 0o755); err != nil {
		return false, err
	}
	if !found || status == wu.StatusReady {
		if err := store.Append(state.NewEvent(state.EventClaim, id, now)); err != nil {
			return false, err
		}
	}
	if err := store.Append(state.NewEvent(state.EventComplete, id, now)); err != nil {
		return false, err
	}
	return true, nil
}

// removeOrphan deletes the leftover worktree and branch of a done WU. Three
// guards must all hold before anything is mutated; a violated guard records
// a skip and leaves the worktree alone.
func (r *Repairer) removeOrphan(is Issue, out *Outcome) {
	if is.WorktreePath != "" {
		cwd, _ := filepath.Abs(r.CWD)
		wt, _ := filepath.Abs(is.WorktreePath)
		if cwd == wt || strings.HasPrefix(cwd, wt+string(filepath.Separator)) {
			out.Skipped = append(out.Skipped, Skipped{Kind: is.Kind, Reason: "current directory is inside the worktree"})
			return
		}
		if clean, err := gitutil.New(is.WorktreePath).IsClean(); err != nil || !clean {
			out.Skipped = append(out.Skipped, Skipped{Kind: is.Kind, Reason: "worktree has uncommitted changes"})
			return
		}
	}
	if !r.Stamps.ExistsLocal(is.WUID) {
		out.Skipped = append(out.Skipped, Skipped{Kind: is.Kind, Reason: "no completion stamp; refusing to delete work"})
		return
	}

	if is.WorktreePath != "" {
		if err := r.Git.WorktreeRemove(is.WorktreePath, true); err != nil {
			out.Skipped = append(out.Skipped, Skipped{Kind: is.Kind, Reason: fmt.Sprintf("worktree remove failed: %v", err)})
			return
		}
		_ = r.Git.WorktreePrune()
	}
	if is.Branch != "" {
		if r.Git.BranchExists(is.Branch) {
			if err := r.Git.DeleteBranch(is.Branch, true); err != nil {
				out.Skipped = append(out.Skipped, Skipped{Kind: is.Kind, Reason: fmt.Sprintf("branch delete failed: %v", err)})
				return
			}
		}
		// Remote deletion is best-effort; the remote branch may never have
		// been pushed.
		_, _ = r.Git.Raw("push", r.Remote, "--delete", is.Branch)
	}
	out.Repaired = append(out.Repaired, is.Kind)
}

func rewriteSection(path, heading, marker string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	next, changed := mdfile.RemoveFromSection(string(b), heading, marker)
	if !changed {
		return nil
	}
	return os.WriteFile(path, []byte(next), 0o644)
}
