// Package done implements the atomic WU completion engine. Completion runs
// as a strict phase sequence: guards, zombie recovery, transition check,
// main-sync guard, metadata transaction, snapshot + commit, git mutation,
// merge to main, post-success bookkeeping. Any failure after the file
// transaction restores the snapshot so no surface is left half-written.
package done

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lumenflow/lumenflow/internal/config"
	"github.com/lumenflow/lumenflow/internal/controlplane"
	"github.com/lumenflow/lumenflow/internal/gitutil"
	"github.com/lumenflow/lumenflow/internal/mdfile"
	"github.com/lumenflow/lumenflow/internal/retry"
	"github.com/lumenflow/lumenflow/internal/signals"
	"github.com/lumenflow/lumenflow/internal/stamps"
	"github.com/lumenflow/lumenflow/internal/state"
	"github.com/lumenflow/lumenflow/internal/txn"
	"github.com/lumenflow/lumenflow/internal/wu"
	"github.com/lumenflow/lumenflow/internal/wuerr"
)

// Result reports what a completed wu:done actually did.
type Result struct {
	Success     bool
	Committed   bool
	Pushed      bool
	Merged      bool
	PRURL       string
	CleanupSafe bool
	// RecoveredAttempt is non-zero when this run went through zombie recovery.
	RecoveredAttempt int
}

// Engine performs wu:done for one repository. WorkDir is where the WU's
// changes live: the claimed worktree in worktree mode, the main checkout on
// the lane branch in the branch modes.
type Engine struct {
	RepoRoot string
	WorkDir  string
	Remote   string

	MaxRecoveryAttempts int
	Retry               retry.Config
	NoAutoRebase        bool

	Bus  *signals.Bus
	Sink *controlplane.Sink
	Now  func() time.Time
	Out  io.Writer

	repo      *gitutil.Git
	work      *gitutil.Git
	paths     wu.Paths
	workPaths wu.Paths
}

func NewEngine(repoRoot, workDir string, cfg *config.File) *Engine {
	paths := cfg.Paths(repoRoot)
	rc := retry.For(retry.PresetWUDone)
	if n := cfg.Engine.Retry.WUDoneMaxAttempts; n > 0 {
		rc.MaxAttempts = n
	}
	return &Engine{
		RepoRoot:            repoRoot,
		WorkDir:             workDir,
		Remote:              cfg.Engine.Remote,
		MaxRecoveryAttempts: cfg.Engine.Retry.RecoveryMaxAttempts,
		Retry:               rc,
		Bus:                 signals.NewBus(paths.SignalsFile(), paths.ReceiptsFile()),
		Sink:                controlplane.NewSink(cfg.Engine.ControlPlane.Endpoint, cfg.Engine.ControlPlane.TokenEnv),
		Now:                 time.Now,
		Out:                 os.Stderr,
		repo:                gitutil.New(repoRoot),
		work:                gitutil.New(workDir),
		paths:               paths,
		workPaths:           paths.Rebase(workDir),
	}
}

// Complete runs the full completion sequence for the WU.
func (e *Engine) Complete(ctx context.Context, rawID string) (Result, error) {
	var res Result
	id, err := wu.ParseID(rawID)
	if err != nil {
		return res, err
	}

	// Phase 0: the worktree YAML must parse before anything else runs.
	doc, err := wu.LoadDoc(e.workPaths.WUYAML(id))
	if err != nil {
		return res, wuerr.Wrap(wuerr.KindValidation, id, err, "load WU spec")
	}

	// Phase 1: zombie recovery. YAML done with no stamp on origin/main means
	// a previous completion never landed.
	if doc.Status == wu.StatusDone {
		onMain, stampErr := e.stampOnOriginMain(id)
		if stampErr == nil && !onMain {
			attempt, err := e.recoverZombie(id)
			if err != nil {
				return res, err
			}
			res.RecoveredAttempt = attempt
			doc.Status = wu.StatusInProgress
			doc.Locked = false
			doc.Completed = ""
			doc.CompletedAt = ""
			if err := e.writeDoc(doc, id); err != nil {
				return res, err
			}
			fmt.Fprintf(e.Out, "recovery: %s reset to in_progress (attempt %d/%d)\n",
				id, attempt, e.MaxRecoveryAttempts)
		}
	}

	// Phase 2.
	if err := state.AssertTransition(doc.Status, wu.StatusDone, id); err != nil {
		return res, err
	}

	// Phase 3.
	if err := e.validateMainNotBehindOrigin(id); err != nil {
		return res, err
	}

	// Phase 4: all validations run before any file is written.
	if _, err := wu.ValidateAndNormalize(doc); err != nil {
		return res, err
	}
	if err := wu.ValidateDone(doc); err != nil {
		return res, err
	}
	porcelain, err := e.work.Status()
	if err != nil {
		return res, wuerr.Wrap(wuerr.KindGit, id, err, "read worktree status")
	}
	if err := wu.ValidateCodePathsCommitted(doc, porcelain); err != nil {
		return res, err
	}

	// Phase 5.
	now := e.Now()
	tx := txn.New()
	allowlist, err := e.collectMetadata(tx, doc, id, now)
	if err != nil {
		tx.Abort()
		return res, err
	}

	// Phase 6.
	snapPaths := append(tx.PendingPaths(), e.workPaths.EventLog())
	snap, err := txn.TakeSnapshot(snapPaths)
	if err != nil {
		tx.Abort()
		return res, err
	}
	if _, err := tx.Commit(); err != nil {
		// Commit writes in order, so a failure partway leaves earlier files
		// (the WU YAML first among them) already rewritten.
		_ = snap.Restore()
		return res, err
	}
	store := &state.Store{Path: e.workPaths.EventLog()}
	ev := state.NewEvent(state.EventComplete, id, now)
	ev.Lane = doc.Lane
	if err := store.Append(ev); err != nil {
		_ = snap.Restore()
		return res, wuerr.Wrap(wuerr.KindTransaction, id, err, "append complete event")
	}
	if err := e.validatePostMutation(store, id); err != nil {
		_ = snap.Restore()
		return res, err
	}

	// Phase 7.
	preCommitSha, laneBranch, err := e.commitMetadata(doc, id, allowlist, snap)
	if err != nil {
		return res, err
	}
	res.Committed = true

	// Phase 8.
	if err := e.executeMergePhase(ctx, &res, doc, id, laneBranch); err != nil {
		return res, e.handleCompletionError(err, id, preCommitSha, snap)
	}

	// Phase 9.
	e.clearRecovery(id)
	if _, err := e.Bus.Create(signals.Signal{
		Message: fmt.Sprintf("%s completed: %s", id, doc.Title),
		WUID:    id,
		Lane:    doc.Lane,
		Type:    "completion",
	}); err != nil {
		fmt.Fprintf(e.Out, "warning: completion signal not recorded: %v\n", err)
	}
	if pr := e.Sink.Push([]controlplane.Event{
		controlplane.NewEvent(controlplane.TaskCompleted, id, doc.Lane, nil, now),
	}); pr.SkippedReason != controlplane.SkipNone &&
		pr.SkippedReason != controlplane.SkipControlPlaneUnconfigured {
		fmt.Fprintf(e.Out, "note: control-plane push skipped (%s)\n", pr.SkippedReason)
	}

	res.Success = true
	res.CleanupSafe = true
	return res, nil
}

func (e *Engine) stampOnOriginMain(id string) (bool, error) {
	t := &stamps.Tracker{Paths: e.paths, Git: e.work}
	return t.TrackedOnRef(id, e.Remote+"/main")
}

func (e *Engine) writeDoc(doc *wu.Doc, id string) error {
	b, err := doc.Encode()
	if err != nil {
		return err
	}
	return os.WriteFile(e.workPaths.WUYAML(id), b, 0o644)
}

// validateMainNotBehindOrigin fetches and refuses to complete when the local
// main ref is behind origin/main. Fail-open only when the fetch itself fails
// (offline, no remote).
func (e *Engine) validateMainNotBehindOrigin(id string) error {
	if err := e.work.Fetch(e.Remote, "main"); err != nil {
		fmt.Fprintf(e.Out, "warning: fetch %s main failed; skipping main-sync guard: %v\n", e.Remote, err)
		return nil
	}
	behind, err := e.work.RevListCount("main.." + e.Remote + "/main")
	if err != nil {
		return nil
	}
	if behind >= 1 {
		return wuerr.New(wuerr.KindGit, id,
			"Local main is %d commit(s) behind %s/main", behind, e.Remote).
			WithTryNext("git pull " + e.Remote + " main")
	}
	return nil
}

// collectMetadata enqueues every file the completion rewrites and returns
// the repo-relative staging allowlist.
func (e *Engine) collectMetadata(tx *txn.Tx, doc *wu.Doc, id string, now time.Time) ([]string, error) {
	doc.MarkDone(now)
	yamlBytes, err := doc.Encode()
	if err != nil {
		return nil, err
	}
	allowlist := []string{e.workPaths.WUYAMLRel(id)}
	if err := tx.AddWrite(e.workPaths.WUYAML(id), yamlBytes, "WU YAML completion"); err != nil {
		return nil, err
	}

	marker := e.workPaths.YAMLMarker(id)
	doneLine := fmt.Sprintf("- %s %s %s", id, doc.Title, marker)
	if content, ok := readFile(e.workPaths.Status()); ok {
		next, changed := mdfile.RemoveFromSection(content, mdfile.SectionInProgress, marker)
		if changed {
			if err := tx.AddWrite(e.workPaths.Status(), []byte(next), "status.md"); err != nil {
				return nil, err
			}
			allowlist = append(allowlist, e.workPaths.StatusRel())
		}
	}
	if content, ok := readFile(e.workPaths.Backlog()); ok {
		next := mdfile.MoveToDone(content, marker, doneLine)
		if next != content {
			if err := tx.AddWrite(e.workPaths.Backlog(), []byte(next), "backlog.md"); err != nil {
				return nil, err
			}
			allowlist = append(allowlist, e.workPaths.BacklogRel())
		}
	}

	stamp := stamps.Render(id, doc.Title, doc.Completed)
	if err := tx.AddWrite(e.workPaths.Stamp(id), []byte(stamp), "completion stamp"); err != nil {
		return nil, err
	}
	allowlist = append(allowlist, e.workPaths.StampRel(id))

	if rel, content, err := e.updateInitiative(doc, id); err != nil {
		return nil, err
	} else if rel != "" {
		if err := tx.AddWrite(filepath.Join(e.WorkDir, rel), content, "initiative"); err != nil {
			return nil, err
		}
		allowlist = append(allowlist, rel)
	}

	allowlist = append(allowlist, e.workPaths.EventLogRel())
	return allowlist, nil
}

// updateInitiative appends the WU to its initiative's completed list when an
// initiative file exists. Absent initiative or file is not an error.
func (e *Engine) updateInitiative(doc *wu.Doc, id string) (rel string, content []byte, err error) {
	if doc.Initiative == "" {
		return "", nil, nil
	}
	rel = filepath.Join(e.workPaths.WUDir, "initiatives", wu.Kebab(doc.Initiative)+".yaml")
	b, readErr := os.ReadFile(filepath.Join(e.WorkDir, rel))
	if readErr != nil {
		return "", nil, nil
	}
	var m map[string]any
	if err := yaml.Unmarshal(b, &m); err != nil {
		return "", nil, fmt.Errorf("decode initiative %s: %w", rel, err)
	}
	var completed []any
	if cur, ok := m["completed_wus"].([]any); ok {
		for _, v := range cur {
			if s, ok := v.(string); ok && s == id {
				return "", nil, nil
			}
		}
		completed = cur
	}
	m["completed_wus"] = append(completed, id)
	out, err := yaml.Marshal(m)
	if err != nil {
		return "", nil, err
	}
	return rel, out, nil
}

// validatePostMutation re-reads every surface the transaction wrote and
// confirms it holds the completed state.
func (e *Engine) validatePostMutation(store *state.Store, id string) error {
	doc, err := wu.LoadDoc(e.workPaths.WUYAML(id))
	if err != nil {
		return wuerr.Wrap(wuerr.KindTransaction, id, err, "post-mutation: WU YAML unreadable")
	}
	if doc.Status != wu.StatusDone || !doc.Locked || doc.CompletedAt == "" {
		return wuerr.New(wuerr.KindTransaction, id, "post-mutation: YAML not in completed state")
	}
	b, err := os.ReadFile(e.workPaths.Stamp(id))
	if err != nil {
		return wuerr.Wrap(wuerr.KindTransaction, id, err, "post-mutation: stamp missing")
	}
	stampID, _, _, err := stamps.Parse(string(b))
	if err != nil || stampID != id {
		return wuerr.New(wuerr.KindTransaction, id, "post-mutation: stamp malformed")
	}
	status, found, err := store.DeriveStatus(id)
	if err != nil {
		return wuerr.Wrap(wuerr.KindTransaction, id, err, "post-mutation: event log unreadable")
	}
	if !found || status != wu.StatusDone {
		return wuerr.New(wuerr.KindTransaction, id, "post-mutation: derived status is %s, want done", status)
	}
	return nil
}

// commitMetadata stages the allowlisted files, enforces the allowlist against
// the actual index, squashes stale completion attempts and commits.
func (e *Engine) commitMetadata(doc *wu.Doc, id string, allowlist []string, snap *txn.Snapshot) (preCommitSha, laneBranch string, err error) {
	fail := func(err error) (string, string, error) {
		_, _ = e.work.Raw("reset")
		_ = snap.Restore()
		return "", "", err
	}

	if err := e.work.AddWithDeletions(allowlist); err != nil {
		return fail(wuerr.Wrap(wuerr.KindGit, id, err, "stage completion metadata"))
	}
	if err := e.validateStagedFiles(id, allowlist); err != nil {
		return fail(err)
	}
	if n, err := squashCompletionAttempts(e.work, id); err != nil {
		return fail(err)
	} else if n > 0 {
		fmt.Fprintf(e.Out, "squashed %d stale completion attempt(s) for %s\n", n, id)
	}

	laneBranch = doc.Claimed
	if laneBranch == "" && doc.Lane != "" {
		laneBranch = wu.LaneBranch(doc.Lane, id)
	}

	if err := e.assertNoConflictArtifactsInIndex(id); err != nil {
		return fail(err)
	}

	preCommitSha, err = e.work.CommitHash("HEAD")
	if err != nil {
		return fail(wuerr.Wrap(wuerr.KindGit, id, err, "resolve HEAD"))
	}
	if err := e.work.Commit(wu.DoneCommitSubject(id, doc.Title)); err != nil {
		return fail(wuerr.Wrap(wuerr.KindGit, id, err, "commit completion metadata"))
	}
	return preCommitSha, laneBranch, nil
}

// validateStagedFiles refuses any staged path outside the allowlist, so a
// hook or formatter cannot smuggle extra changes into the completion commit.
func (e *Engine) validateStagedFiles(id string, allowlist []string) error {
	staged, err := e.work.StagedFiles()
	if err != nil {
		return wuerr.Wrap(wuerr.KindGit, id, err, "list staged files")
	}
	allowed := make(map[string]bool, len(allowlist))
	for _, p := range allowlist {
		allowed[filepath.ToSlash(p)] = true
	}
	var rogue []string
	for _, p := range staged {
		if !allowed[filepath.ToSlash(p)] {
			rogue = append(rogue, p)
		}
	}
	if len(rogue) > 0 {
		verr := wuerr.New(wuerr.KindScopeViolation, id,
			"staged files outside completion allowlist: %s", strings.Join(rogue, ", "))
		verr.Paths = rogue
		return verr
	}
	return nil
}

func (e *Engine) assertNoConflictArtifactsInIndex(id string) error {
	out, err := e.work.Raw("grep", "--cached", "-l", "-e", "<<<<<<< ")
	if err != nil {
		// Only exit status 1 means no matches; anything else is a real git
		// failure and must not silently disable the guard.
		var cmdErr *gitutil.CommandError
		if errors.As(err, &cmdErr) && cmdErr.ExitCode() == 1 {
			return nil
		}
		return wuerr.Wrap(wuerr.KindGit, id, err, "scan index for conflict artifacts")
	}
	if files := strings.TrimSpace(out); files != "" {
		return wuerr.New(wuerr.KindGit, id, "conflict artifacts in index: %s",
			strings.Join(strings.Split(files, "\n"), ", "))
	}
	return nil
}

// handleCompletionError rolls the branch back to preCommitSha, restores the
// file snapshot and re-throws. It never swallows the error.
func (e *Engine) handleCompletionError(err error, id, preCommitSha string, snap *txn.Snapshot) error {
	if preCommitSha != "" {
		if head, hErr := e.work.CommitHash("HEAD"); hErr == nil && head != preCommitSha {
			_ = e.work.ResetSoft(preCommitSha)
			_, _ = e.work.Raw("reset")
		}
	}
	if snap != nil {
		_ = snap.Restore()
	}
	var we *wuerr.Error
	if errors.As(err, &we) {
		if len(we.TryNext) == 0 {
			we.WithTryNext(
				"git -C "+e.WorkDir+" status",
				"re-run wu done "+id+" after resolving",
			)
		}
		return we
	}
	return wuerr.Wrap(wuerr.KindGit, id, err, "completion rolled back to %s", shortSha(preCommitSha))
}

func shortSha(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

func readFile(path string) (string, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return string(b), true
}
