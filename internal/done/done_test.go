package done

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lumenflow/lumenflow/internal/config"
	"github.com/lumenflow/lumenflow/internal/gitutil"
	"github.com/lumenflow/lumenflow/internal/state"
	"github.com/lumenflow/lumenflow/internal/wu"
	"github.com/lumenflow/lumenflow/internal/wuerr"
)

const laneBranch = "lane/platform-core/wu-7"

func gitRun(t *testing.T, workdir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", workdir}, args...)...)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func claimedYAML(status string) string {
	return strings.Join([]string{
		"id: WU-7",
		"title: Harden the completion path",
		`lane: "Platform: Core"`,
		"type: feature",
		"priority: P1",
		"status: " + status,
		"description: >-",
		"  Make the completion sequence atomic across YAML, stamps, markdown and",
		"  the event log so partial failures never strand the repository.",
		"acceptance:",
		"  - every surface agrees after wu done",
		"tests:",
		"  - internal/done",
		"claimed_branch: " + laneBranch,
		"claimed_mode: worktree",
		"",
	}, "\n")
}

// fixture: main checkout with bare origin, plus a claimed worktree on the
// lane branch holding WU-7 in_progress.
func initFixture(t *testing.T) (repo, wt string) {
	t.Helper()
	repo = filepath.Join(t.TempDir(), "repo")
	if err := os.MkdirAll(repo, 0o755); err != nil {
		t.Fatal(err)
	}
	gitRun(t, repo, "init", "-b", "main")
	gitRun(t, repo, "config", "user.name", "test")
	gitRun(t, repo, "config", "user.email", "test@test")
	writeFile(t, filepath.Join(repo, "wu", "WU-7.yaml"), claimedYAML("ready"))
	writeFile(t, filepath.Join(repo, "operations", "backlog.md"),
		"## 🔧 In progress\n\n- WU-7 Harden the completion path (wu/WU-7.yaml)\n\n## ✅ Done\n")
	gitRun(t, repo, "add", "-A")
	gitRun(t, repo, "commit", "-m", "initial")

	bare := t.TempDir()
	if out, err := exec.Command("git", "init", "--bare", "-b", "main", bare).CombinedOutput(); err != nil {
		t.Fatalf("bare init: %v\n%s", err, out)
	}
	gitRun(t, repo, "remote", "add", "origin", bare)
	gitRun(t, repo, "push", "origin", "main")
	gitRun(t, repo, "fetch", "origin")

	wt = filepath.Join(filepath.Dir(repo), "worktrees", "platform-core-wu-7")
	gitRun(t, repo, "worktree", "add", "-b", laneBranch, wt, "main")
	writeFile(t, filepath.Join(wt, "wu", "WU-7.yaml"), claimedYAML("in_progress"))
	gitRun(t, wt, "add", "-A")
	gitRun(t, wt, "commit", "-m", "wu(WU-7): claim")
	return repo, wt
}

func newEngine(t *testing.T, repo, wt string) *Engine {
	t.Helper()
	cfg, err := config.Load(repo)
	if err != nil {
		t.Fatal(err)
	}
	e := NewEngine(repo, wt, cfg)
	e.Out = io.Discard
	return e
}

func TestComplete_HappyPath(t *testing.T) {
	repo, wt := initFixture(t)
	e := newEngine(t, repo, wt)

	res, err := e.Complete(context.Background(), "WU-7")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || !res.Committed || !res.Pushed || !res.Merged || !res.CleanupSafe {
		t.Fatalf("result: %+v", res)
	}

	doc, err := wu.LoadDoc(filepath.Join(wt, "wu", "WU-7.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if doc.Status != wu.StatusDone || !doc.Locked || doc.CompletedAt == "" {
		t.Fatalf("worktree yaml: %+v", doc)
	}

	g := gitutil.New(repo)
	if ok, err := g.LsTree("origin/main", "wu/stamps/WU-7.done"); err != nil || !ok {
		t.Fatalf("stamp not on origin/main: %v %v", ok, err)
	}
	subject, err := g.Raw("log", "-1", "--format=%s", "origin/main")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(subject) != "wu(WU-7): done - Harden the completion path" {
		t.Fatalf("subject: %q", subject)
	}
	backlog, err := g.Show("origin/main", "operations/backlog.md")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(backlog, "## ✅ Done") || strings.Contains(
		strings.SplitN(backlog, "## ✅ Done", 2)[0], "(wu/WU-7.yaml)") {
		t.Fatalf("backlog not moved to Done:\n%s", backlog)
	}

	store := state.NewStore(filepath.Join(wt, ".lumenflow", "state", "wu-events.jsonl"))
	status, found, err := store.DeriveStatus("WU-7")
	if err != nil || !found || status != wu.StatusDone {
		t.Fatalf("derived: %v %v %v", status, found, err)
	}

	sig, err := os.ReadFile(filepath.Join(repo, ".lumenflow", "memory", "signals.jsonl"))
	if err != nil || !strings.Contains(string(sig), "WU-7 completed") {
		t.Fatalf("completion signal: %v\n%s", err, sig)
	}
}

func TestComplete_MainBehindOrigin(t *testing.T) {
	repo, wt := initFixture(t)

	// Advance origin/main by one commit local main does not have.
	writeFile(t, filepath.Join(repo, "other.txt"), "x")
	gitRun(t, repo, "add", "-A")
	gitRun(t, repo, "commit", "-m", "other work")
	gitRun(t, repo, "push", "origin", "main")
	gitRun(t, repo, "checkout", "-q", "main")
	gitRun(t, repo, "reset", "--hard", "HEAD~1")

	e := newEngine(t, repo, wt)
	_, err := e.Complete(context.Background(), "WU-7")
	if !wuerr.IsKind(err, wuerr.KindGit) {
		t.Fatalf("kind: %v (%v)", wuerr.KindOf(err), err)
	}
	if !strings.Contains(err.Error(), "Local main is 1 commit(s) behind origin/main") {
		t.Fatalf("message: %v", err)
	}

	// Guard fires before any writes.
	doc, err2 := wu.LoadDoc(filepath.Join(wt, "wu", "WU-7.yaml"))
	if err2 != nil || doc.Status != wu.StatusInProgress {
		t.Fatalf("yaml touched: %v %+v", err2, doc)
	}
	if _, err := os.Stat(filepath.Join(wt, "wu", "stamps", "WU-7.done")); !os.IsNotExist(err) {
		t.Fatal("stamp written despite guard")
	}
}

func TestComplete_ValidationFailureWritesNothing(t *testing.T) {
	repo, wt := initFixture(t)
	short := strings.Replace(claimedYAML("in_progress"),
		"description: >-\n  Make the completion sequence atomic across YAML, stamps, markdown and\n  the event log so partial failures never strand the repository.",
		"description: too short", 1)
	writeFile(t, filepath.Join(wt, "wu", "WU-7.yaml"), short)
	gitRun(t, wt, "add", "-A")
	gitRun(t, wt, "commit", "-m", "wu(WU-7): shorten description")

	e := newEngine(t, repo, wt)
	_, err := e.Complete(context.Background(), "WU-7")
	if !wuerr.IsKind(err, wuerr.KindValidation) {
		t.Fatalf("kind: %v (%v)", wuerr.KindOf(err), err)
	}
	if _, err := os.Stat(filepath.Join(wt, "wu", "stamps", "WU-7.done")); !os.IsNotExist(err) {
		t.Fatal("stamp written despite validation failure")
	}
}

func TestComplete_ScopeViolationRestoresSnapshot(t *testing.T) {
	repo, wt := initFixture(t)
	// A hook-like rogue file staged before completion runs.
	writeFile(t, filepath.Join(wt, "rogue.txt"), "smuggled")
	gitRun(t, wt, "add", "rogue.txt")

	e := newEngine(t, repo, wt)
	_, err := e.Complete(context.Background(), "WU-7")
	if !wuerr.IsKind(err, wuerr.KindScopeViolation) {
		t.Fatalf("kind: %v (%v)", wuerr.KindOf(err), err)
	}

	doc, err2 := wu.LoadDoc(filepath.Join(wt, "wu", "WU-7.yaml"))
	if err2 != nil || doc.Status != wu.StatusInProgress || doc.Locked {
		t.Fatalf("snapshot not restored: %v %+v", err2, doc)
	}
	if _, err := os.Stat(filepath.Join(wt, "wu", "stamps", "WU-7.done")); !os.IsNotExist(err) {
		t.Fatal("stamp survived rollback")
	}
	head, _ := gitutil.New(wt).Raw("log", "-1", "--format=%s")
	if !strings.HasPrefix(strings.TrimSpace(head), "wu(WU-7): claim") {
		t.Fatalf("unexpected commit: %q", head)
	}
}

func TestComplete_CommitFailureRestoresSnapshot(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("write-permission failures do not apply to root")
	}
	repo, wt := initFixture(t)

	// The stamp is written after the WU YAML and backlog; making its parent
	// directory uncreatable fails the transaction commit partway through.
	wuDir := filepath.Join(wt, "wu")
	if err := os.Chmod(wuDir, 0o555); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(wuDir, 0o755) })

	e := newEngine(t, repo, wt)
	_, err := e.Complete(context.Background(), "WU-7")
	if !wuerr.IsKind(err, wuerr.KindTransaction) {
		t.Fatalf("kind: %v (%v)", wuerr.KindOf(err), err)
	}

	// The YAML was already rewritten when the commit failed; the snapshot
	// must bring every surface back.
	doc, err2 := wu.LoadDoc(filepath.Join(wt, "wu", "WU-7.yaml"))
	if err2 != nil || doc.Status != wu.StatusInProgress || doc.Locked {
		t.Fatalf("snapshot not restored: %v %+v", err2, doc)
	}
	if _, err := os.Stat(filepath.Join(wt, "wu", "stamps", "WU-7.done")); !os.IsNotExist(err) {
		t.Fatal("stamp survived rollback")
	}
	backlog, err2 := os.ReadFile(filepath.Join(wt, "operations", "backlog.md"))
	if err2 != nil {
		t.Fatal(err2)
	}
	want := "## 🔧 In progress\n\n- WU-7 Harden the completion path (wu/WU-7.yaml)\n\n## ✅ Done\n"
	if string(backlog) != want {
		t.Fatalf("backlog not restored:\n%s", backlog)
	}
}

func TestConflictArtifactGuard(t *testing.T) {
	repo, wt := initFixture(t)
	e := newEngine(t, repo, wt)

	if err := e.assertNoConflictArtifactsInIndex("WU-7"); err != nil {
		t.Fatalf("clean index: %v", err)
	}

	writeFile(t, filepath.Join(wt, "conflicted.txt"),
		"<<<<<<< HEAD\nours\n=======\ntheirs\n>>>>>>> lane\n")
	gitRun(t, wt, "add", "conflicted.txt")
	err := e.assertNoConflictArtifactsInIndex("WU-7")
	if err == nil || !strings.Contains(err.Error(), "conflicted.txt") {
		t.Fatalf("staged markers not caught: %v", err)
	}

	// A real git failure must surface instead of silently passing the guard.
	broken := newEngine(t, repo, t.TempDir())
	if err := broken.assertNoConflictArtifactsInIndex("WU-7"); !wuerr.IsKind(err, wuerr.KindGit) {
		t.Fatalf("git failure swallowed: %v", err)
	}
}

func TestComplete_ZombieRecovery(t *testing.T) {
	repo, wt := initFixture(t)

	// A previous completion attempt: YAML done, committed on the lane branch,
	// but never pushed to main and no stamp on origin/main.
	writeFile(t, filepath.Join(wt, "wu", "WU-7.yaml"),
		strings.Replace(claimedYAML("done"), "status: done",
			"status: done\ncompleted_at: 2026-08-20T10:00:00Z\ncompleted: \"2026-08-20\"\nlocked: true", 1))
	gitRun(t, wt, "add", "-A")
	gitRun(t, wt, "commit", "-m", "wu(WU-7): done - Harden the completion path")

	e := newEngine(t, repo, wt)
	res, err := e.Complete(context.Background(), "WU-7")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.RecoveredAttempt != 1 {
		t.Fatalf("result: %+v", res)
	}

	// Exactly one completion commit reached main.
	g := gitutil.New(repo)
	subjects, err := g.Raw("log", "--format=%s", "origin/main")
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, s := range strings.Split(subjects, "\n") {
		if strings.HasPrefix(s, "wu(WU-7): done") {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("want 1 completion commit on main, got %d:\n%s", n, subjects)
	}

	// The marker is cleared after success.
	marker := filepath.Join(repo, ".lumenflow", "state", "recovery", "WU-7.recovery")
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Fatal("recovery marker not cleared")
	}
}

func TestComplete_RecoveryLoopAborts(t *testing.T) {
	repo, wt := initFixture(t)
	writeFile(t, filepath.Join(wt, "wu", "WU-7.yaml"),
		strings.Replace(claimedYAML("done"), "status: done",
			"status: done\ncompleted_at: 2026-08-20T10:00:00Z\ncompleted: \"2026-08-20\"\nlocked: true", 1))
	gitRun(t, wt, "add", "-A")
	gitRun(t, wt, "commit", "-m", "wu(WU-7): done - Harden the completion path")

	marker := filepath.Join(repo, ".lumenflow", "state", "recovery", "WU-7.recovery")
	b, _ := json.Marshal(RecoveryMarker{Attempts: 3, LastAttempt: time.Now().UTC().Format(time.RFC3339)})
	writeFile(t, marker, string(b))

	e := newEngine(t, repo, wt)
	_, err := e.Complete(context.Background(), "WU-7")
	if !wuerr.IsKind(err, wuerr.KindRecoveryLoop) {
		t.Fatalf("kind: %v (%v)", wuerr.KindOf(err), err)
	}

	// Aborting must not touch files: YAML stays done, commit stays in place.
	doc, err2 := wu.LoadDoc(filepath.Join(wt, "wu", "WU-7.yaml"))
	if err2 != nil || doc.Status != wu.StatusDone {
		t.Fatalf("yaml mutated: %v %+v", err2, doc)
	}
	var m RecoveryMarker
	raw, _ := os.ReadFile(marker)
	if err := json.Unmarshal(raw, &m); err != nil || m.Attempts != 3 {
		t.Fatalf("marker mutated: %v %+v", err, m)
	}
}

func TestMergeAppendOnly(t *testing.T) {
	ours := `{"type":"claim","wuId":"WU-1","timestamp":"2026-08-24T10:00:00Z"}
{"type":"complete","wuId":"WU-1","timestamp":"2026-08-24T12:00:00Z"}
`
	theirs := `{"type":"claim","wuId":"WU-1","timestamp":"2026-08-24T10:00:00Z"}
{"type":"claim","wuId":"WU-2","timestamp":"2026-08-24T11:00:00Z"}
`
	merged := mergeAppendOnly(ours, theirs)
	lines := strings.Split(strings.TrimRight(merged, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("want 3 lines:\n%s", merged)
	}
	if !strings.Contains(lines[0], "10:00") || !strings.Contains(lines[1], "11:00") || !strings.Contains(lines[2], "12:00") {
		t.Fatalf("not timestamp-ordered:\n%s", merged)
	}
}

func TestRetryableGitError(t *testing.T) {
	ce := &gitutil.CommandError{Args: []string{"push"}, Stderr: "! [rejected] main -> main (fetch first)", Err: os.ErrInvalid}
	if !retryableGitError(ce) {
		t.Fatal("push rejection must be retryable")
	}
	if retryableGitError(os.ErrNotExist) {
		t.Fatal("unrelated errors must not be retryable")
	}
}
