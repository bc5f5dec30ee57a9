package wuctx

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/lumenflow/lumenflow/internal/config"
	"github.com/lumenflow/lumenflow/internal/wu"
)

func gitRun(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test",
		"GIT_AUTHOR_EMAIL=test@test",
		"GIT_COMMITTER_NAME=test",
		"GIT_COMMITTER_EMAIL=test@test",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "repo")
	if err := os.MkdirAll(filepath.Join(dir, "wu"), 0o755); err != nil {
		t.Fatal(err)
	}
	gitRun(t, dir, "init", "-b", "main")
	gitRun(t, dir, "config", "user.name", "test")
	gitRun(t, dir, "config", "user.email", "test@test")
	writeWU(t, dir, "WU-7", "in_progress")
	gitRun(t, dir, "add", "-A")
	gitRun(t, dir, "commit", "-m", "initial")
	return dir
}

func writeWU(t *testing.T, repo, id, status string) {
	t.Helper()
	doc := "id: " + id + "\ntitle: Context fixture\nlane: \"Platform: Core\"\ntype: feature\npriority: P2\nstatus: " + status + "\n"
	if err := os.WriteFile(filepath.Join(repo, "wu", id+".yaml"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newResolver(repo string) *Resolver {
	cfg := &config.File{}
	cfg.Engine.BranchDrift = config.BranchDrift{Info: 10, Warning: 15, Max: 20}
	return &Resolver{
		RepoRoot:   repo,
		Paths:      wu.DefaultPaths(repo),
		Thresholds: cfg.Engine.BranchDrift,
	}
}

func TestCompute_LocationClassification(t *testing.T) {
	repo := initRepo(t)
	r := newResolver(repo)

	c, err := r.Compute(context.Background(), Request{CWD: repo})
	if err != nil {
		t.Fatal(err)
	}
	if c.Location != LocationMain || c.WorktreeWUID != "" {
		t.Fatalf("main checkout: %+v", c)
	}
	if c.Git == nil || c.Git.Branch != "main" || c.Git.Err != "" {
		t.Fatalf("git state: %+v", c.Git)
	}

	c, err = r.Compute(context.Background(), Request{CWD: filepath.Join(t.TempDir(), "platform-core-wu-7")})
	if err != nil {
		t.Fatal(err)
	}
	if c.Location != LocationWorktree || c.WorktreeWUID != "WU-7" {
		t.Fatalf("worktree dir name: %+v", c)
	}

	c, err = r.Compute(context.Background(), Request{CWD: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if c.Location != LocationOutside {
		t.Fatalf("outside: %+v", c)
	}
}

func TestCompute_WorktreeIDIsWordBounded(t *testing.T) {
	r := newResolver(initRepo(t))
	c, err := r.Compute(context.Background(), Request{CWD: filepath.Join(t.TempDir(), "wu-2049x")})
	if err != nil {
		t.Fatal(err)
	}
	if c.Location != LocationOutside {
		t.Fatalf("wu token needs a word boundary: %+v", c)
	}
}

func TestCompute_WUStateConsistent(t *testing.T) {
	repo := initRepo(t)
	r := newResolver(repo)
	c, err := r.Compute(context.Background(), Request{CWD: repo, WUID: "WU-7"})
	if err != nil {
		t.Fatal(err)
	}
	if c.WU == nil || !c.WU.Exists || !c.WU.IsConsistent {
		t.Fatalf("wu state: %+v", c.WU)
	}
	if c.WU.EffectiveStatus != wu.StatusInProgress {
		t.Fatalf("effective status: %v", c.WU.EffectiveStatus)
	}
	if c.WorktreeGit != nil {
		t.Fatal("no worktree exists; worktree git state must be nil")
	}
}

func TestCompute_WorktreeStatusDivergence(t *testing.T) {
	repo := initRepo(t)
	r := newResolver(repo)

	// Worktree on lane/platform-core/wu-7 advances the YAML to done
	// without main seeing it.
	wt := filepath.Join(filepath.Dir(repo), "worktrees", "platform-core-wu-7")
	gitRun(t, repo, "worktree", "add", "-b", "lane/platform-core/wu-7", wt, "main")
	writeWU(t, wt, "WU-7", "done")
	gitRun(t, wt, "add", "-A")
	gitRun(t, wt, "commit", "-m", "wu(WU-7): done - Context fixture")

	c, err := r.Compute(context.Background(), Request{CWD: repo, WUID: "WU-7"})
	if err != nil {
		t.Fatal(err)
	}
	if c.WU == nil || c.WU.IsConsistent {
		t.Fatalf("divergence not detected: %+v", c.WU)
	}
	if c.WU.EffectiveStatus != wu.StatusDone {
		t.Fatalf("effective status should follow the worktree: %v", c.WU.EffectiveStatus)
	}
	if c.WU.WorktreeBranch != "lane/platform-core/wu-7" {
		t.Fatalf("worktree branch: %q", c.WU.WorktreeBranch)
	}
	// Effective status is done, so the worktree git snapshot is skipped.
	if c.WorktreeGit != nil {
		t.Fatalf("worktree git: %+v", c.WorktreeGit)
	}
}

func TestCompute_WorktreeGitStateForInProgress(t *testing.T) {
	repo := initRepo(t)
	r := newResolver(repo)

	wt := filepath.Join(filepath.Dir(repo), "worktrees", "platform-core-wu-7")
	gitRun(t, repo, "worktree", "add", "-b", "lane/platform-core/wu-7", wt, "main")
	if err := os.WriteFile(filepath.Join(wt, "scratch.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := r.Compute(context.Background(), Request{CWD: repo, WUID: "WU-7"})
	if err != nil {
		t.Fatal(err)
	}
	if c.WorktreeGit == nil {
		t.Fatal("expected worktree git state for in_progress WU")
	}
	if c.WorktreeGit.Branch != "lane/platform-core/wu-7" || !c.WorktreeGit.Dirty {
		t.Fatalf("worktree git: %+v", c.WorktreeGit)
	}
}

func TestCompute_FailSoftOutsideRepo(t *testing.T) {
	r := newResolver(filepath.Join(t.TempDir(), "not-a-repo"))
	c, err := r.Compute(context.Background(), Request{CWD: r.RepoRoot})
	if err != nil {
		t.Fatal(err)
	}
	if c.Git == nil || c.Git.Err == "" {
		t.Fatalf("git read should fail soft: %+v", c.Git)
	}
}

func TestCompute_RejectsBadWUID(t *testing.T) {
	r := newResolver(initRepo(t))
	if _, err := r.Compute(context.Background(), Request{CWD: r.RepoRoot, WUID: "TASK-9"}); err == nil {
		t.Fatal("expected id validation failure")
	}
}

func TestClassifyDrift(t *testing.T) {
	r := newResolver(initRepo(t))
	cases := []struct {
		ahead, behind int
		want          DriftLevel
	}{
		{0, 0, DriftNone},
		{4, 5, DriftNone},
		{6, 5, DriftInfo},
		{10, 5, DriftWarning},
		{12, 8, DriftMax},
	}
	for _, tc := range cases {
		c := &Context{Git: &GitState{Ahead: tc.ahead, Behind: tc.behind}}
		if got := r.classifyDrift(c); got != tc.want {
			t.Errorf("ahead=%d behind=%d: got %v want %v", tc.ahead, tc.behind, got, tc.want)
		}
	}
}
