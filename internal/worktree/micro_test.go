package worktree

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lumenflow/lumenflow/internal/gitutil"
)

// initTestRepo builds a repo with a bare origin whose main is pushed, so
// origin/main resolves.
func initTestRepo(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	run := func(workdir string, args ...string) {
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
	run(dir, "init", "-b", "main")
	run(dir, "config", "user.name", "test")
	run(dir, "config", "user.email", "test@test")
	if err := os.WriteFile(filepath.Join(dir, "initial.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	run(dir, "add", "-A")
	run(dir, "commit", "-m", "initial")

	bare := t.TempDir()
	if out, err := exec.Command("git", "init", "--bare", "-b", "main", bare).CombinedOutput(); err != nil {
		t.Fatalf("bare init: %v\n%s", err, out)
	}
	run(dir, "remote", "add", "origin", bare)
	run(dir, "push", "origin", "main")
	run(dir, "fetch", "origin")
	return dir, bare
}

func TestFindWorktreeByBranch(t *testing.T) {
	porcelain := strings.Join([]string{
		"worktree /repo",
		"HEAD aaaa",
		"branch refs/heads/main",
		"",
		"worktree /tmp/lf-x",
		"HEAD bbbb",
		"branch refs/heads/tmp/wu-done/wu-7",
		"",
	}, "\n")
	if got := FindWorktreeByBranch(porcelain, "tmp/wu-done/wu-7"); got != "/tmp/lf-x" {
		t.Fatalf("got %q", got)
	}
	if got := FindWorktreeByBranch(porcelain, "tmp/wu-done/wu-70"); got != "" {
		t.Fatalf("unexpected match %q", got)
	}
}

func TestWith_PushOnlyMutatesOriginMainOnly(t *testing.T) {
	dir, bare := initTestRepo(t)
	repo := gitutil.New(dir)
	m := NewManager(repo)

	res, err := m.With(context.Background(), Options{
		Operation: "wu-done",
		WUID:      "WU-7",
		PushOnly:  true,
	}, func(wtDir string) ([]string, error) {
		p := filepath.Join(wtDir, "wu", "stamps", "WU-7.done")
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(p, []byte("WU WU-7 — t\nCompleted: 2026-08-24\n"), 0o644); err != nil {
			return nil, err
		}
		return []string{"wu/stamps/WU-7.done"}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Pushed {
		t.Fatal("expected push")
	}

	// Remote main advanced; local main untouched.
	origin := gitutil.New(bare)
	ok, err := origin.LsTree("main", "wu/stamps/WU-7.done")
	if err != nil || !ok {
		t.Fatalf("stamp not on origin main: %v %v", ok, err)
	}
	localClean, _ := repo.IsClean()
	if !localClean {
		t.Fatal("user checkout must stay clean")
	}

	// Micro-worktree invariant: no tmp branch or worktree remains.
	if repo.BranchExists(res.TempBranch) {
		t.Fatal("temp branch leaked")
	}
	porcelain, _ := repo.WorktreeList()
	if strings.Contains(porcelain, res.TempBranch) {
		t.Fatalf("worktree leaked:\n%s", porcelain)
	}
	if _, err := os.Stat(res.WorktreePath); !os.IsNotExist(err) {
		t.Fatal("worktree directory leaked")
	}
}

func TestWith_ErrorStillCleansUp(t *testing.T) {
	dir, _ := initTestRepo(t)
	repo := gitutil.New(dir)
	m := NewManager(repo)

	boom := errors.New("mutation failed")
	res, err := m.With(context.Background(), Options{Operation: "repair", WUID: "WU-3", PushOnly: true},
		func(string) ([]string, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("want mutation error, got %v", err)
	}
	if repo.BranchExists(res.TempBranch) {
		t.Fatal("temp branch leaked after error")
	}
	if res.WorktreePath != "" {
		if _, statErr := os.Stat(res.WorktreePath); !os.IsNotExist(statErr) {
			t.Fatal("worktree dir leaked after error")
		}
	}
}

func TestWith_OrphanSweepBeforeCreate(t *testing.T) {
	dir, _ := initTestRepo(t)
	repo := gitutil.New(dir)
	m := NewManager(repo)

	// Simulate a crashed previous run: orphan temp branch + worktree.
	head, _ := repo.CommitHash("HEAD")
	if err := repo.CreateBranchNoCheckout("tmp/claim/wu-4", head); err != nil {
		t.Fatal(err)
	}
	orphan := filepath.Join(t.TempDir(), "orphan")
	if err := repo.WorktreeAddExisting(orphan, "tmp/claim/wu-4"); err != nil {
		t.Fatal(err)
	}

	_, err := m.With(context.Background(), Options{Operation: "claim", WUID: "WU-4", PushOnly: true},
		func(wtDir string) ([]string, error) {
			return nil, os.WriteFile(filepath.Join(wtDir, "claimed.txt"), []byte("x"), 0o644)
		})
	if err != nil {
		t.Fatalf("orphan should be swept, got %v", err)
	}
	if repo.BranchExists("tmp/claim/wu-4") {
		t.Fatal("temp branch survived")
	}
}

func TestWith_MergeIntoLaneBranch(t *testing.T) {
	dir, _ := initTestRepo(t)
	repo := gitutil.New(dir)
	m := NewManager(repo)
	head, _ := repo.CommitHash("HEAD")
	if err := repo.CreateBranchNoCheckout("lane/core/wu-8", head); err != nil {
		t.Fatal(err)
	}

	res, err := m.With(context.Background(), Options{
		Operation:  "spec-write",
		WUID:       "WU-8",
		LaneBranch: "lane/core/wu-8",
	}, func(wtDir string) ([]string, error) {
		p := filepath.Join(wtDir, "wu", "WU-8.yaml")
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, err
		}
		return []string{"wu/WU-8.yaml"}, os.WriteFile(p, []byte("id: WU-8\n"), 0o644)
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Merged {
		t.Fatal("expected merge")
	}
	ok, err := repo.LsTree("lane/core/wu-8", "wu/WU-8.yaml")
	if err != nil || !ok {
		t.Fatalf("lane branch missing spec: %v %v", ok, err)
	}
	if repo.BranchExists(res.TempBranch) {
		t.Fatal("temp branch leaked")
	}
}
