package txn

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidate_EmptyTransactionInvalid(t *testing.T) {
	tx := New()
	if v := tx.Validate(); v.Valid {
		t.Fatal("empty transaction must be invalid")
	}
	if _, err := tx.Commit(); err == nil {
		t.Fatal("committing an empty transaction must fail")
	}
}

func TestValidate_NilContentInvalid(t *testing.T) {
	tx := New()
	if err := tx.AddWrite(filepath.Join(t.TempDir(), "a"), nil, "nil write"); err != nil {
		t.Fatal(err)
	}
	if v := tx.Validate(); v.Valid {
		t.Fatal("nil content must be invalid")
	}
}

func TestCommit_WritesAllFilesAndSeals(t *testing.T) {
	dir := t.TempDir()
	tx := New()
	a := filepath.Join(dir, "nested", "a.yaml")
	b := filepath.Join(dir, "b.md")
	if err := tx.AddWrite(a, []byte("id: WU-1\n"), "wu yaml"); err != nil {
		t.Fatal(err)
	}
	if err := tx.AddWrite(b, []byte("# backlog\n"), "backlog"); err != nil {
		t.Fatal(err)
	}
	res, err := tx.Commit()
	if err != nil || !res.Success {
		t.Fatalf("commit: %+v %v", res, err)
	}
	for _, p := range []string{a, b} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("missing %s: %v", p, err)
		}
	}
	// Sealed: further writes and commits refuse.
	if err := tx.AddWrite(a, []byte("x"), "late"); err == nil {
		t.Fatal("AddWrite after commit must fail")
	}
	if _, err := tx.Commit(); err == nil {
		t.Fatal("double commit must fail")
	}
}

func TestAbort_DiscardsPendingWrites(t *testing.T) {
	dir := t.TempDir()
	tx := New()
	p := filepath.Join(dir, "a")
	_ = tx.AddWrite(p, []byte("x"), "w")
	tx.Abort()
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Fatal("aborted write must not touch disk")
	}
	if err := tx.AddWrite(p, []byte("x"), "w"); err == nil {
		t.Fatal("AddWrite after abort must fail")
	}
}

func TestSnapshotRestore_RevertsToPreTransactionBytes(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "existing.yaml")
	fresh := filepath.Join(dir, "fresh.done")
	if err := os.WriteFile(existing, []byte("status: in_progress\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	snap, err := TakeSnapshot([]string{existing, fresh})
	if err != nil {
		t.Fatal(err)
	}

	// Simulate the committed transaction mutating both paths.
	if err := os.WriteFile(existing, []byte("status: done\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(fresh, []byte("WU WU-1 — t\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := snap.Restore(); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(existing)
	if err != nil || string(got) != "status: in_progress\n" {
		t.Fatalf("existing not restored: %q %v", got, err)
	}
	if _, err := os.Stat(fresh); !os.IsNotExist(err) {
		t.Fatal("file absent at snapshot time must be deleted on restore")
	}
}
