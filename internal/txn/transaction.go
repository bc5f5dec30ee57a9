// Package txn implements the atomic multi-file write buffer used for WU
// metadata mutations, plus the snapshot/restore pair that rolls files back
// when a post-transaction git operation fails.
package txn

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/lumenflow/lumenflow/internal/wuerr"
)

type Write struct {
	Path        string
	Content     []byte
	Description string
}

// Tx buffers file writes so that validation happens before any byte touches
// disk. A Tx is single-use: once committed or aborted it refuses new writes.
type Tx struct {
	pending   []Write
	committed bool
	aborted   bool
}

func New() *Tx { return &Tx{} }

// AddWrite enqueues a pending write. Content may be empty but not nil.
func (t *Tx) AddWrite(path string, content []byte, description string) error {
	if t.committed {
		return wuerr.New(wuerr.KindTransaction, "", "transaction already committed")
	}
	if t.aborted {
		return wuerr.New(wuerr.KindTransaction, "", "transaction already aborted")
	}
	t.pending = append(t.pending, Write{Path: path, Content: content, Description: description})
	return nil
}

// Pending returns the queued writes in order.
func (t *Tx) Pending() []Write { return t.pending }

// PendingPaths returns the paths of all queued writes.
func (t *Tx) PendingPaths() []string {
	paths := make([]string, 0, len(t.pending))
	for _, w := range t.pending {
		paths = append(paths, w.Path)
	}
	return paths
}

type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Validate checks the buffer without touching disk. Invalid iff there are no
// pending writes or any write carries nil content.
func (t *Tx) Validate() ValidationResult {
	var errs []string
	if len(t.pending) == 0 {
		errs = append(errs, "transaction has no pending writes")
	}
	for _, w := range t.pending {
		if w.Content == nil {
			errs = append(errs, fmt.Sprintf("write %q has undefined content", w.Path))
		}
		if w.Path == "" {
			errs = append(errs, "write has empty path")
		}
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

type CommitResult struct {
	Success bool
	Written []string
	Failed  []string
}

// Commit writes every pending file, creating parent directories as needed.
// On success the buffer is cleared and the transaction is sealed.
func (t *Tx) Commit() (CommitResult, error) {
	if t.committed {
		return CommitResult{}, wuerr.New(wuerr.KindTransaction, "", "transaction already committed")
	}
	if t.aborted {
		return CommitResult{}, wuerr.New(wuerr.KindTransaction, "", "transaction already aborted")
	}
	if v := t.Validate(); !v.Valid {
		return CommitResult{Failed: t.PendingPaths()},
			wuerr.New(wuerr.KindTransaction, "", "transaction invalid: %v", v.Errors)
	}
	var res CommitResult
	for _, w := range t.pending {
		if err := os.MkdirAll(filepath.Dir(w.Path), 0o755); err != nil {
			res.Failed = append(res.Failed, w.Path)
			return res, wuerr.Wrap(wuerr.KindTransaction, "", err, "mkdir for %s (%s)", w.Path, w.Description)
		}
		if err := os.WriteFile(w.Path, w.Content, 0o644); err != nil {
			res.Failed = append(res.Failed, w.Path)
			return res, wuerr.Wrap(wuerr.KindTransaction, "", err, "write %s (%s)", w.Path, w.Description)
		}
		res.Written = append(res.Written, w.Path)
	}
	res.Success = true
	t.pending = nil
	t.committed = true
	return res, nil
}

// Abort discards pending writes. Calling Abort on a committed transaction is
// a warning-level no-op; the files are already on disk.
func (t *Tx) Abort() {
	if t.committed {
		fmt.Fprintln(os.Stderr, "warning: abort called on committed transaction (no-op)")
		return
	}
	t.aborted = true
	t.pending = nil
}

// Snapshot captures the current content of each path (nil marks a file that
// does not exist yet) so Restore can revert a failed post-commit sequence.
type Snapshot struct {
	entries map[string][]byte
}

func TakeSnapshot(paths []string) (*Snapshot, error) {
	s := &Snapshot{entries: make(map[string][]byte, len(paths))}
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				s.entries[p] = nil
				continue
			}
			return nil, wuerr.Wrap(wuerr.KindTransaction, "", err, "snapshot %s", p)
		}
		s.entries[p] = b
	}
	return s, nil
}

// Restore writes every snapshotted path back to its captured content,
// deleting files that did not exist at snapshot time. Best-effort: it keeps
// going on individual failures and returns the first error.
func (s *Snapshot) Restore() error {
	var firstErr error
	for p, content := range s.entries {
		var err error
		if content == nil {
			err = os.Remove(p)
			if os.IsNotExist(err) {
				err = nil
			}
		} else {
			if mkErr := os.MkdirAll(filepath.Dir(p), 0o755); mkErr == nil {
				err = os.WriteFile(p, content, 0o644)
			} else {
				err = mkErr
			}
		}
		if err != nil && firstErr == nil {
			firstErr = wuerr.Wrap(wuerr.KindTransaction, "", err, "restore %s", p)
		}
	}
	return firstErr
}

// Paths returns the snapshotted paths.
func (s *Snapshot) Paths() []string {
	out := make([]string, 0, len(s.entries))
	for p := range s.entries {
		out = append(out, p)
	}
	return out
}
