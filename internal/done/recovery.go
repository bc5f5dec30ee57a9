package done

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lumenflow/lumenflow/internal/gitutil"
	"github.com/lumenflow/lumenflow/internal/wuerr"
)

// RecoveryMarker is the per-WU retry counter persisted at
// <stateDir>/recovery/<WU-N>.recovery while a zombie completion is in flight.
type RecoveryMarker struct {
	Attempts    int    `json:"attempts"`
	LastAttempt string `json:"lastAttempt"`
}

func loadRecoveryMarker(path string) (RecoveryMarker, error) {
	var m RecoveryMarker
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return m, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("decode recovery marker %s: %w", path, err)
	}
	return m, nil
}

// incrementRecovery bumps the attempt counter via read-modify-write and
// returns the new count.
func (e *Engine) incrementRecovery(id string) (int, error) {
	path := e.paths.RecoveryMarker(id)
	m, err := loadRecoveryMarker(path)
	if err != nil {
		return 0, err
	}
	m.Attempts++
	m.LastAttempt = e.Now().UTC().Format(time.RFC3339)
	b, err := json.Marshal(m)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return 0, err
	}
	return m.Attempts, nil
}

func (e *Engine) clearRecovery(id string) {
	err := os.Remove(e.paths.RecoveryMarker(id))
	if err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(e.Out, "warning: could not clear recovery marker for %s: %v\n", id, err)
	}
}

// countCompletionAttempts returns how many consecutive commits at the tip of
// HEAD are completion commits for this WU (subject prefix "wu(WU-N): done").
func countCompletionAttempts(g *gitutil.Git, id string) (int, error) {
	out, err := g.Raw("log", "--format=%s", "origin/main..HEAD")
	if err != nil {
		// No origin/main (fresh repo): nothing to squash.
		return 0, nil
	}
	prefix := fmt.Sprintf("wu(%s): done", id)
	n := 0
	for _, subject := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if !strings.HasPrefix(subject, prefix) {
			break
		}
		n++
	}
	return n, nil
}

// squashCompletionAttempts soft-resets the previous completion commits so a
// retried wu:done produces exactly one commit. File contents stay staged.
func squashCompletionAttempts(g *gitutil.Git, id string) (int, error) {
	n, err := countCompletionAttempts(g, id)
	if err != nil || n == 0 {
		return 0, err
	}
	if err := g.ResetSoft(fmt.Sprintf("HEAD~%d", n)); err != nil {
		return 0, wuerr.Wrap(wuerr.KindGit, id, err, "squash %d previous completion attempts", n)
	}
	return n, nil
}

// recoverZombie handles a WU whose worktree YAML says done but whose stamp
// never reached origin/main. Returns the attempt number, or an error when
// the bounded retry budget is exhausted.
func (e *Engine) recoverZombie(id string) (int, error) {
	marker, err := loadRecoveryMarker(e.paths.RecoveryMarker(id))
	if err != nil {
		return 0, err
	}
	if marker.Attempts >= e.MaxRecoveryAttempts {
		return 0, wuerr.New(wuerr.KindRecoveryLoop, id,
			"completion recovery attempted %d times without reaching main; manual intervention required",
			marker.Attempts).WithTryNext(
			"git -C "+e.WorkDir+" log --oneline origin/main..HEAD",
			"rm "+e.paths.RecoveryMarker(id)+"  # after resolving, to re-arm recovery",
		)
	}
	attempts, err := e.incrementRecovery(id)
	if err != nil {
		return 0, err
	}
	if n, err := squashCompletionAttempts(e.work, id); err != nil {
		return 0, err
	} else if n > 0 {
		fmt.Fprintf(e.Out, "recovery: squashed %d previous completion attempt(s) for %s\n", n, id)
	}
	return attempts, nil
}
