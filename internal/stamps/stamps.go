// Package stamps manages WU completion stamps. A stamp on main is the
// durable cross-check against YAML status=done.
package stamps

import (
	"fmt"
	"os"
	"strings"

	"github.com/lumenflow/lumenflow/internal/gitutil"
	"github.com/lumenflow/lumenflow/internal/wu"
)

// Render produces the exact stamp file content:
//
//	WU <id> — <title>
//	Completed: <YYYY-MM-DD>
func Render(id, title, date string) string {
	return fmt.Sprintf("WU %s — %s\nCompleted: %s\n", id, title, date)
}

// Parse extracts id, title and date from stamp content. Tolerant of trailing
// whitespace, strict on shape.
func Parse(content string) (id, title, date string, err error) {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	if len(lines) < 2 {
		return "", "", "", fmt.Errorf("stamp must have two lines")
	}
	head := strings.TrimPrefix(lines[0], "WU ")
	if head == lines[0] {
		return "", "", "", fmt.Errorf("stamp first line must start with %q", "WU ")
	}
	parts := strings.SplitN(head, " — ", 2)
	if len(parts) != 2 {
		return "", "", "", fmt.Errorf("stamp first line missing title separator")
	}
	id, err = wu.ParseID(parts[0])
	if err != nil {
		return "", "", "", err
	}
	title = parts[1]
	date = strings.TrimSpace(strings.TrimPrefix(lines[1], "Completed:"))
	if date == strings.TrimSpace(lines[1]) {
		return "", "", "", fmt.Errorf("stamp second line must start with %q", "Completed:")
	}
	return id, title, date, nil
}

// Tracker answers whether a stamp is recognised by the repository, so repairs
// never act on untracked local artifacts.
type Tracker struct {
	Paths wu.Paths
	Git   *gitutil.Git
}

// ExistsLocal reports whether the stamp file exists in the working tree.
func (t *Tracker) ExistsLocal(id string) bool {
	_, err := os.Stat(t.Paths.Stamp(id))
	return err == nil
}

// TrackedOnRef reports whether the stamp is present at the given ref
// (typically "origin/main").
func (t *Tracker) TrackedOnRef(id, ref string) (bool, error) {
	return t.Git.LsTree(ref, t.Paths.StampRel(id))
}

// Tracked reports whether the stamp exists and git knows about it (present in
// the index or HEAD), distinguishing engine-written stamps from stray files.
func (t *Tracker) Tracked(id string) (bool, error) {
	if !t.ExistsLocal(id) {
		return false, nil
	}
	out, err := t.Git.Raw("ls-files", "--", t.Paths.StampRel(id))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}
