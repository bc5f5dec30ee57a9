// Package consistency detects and repairs drift between the engine's four
// artifact surfaces: WU YAML, completion stamps, the operations markdown
// files, and git worktrees/branches. Detection is read-only; repair runs in
// a micro-worktree so the user's checkout is never mutated in place.
package consistency

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lumenflow/lumenflow/internal/gitutil"
	"github.com/lumenflow/lumenflow/internal/mdfile"
	"github.com/lumenflow/lumenflow/internal/stamps"
	"github.com/lumenflow/lumenflow/internal/wu"
)

type Kind string

const (
	YAMLDoneStatusInProgress Kind = "YAML_DONE_STATUS_IN_PROGRESS"
	BacklogDualSection       Kind = "BACKLOG_DUAL_SECTION"
	YAMLDoneNoStamp          Kind = "YAML_DONE_NO_STAMP"
	OrphanWorktreeDone       Kind = "ORPHAN_WORKTREE_DONE"
	StampExistsYAMLNotDone   Kind = "STAMP_EXISTS_YAML_NOT_DONE"
	MissingWorktreeClaimed   Kind = "MISSING_WORKTREE_CLAIMED"
)

// Issue is one detected drift for one WU. The six kinds are independent; a
// single WU can carry several at once.
type Issue struct {
	Kind           Kind
	WUID           string
	Detail         string
	AutoRepairable bool
	// WorktreePath and Branch locate the orphan for ORPHAN_WORKTREE_DONE.
	WorktreePath string
	Branch       string
}

type Detector struct {
	Paths  wu.Paths
	Git    *gitutil.Git
	Stamps *stamps.Tracker
}

func NewDetector(paths wu.Paths, git *gitutil.Git) *Detector {
	return &Detector{Paths: paths, Git: git, Stamps: &stamps.Tracker{Paths: paths, Git: git}}
}

// DetectWU runs all six predicates against one WU.
func (d *Detector) DetectWU(id string) ([]Issue, error) {
	id, err := wu.ParseID(id)
	if err != nil {
		return nil, err
	}
	doc, err := wu.LoadDoc(d.Paths.WUYAML(id))
	if err != nil {
		return nil, err
	}
	return d.detect(id, doc)
}

// DetectAll scans every WU YAML under the spec dir, skipping TEMPLATE.yaml
// and files that do not parse. Issues come back sorted by WU number.
func (d *Detector) DetectAll() ([]Issue, error) {
	entries, err := os.ReadDir(d.Paths.WUDirAbs())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var all []Issue
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == "TEMPLATE.yaml" || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		id, err := wu.ParseID(strings.TrimSuffix(name, ".yaml"))
		if err != nil {
			continue
		}
		doc, err := wu.LoadDoc(filepath.Join(d.Paths.WUDirAbs(), name))
		if err != nil {
			continue
		}
		issues, err := d.detect(id, doc)
		if err != nil {
			return nil, err
		}
		all = append(all, issues...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return wu.IDNumber(all[i].WUID) < wu.IDNumber(all[j].WUID)
	})
	return all, nil
}

func (d *Detector) detect(id string, doc *wu.Doc) ([]Issue, error) {
	var issues []Issue
	statusMD := readOrEmpty(d.Paths.Status())
	backlogMD := readOrEmpty(d.Paths.Backlog())
	marker := d.Paths.YAMLMarker(id)

	stampTracked, err := d.Stamps.Tracked(id)
	if err != nil {
		return nil, err
	}

	if doc.Status == wu.StatusDone {
		if mdfile.InSection(statusMD, mdfile.SectionInProgress, marker) {
			issues = append(issues, Issue{
				Kind: YAMLDoneStatusInProgress, WUID: id, AutoRepairable: true,
				Detail: "status.md still lists the WU under In progress",
			})
		}
		if !stampTracked {
			issues = append(issues, Issue{
				Kind: YAMLDoneNoStamp, WUID: id, AutoRepairable: true,
				Detail: "no tracked completion stamp",
			})
		}
		if branch, path := d.FindWorktree(id); branch != "" || path != "" {
			issues = append(issues, Issue{
				Kind: OrphanWorktreeDone, WUID: id, AutoRepairable: true,
				Detail: fmt.Sprintf("worktree/branch %s still exists after completion", branch),
				Branch: branch, WorktreePath: path,
			})
		}
	}

	if mdfile.InSection(backlogMD, mdfile.SectionDone, marker) &&
		mdfile.InSection(backlogMD, mdfile.SectionInProgress, marker) {
		issues = append(issues, Issue{
			Kind: BacklogDualSection, WUID: id, AutoRepairable: true,
			Detail: "backlog.md lists the WU in both Done and In progress",
		})
	}

	if stampTracked && doc.Status != wu.StatusDone {
		issues = append(issues, Issue{
			Kind: StampExistsYAMLNotDone, WUID: id, AutoRepairable: true,
			Detail: fmt.Sprintf("tracked stamp but YAML status is %s", doc.Status),
		})
	}

	if doc.ClaimedMode == wu.ModeWorktree && doc.Status.Active() {
		path := doc.Worktree
		if path == "" {
			path = d.Paths.WorktreePath(doc.Lane, id)
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			issues = append(issues, Issue{
				Kind: MissingWorktreeClaimed, WUID: id, AutoRepairable: false,
				Detail: fmt.Sprintf("claimed in worktree mode but %s is missing", path),
				WorktreePath: path,
			})
		}
	}

	return issues, nil
}

// FindWorktree locates a live worktree or local branch that carries the WU id
// as a whole token. Word-boundary matching keeps WU-204 from claiming wu-2049.
func (d *Detector) FindWorktree(id string) (branch, path string) {
	pattern := wu.IDMatchPattern(id)

	if porcelain, err := d.Git.WorktreeList(); err == nil {
		curPath := ""
		for _, line := range strings.Split(porcelain, "\n") {
			switch {
			case strings.HasPrefix(line, "worktree "):
				curPath = strings.TrimPrefix(line, "worktree ")
			case strings.HasPrefix(line, "branch "):
				ref := strings.TrimPrefix(strings.TrimSpace(line), "branch refs/heads/")
				if strings.HasPrefix(ref, "lane/") && pattern.MatchString(ref) {
					return ref, curPath
				}
			}
		}
	}

	if out, err := d.Git.Raw("branch", "--list", "--format=%(refname:short)"); err == nil {
		for _, name := range strings.Split(out, "\n") {
			name = strings.TrimSpace(name)
			if strings.HasPrefix(name, "lane/") && pattern.MatchString(name) {
				return name, ""
			}
		}
	}
	return "", ""
}

func readOrEmpty(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(b)
}
