package wu

import "path/filepath"

// Paths resolves every engine-owned artifact location from the repository
// root. All fields hold repo-relative directory names so the same factory
// serves both the main checkout and micro-worktrees.
type Paths struct {
	Root          string
	WUDir         string // WU YAML specs
	StampsDir     string // completion stamps
	StateDir      string // event log, recovery markers
	MemoryDir     string // signals, receipts
	OperationsDir string // backlog.md, status.md
	WorktreesDir  string // claimed-WU worktrees (outside the repo tree)
	ConfigDir     string // lane inference artifacts
}

// DefaultPaths returns the standard layout rooted at repoRoot.
func DefaultPaths(repoRoot string) Paths {
	return Paths{
		Root:          repoRoot,
		WUDir:         "wu",
		StampsDir:     filepath.Join("wu", "stamps"),
		StateDir:      filepath.Join(".lumenflow", "state"),
		MemoryDir:     filepath.Join(".lumenflow", "memory"),
		OperationsDir: "operations",
		WorktreesDir:  filepath.Join("..", "worktrees"),
		ConfigDir:     ".lumenflow",
	}
}

func (p Paths) abs(rel string) string { return filepath.Join(p.Root, rel) }

// WUYAMLRel returns the repo-relative path of a WU spec file.
func (p Paths) WUYAMLRel(id string) string { return filepath.Join(p.WUDir, id+".yaml") }

// YAMLMarker returns the exact backlog/status line marker for a WU, derived
// from the configured WU dir. Section edits match on this substring so
// WU-208 never collides with WU-2087.
func (p Paths) YAMLMarker(id string) string {
	return "(" + filepath.ToSlash(p.WUYAMLRel(id)) + ")"
}

func (p Paths) WUYAML(id string) string { return p.abs(p.WUYAMLRel(id)) }

// StampRel returns the repo-relative stamp path for a WU.
func (p Paths) StampRel(id string) string { return filepath.Join(p.StampsDir, id+".done") }

func (p Paths) Stamp(id string) string { return p.abs(p.StampRel(id)) }

// EventLogRel returns the repo-relative event log path.
func (p Paths) EventLogRel() string { return filepath.Join(p.StateDir, "wu-events.jsonl") }

func (p Paths) EventLog() string { return p.abs(p.EventLogRel()) }

// RecoveryMarker returns the absolute recovery marker path for a WU.
func (p Paths) RecoveryMarker(id string) string {
	return p.abs(filepath.Join(p.StateDir, "recovery", id+".recovery"))
}

func (p Paths) SignalsFile() string  { return p.abs(filepath.Join(p.MemoryDir, "signals.jsonl")) }
func (p Paths) ReceiptsFile() string { return p.abs(filepath.Join(p.MemoryDir, "signal-receipts.jsonl")) }

func (p Paths) BacklogRel() string { return filepath.Join(p.OperationsDir, "backlog.md") }
func (p Paths) StatusRel() string  { return filepath.Join(p.OperationsDir, "status.md") }
func (p Paths) Backlog() string    { return p.abs(p.BacklogRel()) }
func (p Paths) Status() string     { return p.abs(p.StatusRel()) }

// LaneConfig returns the absolute path of the repo-level lane/config file.
func (p Paths) LaneConfig() string { return p.abs("lumenflow.yaml") }

// WorktreePath returns the absolute worktree checkout path for a claimed WU.
func (p Paths) WorktreePath(lane, id string) string {
	return filepath.Join(p.Root, p.WorktreesDir, WorktreeDirName(lane, id))
}

// WUDirAbs returns the absolute WU spec directory.
func (p Paths) WUDirAbs() string { return p.abs(p.WUDir) }

// Rebase returns a copy of p rooted at a different checkout (micro-worktrees
// share the repo-relative layout).
func (p Paths) Rebase(newRoot string) Paths {
	q := p
	q.Root = newRoot
	return q
}
