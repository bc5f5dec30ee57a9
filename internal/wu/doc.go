package wu

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Status string

const (
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusWaiting    Status = "waiting"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
)

func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusReady:
		return StatusReady, nil
	case StatusInProgress:
		return StatusInProgress, nil
	case StatusBlocked:
		return StatusBlocked, nil
	case StatusWaiting:
		return StatusWaiting, nil
	case StatusDone:
		return StatusDone, nil
	case StatusCancelled:
		return StatusCancelled, nil
	default:
		return "", fmt.Errorf("invalid status %q", s)
	}
}

func (s Status) Valid() bool {
	_, err := ParseStatus(string(s))
	return err == nil
}

// Terminal reports whether the status has no outgoing transitions.
func (s Status) Terminal() bool { return s == StatusDone || s == StatusCancelled }

// Active reports whether a WU in this status owns a worktree.
func (s Status) Active() bool { return s == StatusInProgress || s == StatusBlocked }

type Type string

const (
	TypeFeature       Type = "feature"
	TypeBug           Type = "bug"
	TypeDocumentation Type = "documentation"
	TypeProcess       Type = "process"
	TypeTooling       Type = "tooling"
	TypeChore         Type = "chore"
	TypeRefactor      Type = "refactor"
)

func ParseType(s string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(s))) {
	case TypeFeature, TypeBug, TypeDocumentation, TypeProcess, TypeTooling, TypeChore, TypeRefactor:
		return Type(strings.ToLower(strings.TrimSpace(s))), nil
	default:
		return "", fmt.Errorf("invalid type %q", s)
	}
}

type ClaimedMode string

const (
	ModeWorktree   ClaimedMode = "worktree"
	ModeBranchOnly ClaimedMode = "branch-only"
	ModeBranchPR   ClaimedMode = "branch-pr"
)

func ParseClaimedMode(s string) (ClaimedMode, error) {
	switch ClaimedMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeWorktree, ModeBranchOnly, ModeBranchPR:
		return ClaimedMode(strings.ToLower(strings.TrimSpace(s))), nil
	case "":
		return ModeWorktree, nil
	default:
		return "", fmt.Errorf("invalid claimed_mode %q", s)
	}
}

// Doc is the persisted WU spec (one YAML file per WU under the WU dir).
type Doc struct {
	ID          string      `yaml:"id"`
	Title       string      `yaml:"title"`
	Lane        string      `yaml:"lane"`
	Type        Type        `yaml:"type"`
	Status      Status      `yaml:"status"`
	Priority    string      `yaml:"priority"`
	Created     string      `yaml:"created,omitempty"`
	Completed   string      `yaml:"completed,omitempty"`
	CompletedAt string      `yaml:"completed_at,omitempty"`
	Locked      bool        `yaml:"locked,omitempty"`
	Description string      `yaml:"description"`
	Acceptance  []string    `yaml:"acceptance"`
	CodePaths   []string    `yaml:"code_paths,omitempty"`
	Tests       []string    `yaml:"tests,omitempty"`
	Initiative  string      `yaml:"initiative,omitempty"`
	ParentWUID  string      `yaml:"parent_wu_id,omitempty"`
	Claimed     string      `yaml:"claimed_branch,omitempty"`
	ClaimedMode ClaimedMode `yaml:"claimed_mode,omitempty"`
	Worktree    string      `yaml:"worktree_path,omitempty"`
	SpecRefs    []string    `yaml:"spec_refs,omitempty"`
	Plan        []string    `yaml:"plan,omitempty"`
}

// DecodeDoc strictly decodes a single-document WU YAML.
func DecodeDoc(b []byte) (*Doc, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var d Doc
	if err := dec.Decode(&d); err != nil {
		return nil, err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return nil, err
	}
	return &d, nil
}

// LoadDoc reads and decodes the WU YAML at path.
func LoadDoc(path string) (*Doc, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	d, err := DecodeDoc(b)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return d, nil
}

// Encode renders the doc as YAML with stable 2-space indentation.
func (d *Doc) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarkDone flips the doc to the completed state at the given instant.
func (d *Doc) MarkDone(now time.Time) {
	d.Status = StatusDone
	d.Locked = true
	d.CompletedAt = now.UTC().Format(time.RFC3339)
	d.Completed = now.UTC().Format("2006-01-02")
}
