// Package wu carries the Work Unit data model: identifiers, naming
// conventions, the YAML document schema and its validators.
package wu

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	idPattern       = regexp.MustCompile(`^WU-(\d+)$`)
	idLoosePattern  = regexp.MustCompile(`(?i)\bwu-(\d+)\b`)
	kebabSquashable = regexp.MustCompile(`[^a-z0-9]+`)
)

// ParseID validates and canonicalises a WU identifier. Accepts any case on
// input; the canonical form is upper-case "WU-<N>" with N a non-zero integer.
func ParseID(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	m := idPattern.FindStringSubmatch(s)
	if m == nil {
		return "", fmt.Errorf("invalid WU id %q (want WU-<N>)", raw)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return "", fmt.Errorf("invalid WU id %q: number must be a non-zero integer", raw)
	}
	return "WU-" + m[1], nil
}

// IDNumber returns the numeric part of a canonical WU id.
func IDNumber(id string) int {
	m := idPattern.FindStringSubmatch(id)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// ExtractID finds a WU id embedded in arbitrary text (directory names, branch
// names) using a word-boundary match so WU-204 never matches wu-2049.
// Returns the canonical id or "".
func ExtractID(s string) string {
	m := idLoosePattern.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return "WU-" + m[1]
}

// IDMatchPattern returns a compiled word-boundary regexp matching exactly the
// given WU id (case-insensitive), for use against branch and worktree names.
func IDMatchPattern(id string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\bwu-` + regexp.QuoteMeta(strings.TrimPrefix(strings.ToLower(id), "wu-")) + `\b`)
}

// Kebab lowercases a lane name of the form "Category: Name" into a
// branch-safe slug.
func Kebab(s string) string {
	out := kebabSquashable.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "-")
	return strings.Trim(out, "-")
}

// LaneBranch returns the lane branch name for a WU: lane/<kebab(lane)>/wu-<n>.
func LaneBranch(lane, id string) string {
	return fmt.Sprintf("lane/%s/%s", Kebab(lane), strings.ToLower(id))
}

// SpecBranch returns the spec branch name for a WU: spec/wu-<n>.
func SpecBranch(id string) string {
	return "spec/" + strings.ToLower(id)
}

// TempBranch returns the micro-worktree branch name: tmp/<operation>/wu-<n>.
func TempBranch(operation, id string) string {
	return fmt.Sprintf("tmp/%s/%s", operation, strings.ToLower(id))
}

// WorktreeDirName returns the on-disk worktree directory name for a claimed WU.
func WorktreeDirName(lane, id string) string {
	return fmt.Sprintf("%s-%s", Kebab(lane), strings.ToLower(id))
}

// MaxCommitSubject bounds commit subjects emitted by the engine.
const MaxCommitSubject = 100

// DoneCommitSubject formats the completion commit subject, truncated to
// MaxCommitSubject runes.
func DoneCommitSubject(id, title string) string {
	s := fmt.Sprintf("wu(%s): done - %s", id, title)
	if len(s) > MaxCommitSubject {
		s = s[:MaxCommitSubject]
	}
	return s
}

// RepairCommitSubject formats the consistency-repair commit subject.
func RepairCommitSubject(id string) string {
	return fmt.Sprintf("fix(%s): repair state inconsistency", id)
}
