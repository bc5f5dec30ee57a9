package wu

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/lumenflow/lumenflow/internal/wuerr"
)

// Issue describes one validation finding on a WU doc.
type Issue struct {
	Field   string
	Msg     string
	Fixable bool
}

func (i Issue) String() string { return i.Field + ": " + i.Msg }

const minDescriptionLen = 50

var priorities = map[string]bool{"P0": true, "P1": true, "P2": true, "P3": true}

// DetectIssues validates the doc and returns every finding. Fixable issues are
// normalisation gaps that ApplyFixes can repair in place.
func DetectIssues(d *Doc) []Issue {
	var issues []Issue
	if _, err := ParseID(d.ID); err != nil {
		issues = append(issues, Issue{Field: "id", Msg: err.Error()})
	} else if canonical, _ := ParseID(d.ID); canonical != d.ID {
		issues = append(issues, Issue{Field: "id", Msg: fmt.Sprintf("non-canonical id %q", d.ID), Fixable: true})
	}
	if strings.TrimSpace(d.Title) == "" {
		issues = append(issues, Issue{Field: "title", Msg: "title is required"})
	}
	if strings.TrimSpace(d.Lane) == "" {
		issues = append(issues, Issue{Field: "lane", Msg: "lane is required"})
	} else if !strings.Contains(d.Lane, ":") {
		issues = append(issues, Issue{Field: "lane", Msg: fmt.Sprintf("lane %q must be of the form \"Category: Name\"", d.Lane)})
	}
	if d.Type == "" {
		issues = append(issues, Issue{Field: "type", Msg: "type missing, defaults to feature", Fixable: true})
	} else if _, err := ParseType(string(d.Type)); err != nil {
		issues = append(issues, Issue{Field: "type", Msg: err.Error()})
	}
	if d.Status == "" {
		issues = append(issues, Issue{Field: "status", Msg: "status missing, defaults to ready", Fixable: true})
	} else if !d.Status.Valid() {
		issues = append(issues, Issue{Field: "status", Msg: fmt.Sprintf("invalid status %q", d.Status)})
	}
	if d.Priority == "" {
		issues = append(issues, Issue{Field: "priority", Msg: "priority missing, defaults to P2", Fixable: true})
	} else if !priorities[strings.ToUpper(d.Priority)] {
		issues = append(issues, Issue{Field: "priority", Msg: fmt.Sprintf("invalid priority %q (want P0..P3)", d.Priority)})
	} else if strings.ToUpper(d.Priority) != d.Priority {
		issues = append(issues, Issue{Field: "priority", Msg: "priority not upper-case", Fixable: true})
	}
	if d.ClaimedMode != "" {
		if _, err := ParseClaimedMode(string(d.ClaimedMode)); err != nil {
			issues = append(issues, Issue{Field: "claimed_mode", Msg: err.Error()})
		}
	}
	if d.Locked && d.Status != StatusDone {
		issues = append(issues, Issue{Field: "locked", Msg: "locked requires status=done"})
	}
	if d.Status == StatusDone && d.CompletedAt == "" {
		issues = append(issues, Issue{Field: "completed_at", Msg: "status=done requires completed_at"})
	}
	if d.CompletedAt != "" && d.Completed == "" {
		issues = append(issues, Issue{Field: "completed", Msg: "completed date out of sync with completed_at", Fixable: true})
	}
	return issues
}

// ApplyFixes repairs every fixable issue in place and reports whether the doc
// changed. Running it twice is a no-op.
func ApplyFixes(d *Doc) bool {
	changed := false
	if canonical, err := ParseID(d.ID); err == nil && canonical != d.ID {
		d.ID = canonical
		changed = true
	}
	if d.Type == "" {
		d.Type = TypeFeature
		changed = true
	}
	if d.Status == "" {
		d.Status = StatusReady
		changed = true
	}
	if d.Priority == "" {
		d.Priority = "P2"
		changed = true
	} else if up := strings.ToUpper(d.Priority); priorities[up] && up != d.Priority {
		d.Priority = up
		changed = true
	}
	if d.CompletedAt != "" && d.Completed == "" && len(d.CompletedAt) >= 10 {
		d.Completed = d.CompletedAt[:10]
		changed = true
	}
	return changed
}

// ValidateAndNormalize applies fixes, then fails on any remaining issue.
// Returns whether the doc was mutated.
func ValidateAndNormalize(d *Doc) (bool, error) {
	changed := ApplyFixes(d)
	var remaining []string
	for _, iss := range DetectIssues(d) {
		if !iss.Fixable {
			remaining = append(remaining, iss.String())
		}
	}
	if len(remaining) > 0 {
		return changed, wuerr.New(wuerr.KindValidation, d.ID, "invalid WU spec: %s", strings.Join(remaining, "; "))
	}
	return changed, nil
}

// ValidateDone checks completion-time completeness requirements.
func ValidateDone(d *Doc) error {
	var problems []string
	if len(strings.TrimSpace(d.Description)) < minDescriptionLen {
		problems = append(problems, fmt.Sprintf("description must be at least %d characters", minDescriptionLen))
	}
	if len(d.Acceptance) == 0 {
		problems = append(problems, "acceptance criteria are required")
	}
	switch d.Type {
	case TypeDocumentation, TypeProcess, TypeChore:
		// Tests optional for non-code work.
	default:
		if len(d.Tests) == 0 {
			problems = append(problems, fmt.Sprintf("tests are required for type %q", d.Type))
		}
	}
	if len(problems) > 0 {
		return wuerr.New(wuerr.KindValidation, d.ID, "WU not ready for completion: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ValidateCodePathsCommitted checks that no file matched by the doc's
// code_paths globs is dirty or untracked in the given porcelain status output.
func ValidateCodePathsCommitted(d *Doc, porcelain string) error {
	if len(d.CodePaths) == 0 {
		return nil
	}
	var offending []string
	for _, line := range strings.Split(porcelain, "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		// Renames are reported as "old -> new"; the new path is what matters.
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}
		path = strings.Trim(path, `"`)
		for _, glob := range d.CodePaths {
			ok, err := doublestar.Match(glob, path)
			if err != nil {
				return wuerr.New(wuerr.KindValidation, d.ID, "invalid code_paths glob %q: %v", glob, err)
			}
			if ok {
				offending = append(offending, path)
				break
			}
		}
	}
	if len(offending) > 0 {
		sort.Strings(offending)
		return (&wuerr.Error{
			Kind:  wuerr.KindValidation,
			WUID:  d.ID,
			Msg:   fmt.Sprintf("code_paths have uncommitted changes: %s", strings.Join(offending, ", ")),
			Paths: offending,
		}).WithTryNext("git add -A && git commit", "git status")
	}
	return nil
}
