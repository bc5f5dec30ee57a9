// Package mdfile performs section-scoped edits on the human-editable
// backlog.md and status.md files. WU lines are matched by an exact marker
// substring of the form "(<wu-dir>/WU-N.yaml)", supplied by the caller from
// its path config, so numeric prefixes never collide (WU-208 vs WU-2087).
package mdfile

import "strings"

const (
	SectionInProgress = "## 🔧 In progress"
	SectionDone       = "## ✅ Done"
)

// sectionBounds returns the [start, end) line indexes of the section body
// (excluding the heading), or (-1, -1) when the heading is absent. A section
// ends at the next "## " heading or EOF.
func sectionBounds(lines []string, heading string) (int, int) {
	start := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == heading {
			start = i + 1
			break
		}
	}
	if start == -1 {
		return -1, -1
	}
	end := len(lines)
	for i := start; i < len(lines); i++ {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), "## ") {
			end = i
			break
		}
	}
	return start, end
}

// InSection reports whether any line in the section contains the WU marker.
func InSection(content, heading, marker string) bool {
	lines := strings.Split(content, "\n")
	start, end := sectionBounds(lines, heading)
	if start == -1 {
		return false
	}
	for _, line := range lines[start:end] {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}

// RemoveFromSection drops every line in the section containing the WU's exact
// marker. Returns the new content and whether anything changed.
func RemoveFromSection(content, heading, marker string) (string, bool) {
	lines := strings.Split(content, "\n")
	start, end := sectionBounds(lines, heading)
	if start == -1 {
		return content, false
	}
	var out []string
	changed := false
	for i, line := range lines {
		if i >= start && i < end && strings.Contains(line, marker) {
			changed = true
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n"), changed
}

// AppendToSection appends a line at the end of the section body, creating the
// section at EOF when missing.
func AppendToSection(content, heading, line string) string {
	lines := strings.Split(content, "\n")
	start, end := sectionBounds(lines, heading)
	if start == -1 {
		trimmed := strings.TrimRight(content, "\n")
		if trimmed == "" {
			return heading + "\n\n" + line + "\n"
		}
		return trimmed + "\n\n" + heading + "\n\n" + line + "\n"
	}
	// Insert before trailing blank lines of the section.
	insert := end
	for insert > start && strings.TrimSpace(lines[insert-1]) == "" {
		insert--
	}
	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:insert]...)
	out = append(out, line)
	out = append(out, lines[insert:]...)
	return strings.Join(out, "\n")
}

// MoveToDone removes the WU from In progress and appends it under Done.
// doneLine is the rendered Done entry; it must contain the WU marker.
func MoveToDone(content, marker, doneLine string) string {
	out, _ := RemoveFromSection(content, SectionInProgress, marker)
	if !InSection(out, SectionDone, marker) {
		out = AppendToSection(out, SectionDone, doneLine)
	}
	return out
}
