package wu

import (
	"strings"
	"testing"
	"time"
)

func TestParseID(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"WU-1", "WU-1", true},
		{"wu-204", "WU-204", true},
		{" WU-33 ", "WU-33", true},
		{"WU-0", "", false},
		{"WU-", "", false},
		{"W-12", "", false},
		{"WU-12x", "", false},
	}
	for _, c := range cases {
		got, err := ParseID(c.in)
		if c.ok && (err != nil || got != c.want) {
			t.Fatalf("ParseID(%q) = %q, %v; want %q", c.in, got, err, c.want)
		}
		if !c.ok && err == nil {
			t.Fatalf("ParseID(%q) should fail", c.in)
		}
	}
}

func TestExtractID_WordBoundary(t *testing.T) {
	if got := ExtractID("platform-core-wu-204"); got != "WU-204" {
		t.Fatalf("got %q", got)
	}
	if got := ExtractID("no id here"); got != "" {
		t.Fatalf("got %q", got)
	}
	// wu-2049 must not match a search for WU-204.
	p := IDMatchPattern("WU-204")
	if p.MatchString("lane/core/wu-2049") {
		t.Fatal("WU-204 pattern matched wu-2049")
	}
	if !p.MatchString("lane/core/wu-204") {
		t.Fatal("WU-204 pattern missed wu-204")
	}
}

func TestNamingConventions(t *testing.T) {
	if got := Kebab("Platform: Core Infra"); got != "platform-core-infra" {
		t.Fatalf("Kebab: %q", got)
	}
	if got := LaneBranch("Platform: Core", "WU-7"); got != "lane/platform-core/wu-7" {
		t.Fatalf("LaneBranch: %q", got)
	}
	if got := SpecBranch("WU-7"); got != "spec/wu-7" {
		t.Fatalf("SpecBranch: %q", got)
	}
	if got := TempBranch("wu-done", "WU-7"); got != "tmp/wu-done/wu-7" {
		t.Fatalf("TempBranch: %q", got)
	}
	if got := WorktreeDirName("Platform: Core", "WU-7"); got != "platform-core-wu-7" {
		t.Fatalf("WorktreeDirName: %q", got)
	}
}

func TestYAMLMarkerFollowsWUDir(t *testing.T) {
	p := DefaultPaths("/repo")
	if got := p.YAMLMarker("WU-7"); got != "(wu/WU-7.yaml)" {
		t.Fatalf("default marker: %q", got)
	}
	p.WUDir = "work-items"
	if got := p.YAMLMarker("WU-7"); got != "(work-items/WU-7.yaml)" {
		t.Fatalf("overridden marker: %q", got)
	}
}

func TestDoneCommitSubjectTruncation(t *testing.T) {
	long := strings.Repeat("x", 200)
	s := DoneCommitSubject("WU-1", long)
	if len(s) != MaxCommitSubject {
		t.Fatalf("subject length %d, want %d", len(s), MaxCommitSubject)
	}
	if !strings.HasPrefix(s, "wu(WU-1): done - ") {
		t.Fatalf("subject prefix: %q", s)
	}
}

func validDoc() *Doc {
	return &Doc{
		ID:          "WU-10",
		Title:       "Ship the widget",
		Lane:        "Platform: Core",
		Type:        TypeFeature,
		Status:      StatusInProgress,
		Priority:    "P1",
		Description: strings.Repeat("widget shipping work with enough detail to pass ", 2),
		Acceptance:  []string{"widget ships"},
		Tests:       []string{"go test ./..."},
	}
}

func TestDetectAndApplyFixes_Idempotent(t *testing.T) {
	d := validDoc()
	d.ID = "wu-10"
	d.Type = ""
	d.Priority = "p1"
	d.CompletedAt = "2026-08-20T10:00:00Z"
	d.Completed = ""
	d.Status = StatusDone
	d.Locked = true

	fixable := 0
	for _, iss := range DetectIssues(d) {
		if iss.Fixable {
			fixable++
		}
	}
	if fixable == 0 {
		t.Fatal("expected fixable issues")
	}
	if !ApplyFixes(d) {
		t.Fatal("first ApplyFixes should report a change")
	}
	if ApplyFixes(d) {
		t.Fatal("second ApplyFixes should be a no-op")
	}
	if d.ID != "WU-10" || d.Type != TypeFeature || d.Priority != "P1" || d.Completed != "2026-08-20" {
		t.Fatalf("fixes not applied: %+v", d)
	}
	for _, iss := range DetectIssues(d) {
		if iss.Fixable {
			t.Fatalf("fixable issue survived ApplyFixes: %v", iss)
		}
	}
}

func TestValidateAndNormalize_RejectsInvalid(t *testing.T) {
	d := validDoc()
	d.Lane = "no-colon"
	if _, err := ValidateAndNormalize(d); err == nil {
		t.Fatal("expected lane validation failure")
	}
	d = validDoc()
	d.Locked = true // locked but not done
	if _, err := ValidateAndNormalize(d); err == nil {
		t.Fatal("expected locked/status failure")
	}
}

func TestValidateDone(t *testing.T) {
	d := validDoc()
	if err := ValidateDone(d); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	d.Description = "too short"
	if err := ValidateDone(d); err == nil {
		t.Fatal("expected description failure")
	}
	d = validDoc()
	d.Tests = nil
	if err := ValidateDone(d); err == nil {
		t.Fatal("expected tests failure for feature type")
	}
	d.Type = TypeDocumentation
	if err := ValidateDone(d); err != nil {
		t.Fatalf("documentation WU should not need tests: %v", err)
	}
}

func TestValidateCodePathsCommitted(t *testing.T) {
	d := validDoc()
	d.CodePaths = []string{"internal/**/*.go"}
	if err := ValidateCodePathsCommitted(d, ""); err != nil {
		t.Fatalf("clean tree: %v", err)
	}
	porcelain := " M internal/core/widget.go\n?? docs/notes.md\n"
	if err := ValidateCodePathsCommitted(d, porcelain); err == nil {
		t.Fatal("expected dirty code_paths failure")
	}
	// Dirty files outside the globs are fine.
	if err := ValidateCodePathsCommitted(d, "?? docs/notes.md\n"); err != nil {
		t.Fatalf("unrelated dirt: %v", err)
	}
	// Renames use the destination path.
	if err := ValidateCodePathsCommitted(d, "R  old.go -> internal/core/new.go\n"); err == nil {
		t.Fatal("expected rename destination to match")
	}
}

func TestDocRoundTripAndMarkDone(t *testing.T) {
	d := validDoc()
	d.MarkDone(time.Date(2026, 8, 24, 12, 30, 0, 0, time.UTC))
	if d.Status != StatusDone || !d.Locked || d.Completed != "2026-08-24" {
		t.Fatalf("MarkDone: %+v", d)
	}
	b, err := d.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeDoc(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != d.ID || got.Status != StatusDone || got.CompletedAt != d.CompletedAt {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestDecodeDoc_RejectsUnknownFieldsAndMultiDoc(t *testing.T) {
	if _, err := DecodeDoc([]byte("id: WU-1\nbogus_field: 1\n")); err == nil {
		t.Fatal("unknown field should fail strict decode")
	}
	if _, err := DecodeDoc([]byte("id: WU-1\n---\nid: WU-2\n")); err == nil {
		t.Fatal("multi-document YAML should fail")
	}
}
