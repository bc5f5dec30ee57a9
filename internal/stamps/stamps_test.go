package stamps

import (
	"strings"
	"testing"
)

func TestRenderParseRoundTrip(t *testing.T) {
	content := Render("WU-100", "Ship the widget", "2026-08-24")
	if content != "WU WU-100 — Ship the widget\nCompleted: 2026-08-24\n" {
		t.Fatalf("render: %q", content)
	}
	id, title, date, err := Parse(content)
	if err != nil {
		t.Fatal(err)
	}
	if id != "WU-100" || title != "Ship the widget" || date != "2026-08-24" {
		t.Fatalf("parse: %q %q %q", id, title, date)
	}
}

func TestParse_RejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"WU WU-1 — only one line\n",
		"nope\nCompleted: 2026-01-01\n",
		"WU WU-1 no separator\nCompleted: 2026-01-01\n",
		"WU WU-0 — zero id\nCompleted: 2026-01-01\n",
		"WU WU-1 — t\nFinished: 2026-01-01\n",
	}
	for _, c := range bad {
		if _, _, _, err := Parse(c); err == nil {
			t.Fatalf("expected failure for %q", c)
		}
	}
}

func TestParse_TitleWithDashes(t *testing.T) {
	id, title, _, err := Parse(Render("WU-7", "fix — the — thing", "2026-01-01"))
	if err != nil || id != "WU-7" || !strings.Contains(title, "the") {
		t.Fatalf("%q %q %v", id, title, err)
	}
}
