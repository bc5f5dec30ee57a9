package spawn

import (
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	p, err := Create("WU-12", "Implement the parser.\n\nWith a blank line.")
	if err != nil {
		t.Fatal(err)
	}
	if p.SpawnID == "" {
		t.Fatal("spawn id missing")
	}
	got, err := Parse(Serialize(p))
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != p.Content || got.ParentWUID != "WU-12" || got.SpawnID != p.SpawnID {
		t.Fatalf("round trip: %+v", got)
	}
}

func TestParse_DetectsTampering(t *testing.T) {
	p, _ := Create("WU-1", "original content")
	wire := Serialize(p)

	mutated := strings.Replace(wire, "original", "mutated", 1)
	if _, err := Parse(mutated); err == nil || !strings.Contains(err.Error(), "checksum") {
		t.Fatalf("mutation should fail checksum, got %v", err)
	}

	truncated := strings.Replace(wire, "SPAWN_END\n", "", 1)
	if _, err := Parse(truncated); err == nil || !strings.Contains(err.Error(), "SPAWN_END") {
		t.Fatalf("truncation should fail on sentinel, got %v", err)
	}
}

func TestCreate_RejectsBadParent(t *testing.T) {
	if _, err := Create("TASK-1", "x"); err == nil {
		t.Fatal("expected parent id validation failure")
	}
}
